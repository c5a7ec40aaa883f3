package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bodgit/sevenzip"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// extract7z unpacks a 7z archive. 7z encrypts either the headers or the
// individual streams; opening the archive and reading the first file covers
// both, so that is the probe run for each password candidate.
func (w *Worker) extract7z(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string) ([]string, error) {
	open := func(pwd string) (*sevenzip.Reader, error) {
		r, err := sevenzip.NewReaderWithPassword(bytes.NewReader(data), int64(len(data)), pwd)
		if err != nil {
			return nil, err
		}
		if err := read7zFirst(r); err != nil {
			return nil, err
		}
		return r, nil
	}

	reader, err := sevenzip.NewReaderWithPassword(bytes.NewReader(data), int64(len(data)), "")
	structural := err != nil
	if err == nil {
		if rerr := read7zFirst(reader); rerr != nil {
			reader, err = nil, rerr
		}
	}
	if reader == nil {
		for _, pwd := range w.passwordCandidates(task) {
			if r, perr := open(pwd); perr == nil {
				reader = r
				break
			}
		}
	}
	if reader == nil {
		if structural {
			// Never opened at all; likely corrupt rather than encrypted.
			return nil, err
		}
		w.passwordFailure(ctx, report, "Encrypted archive, unable to find password")
		return nil, nil
	}

	name := task.File().Name()
	var total uint64
	for _, zf := range reader.File {
		total += zf.UncompressedSize
	}
	if total >= uint64(w.cfg.MaxSizeBytes) {
		w.overflow(report, fmt.Sprintf("File %s too big (%d).", name, total))
		return nil, nil
	}
	if len(reader.File) > w.cfg.MaxFiles {
		w.overflow(report, fmt.Sprintf("Too many files (%d/%d) in the archive", len(reader.File), w.cfg.MaxFiles))
		return nil, nil
	}

	var out []string
	for _, zf := range reader.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return out, err
		}
		path, n, tooBig, werr := w.writeEntry(dest, zf.Name, rc)
		rc.Close()
		if errors.Is(werr, errEmptyEntryName) {
			continue
		}
		if werr != nil {
			return out, werr
		}
		if tooBig {
			w.skipTooBig(report, zf.Name, n)
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

// read7zFirst reads the first regular file in the archive to force stream
// decryption; a wrong password surfaces here as a read error.
func read7zFirst(r *sevenzip.Reader) error {
	for _, zf := range r.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		_, err = io.Copy(io.Discard, rc)
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return nil
}
