package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	aeszip "github.com/yeka/zip"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// extractZip unpacks a zip archive. The first pass uses the standard reader,
// which cannot decrypt at all; any encrypted entry aborts it empty-handed so
// the caller reruns the archive under the AES-capable reader, which also
// handles legacy ZipCrypto.
func (w *Worker) extractZip(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string, aes bool) ([]string, error) {
	if aes {
		return w.extractZipAES(ctx, task, report, data, dest)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var out []string
	for i, zf := range zr.File {
		if i >= w.cfg.MaxFiles {
			w.overflow(report, fmt.Sprintf("Too many files (%d) in the archive, stopping at %d.", len(zr.File), w.cfg.MaxFiles))
			break
		}
		if zf.Flags&0x1 != 0 {
			return nil, nil
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		if int64(zf.UncompressedSize64) > w.cfg.MaxSizeBytes {
			w.skipTooBig(report, zf.Name, int64(zf.UncompressedSize64))
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

func (w *Worker) extractZipAES(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string) ([]string, error) {
	zr, err := aeszip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var (
		out      []string
		password string
		found    bool
	)
	for i, zf := range zr.File {
		if i >= w.cfg.MaxFiles {
			w.overflow(report, fmt.Sprintf("Too many files (%d) in the archive, stopping at %d.", len(zr.File), w.cfg.MaxFiles))
			break
		}
		if zf.IsEncrypted() && !found {
			for _, pwd := range w.passwordCandidates(task) {
				if probeZipEntry(zf, pwd) {
					password, found = pwd, true
					break
				}
			}
			if !found {
				w.passwordFailure(ctx, report, "File encrypted and unable to find password")
				break
			}
		}
		if zf.IsEncrypted() {
			zf.SetPassword(password)
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		if int64(zf.UncompressedSize64) > w.cfg.MaxSizeBytes {
			w.skipTooBig(report, zf.Name, int64(zf.UncompressedSize64))
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

// probeZipEntry reads the whole entry under the candidate password. Both zip
// encryption schemes only reveal a wrong password through a failed read or a
// checksum mismatch at the end of the stream.
func probeZipEntry(zf *aeszip.File, pwd string) bool {
	zf.SetPassword(pwd)
	rc, err := zf.Open()
	if err != nil {
		return false
	}
	_, err = io.Copy(io.Discard, rc)
	cerr := rc.Close()
	return err == nil && cerr == nil
}
