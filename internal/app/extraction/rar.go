package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nwaples/rardecode"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// extractRar unpacks a rar archive. rardecode reads sequentially and takes
// the password up front, so password recovery reruns the whole walk per
// candidate; details accumulated by a failed walk are dropped before the
// next attempt so the report only reflects the walk that counted.
func (w *Worker) extractRar(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string) ([]string, error) {
	paths, err := w.walkRar(report, data, "", dest)
	if err == nil {
		return paths, nil
	}

	for _, pwd := range w.passwordCandidates(task) {
		report.ClearDetails()
		report.ClearExtras()
		if paths, perr := w.walkRar(report, data, pwd, dest); perr == nil {
			return paths, nil
		}
	}

	// rardecode has no typed password errors.
	if strings.Contains(strings.ToLower(err.Error()), "password") {
		report.ClearDetails()
		report.ClearExtras()
		w.passwordFailure(ctx, report, "File encrypted and unable to find password")
		return nil, nil
	}
	return nil, err
}

func (w *Worker) walkRar(report *triage.Report, data []byte, password, dest string) ([]string, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data), password)
	if err != nil {
		return nil, err
	}

	var out []string
	for n := 0; ; n++ {
		hdr, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if n >= w.cfg.MaxFiles {
			w.overflow(report, fmt.Sprintf("Too many files (%d/%d) in the archive", n, w.cfg.MaxFiles))
			break
		}
		if hdr.IsDir {
			continue
		}
		if hdr.UnPackedSize > w.cfg.MaxSizeBytes {
			w.skipTooBig(report, hdr.Name, hdr.UnPackedSize)
			continue
		}

		path, copied, tooBig, werr := w.writeEntry(dest, hdr.Name, rr)
		if errors.Is(werr, errEmptyEntryName) {
			continue
		}
		if werr != nil {
			return nil, werr
		}
		if tooBig {
			w.skipTooBig(report, hdr.Name, copied)
			continue
		}
		out = append(out, path)
	}
	return out, nil
}
