package extraction

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// extractTar unpacks a tar archive. Tar carries no compression and no
// encryption; only the bounds apply.
func (w *Worker) extractTar(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string) ([]string, error) {
	name := task.File().Name()
	tr := tar.NewReader(bytes.NewReader(data))

	var out []string
	for n := 0; ; n++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		if n >= w.cfg.MaxFiles {
			w.overflow(report, fmt.Sprintf("Too many files (%d/%d) in the archive", n, w.cfg.MaxFiles))
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size >= w.cfg.MaxSizeBytes {
			w.overflow(report, fmt.Sprintf("File %s too big (%d).", name, hdr.Size))
			continue
		}

		path, copied, tooBig, werr := w.writeEntry(dest, hdr.Name, tr)
		if errors.Is(werr, errEmptyEntryName) {
			continue
		}
		if werr != nil {
			return out, werr
		}
		if tooBig {
			w.overflow(report, fmt.Sprintf("File %s too big (%d).", name, copied))
			continue
		}
		out = append(out, path)
	}
	return out, nil
}
