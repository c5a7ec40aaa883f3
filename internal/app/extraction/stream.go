package extraction

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/ahrav/filesift/internal/domain/triage"
)

var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// extractStream decompresses a single-payload stream (gzip, bzip2, xz or
// legacy lzma). The payload keeps the container's name minus the matching
// extension, so a tarball inside comes out ready for another round.
func (w *Worker) extractStream(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string) ([]string, error) {
	name := task.File().Name()

	var (
		r   io.Reader
		ext string
	)
	switch task.File().Kind() {
	case triage.ContainerGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r, ext = gz, ".gz"
	case triage.ContainerBzip2:
		r, ext = bzip2.NewReader(bytes.NewReader(data)), ".bz2"
	default:
		if bytes.HasPrefix(data, xzMagic) {
			xr, err := xz.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			r, ext = xr, ".xz"
		} else {
			lr, err := lzma.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			r, ext = lr, ".lzma"
		}
	}

	decompressed, err := w.drainCapped(r)
	if err != nil {
		return nil, err
	}
	if int64(len(decompressed)) > w.cfg.MaxSizeBytes {
		w.overflow(report, fmt.Sprintf("File %s too big (%d).", name, len(decompressed)))
		return nil, nil
	}

	outName := name
	if strings.HasSuffix(name, ext) && len(name) > len(ext) {
		outName = strings.TrimSuffix(name, ext)
	}
	target := filepath.Join(dest, filepath.Base(outName))
	if err := os.WriteFile(target, decompressed, 0o600); err != nil {
		return nil, fmt.Errorf("writing decompressed stream: %w", err)
	}
	return []string{target}, nil
}
