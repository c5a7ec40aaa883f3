package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/kdomanski/iso9660"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// isoMaxWalkDepth bounds directory recursion inside an image; the structure
// is attacker-controlled.
const isoMaxWalkDepth = 32

// extractISO walks a disk image and copies out every regular file, keeping
// the directory layout.
func (w *Worker) extractISO(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string) ([]string, error) {
	img, err := iso9660.OpenImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	root, err := img.RootDir()
	if err != nil {
		return nil, err
	}

	name := task.File().Name()
	var (
		out        []string
		overflowed bool
	)

	var walk func(dir *iso9660.File, prefix string, level int) error
	walk = func(dir *iso9660.File, prefix string, level int) error {
		if level > isoMaxWalkDepth {
			return nil
		}
		children, err := dir.GetChildren()
		if err != nil {
			return err
		}
		for _, child := range children {
			if overflowed {
				return nil
			}
			cname := child.Name()
			if cname == "." || cname == ".." {
				continue
			}
			entryName := path.Join(prefix, cname)
			if child.IsDir() {
				if err := walk(child, entryName, level+1); err != nil {
					return err
				}
				continue
			}
			if child.Size() >= w.cfg.MaxSizeBytes {
				w.overflow(report, fmt.Sprintf("File %s too big (%d).", name, child.Size()))
				continue
			}
			if len(out) >= w.cfg.MaxFiles {
				overflowed = true
				w.overflow(report, fmt.Sprintf("Too many files in the archive (more than %d).", w.cfg.MaxFiles))
				return nil
			}

			target, copied, tooBig, werr := w.writeEntry(dest, entryName, child.Reader())
			if errors.Is(werr, errEmptyEntryName) {
				continue
			}
			if werr != nil {
				return werr
			}
			if tooBig {
				w.overflow(report, fmt.Sprintf("File %s too big (%d).", name, copied))
				continue
			}
			out = append(out, target)
		}
		return nil
	}
	if err := walk(root, "", 0); err != nil {
		return out, err
	}
	return out, nil
}
