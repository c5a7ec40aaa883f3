// Package disk provides a filesystem-backed blob store. Content is laid out
// in two-level digest-sharded directories so one directory never accumulates
// every blob.
package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahrav/filesift/internal/domain/triage"
)

var _ triage.BlobStore = (*Store)(nil)

// Store keeps blobs under root/<key[:2]>/<key>.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns the store.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("disk blob store: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("disk blob store: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put writes the blob atomically: content lands in a temp file that is
// renamed into place, so readers never observe partial writes.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("disk blob store: create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+key+".*")
	if err != nil {
		return fmt.Errorf("disk blob store: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("disk blob store: write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("disk blob store: wrote %d bytes for %s, expected %d", written, key, size)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("disk blob store: publish %s: %w", key, err)
	}
	return nil
}

// Get opens the blob for reading. Missing blobs map to ErrBlobNotFound.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, triage.ErrBlobNotFound
		}
		return nil, fmt.Errorf("disk blob store: open %s: %w", key, err)
	}
	return f, nil
}

// Delete removes the blob. Deleting a missing blob is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("disk blob store: delete %s: %w", key, err)
	}
	return nil
}

// path validates the key and resolves its on-disk location. Keys are content
// digests; anything that could walk the tree is rejected.
func (s *Store) path(key string) (string, error) {
	if len(key) < 4 || strings.ContainsAny(key, "/\\.") {
		return "", fmt.Errorf("disk blob store: invalid key %q", key)
	}
	return filepath.Join(s.root, key[:2], key), nil
}
