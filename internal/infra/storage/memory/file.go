package memory

import (
	"context"
	"sync"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// FileStore is an in-memory triage.FileRepository keyed by sha256 digest.
type FileStore struct {
	mu    sync.Mutex
	files map[string]*triage.File
}

// NewFileStore creates an empty in-memory file store.
func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string]*triage.File)}
}

// Save persists the file record. Resubmitting content with the same digest
// replaces the record, clearing any earlier deletion.
func (s *FileStore) Save(ctx context.Context, file *triage.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[file.SHA256()] = copyFile(file)
	return nil
}

// Load retrieves a file record by sha256 digest.
func (s *FileStore) Load(ctx context.Context, sha256 string) (*triage.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[sha256]
	if !ok {
		return nil, triage.ErrFileNotFound
	}
	return copyFile(file), nil
}

// MarkDeleted flags the file as deleted. The record itself is kept so task
// history stays resolvable.
func (s *FileStore) MarkDeleted(ctx context.Context, sha256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[sha256]
	if !ok {
		return triage.ErrFileNotFound
	}
	file.MarkDeleted()
	return nil
}
