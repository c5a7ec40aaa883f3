package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/filesift/internal/domain/triage"
)

var _ triage.FileRepository = (*FileStore)(nil)

// FileStore is a Redis-backed triage.FileRepository keyed by sha256 digest.
type FileStore struct{ client *redis.Client }

// NewFileStore creates a file store on the given client.
func NewFileStore(client *redis.Client) *FileStore { return &FileStore{client: client} }

// Save persists the file record as a JSON value.
func (s *FileStore) Save(ctx context.Context, file *triage.File) error {
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("redis file store: marshal %s: %w", file.SHA256(), err)
	}
	if err := s.client.Set(ctx, fileKey(file.SHA256()), data, 0).Err(); err != nil {
		return fmt.Errorf("redis file store: save %s: %w", file.SHA256(), err)
	}
	return nil
}

// Load retrieves a file record by digest.
func (s *FileStore) Load(ctx context.Context, sha256 string) (*triage.File, error) {
	data, err := s.client.Get(ctx, fileKey(sha256)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, triage.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis file store: load %s: %w", sha256, err)
	}

	var file triage.File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("redis file store: decode %s: %w", sha256, err)
	}
	return &file, nil
}

// MarkDeleted flags the record for a file whose content bytes were removed.
// The record itself survives so digests and names keep rendering.
func (s *FileStore) MarkDeleted(ctx context.Context, sha256 string) error {
	file, err := s.Load(ctx, sha256)
	if err != nil {
		return err
	}
	file.MarkDeleted()
	return s.Save(ctx, file)
}
