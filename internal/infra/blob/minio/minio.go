// Package minio provides an object-store-backed blob store for deployments
// where analysis nodes do not share a filesystem.
package minio

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

var _ triage.BlobStore = (*Store)(nil)

// Config carries the connection settings for one bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Store keeps blobs as objects in a single bucket, keyed by content digest.
type Store struct {
	client *minio.Client
	bucket string
	logger *logger.Logger
}

// NewStore connects to the object store and ensures the bucket exists.
func NewStore(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio blob store: create client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio blob store: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("minio blob store: create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: log.With("component", "minio_blob_store", "bucket", cfg.Bucket),
	}, nil
}

// Put uploads the blob. Size must be the exact content length; the object
// store rejects mismatches.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		s.logger.Error(ctx, "Minio: failed to store blob", "key", key, "err", err)
		return fmt.Errorf("minio blob store: put %s: %w", key, err)
	}
	return nil
}

// Get opens the blob for reading. The object client reports missing keys
// lazily, so existence is checked up front to honor ErrBlobNotFound.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio blob store: get %s: %w", key, err)
	}

	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, triage.ErrBlobNotFound
		}
		return nil, fmt.Errorf("minio blob store: stat %s: %w", key, err)
	}
	return obj, nil
}

// Delete removes the blob. The object store treats missing keys as success,
// matching the port's idempotent delete.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.logger.Error(ctx, "Minio: failed to delete blob", "key", key, "err", err)
		return fmt.Errorf("minio blob store: delete %s: %w", key, err)
	}
	return nil
}
