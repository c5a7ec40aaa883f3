package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/internal/infra/storage"
)

// Ensure FileStore implements triage.FileRepository at compile time.
var _ triage.FileRepository = (*FileStore)(nil)

// FileStore implements triage.FileRepository on PostgreSQL, keyed by sha256
// digest.
type FileStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewFileStore creates a FileRepository backed by PostgreSQL.
func NewFileStore(pool *pgxpool.Pool, tracer trace.Tracer) *FileStore {
	return &FileStore{pool: pool, tracer: tracer}
}

const saveFileQuery = `
INSERT INTO files (sha256, sha1, md5, size_bytes, mime_type, kind, name, deleted, saved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (sha256) DO UPDATE
SET sha1       = EXCLUDED.sha1,
    md5        = EXCLUDED.md5,
    size_bytes = EXCLUDED.size_bytes,
    mime_type  = EXCLUDED.mime_type,
    kind       = EXCLUDED.kind,
    name       = EXCLUDED.name,
    deleted    = EXCLUDED.deleted,
    saved_at   = EXCLUDED.saved_at`

// Save persists the file record, replacing any previous version. Resubmitting
// content that was deleted earlier reinstates the record.
func (s *FileStore) Save(ctx context.Context, file *triage.File) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("sha256", file.SHA256()),
		attribute.Int64("size_bytes", file.Size()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_file", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, saveFileQuery,
			file.SHA256(),
			file.SHA1(),
			file.MD5(),
			file.Size(),
			file.MIME(),
			string(file.Kind()),
			file.Name(),
			file.Deleted(),
			file.SavedAt(),
		)
		if err != nil {
			return fmt.Errorf("saving file: %w", err)
		}
		return nil
	})
}

const loadFileQuery = `
SELECT sha1, md5, size_bytes, mime_type, kind, name, deleted, saved_at
FROM files
WHERE sha256 = $1`

// Load retrieves a file record by digest.
func (s *FileStore) Load(ctx context.Context, sha256 string) (*triage.File, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("sha256", sha256))

	var file *triage.File

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_file", dbAttrs, func(ctx context.Context) error {
		var (
			sha1, md5      string
			sizeBytes      int64
			mimeType, kind string
			name           string
			deleted        bool
			savedAt        pgtype.Timestamptz
		)

		err := s.pool.QueryRow(ctx, loadFileQuery, sha256).Scan(
			&sha1, &md5, &sizeBytes, &mimeType, &kind, &name, &deleted, &savedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("loading file: %w", err)
		}

		file = triage.ReconstructFile(sha256, sha1, md5, sizeBytes, mimeType,
			triage.ContainerKind(kind), name, deleted, savedAt.Time)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, triage.ErrFileNotFound
	}
	return file, nil
}

const markFileDeletedQuery = `UPDATE files SET deleted = TRUE WHERE sha256 = $1`

// MarkDeleted flags the file's content as discarded while keeping the record.
func (s *FileStore) MarkDeleted(ctx context.Context, sha256 string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("sha256", sha256))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_file_deleted", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, markFileDeletedQuery, sha256)
		if err != nil {
			return fmt.Errorf("marking file deleted: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return triage.ErrFileNotFound
		}
		return nil
	})
}
