package triage

import "errors"

var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrFileNotFound indicates no file record exists for the given digest.
	ErrFileNotFound = errors.New("file not found")

	// ErrReportNotFound indicates no report exists for the (task, worker) pair.
	ErrReportNotFound = errors.New("report not found")

	// ErrBlobNotFound indicates the stored content bytes are gone. Readers
	// hitting this mid-analysis treat the file as deleted.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrFileDeleted indicates an operation that needs content bytes was
	// attempted against a deleted file.
	ErrFileDeleted = errors.New("file deleted")

	// ErrUploadTooLarge indicates a submission exceeded the configured size
	// ceiling and was rejected before any bytes were stored.
	ErrUploadTooLarge = errors.New("upload too large")

	// ErrQueueClosed indicates a publish or subscribe against a closed queue.
	ErrQueueClosed = errors.New("task queue closed")
)
