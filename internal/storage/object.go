// Package storage provides the durable sinks of the pipeline: the SQLite
// store for rollups, correlations, patterns and dead letters, snappy
// compressed raw-event segments, and optional object-storage archival of
// sealed segments.
package storage

import (
	"context"
	"errors"
)

// Common errors for archive operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the archival backend for sealed segments.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies a local file to objectPath in the archive.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies an archived object to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an archived object. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object is present in the archive.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
