// Package storage abstracts the artifact store the upload pipeline writes
// finalized files to. Backends: local disk, S3, and an in-memory store used
// by tests.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Read and Delete for a missing path.
var ErrNotFound = errors.New("object not found")

// Store is the filesystem-shaped collaborator the pipeline finalizes
// artifacts into.
type Store interface {
	Write(ctx context.Context, path string, r io.Reader) error
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	EnsureDir(ctx context.Context, path string) error
}
