// Package storage holds the gateway's shared workspace. Staged input PDFs
// live under input/<content key>/ and converted output under
// output/<content key>/, on whichever backend storage.default_backend
// selects.
//
// Backends register themselves from an init() function in their own
// package and are linked in with a blank import in cmd/server:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Open and Stat when no object exists at a path.
var ErrNotFound = errors.New("object not found")

// Storage is an object store addressed by slash-separated paths.
type Storage interface {
	// Put stores the reader's content at path, replacing any existing object.
	Put(ctx context.Context, path string, r io.Reader, size int64) (*Object, error)

	// Open returns the object's content. The caller closes it.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Stat returns object metadata without reading the content.
	Stat(ctx context.Context, path string) (*Object, error)

	Delete(ctx context.Context, path string) error

	// SignedURL returns a time-limited URL a client can fetch the object from.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// LocalFiler is implemented by backends that keep objects on the local
// filesystem, so handlers can stream them directly.
type LocalFiler interface {
	LocalPath(path string) (string, error)
}

// Object describes a stored object.
type Object struct {
	Path string
	Size int64
	// Checksum is the hex SHA-256 of the content, when the backend knows it.
	Checksum     string
	LastModified time.Time
}
