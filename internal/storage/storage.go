// Package storage defines the object store behind the cloud simulator's
// file uploads.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned for a missing object or upload.
var ErrNotFound = errors.New("object not found")

// Backend is raw object I/O.
type Backend interface {
	// GetObject returns the object at key and its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject stores body at key, replacing any previous object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	DeleteObject(ctx context.Context, key string) error

	CopyObject(ctx context.Context, srcKey, dstKey string) error

	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	Close() error
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	ETag       string
	PartNumber int
}

// Multipart assembles an object from separately uploaded parts.
type Multipart interface {
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// Presigner issues URLs a client can PUT a part to without credentials.
// Stores that cannot presign have parts proxied by the simulator.
type Presigner interface {
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int) (string, error)
}
