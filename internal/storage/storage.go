// Package storage holds the blob store backends. A blob is addressed by a
// slash separated key; Put returns the location under which the blob can be
// fetched again, which is the key itself for every backend here.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrStoreUnavailable = errors.New("blob store unavailable")
	ErrInvalidKey       = errors.New("invalid object key")
)

type BlobStore interface {
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ContextReader wraps r so that a copy stops as soon as ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
