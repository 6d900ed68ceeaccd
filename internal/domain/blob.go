package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// CycleArchive keeps retired cycle records in cold storage.
type CycleArchive interface {
	Archive(ctx context.Context, cycle MarketCycle) error
	Load(ctx context.Context, id int64) (MarketCycle, error)
}
