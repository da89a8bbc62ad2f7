package domain

import (
	"context"
	"time"
)

// BlobStore is the slice of object storage the archiver needs.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves routing history to cold storage and returns the object path.
type Archiver interface {
	ArchiveRouting(ctx context.Context, records []RoutingRecord, at time.Time) (string, error)
}
