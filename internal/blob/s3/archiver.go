package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// maxPathAttempts bounds the suffixes tried when an archive path is taken.
const maxPathAttempts = 10

// RoutingArchiver implements domain.Archiver by serializing routing history
// to JSONL and uploading it under archive/routing/. Each call writes one
// new object; existing objects are never overwritten.
type RoutingArchiver struct {
	store  domain.BlobStore
	audit  domain.AuditStore // optional
	prefix string
}

// NewArchiver creates a RoutingArchiver. audit may be nil.
func NewArchiver(store domain.BlobStore, audit domain.AuditStore) *RoutingArchiver {
	return &RoutingArchiver{store: store, audit: audit, prefix: "archive/routing"}
}

// ArchiveRouting uploads records and returns the object path. An empty batch
// is a no-op and returns "".
func (a *RoutingArchiver) ArchiveRouting(ctx context.Context, records []domain.RoutingRecord, at time.Time) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive routing marshal: %w", err)
	}

	path, err := a.freePath(ctx, at)
	if err != nil {
		return "", err
	}
	if err := a.store.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive routing upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.routing", map[string]any{
			"path":  path,
			"count": len(records),
			"at":    at.UTC().Format(time.RFC3339),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive routing audit log: %w", err)
		}
	}
	return path, nil
}

// freePath picks the first unused path for at, adding -1, -2, ... when two
// batches share a timestamp.
func (a *RoutingArchiver) freePath(ctx context.Context, at time.Time) (string, error) {
	base := archivePath(a.prefix, at)
	for i := 0; i < maxPathAttempts; i++ {
		path := base
		if i > 0 {
			path = strings.TrimSuffix(base, ".jsonl") + fmt.Sprintf("-%d.jsonl", i)
		}
		taken, err := a.store.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive routing: %w", err)
		}
		if !taken {
			return path, nil
		}
	}
	return "", fmt.Errorf("s3blob: archive routing: no free path for %s", base)
}

// archivePath partitions archive objects by UTC day:
//
//	archive/routing/2025-01-31/153000.000000000.jsonl
func archivePath(prefix string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, at.Format("2006-01-02"), at.Format("150405.000000000"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*RoutingArchiver)(nil)
