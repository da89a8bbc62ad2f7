package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// HandshakeStore persists settlement handshakes.
type HandshakeStore interface {
	Save(ctx context.Context, h Handshake, o Order) error
	GetByOperationID(ctx context.Context, operationID string) (Handshake, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Handshake, error)
	CountByStatus(ctx context.Context, since time.Time) (map[HandshakeStatus]int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
