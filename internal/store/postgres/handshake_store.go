package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// HandshakeStore implements domain.HandshakeStore using PostgreSQL.
type HandshakeStore struct {
	pool *pgxpool.Pool
}

// NewHandshakeStore creates a new HandshakeStore backed by the given pool.
func NewHandshakeStore(pool *pgxpool.Pool) *HandshakeStore {
	return &HandshakeStore{pool: pool}
}

const handshakeColumns = `operation_id, status, actual_deltas, execution_details,
	fee_amount, fee_currency, error_code, error_message, retryable,
	simulated, submitted_at, executed_at, venue_metadata`

// Save upserts the handshake for o. A ROLLED_BACK handshake overwrites the
// CONFIRMED row it derives from.
func (s *HandshakeStore) Save(ctx context.Context, h domain.Handshake, o domain.Order) error {
	deltas, err := json.Marshal(h.ActualDeltas)
	if err != nil {
		return fmt.Errorf("postgres: marshal deltas %s: %w", h.OperationID, err)
	}
	details, err := marshalOptional(h.ExecutionDetails)
	if err != nil {
		return fmt.Errorf("postgres: marshal execution details %s: %w", h.OperationID, err)
	}
	meta, err := marshalOptional(h.VenueMetadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal venue metadata %s: %w", h.OperationID, err)
	}

	const query = `
		INSERT INTO handshakes (
			operation_id, operation, venue, strategy_id, status,
			actual_deltas, execution_details, fee_amount, fee_currency,
			error_code, error_message, retryable, simulated,
			submitted_at, executed_at, venue_metadata
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16
		)
		ON CONFLICT (operation_id) DO UPDATE SET
			status = EXCLUDED.status,
			actual_deltas = EXCLUDED.actual_deltas,
			execution_details = EXCLUDED.execution_details,
			fee_amount = EXCLUDED.fee_amount,
			fee_currency = EXCLUDED.fee_currency,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			retryable = EXCLUDED.retryable,
			executed_at = EXCLUDED.executed_at,
			venue_metadata = EXCLUDED.venue_metadata,
			updated_at = NOW()`

	_, err = s.pool.Exec(ctx, query,
		h.OperationID, string(o.Operation), o.Venue, o.StrategyID, string(h.Status),
		deltas, details, h.FeeAmount, h.FeeCurrency,
		h.ErrorCode, h.ErrorMessage, h.Retryable, h.Simulated,
		h.SubmittedAt, h.ExecutedAt, meta,
	)
	if err != nil {
		return fmt.Errorf("postgres: save handshake %s: %w", h.OperationID, err)
	}
	return nil
}

// GetByOperationID returns domain.ErrNotFound when no row matches.
func (s *HandshakeStore) GetByOperationID(ctx context.Context, operationID string) (domain.Handshake, error) {
	query := `SELECT ` + handshakeColumns + ` FROM handshakes WHERE operation_id = $1`
	h, err := scanHandshake(s.pool.QueryRow(ctx, query, operationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Handshake{}, domain.ErrNotFound
		}
		return domain.Handshake{}, fmt.Errorf("postgres: get handshake %s: %w", operationID, err)
	}
	return h, nil
}

// ListRecent returns handshakes newest first.
func (s *HandshakeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Handshake, error) {
	query, args := appendListOpts(`SELECT `+handshakeColumns+` FROM handshakes WHERE 1=1`, nil, "submitted_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list handshakes: %w", err)
	}
	defer rows.Close()

	var out []domain.Handshake
	for rows.Next() {
		h, err := scanHandshake(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan handshake: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list handshakes rows: %w", err)
	}
	return out, nil
}

// CountByStatus aggregates handshakes submitted at or after since.
func (s *HandshakeStore) CountByStatus(ctx context.Context, since time.Time) (map[domain.HandshakeStatus]int64, error) {
	const query = `SELECT status, COUNT(*) FROM handshakes WHERE submitted_at >= $1 GROUP BY status`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: count handshakes: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.HandshakeStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan handshake count: %w", err)
		}
		out[domain.HandshakeStatus(status)] = n
	}
	return out, rows.Err()
}

func scanHandshake(row pgx.Row) (domain.Handshake, error) {
	var (
		h                      domain.Handshake
		status                 string
		deltas, details, vmeta []byte
	)
	err := row.Scan(
		&h.OperationID, &status, &deltas, &details,
		&h.FeeAmount, &h.FeeCurrency, &h.ErrorCode, &h.ErrorMessage, &h.Retryable,
		&h.Simulated, &h.SubmittedAt, &h.ExecutedAt, &vmeta,
	)
	if err != nil {
		return domain.Handshake{}, err
	}
	h.Status = domain.HandshakeStatus(status)
	h.ActualDeltas = map[string]float64{}
	if len(deltas) > 0 {
		if err := json.Unmarshal(deltas, &h.ActualDeltas); err != nil {
			return domain.Handshake{}, fmt.Errorf("unmarshal deltas: %w", err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &h.ExecutionDetails); err != nil {
			return domain.Handshake{}, fmt.Errorf("unmarshal execution details: %w", err)
		}
	}
	if len(vmeta) > 0 {
		if err := json.Unmarshal(vmeta, &h.VenueMetadata); err != nil {
			return domain.Handshake{}, fmt.Errorf("unmarshal venue metadata: %w", err)
		}
	}
	return h, nil
}

// marshalOptional returns nil for an empty map so the column stays NULL.
func marshalOptional(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// Compile-time interface checks.
var (
	_ domain.HandshakeStore = (*HandshakeStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
