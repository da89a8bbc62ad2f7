package domain

import "time"

// HandshakeStatus is the settlement state of a routed Order.
type HandshakeStatus string

const (
	StatusConfirmed  HandshakeStatus = "CONFIRMED"
	StatusPending    HandshakeStatus = "PENDING"
	StatusFailed     HandshakeStatus = "FAILED"
	StatusRolledBack HandshakeStatus = "ROLLED_BACK"
)

// Handshake is the immutable settlement result of one routed Order. It has
// the same shape in simulate and live mode; only Simulated differs.
//
// Invariants: FAILED implies ActualDeltas is empty, CONFIRMED implies
// ExecutedAt is set, ErrorCode is set iff FAILED or ROLLED_BACK.
type Handshake struct {
	OperationID      string             `json:"operation_id"`
	Status           HandshakeStatus    `json:"status"`
	ActualDeltas     map[string]float64 `json:"actual_deltas"`
	ExecutionDetails map[string]any     `json:"execution_details,omitempty"`
	FeeAmount        float64            `json:"fee_amount"`
	FeeCurrency      string             `json:"fee_currency,omitempty"`
	ErrorCode        string             `json:"error_code,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	Retryable        bool               `json:"retryable,omitempty"`
	SubmittedAt      time.Time          `json:"submitted_at"`
	ExecutedAt       *time.Time         `json:"executed_at,omitempty"`
	VenueMetadata    map[string]any     `json:"venue_metadata,omitempty"`
	Simulated        bool               `json:"simulated"`
}

// Confirmed builds a CONFIRMED handshake executed at executedAt.
func Confirmed(o Order, deltas map[string]float64, submittedAt, executedAt time.Time, simulated bool) Handshake {
	at := executedAt
	if deltas == nil {
		deltas = map[string]float64{}
	}
	return Handshake{
		OperationID:  o.OperationID,
		Status:       StatusConfirmed,
		ActualDeltas: deltas,
		SubmittedAt:  submittedAt,
		ExecutedAt:   &at,
		Simulated:    simulated,
	}
}

// Failed builds a FAILED handshake with no deltas.
func Failed(o Order, code, message string, submittedAt time.Time, simulated bool) Handshake {
	return Handshake{
		OperationID:  o.OperationID,
		Status:       StatusFailed,
		ActualDeltas: map[string]float64{},
		ErrorCode:    code,
		ErrorMessage: message,
		SubmittedAt:  submittedAt,
		Simulated:    simulated,
	}
}

// Pending builds a PENDING handshake: accepted by the venue, not yet settled.
func Pending(o Order, submittedAt time.Time, simulated bool) Handshake {
	return Handshake{
		OperationID:  o.OperationID,
		Status:       StatusPending,
		ActualDeltas: map[string]float64{},
		SubmittedAt:  submittedAt,
		Simulated:    simulated,
	}
}

// RolledBack derives the ROLLED_BACK form of a confirmed handshake. deltas are
// the compensating deltas that undo the original settlement.
func (h Handshake) RolledBack(deltas map[string]float64, code, message string) Handshake {
	out := h.clone()
	out.Status = StatusRolledBack
	out.ActualDeltas = deltas
	out.ErrorCode = code
	out.ErrorMessage = message
	return out
}

// IsSuccess reports whether the order settled.
func (h Handshake) IsSuccess() bool {
	return h.Status == StatusConfirmed
}

// WithDetail returns a copy of h with one execution detail set.
func (h Handshake) WithDetail(key string, value any) Handshake {
	out := h.clone()
	if out.ExecutionDetails == nil {
		out.ExecutionDetails = make(map[string]any, 1)
	}
	out.ExecutionDetails[key] = value
	return out
}

// WithFee returns a copy of h with the fee set.
func (h Handshake) WithFee(amount float64, currency string) Handshake {
	out := h.clone()
	out.FeeAmount = amount
	out.FeeCurrency = currency
	return out
}

// Sanitize enforces the status invariants on a handshake produced by code
// outside this package. It returns the corrected handshake and whether a
// correction was needed.
func (h Handshake) Sanitize(now time.Time) (Handshake, bool) {
	out := h.clone()
	fixed := false
	switch out.Status {
	case StatusFailed:
		if len(out.ActualDeltas) > 0 {
			out.ActualDeltas = map[string]float64{}
			fixed = true
		}
	case StatusConfirmed:
		if out.ExecutedAt == nil {
			at := now
			out.ExecutedAt = &at
			fixed = true
		}
	case StatusPending, StatusRolledBack:
	default:
		out.Status = StatusFailed
		out.ActualDeltas = map[string]float64{}
		if out.ErrorCode == "" {
			out.ErrorCode = "INVALID_STATUS"
		}
		fixed = true
	}
	if out.ActualDeltas == nil {
		out.ActualDeltas = map[string]float64{}
	}
	return out, fixed
}

func (h Handshake) clone() Handshake {
	out := h
	out.ActualDeltas = copyFloats(h.ActualDeltas)
	out.ExecutionDetails = copyAny(h.ExecutionDetails)
	out.VenueMetadata = copyAny(h.VenueMetadata)
	return out
}

// NegateDeltas returns a delta map with every value sign-flipped.
func NegateDeltas(d map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(d))
	for k, v := range d {
		out[k] = -v
	}
	return out
}

// MergeDeltas adds every delta in src into dst and returns dst.
func MergeDeltas(dst, src map[string]float64) map[string]float64 {
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

func copyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
