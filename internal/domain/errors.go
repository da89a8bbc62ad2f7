package domain

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrAlreadyExists           = errors.New("already exists")
	ErrRateLimited             = errors.New("rate limited")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInvalidOrder            = errors.New("invalid order parameters")
	ErrSigningFailed           = errors.New("signing failed")
	ErrWSDisconnect            = errors.New("websocket disconnected")
	ErrLockHeld                = errors.New("lock already held")
	ErrUnknownInstrument       = errors.New("unknown instrument key")
	ErrBackendUnavailable      = errors.New("backend unavailable")
	ErrUnsupportedOperation    = errors.New("unsupported operation")
	ErrSafetyViolation         = errors.New("transfer safety violation")
	ErrInsufficientRemediation = errors.New("insufficient remediation capacity")
	ErrNoRoute                 = errors.New("no transfer route")
	ErrTimeout                 = errors.New("venue call timed out")
	ErrMissingMarketData       = errors.New("missing market data")
	ErrVenueRejected           = errors.New("venue rejected request")
)

// VenueError carries a venue-specific rejection code through the error chain.
type VenueError struct {
	Venue   string
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return e.Venue + ": " + e.Code + ": " + e.Message
}

func (e *VenueError) Unwrap() error { return ErrVenueRejected }
