package backend

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Error code suffixes appended to FAMILY_VENUE.
const (
	SuffixError       = "ERROR"
	SuffixTimeout     = "TIMEOUT"
	SuffixRateLimited = "RATE_LIMITED"
	SuffixRejected    = "REJECTED"
	SuffixUnsupported = "UNSUPPORTED"
	SuffixUnavailable = "UNAVAILABLE"
)

// ErrorCode builds a stable code such as CEX_BINANCE_TIMEOUT.
func ErrorCode(f Family, venue, suffix string) string {
	return strings.ToUpper(string(f) + "_" + venue + "_" + suffix)
}

// Classification is the routing view of a backend error.
type Classification struct {
	Suffix    string
	Retryable bool
}

// Classify maps an execution error to a code suffix. Timeouts and rate limits
// are retryable; everything else is not.
func Classify(err error) Classification {
	var netErr net.Error
	var venueErr *domain.VenueError
	switch {
	case err == nil:
		return Classification{}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return Classification{Suffix: SuffixTimeout, Retryable: true}
	case errors.As(err, &netErr) && netErr.Timeout():
		return Classification{Suffix: SuffixTimeout, Retryable: true}
	case errors.Is(err, domain.ErrRateLimited):
		return Classification{Suffix: SuffixRateLimited, Retryable: true}
	case errors.As(err, &venueErr):
		return Classification{Suffix: SuffixRejected}
	case errors.Is(err, domain.ErrUnsupportedOperation):
		return Classification{Suffix: SuffixUnsupported}
	case errors.Is(err, domain.ErrBackendUnavailable):
		return Classification{Suffix: SuffixUnavailable}
	}
	return Classification{Suffix: SuffixError}
}

// FailureFromError converts an execution error into a FAILED handshake.
func FailureFromError(b Backend, o domain.Order, err error, at time.Time) domain.Handshake {
	c := Classify(err)
	h := domain.Failed(o, ErrorCode(b.Family(), b.Venue(), c.Suffix), err.Error(), at, b.Simulated())
	h.Retryable = c.Retryable
	return h
}
