package resilience

import (
	"context"

	"github.com/modelgate/modelgate/internal/observability"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// LimitKind distinguishes the two buckets kept per (caller, backend).
type LimitKind string

const (
	// LimitRequests is the request-count bucket.
	LimitRequests LimitKind = "requests"
	// LimitUnits is the cost-unit (token) bucket.
	LimitUnits LimitKind = "units"
)

// Limit holds the per-minute capacities for one (caller, backend) pair.
// A zero capacity disables that bucket.
type Limit struct {
	RequestsPerMinute int
	UnitsPerMinute    int64
}

// Enabled reports whether any bucket is configured.
func (l Limit) Enabled() bool {
	return l.RequestsPerMinute > 0 || l.UnitsPerMinute > 0
}

// TakeResult is the outcome of an atomic refill-then-deduct.
type TakeResult struct {
	Allowed bool
	// Exceeded names the bucket that could not cover its deduction.
	Exceeded LimitKind
	// Remaining levels after the operation, for observability.
	RequestsRemaining float64
	UnitsRemaining    float64
}

// BucketStore holds token-bucket state. Take must be atomic per key:
// refill both buckets from elapsed time, then deduct 1 request and the
// requested units all-or-nothing.
type BucketStore interface {
	Take(ctx context.Context, key string, lim Limit, units int64) (TakeResult, error)
}

// Limiter applies per-(caller, backend) token-bucket admission control.
// Infrastructure failures in the backing store fail open: rate limiting
// is never a hard dependency for availability.
type Limiter struct {
	store  BucketStore
	logger *observability.Logger
}

// NewLimiter creates a rate limiter over the given bucket store.
func NewLimiter(store BucketStore, logger *observability.Logger) *Limiter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Limiter{store: store, logger: logger}
}

// Check admits or rejects one request consuming the given units. A nil
// error means admitted; a rejected request gets a terminal rate-limit
// error distinguishing request-rate from unit-rate exhaustion.
func (l *Limiter) Check(ctx context.Context, caller, backend string, units int64, lim Limit) error {
	if !lim.Enabled() {
		return nil
	}

	key := bucketKey(caller, backend)
	res, err := l.store.Take(ctx, key, lim, units)
	if err != nil {
		// Fail open: a degraded store degrades enforcement, not service.
		l.logger.Warn("rate limiter store unavailable, failing open",
			"caller", caller, "backend", backend, "error", err)
		return nil
	}
	if res.Allowed {
		return nil
	}

	code := gwerrors.CodeRequestRateExceeded
	if res.Exceeded == LimitUnits {
		code = gwerrors.CodeUnitRateExceeded
	}
	return gwerrors.NewRateLimit(code, caller, backend)
}

func bucketKey(caller, backend string) string {
	return caller + ":" + backend
}
