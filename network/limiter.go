// Package network implements the per-connection tasks described in
// SPEC_FULL.md §6.4: the acceptor loop, the outgoing-dial routine, and
// the reader/writer goroutines that pump messages through a connection
// once its handshake has completed. It also carries the backpressure
// primitives (Limiter, DemandSemaphore) that bound how much work one
// connection can push into the rest of the system.
package network

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter requests allowance for n resource units before the caller may
// proceed, honoring ctx cancellation. SPEC_FULL.md §6.5.
type Limiter interface {
	RequestAllowance(ctx context.Context, n uint32) error
}

// UnlimitedLimiter never blocks; it is the default when no rate limiting
// is configured.
type UnlimitedLimiter struct{}

// RequestAllowance always succeeds immediately.
func (UnlimitedLimiter) RequestAllowance(ctx context.Context, n uint32) error {
	return nil
}

// StaticRateLimiter wraps a golang.org/x/time/rate.Limiter, charging n
// tokens per request.
type StaticRateLimiter struct {
	limiter *rate.Limiter
}

// NewStaticRateLimiter builds a token-bucket limiter with the given
// steady-state rate (units/sec) and burst capacity.
func NewStaticRateLimiter(ratePerSecond float64, burst int) *StaticRateLimiter {
	return &StaticRateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// RequestAllowance blocks until n tokens are available or ctx is done.
func (l *StaticRateLimiter) RequestAllowance(ctx context.Context, n uint32) error {
	return l.limiter.WaitN(ctx, int(n))
}

// ValidatorAwareLimiter picks one of two StaticRateLimiters depending on
// whether the connection's peer was identified as a validator during the
// handshake (i.e. presented a verified consensus-key Attestation).
// Validator traffic typically deserves a more generous allowance than
// traffic from an unauthenticated-by-consensus-key peer.
type ValidatorAwareLimiter struct {
	Validator    *StaticRateLimiter
	NonValidator *StaticRateLimiter
	IsValidator  bool
}

// RequestAllowance delegates to the validator or non-validator limiter
// per IsValidator.
func (l *ValidatorAwareLimiter) RequestAllowance(ctx context.Context, n uint32) error {
	if l.IsValidator {
		return l.Validator.RequestAllowance(ctx, n)
	}
	return l.NonValidator.RequestAllowance(ctx, n)
}

// DemandSemaphore caps the number of concurrently outstanding
// demand/response exchanges on one incoming connection. A weight of 0
// (MaxInFlightDemands == 0 in Config) means unlimited: Acquire/Release
// become no-ops.
type DemandSemaphore struct {
	sem   *semaphore.Weighted
	limit int64
}

// NewDemandSemaphore builds a semaphore with maxInFlight permits. A zero
// maxInFlight means unlimited.
func NewDemandSemaphore(maxInFlight uint32) *DemandSemaphore {
	if maxInFlight == 0 {
		return &DemandSemaphore{}
	}
	limit := int64(maxInFlight)
	return &DemandSemaphore{sem: semaphore.NewWeighted(limit), limit: limit}
}

// Acquire blocks for one permit until ctx is cancelled.
func (d *DemandSemaphore) Acquire(ctx context.Context) error {
	if d.sem == nil {
		return nil
	}
	return d.sem.Acquire(ctx, 1)
}

// Release returns one permit. Safe to call even when unlimited.
func (d *DemandSemaphore) Release() {
	if d.sem == nil {
		return
	}
	d.sem.Release(1)
}
