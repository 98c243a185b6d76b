// Package ratelimit admits or rejects requests per (subject, operation class)
// using fixed time windows kept in a shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRateLimitExceeded is returned alongside a rejecting Decision.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

// Class names an operation class with its own quota.
type Class string

const (
	ClassTransactionCreate Class = "transaction.create"
	ClassTransactionBulk   Class = "transaction.bulkCreate"
	ClassTransactionRead   Class = "transaction.read"
	ClassAnalyticsRead     Class = "analytics.read"
)

// DefaultQuotas are the per-window request limits used when none are configured.
func DefaultQuotas() map[Class]int {
	return map[Class]int{
		ClassTransactionCreate: 10,
		ClassTransactionBulk:   3,
		ClassTransactionRead:   60,
		ClassAnalyticsRead:     30,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Counter atomically increments the counter at key, starting a new one that
// expires after ttl when none exists, and returns the post-increment value.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter enforces fixed-window quotas.
type Limiter struct {
	counter Counter
	window  time.Duration
	quotas  map[Class]int
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used to report counter store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns a Limiter. Classes without a positive quota are not limited.
func New(counter Counter, window time.Duration, quotas map[Class]int, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	l := &Limiter{
		counter: counter,
		window:  window,
		quotas:  quotas,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func windowKey(class Class, subjectID string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", class, subjectID, start.UnixMilli())
}

// Admit counts one request for (subjectID, class). A rejected request returns
// the Decision together with ErrRateLimitExceeded. When the counter store is
// unreachable the request is admitted and the failure logged.
func (l *Limiter) Admit(ctx context.Context, subjectID string, class Class) (Decision, error) {
	limit := l.quotas[class]
	now := l.now()
	start := now.Truncate(l.window)
	d := Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: start.Add(l.window)}
	if limit <= 0 {
		return d, nil
	}

	count, err := l.counter.Incr(ctx, windowKey(class, subjectID, start), d.Reset.Sub(now))
	if err != nil {
		l.logger.WarnContext(ctx, "rate limiter degraded, admitting request",
			"class", string(class), "subject", subjectID, "error", err)
		return d, nil
	}

	d.Remaining = limit - int(count)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count > int64(limit) {
		d.Allowed = false
		return d, ErrRateLimitExceeded
	}
	return d, nil
}

