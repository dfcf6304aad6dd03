// Package retry wraps github.com/avast/retry-go/v4 behind a small
// interface with functional options, for operations that fail only
// transiently (node RPC calls, storage commits under contention).
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// Retry executes an operation with automatic retry on failure.
type Retry interface {
	// Execute runs operation, retrying on error per the configured policy.
	// The operation should be idempotent. Returns nil on success within
	// the configured attempts, or the last error once attempts/context
	// are exhausted.
	Execute(ctx context.Context, operation func() error) error
}

type config struct {
	attempts    uint
	delay       time.Duration
	maxDelay    time.Duration
	lastErrOnly bool
}

// Option configures a Retry built by New.
type Option func(*config)

type retrier struct {
	cfg config
}

var _ Retry = (*retrier)(nil)

// New builds a Retry with exponential backoff. Defaults: 3 attempts,
// 1s base delay, 5s max delay, last-error-only.
func New(opts ...Option) Retry {
	cfg := config{
		attempts:    3,
		delay:       1 * time.Second,
		maxDelay:    5 * time.Second,
		lastErrOnly: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &retrier{cfg: cfg}
}

func (r *retrier) Execute(ctx context.Context, operation func() error) error {
	options := []retrygo.Option{
		retrygo.Attempts(r.cfg.attempts),
		retrygo.Delay(r.cfg.delay),
		retrygo.MaxDelay(r.cfg.maxDelay),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.LastErrorOnly(r.cfg.lastErrOnly),
		retrygo.Context(ctx),
	}
	return retrygo.Do(operation, options...)
}

// WithAttempts sets the maximum number of attempts, including the first.
func WithAttempts(n uint) Option {
	return func(c *config) { c.attempts = n }
}

// WithDelay sets the base delay before exponential growth.
func WithDelay(d time.Duration) Option {
	return func(c *config) { c.delay = d }
}

// WithMaxDelay caps the exponential backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *config) { c.maxDelay = d }
}

// WithLastErrorOnly controls whether Execute returns only the final
// attempt's error or a combined error across all attempts.
func WithLastErrorOnly(b bool) Option {
	return func(c *config) { c.lastErrOnly = b }
}
