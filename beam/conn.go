package beam

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// RestartFunc attempts to (re)start an upstream service. It is invoked at
// most once per WithRetry call, on the first connection-level failure.
type RestartFunc func(ctx context.Context) error

// RetryPolicy bounds the retry loop for one upstream service.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt. Each further
	// attempt doubles it up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Jitter adds up to this fraction of the computed delay. Zero disables
	// jitter.
	Jitter float64

	// StabilizeWait is how long to wait after a successful restart before
	// retrying, giving the service time to finish loading.
	StabilizeWait time.Duration
}

// DefaultRetryPolicy mirrors the behavior expected of local model services:
// a handful of attempts with short exponential backoff and a fixed
// post-restart settle time.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      8 * time.Second,
		Jitter:        0.2,
		StabilizeWait: 2 * time.Second,
	}
}

// DefaultBaseTimeout returns the per-attempt timeout for one upstream kind.
// Image generation gets the longest budget; text refinement the shortest.
func DefaultBaseTimeout(cap Capability) time.Duration {
	switch cap {
	case CapabilityText:
		return time.Minute
	case CapabilityImage:
		return 3 * time.Minute
	case CapabilityVision:
		return 90 * time.Second
	case CapabilityVLM:
		return 90 * time.Second
	}
	return time.Minute
}

// backoff computes the delay before attempt n (0-based retry index).
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(p.Jitter * rand.Float64() * float64(d))
	}
	return d
}

// ServiceConnection wraps calls to one upstream service with connection-level
// retry and an optional restart hook.
//
// Only errors classified by IsConnError are retried; any other error is the
// service answering, and surfaces immediately. On the first connection
// failure the restart hook (if any) runs once, followed by the stabilize
// wait. Exhausting MaxAttempts yields *UpstreamUnavailableError wrapping the
// last connection error.
//
// With a base timeout configured, each attempt runs under its own deadline
// and a deadline hit counts as a connection-level timeout.
type ServiceConnection struct {
	service string
	policy  RetryPolicy
	timeout time.Duration
	restart RestartFunc

	mu      sync.Mutex
	retries int

	onRetry func(kind ConnKind)
	logger  *log.Logger
}

// ConnOption configures a ServiceConnection.
type ConnOption func(*ServiceConnection)

// WithRestart installs the restart hook.
func WithRestart(fn RestartFunc) ConnOption {
	return func(c *ServiceConnection) { c.restart = fn }
}

// WithPolicy overrides the retry policy.
func WithPolicy(p RetryPolicy) ConnOption {
	return func(c *ServiceConnection) { c.policy = p }
}

// WithBaseTimeout sets the per-attempt deadline. Batched calls stretch it
// linearly through WithRetryScaled. Zero leaves attempts unbounded.
func WithBaseTimeout(d time.Duration) ConnOption {
	return func(c *ServiceConnection) { c.timeout = d }
}

// WithConnLogger sets the logger for retry and restart notices.
func WithConnLogger(l *log.Logger) ConnOption {
	return func(c *ServiceConnection) { c.logger = l }
}

// WithRetryObserver registers a callback invoked once per connection-level
// retry, with the failure kind that triggered it.
func WithRetryObserver(fn func(kind ConnKind)) ConnOption {
	return func(c *ServiceConnection) { c.onRetry = fn }
}

// NewServiceConnection creates a connection wrapper for the named service.
func NewServiceConnection(service string, opts ...ConnOption) *ServiceConnection {
	c := &ServiceConnection{
		service: service,
		policy:  DefaultRetryPolicy(),
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service returns the upstream service name.
func (c *ServiceConnection) Service() string { return c.service }

// Retries returns the cumulative count of connection-level retries.
func (c *ServiceConnection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// WithRetry runs op, retrying connection-level failures per the policy.
func (c *ServiceConnection) WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return c.WithRetryScaled(ctx, 1, op)
}

// WithRetryScaled is WithRetry with the per-attempt timeout multiplied by
// scale, for batched calls whose upstream work grows with batch size.
func (c *ServiceConnection) WithRetryScaled(ctx context.Context, scale int, op func(ctx context.Context) error) error {
	if scale < 1 {
		scale = 1
	}
	timeout := c.timeout * time.Duration(scale)

	var lastConn *ConnError
	restarted := false

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.retries++
			c.mu.Unlock()
			if c.onRetry != nil && lastConn != nil {
				c.onRetry(lastConn.Kind)
			}
			if err := sleepCtx(ctx, c.policy.backoff(attempt-1)); err != nil {
				return err
			}
		}

		err := c.attempt(ctx, timeout, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ce, ok := IsConnError(err)
		if !ok {
			return err
		}
		lastConn = ce
		c.logger.Printf("[conn] %s attempt %d/%d failed: %v",
			c.service, attempt+1, c.policy.MaxAttempts, ce)

		if !restarted && c.restart != nil {
			restarted = true
			c.logger.Printf("[conn] %s attempting restart", c.service)
			if rerr := c.restart(ctx); rerr != nil {
				c.logger.Printf("[conn] %s restart failed: %v", c.service, rerr)
			} else if err := sleepCtx(ctx, c.policy.StabilizeWait); err != nil {
				return err
			}
		}
	}

	return &UpstreamUnavailableError{
		Service:  c.service,
		Attempts: c.policy.MaxAttempts,
		Err:      lastConn,
	}
}

// attempt runs op under the per-attempt deadline. A deadline hit surfaces as
// a timeout ConnError, so the retry loop treats it as connection-level.
func (c *ServiceConnection) attempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &ConnError{
			Kind: KindTimeout,
			Err:  fmt.Errorf("%s attempt exceeded %v: %w", c.service, timeout, err),
		}
	}
	return err
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
