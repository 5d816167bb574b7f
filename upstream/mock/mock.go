// Package mock provides a configurable imagerouter.Caller for tests and
// local runs without upstream access.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/imagerouter"
)

// Caller is a mock upstream.
type Caller struct {
	latency      time.Duration
	failAfter    int
	staticErr    error
	errsBySecret map[string]error
	responseFunc func(ctx context.Context, secret string, req imagerouter.GenerationRequest) (imagerouter.MediaResult, error)

	callCount atomic.Int64
	mu        sync.Mutex
	secrets   []string
}

var _ imagerouter.Caller = (*Caller)(nil)

// Option configures a mock Caller.
type Option func(*Caller)

// New creates a mock caller with the given options.
func New(opts ...Option) *Caller {
	c := &Caller{errsBySecret: make(map[string]error)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLatency adds simulated latency to each call. The latency respects ctx.
func WithLatency(d time.Duration) Option {
	return func(c *Caller) { c.latency = d }
}

// WithFailAfter makes the caller fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(c *Caller) { c.failAfter = n }
}

// WithError makes the caller always return this error.
func WithError(err error) Option {
	return func(c *Caller) { c.staticErr = err }
}

// WithSecretError makes calls made with secret return err.
func WithSecretError(secret string, err error) Option {
	return func(c *Caller) { c.errsBySecret[secret] = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(ctx context.Context, secret string, req imagerouter.GenerationRequest) (imagerouter.MediaResult, error)) Option {
	return func(c *Caller) { c.responseFunc = fn }
}

func (c *Caller) Call(ctx context.Context, secret string, req imagerouter.GenerationRequest) (imagerouter.MediaResult, error) {
	c.mu.Lock()
	c.secrets = append(c.secrets, secret)
	c.mu.Unlock()

	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return imagerouter.MediaResult{}, ctx.Err()
		}
	}

	count := c.callCount.Add(1)

	if c.staticErr != nil {
		return imagerouter.MediaResult{}, c.staticErr
	}
	if err, ok := c.errsBySecret[secret]; ok {
		return imagerouter.MediaResult{}, err
	}
	if c.failAfter > 0 && int(count) > c.failAfter {
		return imagerouter.MediaResult{}, &imagerouter.UpstreamError{StatusCode: 429, Code: "rate_limit_exceeded", Message: "mock quota"}
	}
	if c.responseFunc != nil {
		return c.responseFunc(ctx, secret, req)
	}

	n := req.Count
	if n <= 0 {
		n = 1
	}
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://assets.example.invalid/mock/%d-%d.jpg", count, i)
	}
	return imagerouter.MediaResult{URLs: urls}, nil
}

// CallCount returns the number of calls that completed their latency.
func (c *Caller) CallCount() int64 { return c.callCount.Load() }

// Secrets returns the secrets used, in call order.
func (c *Caller) Secrets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.secrets...)
}
