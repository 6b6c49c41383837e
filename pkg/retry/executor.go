// Package retry runs fallible operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts   int
	TotalDelay time.Duration
	Last       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts (waited %s): %v", e.Attempts, e.TotalDelay, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable regardless of configuration.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Result is delivered by the asynchronous entry points.
type Result[T any] struct {
	Value T
	Err   error
}

// Executor applies a Config to operations. Safe for concurrent use.
type Executor struct {
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the wait function (tests).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.rand = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor from a copy of cfg.
func New(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:    cfg.withDefaults(),
		sleep:  sleepContext,
		rand:   rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns a copy of the executor's configuration.
func (e *Executor) Config() Config { return e.cfg }

// Run executes op until it succeeds, fails with a non-retryable error, or
// retries are exhausted. Cancellation is observed between attempts only.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Go runs op asynchronously; the channel receives exactly one value.
func (e *Executor) Go(ctx context.Context, op func(ctx context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- e.Run(ctx, op)
	}()
	return ch
}

// Do is the value-returning form of Run.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero       T
		lastErr    error
		totalDelay time.Duration
	)

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !e.retryable(err) {
			var p *permanentError
			if errors.As(err, &p) {
				return zero, p.err
			}
			return zero, err
		}
		if attempt == e.cfg.MaxRetries {
			break
		}

		delay := ComputeBackoff(e.cfg, attempt, e.rand())
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry(attempt+1, err, delay)
		}
		e.logger.DebugContext(ctx, "retrying operation",
			"attempt", attempt+1, "delay", delay, "error", err)

		if err := e.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry: canceled after %d attempts: %w", attempt+1, errors.Join(err, lastErr))
		}
		totalDelay += delay
	}

	return zero, &ExhaustedError{
		Attempts:   e.cfg.MaxRetries + 1,
		TotalDelay: totalDelay,
		Last:       lastErr,
	}
}

// DoAsync runs Do in a goroutine.
func DoAsync[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		v, err := Do(ctx, e, op)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

func (e *Executor) retryable(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	for _, target := range e.cfg.NonRetryable {
		if errors.Is(err, target) {
			return false
		}
	}
	if e.cfg.ShouldRetry != nil {
		return e.cfg.ShouldRetry(err)
	}
	return DefaultShouldRetry(err)
}

// DefaultShouldRetry retries unclassified and transient errors. Classified
// client-side errors and caller cancellation are not retried.
func DefaultShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ae *api.Error
	if errors.As(err, &ae) {
		return ae.Kind.Transient() || ae.Kind == api.KindInternal
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
