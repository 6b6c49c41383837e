package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
)

const maxKeyLength = 255

var (
	// ErrKeyReused is returned when a key is replayed with a different payload.
	ErrKeyReused = api.Conflict("IDEMPOTENCY_KEY_REUSED", "idempotency key was already used with a different payload")
	// ErrInFlight is returned when the original request has not finished.
	ErrInFlight = &api.Error{
		Kind:       api.KindConflict,
		Code:       "REQUEST_IN_FLIGHT",
		Message:    "a request with this idempotency key is still being processed",
		RetryAfter: time.Second,
	}
	ErrInvalidKey = api.Validation("INVALID_IDEMPOTENCY_KEY", "idempotency key must be 1-255 characters")
)

// Func is the side-effecting operation. The returned value is persisted as
// JSON and replayed verbatim to later callers.
type Func func(ctx context.Context) (statusCode int, result any, err error)

// Outcome is the stored or fresh result of an operation.
type Outcome struct {
	StatusCode int
	Body       json.RawMessage
	// Replayed is true when the outcome came from a previous execution.
	Replayed bool
}

// Decode unmarshals the body into v.
func (o *Outcome) Decode(v any) error {
	return json.Unmarshal(o.Body, v)
}

// Coordinator runs operations at most once per (operation, key).
type Coordinator struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewCoordinator(store Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, now: time.Now, logger: logger}
}

// WithClock overrides the coordinator clock (tests).
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Lookup returns the stored outcome for a completed request without
// claiming the key. found is false when no record exists.
func (c *Coordinator) Lookup(ctx context.Context, operation, key string, payload any) (*Outcome, bool, error) {
	fp, err := fingerprint(key, payload)
	if err != nil {
		return nil, false, err
	}
	rec, err := c.store.Get(ctx, operation, key)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, api.Unavailable("IDEMPOTENCY_STORE_UNAVAILABLE", "idempotency store unavailable").WithCause(err)
	}
	out, err := c.fromExisting(rec, fp)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// Run executes fn once for (operation, key). Duplicates with the same
// payload receive the stored outcome; a different payload is a conflict;
// a duplicate while the first is still running gets ErrInFlight. If fn
// fails or panics the claim is released so the caller may retry.
func (c *Coordinator) Run(ctx context.Context, operation, key string, payload any, fn Func) (out *Outcome, err error) {
	fp, err := fingerprint(key, payload)
	if err != nil {
		return nil, err
	}

	inserted, existing, err := c.store.Insert(ctx, &Record{
		Operation:   operation,
		Key:         key,
		Fingerprint: fp,
		Status:      StatusInProgress,
		CreatedAt:   c.now().UTC(),
	})
	if err != nil {
		return nil, api.Unavailable("IDEMPOTENCY_STORE_UNAVAILABLE", "idempotency store unavailable").WithCause(err)
	}
	if !inserted {
		return c.fromExisting(existing, fp)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// Detached so a canceled request still frees its claim.
		if derr := c.store.Delete(context.WithoutCancel(ctx), operation, key); derr != nil {
			c.logger.ErrorContext(ctx, "idempotency: failed to release claim",
				"operation", operation, "key", key, "error", derr)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			release()
			panic(r)
		}
	}()

	status, result, ferr := fn(ctx)
	if ferr != nil {
		release()
		return nil, ferr
	}

	body, err := json.Marshal(result)
	if err != nil {
		release()
		return nil, fmt.Errorf("idempotency: encode result: %w", err)
	}
	if err := c.store.Complete(context.WithoutCancel(ctx), operation, key, status, body, c.now().UTC()); err != nil {
		c.logger.ErrorContext(ctx, "idempotency: failed to persist result",
			"operation", operation, "key", key, "error", err)
		return nil, api.Internal("IDEMPOTENCY_PERSIST_FAILED", "operation completed but its result could not be recorded").WithCause(err)
	}
	return &Outcome{StatusCode: status, Body: body}, nil
}

func (c *Coordinator) fromExisting(rec *Record, fp string) (*Outcome, error) {
	if rec.Fingerprint != fp {
		return nil, ErrKeyReused
	}
	if rec.Status != StatusCompleted {
		return nil, ErrInFlight
	}
	return &Outcome{StatusCode: rec.StatusCode, Body: rec.Result, Replayed: true}, nil
}

func fingerprint(key string, payload any) (string, error) {
	if key == "" || len(key) > maxKeyLength {
		return "", ErrInvalidKey
	}
	fp, err := canonicalize.Fingerprint(payload)
	if err != nil {
		return "", api.Validation("UNCANONICALIZABLE_PAYLOAD", "payload cannot be canonicalized").WithCause(err)
	}
	return fp, nil
}
