package retry

import (
	"math"
	"time"
)

// Config controls backoff and retry classification. An Executor copies its
// Config at construction, so later mutation by the caller has no effect.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	// Jitter is the maximum extra delay as a fraction of the computed delay.
	Jitter float64
	// NonRetryable errors short-circuit immediately (matched with errors.Is).
	NonRetryable []error
	// ShouldRetry overrides the default classification when set.
	ShouldRetry func(err error) bool
	// OnRetry is invoked before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the standard settlement retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.ExponentialBase < 1 {
		c.ExponentialBase = d.ExponentialBase
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if len(c.NonRetryable) > 0 {
		c.NonRetryable = append([]error(nil), c.NonRetryable...)
	}
	return c
}

// ComputeBackoff returns the delay before retry number attempt (zero-based):
// min(MaxDelay, BaseDelay * ExponentialBase^attempt) plus up to Jitter of that
// delay. r must be in [0,1).
func ComputeBackoff(cfg Config, attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt))

	// Cap before converting to avoid overflow on large exponents.
	delay := cfg.MaxDelay
	if raw < float64(cfg.MaxDelay) && !math.IsInf(raw, 0) {
		delay = time.Duration(raw)
	}

	if cfg.Jitter > 0 && r > 0 {
		delay += time.Duration(float64(delay) * cfg.Jitter * r)
	}
	return delay
}
