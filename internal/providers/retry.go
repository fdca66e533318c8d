package providers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds the adapter-level backoff loop for transient failures.
// This budget is independent of the pipeline's quality retry counter.
type RetryConfig struct {
	// Budget is the maximum number of attempts (not retries). Default: 3.
	Budget int

	// InitialBackoff is the delay before the second attempt. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier grows the delay between attempts. Default: 2.
	Multiplier float64
}

// DefaultRetryConfig returns the default transient-failure policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Budget:         3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.Budget <= 0 {
		c.Budget = d.Budget
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// ExhaustedError marks a transient failure that survived the whole backoff
// budget. The orchestrator maps it to an infra_exhausted abort.
type ExhaustedError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: transient failure persisted after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// WithRetry runs op with exponential backoff on transient failures.
// Permanent failures return immediately. A transient failure that outlives
// the budget is wrapped in ExhaustedError.
func WithRetry(ctx context.Context, provider string, cfg RetryConfig, log *zap.Logger, op func(context.Context) error) error {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.Budget; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("provider recovered after retries",
					zap.String("provider", provider),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == cfg.Budget {
			break
		}

		log.Warn("transient provider failure, backing off",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.Int("budget", cfg.Budget),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return NewTransient(provider, "canceled during backoff", ctx.Err())
		case <-time.After(backoff):
		}

		next := time.Duration(float64(backoff) * cfg.Multiplier)
		if next > cfg.MaxBackoff {
			next = cfg.MaxBackoff
		}
		backoff = next
	}

	return &ExhaustedError{Provider: provider, Attempts: cfg.Budget, Err: lastErr}
}
