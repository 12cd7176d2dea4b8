package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	apperrors "voicechat/pkg/errors"
)

var (
	// ErrExhausted is wrapped into the error returned once every attempt failed.
	ErrExhausted = apperrors.NewAppError(apperrors.ErrCodeRetryExhausted, "retry attempts exhausted", 503)
	// ErrNotRelevant is returned when StillRelevant reports false before an attempt.
	ErrNotRelevant = errors.New("retry no longer relevant")
)

// Config holds retry configuration
type Config struct {
	Enabled            bool          // Enable/disable retry logic
	MaxAttempts        int           // Total number of attempts, first one included
	InitialDelay       time.Duration // Delay before the second attempt
	MaxDelay           time.Duration // Maximum delay between attempts
	Multiplier         float64       // Backoff multiplier, 1.0 keeps the delay fixed
	Jitter             bool          // Add random jitter to prevent thundering herd
	NonRetryableErrors []error       // Errors that stop the loop immediately

	// StillRelevant is consulted before every attempt. A false answer
	// ends the loop with ErrNotRelevant.
	StillRelevant func() bool
	// OnAttempt is called after every failed attempt.
	OnAttempt func(attempt int, err error)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Fixed returns a config making attempts tries with a constant delay between them.
func Fixed(attempts int, delay time.Duration) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

// Retry executes fn until it succeeds, the attempts run out, the context
// is cancelled or the work stops being relevant.
func Retry(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	_, err := RetryWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled || cfg.MaxAttempts <= 1 {
		if err := checkRelevant(ctx, cfg); err != nil {
			return zero, err
		}
		return fn(1)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := checkRelevant(ctx, cfg); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: %w", err, lastErr)
			}
			return zero, err
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, err)
		}

		if isNonRetryable(err, cfg.NonRetryableErrors) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(calculateDelay(cfg, attempt-1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

func checkRelevant(ctx context.Context, cfg Config) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	default:
	}
	if cfg.StillRelevant != nil && !cfg.StillRelevant() {
		return ErrNotRelevant
	}
	return nil
}

// calculateDelay calculates the delay before attempt number retry+2
func calculateDelay(cfg Config, retry int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(retry))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	duration := time.Duration(delay)

	// ±25%
	if cfg.Jitter && duration > 0 {
		jitter := int64(duration / 4)
		if jitter > 0 {
			duration = duration - time.Duration(jitter) + time.Duration(rand.Int63n(2*jitter))
		}
	}

	return duration
}

// isNonRetryable checks if an error matches the non-retryable list
func isNonRetryable(err error, nonRetryableErrors []error) bool {
	for _, nonRetryableErr := range nonRetryableErrors {
		if errors.Is(err, nonRetryableErr) {
			return true
		}
	}
	return false
}
