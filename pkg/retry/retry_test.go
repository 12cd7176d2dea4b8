package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "voicechat/pkg/errors"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
)

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	cfg := Fixed(3, 10*time.Millisecond)

	attempts := 0
	err := Retry(context.Background(), cfg, func(int) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_SuccessOnThirdAttempt(t *testing.T) {
	cfg := Fixed(3, 10*time.Millisecond)

	attempts := 0
	err := Retry(context.Background(), cfg, func(attempt int) error {
		attempts++
		if attempt != attempts {
			t.Errorf("attempt number = %d, want %d", attempt, attempts)
		}
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	cfg := Fixed(3, 5*time.Millisecond)

	attempts := 0
	err := Retry(context.Background(), cfg, func(int) error {
		attempts++
		return errTestError
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Expected ErrExhausted, got: %v", err)
	}
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected last error in chain, got: %v", err)
	}
	if !apperrors.IsCode(err, apperrors.ErrCodeRetryExhausted) {
		t.Errorf("Expected RETRY_EXHAUSTED code, got: %v", apperrors.CodeOf(err))
	}
}

func TestRetry_FixedDelay(t *testing.T) {
	cfg := Fixed(3, 30*time.Millisecond)

	start := time.Now()
	_ = Retry(context.Background(), cfg, func(int) error { return errTestError })
	elapsed := time.Since(start)

	if elapsed < 60*time.Millisecond {
		t.Errorf("Expected at least two 30ms waits, took %v", elapsed)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	cfg := Fixed(3, 10*time.Millisecond)
	cfg.NonRetryableErrors = []error{errNonRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, func(int) error {
		attempts++
		return errNonRetryable
	})

	if !errors.Is(err, errNonRetryable) {
		t.Errorf("Expected non-retryable error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	cfg := Fixed(5, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, cfg, func(int) error {
		attempts++
		cancel()
		return errTestError
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_StillRelevant(t *testing.T) {
	cfg := Fixed(3, 5*time.Millisecond)
	relevant := true
	cfg.StillRelevant = func() bool { return relevant }

	attempts := 0
	err := Retry(context.Background(), cfg, func(int) error {
		attempts++
		relevant = false
		return errTestError
	})

	if !errors.Is(err, ErrNotRelevant) {
		t.Errorf("Expected ErrNotRelevant, got: %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Errorf("Irrelevant work must not report exhaustion")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_OnAttempt(t *testing.T) {
	cfg := Fixed(3, time.Millisecond)
	var seen []int
	cfg.OnAttempt = func(attempt int, err error) { seen = append(seen, attempt) }

	_ = Retry(context.Background(), cfg, func(int) error { return errTestError })

	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("OnAttempt calls = %v, want [1 2 3]", seen)
	}
}

func TestRetry_Disabled(t *testing.T) {
	cfg := Fixed(3, time.Millisecond)
	cfg.Enabled = false

	attempts := 0
	err := Retry(context.Background(), cfg, func(int) error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, errTestError) {
		t.Errorf("Expected raw error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetryWithResult(t *testing.T) {
	cfg := Fixed(3, time.Millisecond)

	result, err := RetryWithResult(context.Background(), cfg, func(attempt int) (string, error) {
		if attempt < 2 {
			return "", errTestError
		}
		return "ok", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected ok, got: %q", result)
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
	}

	for _, tt := range tests {
		if got := calculateDelay(cfg, tt.retry); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestCalculateDelay_Jitter(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 1.0, Jitter: true}

	for i := 0; i < 50; i++ {
		got := calculateDelay(cfg, 0)
		if got < 75*time.Millisecond || got >= 125*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%%", got)
		}
	}
}
