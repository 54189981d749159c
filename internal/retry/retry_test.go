package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func quickConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	result := Do(context.Background(), quickConfig(3), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1", result.Attempts, calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), quickConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), quickConfig(3), func() error {
		calls++
		return errors.New("always down")
	})

	if result.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), quickConfig(5), func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("IsPermanent(%v) = false", result.Err)
	}
}

func TestDoReportsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := quickConfig(5)
	cfg.InitialDelay = 100 * time.Millisecond

	result := Do(ctx, cfg, func() error {
		cancel()
		return errors.New("transient")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
}

func TestDoWithValueReturnsValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), quickConfig(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "ready", nil
	})

	if result.Err != nil {
		t.Fatalf("DoWithValue() error = %v", result.Err)
	}
	if value != "ready" {
		t.Errorf("value = %q, want ready", value)
	}
}

func TestPermanentNilStaysNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain errors are not permanent")
	}
}
