package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	config := Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}

	attempts := 0
	err := Do(context.Background(), config, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do should succeed once fn does, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	config := Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}

	boom := errors.New("boom")
	attempts := 0
	err := Do(context.Background(), config, func() error {
		attempts++
		return boom
	})
	if err == nil {
		t.Fatal("Do should fail when fn never succeeds")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Final error should wrap the last failure, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected initial attempt plus 2 retries, got %d attempts", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	config := Config{
		MaxRetries:     10,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		Multiplier:     1.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, config, func() error { return errors.New("always") })
	if err == nil {
		t.Fatal("Do should report cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Error should wrap context.Canceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Cancellation should interrupt the backoff sleep")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("upstream returned 503"), true},
		{errors.New("database is locked"), true},
		{errors.New("pipeline not found"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
