package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReturnsValueWhenDoneIsCalled(t *testing.T) {
	calls := 0
	got, err := WithRetries(context.Background(), 5, time.Millisecond, func(ctx context.Context, done func()) (int, error) {
		calls++
		if calls == 3 {
			done()
			return 42, nil
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got=%d calls=%d", got, calls)
	}
}

func TestExhaustionFailsWithMaxRetries(t *testing.T) {
	calls := 0
	_, err := WithRetries(context.Background(), 4, time.Millisecond, func(ctx context.Context, done func()) (int, error) {
		calls++
		return 0, nil
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestStepErrorPropagatesImmediately(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := WithRetries(context.Background(), 10, time.Millisecond, func(ctx context.Context, done func()) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected step error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("a failing step must not be retried, got %d attempts", calls)
	}
}

func TestContextCancellationStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := WithRetries(ctx, 10, time.Hour, func(ctx context.Context, done func()) (int, error) {
		calls++
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before the long wait, got %d", calls)
	}
}
