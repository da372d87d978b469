package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunVisitsEveryIndex(t *testing.T) {
	pool := NewPool(4)
	defer pool.Stop()

	seen := make([]int32, 100)
	err := Run(context.Background(), pool, len(seen), func(i int) error {
		atomic.AddInt32(&seen[i], 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range seen {
		if v != 1 {
			t.Fatalf("index %d visited %d times", i, v)
		}
	}
}

func TestRunReturnsLowestIndexError(t *testing.T) {
	pool := NewPool(3)
	defer pool.Stop()

	errLow := errors.New("low")
	err := Run(context.Background(), pool, 10, func(i int) error {
		switch i {
		case 2:
			return errLow
		case 7:
			return errors.New("high")
		}
		return nil
	})
	if !errors.Is(err, errLow) {
		t.Fatalf("expected lowest index error, got %v", err)
	}
}

func TestRunNilPoolRunsInline(t *testing.T) {
	var calls int
	if err := Run(context.Background(), nil, 5, func(int) error { calls++; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 5 {
		t.Fatalf("expected 5 calls, got %d", calls)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := NewPool(2)
	defer pool.Stop()

	err := Run(ctx, pool, 5, func(int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	pool := NewPool(0)
	if pool.Size() <= 0 {
		t.Fatalf("expected positive default size")
	}
	pool.Stop()
	pool.Stop()
}
