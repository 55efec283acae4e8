package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_ExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, Delay: time.Millisecond}
	attempts := 0
	errBoom := errors.New("boom")
	err := p.Do(context.Background(), func() error {
		attempts++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err=%v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts=%d want 3", attempts)
	}
}

func TestDo_StopsOnSuccess(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 4, Delay: time.Millisecond}
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts=%d want 2", attempts)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 4, Delay: time.Millisecond}
	attempts := 0
	errFatal := errors.New("fatal")
	err := p.Do(context.Background(), func() error {
		attempts++
		return Permanent(errFatal)
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("err=%v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts=%d want 1", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{MaxAttempts: 4, Delay: 10 * time.Millisecond}
	attempts := 0
	err := p.Do(ctx, func() error {
		attempts++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts=%d want 1", attempts)
	}
}

func TestDo_ZeroPolicyFallsBackToDefault(t *testing.T) {
	t.Parallel()

	var p Policy
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return nil
	})
	if err != nil || attempts != 1 {
		t.Fatalf("err=%v attempts=%d", err, attempts)
	}
}
