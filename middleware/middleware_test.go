package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/limiter"
	"github.com/drover-io/drover/lock"
	"github.com/drover-io/drover/middleware"
)

func testJob(name string) *job.Job {
	return &job.Job{
		ID:    id.NewJobID(),
		Name:  name,
		Queue: "default",
		State: job.StateExecuting,
	}
}

func TestChain_OrderAndPassThrough(t *testing.T) {
	var order []string
	mk := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
			order = append(order, name+":before")
			err := next(ctx)
			order = append(order, name+":after")
			return err
		}
	}

	chain := middleware.Chain(mk("outer"), mk("inner"))
	err := chain(context.Background(), testJob("t"), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain error: %v", err)
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), testJob("t"), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("chain error: %v", err)
	}
	if !called {
		t.Error("handler was not called through empty chain")
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	err := mw(context.Background(), testJob("boom"), func(_ context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
}

func TestTimeout_CancelsLongHandler(t *testing.T) {
	mw := middleware.Timeout(slog.Default())

	j := testJob("slow")
	j.Timeout = 10 * time.Millisecond

	err := mw(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestRateLimit_RejectsOverMax(t *testing.T) {
	l := limiter.NewMemory()
	mw := middleware.RateLimit(l, middleware.ByJobName, 10, time.Minute, slog.Default())

	var executed int
	handler := func(_ context.Context) error {
		executed++
		return nil
	}

	for i := 1; i <= 10; i++ {
		if err := mw(context.Background(), testJob("reports"), handler); err != nil {
			t.Fatalf("call %d error: %v", i, err)
		}
	}

	err := mw(context.Background(), testJob("reports"), handler)
	if !errors.Is(err, drover.ErrRateLimited) {
		t.Fatalf("11th call err = %v, want ErrRateLimited", err)
	}
	if executed != 10 {
		t.Errorf("handler executed %d times, want 10", executed)
	}
}

func TestRateLimit_LimiterErrorFailsOpen(t *testing.T) {
	mw := middleware.RateLimit(errorLimiter{}, nil, 1, time.Minute, slog.Default())

	called := false
	err := mw(context.Background(), testJob("t"), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil (fail open)", err)
	}
	if !called {
		t.Error("handler should run when the limiter backend is down")
	}
}

type errorLimiter struct{}

func (errorLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("limiter store unreachable")
}

func TestWithoutOverlapping_ExactlyOneExecutes(t *testing.T) {
	l := lock.NewMemory()
	mw := middleware.WithoutOverlapping(l, middleware.ByJobName, time.Minute, slog.Default())

	var executed, skipped atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mw(context.Background(), testJob("nightly"), func(_ context.Context) error {
				executed.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, drover.ErrOverlapSkipped) {
				skipped.Add(1)
				// The loser must not block the winner.
				close(release)
			}
		}()
	}
	wg.Wait()

	if executed.Load() != 1 {
		t.Errorf("executed = %d, want exactly 1", executed.Load())
	}
	if skipped.Load() != 1 {
		t.Errorf("skipped = %d, want exactly 1", skipped.Load())
	}
}

func TestWithoutOverlapping_ReleasesAfterFailure(t *testing.T) {
	l := lock.NewMemory()
	mw := middleware.WithoutOverlapping(l, nil, time.Minute, slog.Default())

	handlerErr := errors.New("handler failed")
	err := mw(context.Background(), testJob("t"), func(_ context.Context) error {
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("err = %v, want handler error", err)
	}

	// The lock must be released even after a failing run.
	err = mw(context.Background(), testJob("t"), func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("second run err = %v, want nil (lock released)", err)
	}
}
