package workpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/glossforge/internal/domain"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	const workers = 10
	pool := NewPool(limit)

	var running atomic.Int32
	var maxSeen atomic.Int32

	ctx := context.Background()
	done := make(chan struct{}, workers)

	for range workers {
		go func() {
			defer func() { done <- struct{}{} }()
			err := pool.Run(ctx, func() error {
				cur := running.Add(1)
				for {
					old := maxSeen.Load()
					if cur <= old || maxSeen.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	for range workers {
		<-done
	}

	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
	if pool.InFlight() != 0 {
		t.Errorf("in-flight after completion = %d", pool.InFlight())
	}
}

func TestPoolContextCancellation(t *testing.T) {
	pool := NewPool(1)
	ctx := context.Background()

	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = pool.Run(ctx, func() error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	err := pool.Run(cancelCtx, func() error {
		t.Error("fn should not have been called")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(release)
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var p *Pool
	called := false
	if err := p.Run(context.Background(), func() error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected fn to run")
	}
}

func TestEachVisitsAllItems(t *testing.T) {
	var sum atomic.Int64
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	err := Each(context.Background(), 3, items, nil, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Load() != 36 {
		t.Errorf("sum = %d, want 36", sum.Load())
	}
}

func TestEachStopsDispatching(t *testing.T) {
	var started atomic.Int32
	var stopped atomic.Bool
	items := make([]int, 50)

	err := Each(context.Background(), 1, items, stopped.Load, func(_ context.Context, _ int) error {
		if started.Add(1) == 3 {
			stopped.Store(true)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := started.Load(); n != 3 {
		t.Errorf("started %d units after stop, want 3", n)
	}
}

func TestEachReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := Each(context.Background(), 2, []int{1, 2, 3}, nil, func(_ context.Context, n int) error {
		if n == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestEachRecoversPanickingUnit(t *testing.T) {
	err := Each(context.Background(), 2, []int{1, 2, 3}, nil, func(_ context.Context, n int) error {
		if n == 1 {
			var m map[string]int
			m["x"] = 1
		}
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "work unit panicked") {
		t.Fatalf("expected recovered panic error, got %v", err)
	}
}

func TestEachCancellationLeavesSiblingsRunning(t *testing.T) {
	release := make(chan struct{})
	inFlight := make(chan struct{})
	var siblingCtxErr atomic.Value

	errCh := make(chan error, 1)
	go func() {
		errCh <- Each(context.Background(), 2, []string{"alpha", "beta"}, nil, func(ctx context.Context, item string) error {
			if item == "alpha" {
				close(inFlight)
				<-release
				siblingCtxErr.Store(fmt.Sprint(ctx.Err()))
				return nil
			}
			<-inFlight
			return fmt.Errorf("retry abandoned: %w", domain.ErrCancelled)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrCancelled) {
			t.Fatalf("expected cancellation error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Each did not return")
	}
	if got := siblingCtxErr.Load(); got != "<nil>" {
		t.Errorf("in-flight sibling saw ctx error %v", got)
	}
}

func TestEachPrefersFailureOverCancellation(t *testing.T) {
	boom := errors.New("boom")
	secondStarted := make(chan struct{})
	err := Each(context.Background(), 2, []int{1, 2}, nil, func(_ context.Context, n int) error {
		if n == 1 {
			<-secondStarted
			return domain.ErrCancelled
		}
		close(secondStarted)
		time.Sleep(10 * time.Millisecond)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
