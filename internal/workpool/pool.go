// Package workpool bounds concurrent work: a shared Pool caps process-wide
// in-flight language-model calls and Each fans a stage's units out to a
// fixed number of workers.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/glossforge/internal/domain"
)

// Pool limits concurrent operations using a weighted semaphore.
// Every gateway call across all runs goes through one shared Pool.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
}

// NewPool creates a Pool that allows at most limit concurrent operations.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn()
}

// InFlight returns the number of operations currently holding a slot.
func (p *Pool) InFlight() int {
	if p == nil {
		return 0
	}
	return int(p.inFlight.Load())
}

// Limit returns the configured slot count.
func (p *Pool) Limit() int {
	if p == nil {
		return 0
	}
	return p.limit
}

// Each calls fn for every item with at most workers concurrent calls.
// Before each dispatch stop is consulted; once it returns true no further
// items are started and Each waits for the in-flight ones.
//
// A failing or panicking unit stops further dispatch but never cancels the
// units already running: they all see ctx, not a derived group context.
// Errors wrapping domain.ErrCancelled only stop dispatch. Each returns the
// first other error, or else the first cancellation error.
func Each[T any](ctx context.Context, workers int, items []T, stop func() bool, fn func(ctx context.Context, item T) error) error {
	if workers < 1 {
		workers = 1
	}

	var (
		g         errgroup.Group
		mu        sync.Mutex
		failure   error
		cancelled error
		halted    atomic.Bool
	)
	record := func(err error) {
		halted.Store(true)
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, domain.ErrCancelled) {
			if cancelled == nil {
				cancelled = err
			}
			return
		}
		if failure == nil {
			failure = err
		}
	}

	g.SetLimit(workers)
	for _, item := range items {
		if (stop != nil && stop()) || halted.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					slog.ErrorContext(ctx, "work unit panicked", "panic", p, "stack", string(debug.Stack()))
					record(fmt.Errorf("work unit panicked: %v", p))
				}
			}()
			if (stop != nil && stop()) || halted.Load() {
				return nil
			}
			if err := fn(ctx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if failure != nil {
		return failure
	}
	return cancelled
}
