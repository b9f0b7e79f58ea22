// Package throttle bounds the number of concurrently in-flight
// platform API calls and scan subprocesses with two independent
// weighted semaphores, so a burst of cheap API work cannot starve
// expensive scans and vice versa.
package throttle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ReleaseFunc returns a slot to its gate. Safe to call more than once;
// the release happens exactly once.
type ReleaseFunc func()

// Throttle holds the two concurrency gates.
type Throttle struct {
	api  *semaphore.Weighted
	scan *semaphore.Weighted
}

// New creates a throttle with the given per-gate limits.
func New(apiLimit, scanLimit int) (*Throttle, error) {
	if apiLimit <= 0 || scanLimit <= 0 {
		return nil, fmt.Errorf("throttle limits must be positive, got api=%d scan=%d", apiLimit, scanLimit)
	}
	return &Throttle{
		api:  semaphore.NewWeighted(int64(apiLimit)),
		scan: semaphore.NewWeighted(int64(scanLimit)),
	}, nil
}

// AcquireAPI blocks until an API slot is free or ctx is done.
func (t *Throttle) AcquireAPI(ctx context.Context) (ReleaseFunc, error) {
	return acquire(ctx, t.api)
}

// AcquireScan blocks until a scan slot is free or ctx is done.
func (t *Throttle) AcquireScan(ctx context.Context) (ReleaseFunc, error) {
	return acquire(ctx, t.scan)
}

func acquire(ctx context.Context, sem *semaphore.Weighted) (ReleaseFunc, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}
