package fees

import (
	"context"
	"sync"
	"time"
)

// Debouncer coalesces bursts of requests into a single run after a quiet
// period. It holds at most one pending task: triggering again before the
// quiet period elapses cancels the pending run and restarts the wait, so a
// stale estimate is discarded rather than applied.
type Debouncer struct {
	mu     sync.Mutex
	quiet  time.Duration
	cancel context.CancelFunc
}

func NewDebouncer(quiet time.Duration) *Debouncer {
	return &Debouncer{quiet: quiet}
}

// Trigger schedules fn to run after the quiet period, replacing any pending
// run. fn receives a context that is cancelled if a newer trigger supersedes
// it or Stop is called.
func (d *Debouncer) Trigger(ctx context.Context, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel
	d.mu.Unlock()

	go func() {
		timer := time.NewTimer(d.quiet)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(ctx)
	}()
}

// Stop cancels any pending run.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
