// Package poller provides the shared confirmation-watch primitive. A watch
// invokes a lookup immediately and then on a fixed interval until the looked
// up status is terminal or the watch is cancelled. The registry keeps at most
// one active watch per key: starting a new watch for a key cancels the old
// one first, so the watch lifecycle always tracks the lifecycle of the state
// machine it observes.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultTickTimeout = 10 * time.Second

// Handle controls a single running watch.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Cancel stops the watch. Safe to call multiple times and after the watch
// has already reached a terminal status.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
}

// Done is closed when the watch loop has exited, either through cancellation
// or by observing a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Poller owns all active watches.
type Poller struct {
	mu          sync.Mutex
	watches     map[string]*Handle
	tickTimeout time.Duration
	logger      *slog.Logger
}

type PollerOpts struct {
	// TickTimeout bounds a single lookup invocation. A timed-out tick is
	// treated as unknown, not as a failure; the next tick retries.
	TickTimeout time.Duration
	Logger      *slog.Logger
}

func NewPoller(opts PollerOpts) *Poller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickTimeout == 0 {
		opts.TickTimeout = defaultTickTimeout
	}
	return &Poller{
		watches:     make(map[string]*Handle),
		tickTimeout: opts.TickTimeout,
		logger:      opts.Logger,
	}
}

// Watch starts polling lookup for key. Any existing watch for the same key
// is cancelled before the new one starts.
func Watch[S any](p *Poller, ctx context.Context, key string, interval time.Duration, lookup func(context.Context) (S, error), isTerminal func(S) bool) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if prev, ok := p.watches[key]; ok {
		prev.Cancel()
	}
	p.watches[key] = handle
	p.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			p.mu.Lock()
			if p.watches[key] == handle {
				delete(p.watches, key)
			}
			p.mu.Unlock()
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			tickCtx, tickCancel := context.WithTimeout(ctx, p.tickTimeout)
			status, err := lookup(tickCtx)
			tickCancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Debug("poll tick failed", "key", key, "error", err)
			} else if isTerminal(status) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return handle
}

// CancelWatch cancels the active watch for key, if any.
func (p *Poller) CancelWatch(key string) {
	p.mu.Lock()
	handle, ok := p.watches[key]
	p.mu.Unlock()
	if ok {
		handle.Cancel()
	}
}

// ActiveWatches reports how many watches are currently running.
func (p *Poller) ActiveWatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}
