package engine

import (
	"context"
	"sync"
	"time"
)

// HeadTracker is C2: a per-chain cache of the last known head block. Reads
// younger than maxAge are served from cache with no RPC call; otherwise
// the caller waits briefly for the streamer to push a fresher value before
// falling back to an admission-gated RPC call.
type HeadTracker struct {
	maxAge        time.Duration
	waitForStream time.Duration

	mu      sync.RWMutex
	head    uint64
	at      time.Time
	updated chan struct{}
}

// NewHeadTracker builds a HeadTracker.
func NewHeadTracker(maxAge, waitForStream time.Duration) *HeadTracker {
	return &HeadTracker{
		maxAge:        maxAge,
		waitForStream: waitForStream,
		updated:       make(chan struct{}),
	}
}

// Observe records a head-block observation from the streamer or a direct
// RPC call. The cached value never regresses, but the freshness timestamp
// always advances: even a repeated head confirms the cache is current.
func (h *HeadTracker) Observe(head uint64) {
	h.mu.Lock()
	if head > h.head {
		h.head = head
	}
	h.at = time.Now()
	waiters := h.updated
	h.updated = make(chan struct{})
	h.mu.Unlock()
	close(waiters)
}

// Snapshot returns the cached head and when it was last confirmed.
func (h *HeadTracker) Snapshot() (uint64, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.head, h.at
}

// Fresh reports whether the cached head is younger than maxAge.
func (h *HeadTracker) Fresh() bool {
	_, at := h.Snapshot()
	return !at.IsZero() && time.Since(at) < h.maxAge
}

// Head returns the current head: the cache if fresh, otherwise a short
// wait for the streamer to deliver one, otherwise fetch falls back to an
// admission-gated RPC call.
func (h *HeadTracker) Head(ctx context.Context, fetch func(context.Context) (uint64, error)) (uint64, error) {
	head, at := h.Snapshot()
	if !at.IsZero() && time.Since(at) < h.maxAge {
		return head, nil
	}

	h.mu.RLock()
	waitCh := h.updated
	h.mu.RUnlock()

	select {
	case <-waitCh:
		head, _ = h.Snapshot()
		return head, nil
	case <-time.After(h.waitForStream):
	case <-ctx.Done():
		return head, ctx.Err()
	}

	v, err := fetch(ctx)
	if err != nil {
		return head, err
	}
	h.Observe(v)
	return v, nil
}
