package main

import (
	"strings"
	"sync"
	"time"
)

// balanceRefreshKey identifies one wallet's balance on one chain — the
// granularity spec.md §4.7 point 3 coalesces refreshes at.
type balanceRefreshKey struct {
	chainID int64
	wallet  string
}

// balanceRefreshBatcher coalesces balance-refresh-and-emit work across a
// short window, so a burst of candidates landing for the same wallet (the
// JetStream consumer delivers them one message at a time, but several can
// arrive within milliseconds of each other) costs one admission-gated RPC
// call and one balanceUpdate emission instead of one per candidate.
type balanceRefreshBatcher struct {
	mu      sync.Mutex
	pending map[balanceRefreshKey]string // (chain, wallet) -> userID
	timer   *time.Timer
	window  time.Duration
	flushFn func(chainID int64, wallet, userID string)
}

func newBalanceRefreshBatcher(window time.Duration, flushFn func(chainID int64, wallet, userID string)) *balanceRefreshBatcher {
	return &balanceRefreshBatcher{
		pending: make(map[balanceRefreshKey]string),
		window:  window,
		flushFn: flushFn,
	}
}

// Enqueue schedules a refresh for (chainID, wallet). A refresh already
// pending for the same key within the current window is left as-is rather
// than duplicated; the window's single flush covers every candidate that
// arrived for it.
func (b *balanceRefreshBatcher) Enqueue(chainID int64, wallet, userID string) {
	key := balanceRefreshKey{chainID: chainID, wallet: strings.ToLower(wallet)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[key] = userID
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

func (b *balanceRefreshBatcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[balanceRefreshKey]string)
	b.timer = nil
	b.mu.Unlock()

	for key, userID := range batch {
		b.flushFn(key.chainID, key.wallet, userID)
	}
}
