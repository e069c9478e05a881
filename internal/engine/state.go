// Package engine implements C2-C6: the head-block tracker, streaming
// subscriber, polling scheduler, block processor, and adaptive throttle /
// circuit breaker that together make up one chain's monitoring worker.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const rateLimitRingCap = 20

// ChainState is the mutable per-chain progress state: last_checked_block,
// blocks_in_flight, the single-flight token, and the blocks-since-last-check
// counter. last_known_head (+ timestamp) lives in HeadTracker; the
// rate-limit ring and the breaker deadline live in Throttle.
// All access goes through its methods; callers never reach into the
// fields directly.
type ChainState struct {
	chainID int64

	mu                   sync.Mutex
	lastCheckedBlock     uint64
	blocksInFlight       map[uint64]struct{}
	activeCheckToken     uuid.UUID
	blocksSinceLastCheck uint64
}

// NewChainState seeds a chain's state at startBlock - 1 so the first pass
// covers [startBlock, head].
func NewChainState(chainID int64, startBlock uint64) *ChainState {
	var seed uint64
	if startBlock > 0 {
		seed = startBlock - 1
	}
	return &ChainState{
		chainID:          chainID,
		lastCheckedBlock: seed,
		blocksInFlight:   make(map[uint64]struct{}),
	}
}

// ChainID returns the chain this state belongs to.
func (s *ChainState) ChainID() int64 { return s.chainID }

// LastChecked returns the highest contiguously-processed block.
func (s *ChainState) LastChecked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheckedBlock
}

// TryBeginPass is the single-flight guard: it returns a token and true if
// no pass is currently running for this chain, or the zero token and
// false if one already is.
func (s *ChainState) TryBeginPass() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCheckToken != uuid.Nil {
		return uuid.Nil, false
	}
	token := uuid.New()
	s.activeCheckToken = token
	return token, true
}

// EndPass clears the single-flight guard, but only if token still matches
// what TryBeginPass handed out — guards against a stale goroutine clearing
// a newer pass's token.
func (s *ChainState) EndPass(token uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCheckToken == token {
		s.activeCheckToken = uuid.Nil
	}
}

// CheckInProgress reports whether a pass currently owns the single-flight
// token (for diagnostics only).
func (s *ChainState) CheckInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCheckToken != uuid.Nil
}

// MarkInFlight records that block b is being fetched, returning false if
// it already was (another pass owns it — skip, per spec.md §4.5 step 2).
func (s *ChainState) MarkInFlight(b uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocksInFlight[b]; ok {
		return false
	}
	s.blocksInFlight[b] = struct{}{}
	return true
}

// ClearInFlight releases a block's in-flight marker once its fetch
// completes (success or failure).
func (s *ChainState) ClearInFlight(b uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocksInFlight, b)
}

// CommitProgress advances last_checked_block to highest, never backwards,
// and clears the blocks-since-last-check counter (spec.md §4.3).
func (s *ChainState) CommitProgress(highest uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if highest > s.lastCheckedBlock {
		s.lastCheckedBlock = highest
	}
	s.blocksSinceLastCheck = 0
}

// MarkBlockObserved records one additional "block since last check" (spec.md
// §4.3), called by the streamer for every header it sees on the persistent
// subscription.
func (s *ChainState) MarkBlockObserved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocksSinceLastCheck++
}

// BlocksSinceLastCheck reports the counter MarkBlockObserved accumulates,
// reset to zero on the next committed pass.
func (s *ChainState) BlocksSinceLastCheck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocksSinceLastCheck
}

// TruncateTo jumps last_checked_block forward on a large reconnect gap
// (spec.md §4.3); unlike CommitProgress this is allowed to skip blocks, it
// is the deliberate cost/latency trade-off spec.md §9 flags.
func (s *ChainState) TruncateTo(newLast uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newLast > s.lastCheckedBlock {
		s.lastCheckedBlock = newLast
	}
}

// rateLimitRing is a bounded rolling window of rate-limit event timestamps,
// used by Throttle to compute errors-per-minute for the Normal/Moderate/
// Aggressive policy and the hard ERRORS_PER_MINUTE_CAP.
type rateLimitRing struct {
	mu     sync.Mutex
	events []time.Time
}

func newRateLimitRing() *rateLimitRing {
	return &rateLimitRing{events: make([]time.Time, 0, rateLimitRingCap)}
}

func (r *rateLimitRing) record(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, now)
	if len(r.events) > rateLimitRingCap {
		r.events = r.events[len(r.events)-rateLimitRingCap:]
	}
}

func (r *rateLimitRing) countWithin(now time.Time, window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	cutoff := now.Add(-window)
	for _, t := range r.events {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
