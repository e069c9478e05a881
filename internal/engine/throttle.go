package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vaultwatch/depositmon/internal/rpcgate"
	"github.com/vaultwatch/depositmon/pkg/config"
)

// ThrottlePolicy is the Normal/Moderate/Aggressive operating point
// spec.md §4.6 defines, in terms of per-pass batching parameters.
type ThrottlePolicy struct {
	ConcurrentBlocks int
	BatchPause       time.Duration
}

// Throttle is C6: it classifies every RPC outcome, feeds a gobreaker
// circuit breaker keyed on consecutive rate-limit errors, separately
// enforces the errors-per-minute hard cap, and derives the current
// ThrottlePolicy from the same rolling window.
//
// Only rate-limit outcomes move the breaker. A malformed block or a
// one-off transient error should not itself trip a breaker meant to
// protect against a rate-limited upstream, so Guard reports those to the
// caller without counting them as breaker failures.
type Throttle struct {
	cfg     config.EngineConfig
	breaker *gobreaker.CircuitBreaker

	mu               sync.Mutex
	ring             *rateLimitRing
	consecutive      int
	forcedOpenUntil  time.Time
	breakerOpenUntil time.Time
}

// NewThrottle builds a Throttle for one chain.
func NewThrottle(chainName string, cfg config.EngineConfig) *Throttle {
	t := &Throttle{cfg: cfg, ring: newRateLimitRing()}
	settings := gobreaker.Settings{
		Name: fmt.Sprintf("chain-%s", chainName),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.BreakerThreshold
		},
		Timeout: cfg.BreakerCooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				t.mu.Lock()
				t.breakerOpenUntil = time.Now().Add(cfg.BreakerCooldown)
				t.mu.Unlock()
			}
		},
	}
	t.breaker = gobreaker.NewCircuitBreaker(settings)
	return t
}

// BreakerOpen reports whether the breaker is currently open — either the
// gobreaker state machine or the local errors-per-minute hard cap. When
// true, the caller (Processor.Check) must return without issuing any RPC
// at all, per spec.md testable property 7 ("breaker quiescence").
func (t *Throttle) BreakerOpen() bool {
	t.mu.Lock()
	forced := time.Now().Before(t.forcedOpenUntil)
	t.mu.Unlock()
	if forced {
		return true
	}
	return t.breaker.State() == gobreaker.StateOpen
}

// BreakerOpenUntil returns the estimated time the breaker will allow
// traffic again, used by the streamer to extend its reconnect backoff.
func (t *Throttle) BreakerOpenUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forcedOpenUntil.After(t.breakerOpenUntil) {
		return t.forcedOpenUntil
	}
	return t.breakerOpenUntil
}

// Policy returns the current batching parameters, derived from rate-limit
// events observed in the last minute.
func (t *Throttle) Policy() ThrottlePolicy {
	now := time.Now()
	count := t.ring.countWithin(now, time.Minute)
	switch {
	case count > t.cfg.AggressiveErrorsPerMin:
		return ThrottlePolicy{ConcurrentBlocks: 1, BatchPause: t.cfg.AggressivePause}
	case count > t.cfg.ModerateErrorsPerMin:
		return ThrottlePolicy{ConcurrentBlocks: t.cfg.ConcurrentBlocks, BatchPause: t.cfg.ModeratePause}
	default:
		return ThrottlePolicy{ConcurrentBlocks: t.cfg.ConcurrentBlocks, BatchPause: t.cfg.BatchPause}
	}
}

// Guard executes fn through the breaker, classifying its error. Only
// KindRateLimited outcomes count toward the breaker's consecutive-failure
// trip condition and the errors-per-minute hard cap; any other error is
// still returned to the caller but does not itself open the breaker. When
// the breaker refuses the call without running fn, the breaker's own error
// is returned.
func (t *Throttle) Guard(fn func() error) error {
	var outErr error
	ran := false
	_, berr := t.breaker.Execute(func() (interface{}, error) {
		ran = true
		err := fn()
		outErr = err
		kind := rpcgate.Classify(err)
		if kind == rpcgate.KindRateLimited {
			t.recordRateLimit()
			return nil, err
		}
		if err == nil {
			t.recordSuccess()
		}
		return nil, nil
	})
	if !ran {
		return berr
	}
	return outErr
}

func (t *Throttle) recordRateLimit() {
	now := time.Now()
	t.ring.record(now)

	t.mu.Lock()
	t.consecutive++
	count := t.ring.countWithin(now, time.Minute)
	if count > t.cfg.ErrorsPerMinuteCap {
		t.forcedOpenUntil = now.Add(t.cfg.BreakerCooldown)
	}
	t.mu.Unlock()
}

func (t *Throttle) recordSuccess() {
	t.mu.Lock()
	if t.consecutive > 0 {
		t.consecutive--
	}
	t.mu.Unlock()
}

// ConsecutiveRateLimitErrors reports the current streak (for diagnostics).
func (t *Throttle) ConsecutiveRateLimitErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// RateLimitEventsLastMinute reports the rolling-window count (diagnostics).
func (t *Throttle) RateLimitEventsLastMinute() int {
	return t.ring.countWithin(time.Now(), time.Minute)
}
