package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/vaultwatch/depositmon/internal/chain"
)

// Streamer is C3: it holds a persistent SubscribeNewHead subscription,
// feeds every header to the HeadTracker, and fires a debounced dispatch to
// the processor after DEBOUNCE of quiet. Reconnects use capped exponential
// backoff, extended to at least the breaker's remaining cooldown when one
// is open, per spec.md §4.3/§4.6.
type Streamer struct {
	client   *chain.Client
	tracker  *HeadTracker
	throttle *Throttle
	state    *ChainState
	debounce time.Duration
	dispatch chan<- struct{}
	logger   zerolog.Logger

	healthy     atomic.Bool
	onReconnect func(headNow uint64)
}

// NewStreamer builds a Streamer. dispatch is the size-1 coalescing channel
// the engine's check loop reads from. onReconnect, if non-nil, is invoked
// with the first header observed after a (re)subscription that is not the
// very first one, so the engine can apply gap truncation.
func NewStreamer(client *chain.Client, tracker *HeadTracker, throttle *Throttle, state *ChainState, debounce time.Duration, dispatch chan<- struct{}, logger zerolog.Logger, onReconnect func(uint64)) *Streamer {
	return &Streamer{
		client:      client,
		tracker:     tracker,
		throttle:    throttle,
		state:       state,
		debounce:    debounce,
		dispatch:    dispatch,
		logger:      logger,
		onReconnect: onReconnect,
	}
}

// Healthy reports whether the subscription is currently established.
func (s *Streamer) Healthy() bool { return s.healthy.Load() }

// Run loops forever (until ctx is done), reconnecting on any subscription
// error with backoff that respects the circuit breaker's cooldown.
func (s *Streamer) Run(ctx context.Context) {
	if !s.client.HasStream() {
		s.logger.Info().Msg("no websocket endpoint configured, streaming disabled")
		return
	}

	first := true
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		reconnected := !first
		err := s.runOnce(ctx, reconnected)
		first = false
		s.healthy.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("stream subscription ended, reconnecting")
		}

		wait := bo.NextBackOff()
		if s.throttle.BreakerOpen() {
			if remaining := time.Until(s.throttle.BreakerOpenUntil()); remaining > wait {
				wait = remaining
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Streamer) runOnce(ctx context.Context, reconnect bool) error {
	headers, sub, err := s.client.SubscribeNewHead(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	s.healthy.Store(true)
	firstHeader := true
	debounceTimer := time.NewTimer(s.debounce)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case h := <-headers:
			head := h.Number.Uint64()
			s.tracker.Observe(head)
			s.state.MarkBlockObserved()
			if firstHeader && reconnect && s.onReconnect != nil {
				s.onReconnect(head)
			}
			firstHeader = false
			debounceTimer.Reset(s.debounce)
		case <-debounceTimer.C:
			select {
			case s.dispatch <- struct{}{}:
			default:
			}
		}
	}
}
