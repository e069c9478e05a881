package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vaultwatch/depositmon/internal/chain"
	"github.com/vaultwatch/depositmon/pkg/config"
	"github.com/vaultwatch/depositmon/pkg/models"
)

// ChainEngine wires C2-C6 together into one chain's monitoring worker:
// head tracker, streamer, poller, processor, and throttle, plus the
// dispatch coalescing channel and safety-tick loop that connect them.
type ChainEngine struct {
	chainID   int64
	chainName string
	cfg       config.EngineConfig
	client    *chain.Client
	state     *ChainState
	tracker   *HeadTracker
	throttle  *Throttle
	processor *Processor
	streamer  *Streamer
	poller    *Poller
	gate      Acquirer
	wallets   func() WalletSet
	logger    zerolog.Logger
	dispatch  chan struct{}
}

// NewChainEngine assembles a ChainEngine. chainIndex is this chain's
// position among totalChains configured chains, used to spread out poller
// ticks.
func NewChainEngine(chainID int64, chainName string, client *chain.Client, gate Acquirer, wallets func() WalletSet, sink CandidateSink, cfg config.EngineConfig, startBlock uint64, chainIndex, totalChains int, logger zerolog.Logger) *ChainEngine {
	state := NewChainState(chainID, startBlock)
	tracker := NewHeadTracker(cfg.BlockCacheMaxAge, cfg.WaitForStream)
	throttle := NewThrottle(chainName, cfg)
	dispatch := make(chan struct{}, 1)

	processor := NewProcessor(chainID, chainName, client, gate, state, wallets, throttle, sink, cfg, logger)

	e := &ChainEngine{
		chainID:   chainID,
		chainName: chainName,
		cfg:       cfg,
		client:    client,
		state:     state,
		tracker:   tracker,
		throttle:  throttle,
		processor: processor,
		gate:      gate,
		wallets:   wallets,
		logger:    logger,
		dispatch:  dispatch,
	}

	e.streamer = NewStreamer(client, tracker, throttle, state, cfg.Debounce, dispatch, logger, e.onReconnect)

	var stagger time.Duration
	if totalChains > 0 {
		stagger = time.Duration(chainIndex) * (cfg.PollInterval / time.Duration(totalChains))
	}
	e.poller = NewPoller(cfg.PollInterval, stagger, dispatch, e.streamer.Healthy, e.tracker.Fresh)

	return e
}

// onReconnect implements spec.md §4.3's gap truncation: on a large
// reconnect gap, last_checked_block is jumped forward rather than
// reprocessing the whole gap.
func (e *ChainEngine) onReconnect(headNow uint64) {
	lastChecked := e.state.LastChecked()
	if headNow <= lastChecked {
		return
	}
	gap := headNow - lastChecked
	if gap <= e.cfg.LongGapBlocks {
		return
	}
	var newLast uint64
	if headNow > e.cfg.InitialWindow {
		newLast = headNow - e.cfg.InitialWindow
	}
	if newLast > lastChecked {
		e.logger.Warn().
			Uint64("gap", gap).
			Uint64("old_last_checked", lastChecked).
			Uint64("new_last_checked", newLast).
			Msg("reconnect gap exceeds threshold, truncating last_checked_block")
		e.state.TruncateTo(newLast)
		reconnectTruncations.WithLabelValues(e.chainName).Inc()
	}
}

// fetchHeadRPC is the admission-gated RPC fallback HeadTracker.Head calls
// when the cache is stale and the stream hasn't delivered in time.
func (e *ChainEngine) fetchHeadRPC(ctx context.Context) (uint64, error) {
	release, err := e.gate.Acquire(ctx, true)
	if err != nil {
		return 0, err
	}
	defer release()
	return e.client.GetLatestBlockNumber(ctx)
}

// TriggerCheck is the external "check now" operation (ops HTTP,
// triggerCheck(chainId)); it is a non-blocking dispatch, a no-op if one is
// already queued.
func (e *ChainEngine) TriggerCheck() {
	select {
	case e.dispatch <- struct{}{}:
	default:
	}
}

// ScheduleBacklogCheck runs a backlog check for a newly-registered wallet
// in the background (spec.md §4.8).
func (e *ChainEngine) ScheduleBacklogCheck(ctx context.Context, fromBlock, toBlock uint64) {
	go func() {
		if err := e.processor.BacklogCheck(ctx, fromBlock, toBlock); err != nil {
			e.logger.Warn().Err(err).Msg("backlog check failed")
		}
	}()
}

// Diagnostics returns the current ChainDiagnostics snapshot.
func (e *ChainEngine) Diagnostics() models.ChainDiagnostics {
	head, at := e.tracker.Snapshot()
	policy := e.throttle.Policy()
	var until time.Time
	if e.throttle.BreakerOpen() {
		until = e.throttle.BreakerOpenUntil()
	}
	var walletCount int
	if e.wallets != nil {
		if ws := e.wallets(); ws != nil {
			walletCount = ws.Len()
		}
	}

	return models.ChainDiagnostics{
		ChainID:                    e.chainID,
		LastCheckedBlock:           e.state.LastChecked(),
		LastKnownHead:              head,
		LastKnownHeadAge:           time.Since(at).String(),
		StreamHealthy:              e.streamer.Healthy(),
		BreakerOpen:                e.throttle.BreakerOpen(),
		BreakerOpenUntil:           until,
		ConsecutiveRateLimitErrors: e.throttle.ConsecutiveRateLimitErrors(),
		RateLimitEventsLastMinute:  e.throttle.RateLimitEventsLastMinute(),
		ConcurrentBlocks:           policy.ConcurrentBlocks,
		BatchPause:                 policy.BatchPause.String(),
		WalletCount:                walletCount,
		CheckInProgress:            e.state.CheckInProgress(),
		BlocksSinceLastCheck:       e.state.BlocksSinceLastCheck(),
	}
}

// Run drives the chain's streamer, poller, safety-tick loop, and dispatch
// consumer until ctx is canceled.
func (e *ChainEngine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.streamer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.poller.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return e.dispatchLoop(ctx)
	})
	g.Go(func() error {
		return e.safetyTickLoop(ctx)
	})

	return g.Wait()
}

func (e *ChainEngine) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.dispatch:
			head, err := e.tracker.Head(ctx, e.fetchHeadRPC)
			breakerOpenGauge.WithLabelValues(e.chainName).Set(boolToFloat(e.throttle.BreakerOpen()))
			if err != nil {
				e.logger.Warn().Err(err).Msg("head lookup failed")
				continue
			}
			chainHeadGauge.WithLabelValues(e.chainName).Set(float64(head))
			if err := e.processor.Check(ctx, head); err != nil {
				e.logger.Error().Err(err).Msg("check failed")
			}
			lastChecked := e.state.LastChecked()
			lastCheckedBlockGauge.WithLabelValues(e.chainName).Set(float64(lastChecked))
			if head > lastChecked {
				blocksBehindGauge.WithLabelValues(e.chainName).Set(float64(head - lastChecked))
			} else {
				blocksBehindGauge.WithLabelValues(e.chainName).Set(0)
			}
		}
	}
}

func (e *ChainEngine) safetyTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			head, _ := e.tracker.Snapshot()
			if e.state.LastChecked() < head {
				e.TriggerCheck()
			}
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
