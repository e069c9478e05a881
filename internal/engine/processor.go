package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/vaultwatch/depositmon/internal/chain"
	"github.com/vaultwatch/depositmon/pkg/config"
	"github.com/vaultwatch/depositmon/pkg/models"
)

// WalletSet is the read side of the wallet registry a Processor needs:
// membership test and owning-user lookup against the immutable snapshot
// published by internal/registry.
type WalletSet interface {
	Contains(address string) bool
	UserID(address string) (string, bool)
	Len() int
}

// CandidateSink is where a Processor publishes matches. Satisfied by
// internal/bus.Publisher; kept as an interface here so engine has no
// import-time dependency on the bus's NATS/JetStream details.
type CandidateSink interface {
	PublishDeposit(ctx context.Context, c models.DepositCandidate) error
}

// BlockFetcher is the subset of chain.Client a Processor needs to pull and
// decode one block. Satisfied by *chain.Client; kept as an interface so
// tests can exercise the window/batch/commit path with a fake that fails
// chosen blocks on demand instead of a live RPC endpoint.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, blockNumber uint64) (*chain.FetchedBlock, error)
	PromoteToFull(ctx context.Context, body chain.BlockBody, acquire func() (func(), error)) ([]*types.Transaction, error)
}

// Processor is C5: the window/batch/match/commit block processor.
type Processor struct {
	chainID   int64
	client    BlockFetcher
	gate      Acquirer
	state     *ChainState
	wallets   func() WalletSet
	throttle  *Throttle
	sink      CandidateSink
	cfg       config.EngineConfig
	logger    zerolog.Logger
	chainName string
}

// Acquirer is the subset of rpcgate.Controller a Processor needs; an
// interface so tests can stub admission without spinning up a real
// semaphore/rate limiter pair.
type Acquirer interface {
	Acquire(ctx context.Context, headBlock bool) (func(), error)
}

// NewProcessor builds a Processor for one chain.
func NewProcessor(chainID int64, chainName string, client BlockFetcher, gate Acquirer, state *ChainState, wallets func() WalletSet, throttle *Throttle, sink CandidateSink, cfg config.EngineConfig, logger zerolog.Logger) *Processor {
	return &Processor{
		chainID:   chainID,
		chainName: chainName,
		client:    client,
		gate:      gate,
		state:     state,
		wallets:   wallets,
		throttle:  throttle,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
	}
}

// Check runs one pass over [last_checked_block+1, head], per spec.md
// §4.5: breaker gate, single-flight, window, batch, match, commit.
func (p *Processor) Check(ctx context.Context, head uint64) error {
	if p.throttle.BreakerOpen() {
		return nil
	}

	token, ok := p.state.TryBeginPass()
	if !ok {
		return nil
	}
	defer p.state.EndPass(token)

	checksRun.WithLabelValues(p.chainName).Inc()

	lastChecked := p.state.LastChecked()
	if head <= lastChecked {
		return nil
	}

	begin := lastChecked + 1
	end := head
	if end-begin+1 > p.cfg.LongGapBlocks {
		p.logger.Warn().Uint64("from", begin).Uint64("to", end).Msg("long gap between last checked block and head")
	}

	results := make(map[uint64]bool, end-begin+1)
	var resultsMu sync.Mutex

	policy := p.throttle.Policy()
	for batchStart := begin; batchStart <= end; {
		batchEnd := batchStart + uint64(policy.ConcurrentBlocks) - 1
		if batchEnd > end {
			batchEnd = end
		}

		var wg sync.WaitGroup
		for b := batchStart; b <= batchEnd; b++ {
			wg.Add(1)
			go func(b uint64) {
				defer wg.Done()
				ok := p.processBlock(ctx, b)
				resultsMu.Lock()
				results[b] = ok
				resultsMu.Unlock()
			}(b)
		}
		wg.Wait()

		batchStart = batchEnd + 1
		policy = p.throttle.Policy()
		if batchStart <= end {
			select {
			case <-time.After(policy.BatchPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	highest := lastChecked
	for b := begin; b <= end; b++ {
		if ok, exists := results[b]; exists && ok {
			highest = b
		} else {
			break
		}
	}
	p.state.CommitProgress(highest)
	return nil
}

// BacklogCheck scans a bounded window of recent blocks after a wallet is
// newly registered (spec.md §4.8). Every block goes through processBlock,
// so it applies the same per-block dedup as the regular pass: blocks at or
// below last_checked_block are skipped, and so are blocks another pass
// currently has in flight. It never moves last_checked_block. Correctness
// against double-detection is guaranteed downstream by the activity
// table's unique constraint, not by anything in this method.
func (p *Processor) BacklogCheck(ctx context.Context, fromBlock, toBlock uint64) error {
	for b := fromBlock; b <= toBlock; b++ {
		p.processBlock(ctx, b)
	}
	return nil
}

func (p *Processor) processBlock(ctx context.Context, b uint64) bool {
	if p.state.LastChecked() >= b {
		return true
	}
	if !p.state.MarkInFlight(b) {
		return false
	}
	defer p.state.ClearInFlight(b)

	fb, err := p.fetchWithRetry(ctx, b)
	if err != nil {
		p.logger.Warn().Err(err).Uint64("block", b).Msg("block fetch failed, will retry next pass")
		return false
	}

	txs, err := p.client.PromoteToFull(ctx, fb.Body, func() (func(), error) {
		return p.gate.Acquire(ctx, false)
	})
	if err != nil {
		p.logger.Warn().Err(err).Uint64("block", b).Msg("failed to promote block body to full transactions")
		return false
	}

	signer := types.LatestSignerForChainID(big.NewInt(p.chainID))
	wallets := p.wallets()
	blockTime := time.Unix(int64(fb.Timestamp), 0).UTC()

	for _, tx := range txs {
		cand, ok := matchDeposit(tx, b, blockTime, p.chainID, wallets, signer)
		if !ok {
			continue
		}
		if err := p.sink.PublishDeposit(ctx, *cand); err != nil {
			p.logger.Error().Err(err).Str("tx", cand.TxHash).Msg("failed to publish deposit candidate, will retry block next pass")
			return false
		}
		candidatesPublished.WithLabelValues(p.chainName, "deposit").Inc()
	}
	return true
}

func (p *Processor) fetchWithRetry(ctx context.Context, b uint64) (*chain.FetchedBlock, error) {
	var fetched *chain.FetchedBlock

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBase
	bo.MaxInterval = p.cfg.RetryMax
	bo.MaxElapsedTime = 0
	limited := backoff.WithMaxRetries(bo, uint64(p.cfg.MaxRetries))
	withCtx := backoff.WithContext(limited, ctx)

	err := backoff.Retry(func() error {
		return p.throttle.Guard(func() error {
			release, aerr := p.gate.Acquire(ctx, false)
			if aerr != nil {
				return aerr
			}
			defer release()
			fb, ferr := p.client.FetchBlock(ctx, b)
			if ferr != nil {
				blockFetchErrors.WithLabelValues(p.chainName, "fetch").Inc()
				return ferr
			}
			fetched = fb
			return nil
		})
	}, withCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch block %d after retries: %w", b, err)
	}
	return fetched, nil
}

// matchDeposit implements spec.md §4.5's matching rule: native-asset
// transfer, nonzero value, not a contract creation, not a self-transfer,
// not an internal transfer originating from another monitored wallet, and
// the recipient is in the monitored set.
func matchDeposit(tx *types.Transaction, blockNumber uint64, blockTime time.Time, chainID int64, wallets WalletSet, signer types.Signer) (*models.DepositCandidate, bool) {
	to := tx.To()
	if to == nil {
		return nil, false // contract creation
	}
	if tx.Value().Sign() == 0 {
		return nil, false
	}

	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, false // cannot determine sender, skip rather than guess
	}

	toAddr := to.Hex()
	fromAddr := from.Hex()
	if strings.EqualFold(fromAddr, toAddr) {
		return nil, false
	}
	if wallets.Contains(fromAddr) {
		return nil, false // internal transfer between monitored wallets, not a deposit
	}
	if !wallets.Contains(toAddr) {
		return nil, false
	}

	userID, _ := wallets.UserID(toAddr)
	return &models.DepositCandidate{
		ChainID:        chainID,
		WalletAddress:  toAddr,
		FromAddress:    fromAddr,
		ToAddress:      toAddr,
		Amount:         new(big.Int).Set(tx.Value()),
		TxHash:         tx.Hash().Hex(),
		BlockNumber:    blockNumber,
		BlockTimestamp: blockTime,
		UserID:         userID,
	}, true
}
