package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vaultwatch/depositmon/internal/chain"
	"github.com/vaultwatch/depositmon/pkg/config"
	"github.com/vaultwatch/depositmon/pkg/models"
)

type fakeWallets struct {
	byAddress map[string]string
}

func (f *fakeWallets) Contains(address string) bool {
	_, ok := f.byAddress[address]
	return ok
}

func (f *fakeWallets) UserID(address string) (string, bool) {
	u, ok := f.byAddress[address]
	return u, ok
}

func (f *fakeWallets) Len() int {
	return len(f.byAddress)
}

func signedTransfer(t *testing.T, chainID int64, to common.Address, value *big.Int) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	signedTx, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)
	return signedTx, from
}

func TestMatchDeposit_MatchesTransferIntoMonitoredWallet(t *testing.T) {
	const chainID = 137
	monitored := common.HexToAddress("0x0000000000000000000000000000000000aaaa")
	signer := types.LatestSignerForChainID(big.NewInt(chainID))

	tx, from := signedTransfer(t, chainID, monitored, big.NewInt(1_000_000_000_000_000_000))
	wallets := &fakeWallets{byAddress: map[string]string{monitored.Hex(): "user-1"}}

	cand, ok := matchDeposit(tx, 42, time.Unix(1000, 0), chainID, wallets, signer)
	require.True(t, ok)
	require.Equal(t, "user-1", cand.UserID)
	require.Equal(t, monitored.Hex(), cand.ToAddress)
	require.Equal(t, from.Hex(), cand.FromAddress)
	require.Equal(t, uint64(42), cand.BlockNumber)
}

func TestMatchDeposit_SkipsZeroValue(t *testing.T) {
	const chainID = 137
	monitored := common.HexToAddress("0x0000000000000000000000000000000000aaaa")
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	tx, _ := signedTransfer(t, chainID, monitored, big.NewInt(0))
	wallets := &fakeWallets{byAddress: map[string]string{monitored.Hex(): "user-1"}}

	_, ok := matchDeposit(tx, 1, time.Now(), chainID, wallets, signer)
	require.False(t, ok)
}

func TestMatchDeposit_SkipsContractCreation(t *testing.T) {
	const chainID = 137
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       nil,
		Value:    big.NewInt(1),
		Gas:      500000,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     []byte{0x60, 0x00},
	})
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	signedTx, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)

	wallets := &fakeWallets{byAddress: map[string]string{}}
	_, ok := matchDeposit(signedTx, 1, time.Now(), chainID, wallets, signer)
	require.False(t, ok)
}

func TestMatchDeposit_SkipsInternalTransferBetweenMonitoredWallets(t *testing.T) {
	const chainID = 137
	monitored := common.HexToAddress("0x0000000000000000000000000000000000aaaa")
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	tx, from := signedTransfer(t, chainID, monitored, big.NewInt(1))

	wallets := &fakeWallets{byAddress: map[string]string{
		monitored.Hex(): "user-1",
		from.Hex():      "user-2",
	}}

	_, ok := matchDeposit(tx, 1, time.Now(), chainID, wallets, signer)
	require.False(t, ok, "a transfer from one monitored wallet to another is not a deposit")
}

func TestMatchDeposit_SkipsUnmonitoredRecipient(t *testing.T) {
	const chainID = 137
	other := common.HexToAddress("0x0000000000000000000000000000000000bbbb")
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	tx, _ := signedTransfer(t, chainID, other, big.NewInt(1))

	wallets := &fakeWallets{byAddress: map[string]string{}}
	_, ok := matchDeposit(tx, 1, time.Now(), chainID, wallets, signer)
	require.False(t, ok)
}

// fakeBlockFetcher fails the first N fetches of a given block with a
// rate-limit-flavored error, then succeeds, letting a test pin down exactly
// which blocks a pass should stall on.
type fakeBlockFetcher struct {
	mu        sync.Mutex
	failFirst map[uint64]int
	calls     map[uint64]int
}

func newFakeBlockFetcher(failFirst map[uint64]int) *fakeBlockFetcher {
	return &fakeBlockFetcher{failFirst: failFirst, calls: make(map[uint64]int)}
}

func (f *fakeBlockFetcher) FetchBlock(_ context.Context, blockNumber uint64) (*chain.FetchedBlock, error) {
	f.mu.Lock()
	f.calls[blockNumber]++
	attempt := f.calls[blockNumber]
	f.mu.Unlock()

	if attempt <= f.failFirst[blockNumber] {
		return nil, errors.New("429 too many requests")
	}
	return &chain.FetchedBlock{Number: blockNumber, Timestamp: 1700000000, Body: chain.Full{}}, nil
}

func (f *fakeBlockFetcher) PromoteToFull(_ context.Context, body chain.BlockBody, _ func() (func(), error)) ([]*types.Transaction, error) {
	if full, ok := body.(chain.Full); ok {
		return full, nil
	}
	return nil, nil
}

func (f *fakeBlockFetcher) callCount(blockNumber uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[blockNumber]
}

type fakeAcquirer struct{}

func (fakeAcquirer) Acquire(context.Context, bool) (func(), error) { return func() {}, nil }

type fakeSink struct{}

func (fakeSink) PublishDeposit(context.Context, models.DepositCandidate) error { return nil }

func testProcessorConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.ConcurrentBlocks = 2
	cfg.BatchPause = time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryBase = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	return cfg
}

// TestProcessorCheck_RetryThenProgress is the commit-rule scenario spec.md
// calls out explicitly: a block in the middle of the window (503) fails
// every attempt of one pass, so the pass must commit last_checked_block at
// the highest contiguously-successful block (502), not skip over the gap to
// the window's end (505). A second pass, once 503 starts succeeding, fills
// the rest of the window.
func TestProcessorCheck_RetryThenProgress(t *testing.T) {
	const chainID = 137
	cfg := testProcessorConfig()
	state := NewChainState(chainID, 501)
	throttle := NewThrottle("test-chain", cfg)
	wallets := func() WalletSet { return &fakeWallets{byAddress: map[string]string{}} }

	// Block 503 fails every attempt within the first pass's retry budget
	// (MaxRetries=2 -> 3 attempts total) and succeeds from the 4th call on,
	// i.e. on the second pass.
	fetcher := newFakeBlockFetcher(map[uint64]int{503: 3})
	p := NewProcessor(chainID, "test-chain", fetcher, fakeAcquirer{}, state, wallets, throttle, fakeSink{}, cfg, zerolog.Nop())

	require.NoError(t, p.Check(context.Background(), 505))
	require.Equal(t, uint64(502), state.LastChecked(), "pass must stop at the block before the gap, not skip past it")
	require.Equal(t, 3, fetcher.callCount(503), "block 503 should have been retried exactly MaxRetries+1 times")

	require.NoError(t, p.Check(context.Background(), 505))
	require.Equal(t, uint64(505), state.LastChecked(), "next pass must fill the gap once the stalled block succeeds")
}

// TestProcessorCheck_AlreadyCheckedBlockSkipped exercises the
// "b <= last_checked_block" skip rule directly: once a block is committed,
// processBlock must short-circuit without refetching it, even if asked to
// (e.g. a stale in-flight retry racing a pass that already committed past
// it).
func TestProcessorCheck_AlreadyCheckedBlockSkipped(t *testing.T) {
	const chainID = 137
	cfg := testProcessorConfig()
	state := NewChainState(chainID, 501)
	throttle := NewThrottle("test-chain", cfg)
	wallets := func() WalletSet { return &fakeWallets{byAddress: map[string]string{}} }

	fetcher := newFakeBlockFetcher(nil)
	p := NewProcessor(chainID, "test-chain", fetcher, fakeAcquirer{}, state, wallets, throttle, fakeSink{}, cfg, zerolog.Nop())

	require.NoError(t, p.Check(context.Background(), 502))
	require.Equal(t, uint64(502), state.LastChecked())
	require.Equal(t, 1, fetcher.callCount(501))
	require.Equal(t, 1, fetcher.callCount(502))

	require.True(t, p.processBlock(context.Background(), 501), "an already-committed block reports success without refetching")
	require.Equal(t, 1, fetcher.callCount(501), "block 501 must not be refetched once committed")
}

// TestProcessorCheck_SingleFlightSkipsConcurrentPass confirms TryBeginPass's
// guard: a second Check call while one is already running for this chain is
// a no-op rather than a concurrent, overlapping pass.
func TestProcessorCheck_SingleFlightSkipsConcurrentPass(t *testing.T) {
	const chainID = 137
	state := NewChainState(chainID, 501)
	tok, began := state.TryBeginPass()
	require.True(t, began)
	require.True(t, state.CheckInProgress())

	_, beganAgain := state.TryBeginPass()
	require.False(t, beganAgain, "a pass already in flight must block a second one from starting")

	state.EndPass(tok)
	require.False(t, state.CheckInProgress())
}
