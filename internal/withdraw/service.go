// Package withdraw is C9: the synchronous outbound-transfer path, sharing
// the persistence/emit contract the deposit path uses.
package withdraw

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vaultwatch/depositmon/internal/chain"
	"github.com/vaultwatch/depositmon/internal/rpcgate"
	"github.com/vaultwatch/depositmon/pkg/models"
	"github.com/vaultwatch/depositmon/pkg/walletkey"
)

var walletKeyMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "depositmon_wallet_key_migrations_total",
	Help: "Wallets whose stored address was rewritten after re-deriving the key",
}, []string{"chain"})

// ErrInsufficientFunds is returned when balance < amount + estimated gas
// cost; the caller sees it directly, no activity row is written.
var ErrInsufficientFunds = fmt.Errorf("insufficient funds")

// ErrSelfTransfer is returned when the recipient equals the sender.
var ErrSelfTransfer = fmt.Errorf("self-transfer rejected")

// WalletLookup resolves a user's embedded wallet and, on a key-derivation
// mismatch, persists the corrected address (the migration path spec.md
// §4.9 step 2 describes). Satisfied by internal/registry in cmd/monitor's
// wiring. Authentication and normalized-email resolution are an external
// collaborator's concern (spec.md §1 Non-goals); the caller supplies the
// email in Request, already resolved from its own auth/session layer.
type WalletLookup interface {
	StoredAddress(ctx context.Context, chainID int64, userID string) (string, error)
	UpdateAddress(ctx context.Context, chainID int64, userID, newAddress string) error
}

// Sink is where a completed withdrawal is published, the same interface
// shape as the deposit path's CandidateSink so both directions funnel
// through one bus stream (ACTIVITY.>).
type Sink interface {
	PublishWithdraw(ctx context.Context, c models.WithdrawCandidate) error
}

// Acquirer is the subset of rpcgate.Controller a Service needs to gate its
// RPC calls through the process-wide admission controller (C1), same
// interface shape engine.Processor uses.
type Acquirer interface {
	Acquire(ctx context.Context, headBlock bool) (func(), error)
}

// Service implements the withdrawal request lifecycle against one chain's
// client. One Service is constructed per chain in cmd/monitor.
type Service struct {
	chainID    int64
	chainName  string
	client     *chain.Client
	gate       Acquirer
	wallets    WalletLookup
	sink       Sink
	secret     string
	gasBuffer  int
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	logger     zerolog.Logger
}

// Config bundles a Service's tunables, the withdrawal-path analogues of
// spec.md §6's MAX_RETRIES/RETRY_BASE/RETRY_MAX.
type Config struct {
	Secret           string
	GasBufferPercent int
	MaxRetries       int
	RetryBase        time.Duration
	RetryMax         time.Duration
}

// NewService builds a withdrawal Service for one chain.
func NewService(chainID int64, chainName string, client *chain.Client, gate Acquirer, wallets WalletLookup, sink Sink, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		chainID:    chainID,
		chainName:  chainName,
		client:     client,
		gate:       gate,
		wallets:    wallets,
		sink:       sink,
		secret:     cfg.Secret,
		gasBuffer:  cfg.GasBufferPercent,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		retryMax:   cfg.RetryMax,
		logger:     logger,
	}
}

// Request is a user-originated withdrawal request. Email is the caller's
// normalized email as resolved by an external auth/session layer, used
// only as KDF input for re-deriving the wallet key.
type Request struct {
	UserID    string
	Email     string
	ToAddress string
	Amount    *big.Int
}

// Result is what a successful Withdraw returns to the caller.
type Result struct {
	TxHash  string
	From    string
	To      string
	Amount  *big.Int
	Receipt *types.Receipt
}

// Withdraw runs the full withdrawal lifecycle: resolve wallet, verify/
// migrate the derived key, estimate gas and reject on insufficient funds
// or self-transfer, send with retry, wait for inclusion, publish a
// WithdrawCandidate for cmd/persister to turn into the activity row and
// withdrawDetected/balanceUpdate emission.
func (s *Service) Withdraw(ctx context.Context, req Request) (*Result, error) {
	storedAddr, err := s.wallets.StoredAddress(ctx, s.chainID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet: %w", err)
	}

	key, err := walletkey.Derive(req.UserID, req.Email, s.secret)
	if err != nil {
		return nil, fmt.Errorf("derive wallet key: %w", err)
	}
	derivedAddr := walletkey.Address(key)

	if !strings.EqualFold(derivedAddr, storedAddr) {
		s.logger.Warn().
			Str("user_id", req.UserID).
			Str("stored", storedAddr).
			Str("derived", derivedAddr).
			Msg("wallet address mismatch, migrating to re-derived key")
		if err := s.wallets.UpdateAddress(ctx, s.chainID, req.UserID, derivedAddr); err != nil {
			return nil, fmt.Errorf("migrate wallet address: %w", err)
		}
		walletKeyMigrations.WithLabelValues(s.chainName).Inc()
		storedAddr = derivedAddr
	}

	from := common.HexToAddress(storedAddr)
	to := common.HexToAddress(req.ToAddress)
	if strings.EqualFold(from.Hex(), to.Hex()) {
		return nil, ErrSelfTransfer
	}

	var balance *big.Int
	if err := s.withGate(ctx, func() error {
		var berr error
		balance, berr = s.client.BalanceAt(ctx, from)
		return berr
	}); err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}

	msg := ethereum.CallMsg{From: from, To: &to, Value: req.Amount}
	gasLimit, gasCost, err := s.estimateGasCost(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	required := new(big.Int).Add(req.Amount, gasCost)
	if balance.Cmp(required) < 0 {
		return nil, ErrInsufficientFunds
	}

	var gasPrice *big.Int
	if err := s.withGate(ctx, func() error {
		var gerr error
		gasPrice, gerr = s.client.SuggestGasPrice(ctx)
		return gerr
	}); err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	var nonce uint64
	if err := s.withGate(ctx, func() error {
		var nerr error
		nonce, nerr = s.client.PendingNonceAt(ctx, from)
		return nerr
	}); err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	signedTx, err := s.signTransaction(key, nonce, to, req.Amount, gasLimit, gasPrice)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.sendWithRetry(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := s.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, fmt.Errorf("await inclusion: %w", err)
	}

	actualGasCost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), gasPrice)

	cand := models.WithdrawCandidate{
		ChainID:        s.chainID,
		WalletAddress:  from.Hex(),
		FromAddress:    from.Hex(),
		ToAddress:      to.Hex(),
		Amount:         new(big.Int).Set(req.Amount),
		TxHash:         signedTx.Hash().Hex(),
		BlockNumber:    receipt.BlockNumber.Uint64(),
		BlockTimestamp: time.Now().UTC(),
		UserID:         req.UserID,
		GasUsed:        receipt.GasUsed,
		GasCost:        actualGasCost,
	}
	if err := s.sink.PublishWithdraw(ctx, cand); err != nil {
		return nil, fmt.Errorf("publish withdrawal candidate: %w", err)
	}

	return &Result{
		TxHash:  signedTx.Hash().Hex(),
		From:    from.Hex(),
		To:      to.Hex(),
		Amount:  req.Amount,
		Receipt: receipt,
	}, nil
}

func (s *Service) estimateGasCost(ctx context.Context, msg ethereum.CallMsg) (uint64, *big.Int, error) {
	var gasLimit uint64
	if err := s.withGate(ctx, func() error {
		var err error
		gasLimit, err = s.client.EstimateGas(ctx, msg)
		return err
	}); err != nil {
		return 0, nil, err
	}
	buffered := gasLimit + gasLimit*uint64(s.gasBuffer)/100

	var gasPrice *big.Int
	if err := s.withGate(ctx, func() error {
		var err error
		gasPrice, err = s.client.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return 0, nil, err
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(buffered), gasPrice)
	return buffered, cost, nil
}

// withGate runs fn after acquiring an admission slot from the process-wide
// RPC gate (C1), releasing it regardless of fn's outcome.
func (s *Service) withGate(ctx context.Context, fn func() error) error {
	release, err := s.gate.Acquire(ctx, false)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *Service) signTransaction(key *ecdsa.PrivateKey, nonce uint64, to common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signer := types.LatestSignerForChainID(big.NewInt(s.chainID))
	return types.SignTx(tx, signer, key)
}

func (s *Service) sendWithRetry(ctx context.Context, tx *types.Transaction) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase
	bo.MaxInterval = s.retryMax
	bo.MaxElapsedTime = 0
	limited := backoff.WithMaxRetries(bo, uint64(s.maxRetries))
	withCtx := backoff.WithContext(limited, ctx)

	return backoff.Retry(func() error {
		err := s.withGate(ctx, func() error { return s.client.SendTransaction(ctx, tx) })
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)
}

func (s *Service) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(s.retryBase)
	defer ticker.Stop()
	for {
		var receipt *types.Receipt
		err := s.withGate(ctx, func() error {
			var rerr error
			receipt, rerr = s.client.GetTransactionReceipt(ctx, txHash)
			return rerr
		})
		if err == nil {
			if receipt.Status == 0 {
				return receipt, fmt.Errorf("transaction reverted: %s", txHash.Hex())
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// isRetryable reuses C6's error taxonomy (internal/rpcgate.Classify)
// rather than keeping a second, divergent marker list for the withdrawal
// send retry loop. waitForReceipt does not consult it: it polls until a
// receipt arrives or ctx is done.
func isRetryable(err error) bool {
	switch rpcgate.Classify(err) {
	case rpcgate.KindRateLimited, rpcgate.KindTransientRPC:
		return true
	default:
		return false
	}
}
