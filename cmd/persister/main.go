// Command persister runs C7: it consumes deposit/withdraw candidates off
// the bus, idempotently inserts them into Postgres, and — on a genuine
// insert only — fetches a fresh balance and emits the deposit/withdraw and
// balance-update notifications. It has its own failure domain and its own
// RPC admission budget, separate from cmd/monitor's hot block-matching
// path, even though both ultimately read the same chains.json.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vaultwatch/depositmon/internal/bus"
	"github.com/vaultwatch/depositmon/internal/chain"
	"github.com/vaultwatch/depositmon/internal/persistence"
	"github.com/vaultwatch/depositmon/internal/rpcgate"
	"github.com/vaultwatch/depositmon/internal/util"
	"github.com/vaultwatch/depositmon/pkg/config"
	"github.com/vaultwatch/depositmon/pkg/models"
)

var (
	candidatesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_persister_candidates_consumed_total",
		Help: "Candidates received off the bus, by type",
	}, []string{"type"})

	candidatesInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_persister_candidates_inserted_total",
		Help: "Candidates that resulted in a genuine new activity row, by type",
	}, []string{"type"})

	candidatesDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_persister_candidates_duplicate_total",
		Help: "Candidates that were already present (idempotent no-op), by type",
	}, []string{"type"})

	balanceRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_persister_balance_refresh_errors_total",
		Help: "Failures fetching a fresh balance after a genuine insert",
	}, []string{"chain"})
)

func main() {
	logger := util.InitLogger("persister")
	logger.Info().Msg("starting depositmon persister")

	ko := util.InitConfig(logger, "config.toml")
	util.UpdateLogLevel(ko, logger)

	chains, err := config.LoadChains("chains.json")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load chains.json")
	}

	pool, err := pgxpool.New(context.Background(), ko.String("postgres.dsn"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create postgres pool")
	}
	defer pool.Close()
	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}

	store, err := persistence.NewStore(pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create activity store")
	}

	consumer, err := bus.NewConsumer(ko.String("nats.url"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create candidate bus consumer")
	}
	defer consumer.Close()

	// A second, unshared NATS connection for the best-effort emitter keeps
	// its publish path independent of the durable consumer's reconnect
	// state.
	emitterConn, err := nats.Connect(ko.String("nats.url"),
		nats.Name("depositmon-persister-emitter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect emitter to NATS")
	}
	defer emitterConn.Close()
	emitter := bus.NewEmitter(emitterConn, logger)

	// cmd/persister's own RPC admission controller and chain clients: its
	// own failure domain, its own budget, never shared with cmd/monitor.
	maxConcurrent := ko.Int("persister.max_concurrent")
	if maxConcurrent == 0 {
		maxConcurrent = 4
	}
	gate := rpcgate.NewController(maxConcurrent, 0)

	clients := make(map[int64]*chain.Client, len(chains))
	for _, cc := range chains {
		cl, err := chain.NewClient(cc.Name, cc.RPCEndpoint, cc.WSEndpoint, cc.ChainID, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("chain", cc.Name).Msg("failed to create chain client")
		}
		clients[cc.ChainID] = cl
		defer cl.Close()
	}

	refreshWindow := ko.Duration("persister.balance_refresh_window")
	if refreshWindow == 0 {
		refreshWindow = 250 * time.Millisecond
	}

	h := &candidateHandler{store: store, clients: clients, gate: gate, emitter: emitter, logger: logger}
	h.batcher = newBalanceRefreshBatcher(refreshWindow, h.refreshAndEmitBalance)

	metricsAddr := ko.String("persister.metrics_address")
	if metricsAddr == "" {
		metricsAddr = ":9091"
	}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- consumer.Consume(ctx, h.handle)
	}()

	logger.Info().Msg("persister started, waiting for candidates")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-consumeDone:
		if err != nil {
			logger.Error().Err(err).Msg("consume loop exited unexpectedly")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()
	<-consumeDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// candidateHandler turns a decoded bus.CandidateEnvelope into a store
// insert plus, on a genuine new row, a balance refresh and notification.
type candidateHandler struct {
	store   *persistence.Store
	clients map[int64]*chain.Client
	gate    *rpcgate.Controller
	emitter *bus.Emitter
	logger  *zerolog.Logger
	batcher *balanceRefreshBatcher
}

func (h *candidateHandler) handle(ctx context.Context, env bus.CandidateEnvelope) error {
	switch env.Type {
	case bus.CandidateDeposit:
		if env.Deposit == nil {
			h.logger.Error().Msg("deposit envelope missing payload, dropping")
			return nil
		}
		return h.handleDeposit(ctx, *env.Deposit)
	case bus.CandidateWithdraw:
		if env.Withdraw == nil {
			h.logger.Error().Msg("withdraw envelope missing payload, dropping")
			return nil
		}
		return h.handleWithdraw(ctx, *env.Withdraw)
	default:
		h.logger.Error().Str("type", string(env.Type)).Msg("unknown candidate type, dropping")
		return nil
	}
}

func (h *candidateHandler) handleDeposit(ctx context.Context, c models.DepositCandidate) error {
	candidatesConsumed.WithLabelValues("deposit").Inc()

	activity := models.Activity{
		Type:           models.ActivityDeposit,
		WalletAddress:  c.WalletAddress,
		FromAddress:    c.FromAddress,
		ToAddress:      c.ToAddress,
		Amount:         c.Amount,
		TxHash:         c.TxHash,
		BlockNumber:    c.BlockNumber,
		BlockTimestamp: c.BlockTimestamp,
		ChainID:        c.ChainID,
		UserID:         c.UserID,
	}

	inserted, err := h.store.InsertActivity(ctx, activity)
	if err != nil {
		return err
	}
	if !inserted {
		candidatesDuplicate.WithLabelValues("deposit").Inc()
		return nil
	}
	candidatesInserted.WithLabelValues("deposit").Inc()

	payload, _ := json.Marshal(map[string]interface{}{
		"chainId":       c.ChainID,
		"walletAddress": c.WalletAddress,
		"fromAddress":   c.FromAddress,
		"amount":        c.Amount.String(),
		"txHash":        c.TxHash,
		"blockNumber":   c.BlockNumber,
	})
	h.emitter.EmitDepositDetected(c.UserID, c.ChainID, payload)
	h.batcher.Enqueue(c.ChainID, c.WalletAddress, c.UserID)
	return nil
}

func (h *candidateHandler) handleWithdraw(ctx context.Context, c models.WithdrawCandidate) error {
	candidatesConsumed.WithLabelValues("withdraw").Inc()

	gasUsed := c.GasUsed
	activity := models.Activity{
		Type:           models.ActivityWithdraw,
		WalletAddress:  c.WalletAddress,
		FromAddress:    c.FromAddress,
		ToAddress:      c.ToAddress,
		Amount:         c.Amount,
		TxHash:         c.TxHash,
		BlockNumber:    c.BlockNumber,
		BlockTimestamp: c.BlockTimestamp,
		ChainID:        c.ChainID,
		GasUsed:        &gasUsed,
		GasCost:        c.GasCost,
		UserID:         c.UserID,
	}

	inserted, err := h.store.InsertActivity(ctx, activity)
	if err != nil {
		return err
	}
	if !inserted {
		candidatesDuplicate.WithLabelValues("withdraw").Inc()
		return nil
	}
	candidatesInserted.WithLabelValues("withdraw").Inc()

	payload, _ := json.Marshal(map[string]interface{}{
		"chainId":       c.ChainID,
		"walletAddress": c.WalletAddress,
		"toAddress":     c.ToAddress,
		"amount":        c.Amount.String(),
		"txHash":        c.TxHash,
		"blockNumber":   c.BlockNumber,
	})
	h.emitter.EmitWithdrawDetected(c.UserID, c.ChainID, payload)
	h.batcher.Enqueue(c.ChainID, c.WalletAddress, c.UserID)
	return nil
}

// refreshAndEmitBalance fetches a wallet's current balance (through this
// process's own admission controller, not cmd/monitor's) and emits a
// balanceUpdate notification. Invoked off the balanceRefreshBatcher's timer,
// coalescing every candidate enqueued for (chainID, walletAddress) within one
// window into a single RPC call and a single emission (spec.md §4.7 point
// 3). A failure here is logged and counted, never retried: the activity row
// is already durably persisted, and a missed balance refresh is not worth
// redelivering the candidate for.
func (h *candidateHandler) refreshAndEmitBalance(chainID int64, walletAddress, userID string) {
	cl, ok := h.clients[chainID]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	release, err := h.gate.Acquire(ctx, false)
	if err != nil {
		balanceRefreshErrors.WithLabelValues(cl.Name()).Inc()
		h.logger.Warn().Err(err).Int64("chain_id", chainID).Msg("failed to acquire admission slot for balance refresh")
		return
	}
	balance, err := cl.BalanceAt(ctx, common.HexToAddress(walletAddress))
	release()
	if err != nil {
		balanceRefreshErrors.WithLabelValues(cl.Name()).Inc()
		h.logger.Warn().Err(err).Int64("chain_id", chainID).Str("wallet", walletAddress).
			Msg("failed to refresh balance after genuine insert")
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"chainId":       chainID,
		"walletAddress": walletAddress,
		"balance":       balance.String(),
	})
	h.emitter.EmitBalanceUpdate(userID, chainID, payload)
}
