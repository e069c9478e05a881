// Command monitor runs C1-C6, C8, and C9: one ChainEngine per configured
// chain, the shared RPC admission controller, the wallet registry, the
// withdrawal path, and the candidate bus publisher. It never writes to
// Postgres directly; cmd/persister owns that.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vaultwatch/depositmon/internal/bus"
	"github.com/vaultwatch/depositmon/internal/chain"
	"github.com/vaultwatch/depositmon/internal/engine"
	"github.com/vaultwatch/depositmon/internal/ops"
	"github.com/vaultwatch/depositmon/internal/persistence"
	"github.com/vaultwatch/depositmon/internal/registry"
	"github.com/vaultwatch/depositmon/internal/rpcgate"
	"github.com/vaultwatch/depositmon/internal/util"
	"github.com/vaultwatch/depositmon/internal/withdraw"
	"github.com/vaultwatch/depositmon/pkg/config"
)

func main() {
	logger := util.InitLogger("monitor")
	logger.Info().Msg("starting depositmon monitor")

	ko := util.InitConfig(logger, "config.toml")
	util.UpdateLogLevel(ko, logger)

	chains, err := config.LoadChains("chains.json")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load chains.json")
	}

	engineCfg, err := config.LoadEngineConfig("config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load engine config")
	}

	pool, err := pgxpool.New(context.Background(), ko.String("postgres.dsn"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create postgres pool")
	}
	defer pool.Close()
	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}

	reg := registry.NewRegistry(pool, engineCfg.DBBatchSize, logger)
	chainIDs := make([]int64, len(chains))
	for i, c := range chains {
		chainIDs[i] = c.ChainID
	}
	if err := reg.Load(context.Background(), chainIDs); err != nil {
		logger.Fatal().Err(err).Msg("failed to load wallet registry")
	}

	spoolPath := ko.String("spool.path")
	if spoolPath == "" {
		spoolPath = "./data/spool.db"
	}
	spoolMaxDepth := ko.Int("spool.max_depth")
	if spoolMaxDepth == 0 {
		spoolMaxDepth = 10000
	}
	spool, err := persistence.NewSpool(spoolPath, spoolMaxDepth, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local spool")
	}
	defer spool.Close()

	dedupWindow := ko.Duration("nats.dedup_window")
	if dedupWindow == 0 {
		dedupWindow = 20 * time.Minute
	}
	publisher, err := bus.NewPublisher(ko.String("nats.url"), dedupWindow, spool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create candidate bus publisher")
	}
	defer publisher.Close()

	gate := rpcgate.NewController(engineCfg.MaxConcurrent, engineCfg.MinHeadBlockSpacing)

	withdrawCfg := withdraw.Config{
		Secret:           ko.String("withdraw.secret"),
		GasBufferPercent: ko.Int("withdraw.gas_buffer_percent"),
		MaxRetries:       engineCfg.MaxRetries,
		RetryBase:        engineCfg.RetryBase,
		RetryMax:         engineCfg.RetryMax,
	}
	if withdrawCfg.GasBufferPercent == 0 {
		withdrawCfg.GasBufferPercent = 20
	}

	engines := make(map[int64]ops.ChainOps, len(chains))
	withdrawers := make(map[int64]ops.Withdrawer, len(chains))
	clients := make([]*chain.Client, 0, len(chains))

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	g, ctx := errgroup.WithContext(rootCtx)

	for i, cc := range chains {
		cl, err := chain.NewClient(cc.Name, cc.RPCEndpoint, cc.WSEndpoint, cc.ChainID, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("chain", cc.Name).Msg("failed to create chain client")
		}
		clients = append(clients, cl)

		chainID := cc.ChainID
		walletsFn := func() engine.WalletSet { return reg.Snapshot(chainID) }

		ce := engine.NewChainEngine(chainID, cc.Name, cl, gate, walletsFn, publisher, engineCfg, cc.StartBlock, i, len(chains), *logger)
		engines[chainID] = ce

		reg.SetNewWalletHook(func(hookChainID int64, address string, registeredAt time.Time) {
			if hookChainID != chainID {
				return
			}
			diag := ce.Diagnostics()
			var fromBlock uint64
			if diag.LastKnownHead > engineCfg.NewWalletWindow {
				fromBlock = diag.LastKnownHead - engineCfg.NewWalletWindow
			}
			ce.ScheduleBacklogCheck(ctx, fromBlock, diag.LastKnownHead)
		})

		withdrawSvc := withdraw.NewService(chainID, cc.Name, cl, gate, reg, publisher, withdrawCfg, *logger)
		withdrawers[chainID] = withdrawSvc

		g.Go(func() error {
			return ce.Run(ctx)
		})
	}

	opsServer := ops.NewServer(engines, withdrawers, reg, engineCfg.NewWalletWindow, *logger)
	opsAddr := ko.String("ops.address")
	if opsAddr == "" {
		opsAddr = ":8090"
	}
	opsHTTP := &http.Server{Addr: opsAddr, Handler: opsServer.Handler()}
	go func() {
		logger.Info().Str("address", opsAddr).Msg("starting ops server")
		if err := opsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server error")
		}
	}()

	metricsAddr := ko.String("metrics.address")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		logger.Warn().Msg("a chain engine stopped unexpectedly")
	}

	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	cancelRoot()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("chain engine exited with error")
	}
	for _, cl := range clients {
		cl.Close()
	}

	logger.Info().Msg("shutdown complete")
}
