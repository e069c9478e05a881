package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lastCheckedBlockGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depositmon_last_checked_block",
		Help: "Highest contiguously-processed block per chain",
	}, []string{"chain"})

	chainHeadGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depositmon_chain_head",
		Help: "Last known head block per chain",
	}, []string{"chain"})

	blocksBehindGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depositmon_blocks_behind",
		Help: "last_known_head minus last_checked_block per chain",
	}, []string{"chain"})

	blockFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_block_fetch_errors_total",
		Help: "Block fetch failures per chain, by classified error kind",
	}, []string{"chain", "kind"})

	candidatesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_candidates_published_total",
		Help: "Deposit/withdraw candidates published to the bus",
	}, []string{"chain", "type"})

	reconnectTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_reconnect_truncations_total",
		Help: "Times last_checked_block was jumped forward after a large reconnect gap",
	}, []string{"chain"})

	breakerOpenGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depositmon_breaker_open",
		Help: "1 if the circuit breaker is currently open for a chain, else 0",
	}, []string{"chain"})

	checksRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositmon_checks_total",
		Help: "Number of block-processor passes run per chain",
	}, []string{"chain"})
)
