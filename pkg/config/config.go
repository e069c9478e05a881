// Package config loads the two-tier configuration the teacher's indexer
// used: a static per-chain chains.json, plus a koanf-backed config.toml of
// engine tunables overridable by environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ChainConfig describes one monitored EVM chain.
type ChainConfig struct {
	Name        string `json:"name"`
	ChainID     int64  `json:"chainId"`
	RPCEndpoint string `json:"rpcEndpoint"`
	WSEndpoint  string `json:"wsEndpoint"`
	BlockTimeMS int64  `json:"blockTimeMs"`
	FactoryAddr string `json:"factoryAddress,omitempty"`
	StartBlock  uint64 `json:"startBlock"`
}

// ChainsFile is the top-level shape of chains.json.
type ChainsFile struct {
	Chains []ChainConfig `json:"chains"`
}

// LoadChains reads and parses a chains.json file.
func LoadChains(path string) ([]ChainConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}
	var cf ChainsFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parse chains file: %w", err)
	}
	if len(cf.Chains) == 0 {
		return nil, fmt.Errorf("chains file %s declares no chains", path)
	}
	return cf.Chains, nil
}

// EngineConfig is the closed set of engine tunables from spec.md §6
// "Configuration", loaded from config.toml and overridable by environment
// variable (e.g. DEPOSITMON_ENGINE_MAX_CONCURRENT overrides max_concurrent).
type EngineConfig struct {
	MaxConcurrent          int           `koanf:"max_concurrent"`
	MinHeadBlockSpacing    time.Duration `koanf:"min_headblock_spacing"`
	BlockCacheMaxAge       time.Duration `koanf:"block_cache_max_age"`
	PollInterval           time.Duration `koanf:"poll_interval"`
	CheckInterval          time.Duration `koanf:"check_interval"`
	Debounce               time.Duration `koanf:"debounce"`
	ConcurrentBlocks       int           `koanf:"concurrent_blocks"`
	BatchPause             time.Duration `koanf:"batch_pause"`
	ModeratePause          time.Duration `koanf:"moderate_pause"`
	AggressivePause        time.Duration `koanf:"aggressive_pause"`
	ModerateErrorsPerMin   int           `koanf:"moderate_errors_per_min"`
	AggressiveErrorsPerMin int           `koanf:"aggressive_errors_per_min"`
	InitialWindow          uint64        `koanf:"initial_window"`
	NewWalletWindow        uint64        `koanf:"new_wallet_window"`
	LongGapBlocks          uint64        `koanf:"long_gap_blocks"`
	MaxRetries             int           `koanf:"max_retries"`
	RetryBase              time.Duration `koanf:"retry_base"`
	RetryMax               time.Duration `koanf:"retry_max"`
	BreakerThreshold       int           `koanf:"breaker_threshold"`
	BreakerCooldown        time.Duration `koanf:"breaker_cooldown"`
	ErrorsPerMinuteCap     int           `koanf:"errors_per_minute_cap"`
	DBBatchSize            int           `koanf:"db_batch_size"`
	WaitForStream          time.Duration `koanf:"wait_for_stream"`
}

// DefaultEngineConfig holds the value used for every tunable that
// config.toml and the environment leave unset; the values match the ones
// shipped in config.toml.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrent:          8,
		MinHeadBlockSpacing:    300 * time.Millisecond,
		BlockCacheMaxAge:       2 * time.Minute,
		PollInterval:           10 * time.Second,
		CheckInterval:          10 * time.Second,
		Debounce:               2 * time.Second,
		ConcurrentBlocks:       2,
		BatchPause:             100 * time.Millisecond,
		ModeratePause:          500 * time.Millisecond,
		AggressivePause:        1 * time.Second,
		ModerateErrorsPerMin:   3,
		AggressiveErrorsPerMin: 6,
		InitialWindow:          200,
		NewWalletWindow:        100,
		LongGapBlocks:          10,
		MaxRetries:             5,
		RetryBase:              250 * time.Millisecond,
		RetryMax:               10 * time.Second,
		BreakerThreshold:       10,
		BreakerCooldown:        30 * time.Second,
		ErrorsPerMinuteCap:     15,
		DBBatchSize:            500,
		WaitForStream:          1500 * time.Millisecond,
	}
}

// LoadEngineConfig loads config.toml (if present) over the defaults, then
// applies DEPOSITMON_ENGINE_-prefixed environment overrides, matching the
// teacher's CHAIN_RPC_ENDPOINT -> chain.rpc_endpoint convention.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return cfg, fmt.Errorf("load engine config file %s: %w", path, err)
			}
		}
	}
	err := k.Load(env.Provider("DEPOSITMON_ENGINE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "DEPOSITMON_ENGINE_")
		return strings.ToLower(s)
	}), nil)
	if err != nil {
		return cfg, fmt.Errorf("load engine config env overrides: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal engine config: %w", err)
	}
	return cfg, nil
}
