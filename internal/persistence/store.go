// Package persistence is C7: the idempotent activity store (Postgres via
// pgx) fronted by an in-memory dedup cache, plus the local bbolt overflow
// spool for candidates the bus could not currently accept.
package persistence

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vaultwatch/depositmon/pkg/models"
)

const dedupCacheSize = 50_000

// Store is the Postgres-backed activity persistence layer used by
// cmd/persister, modeled on the teacher's cmd/consumer storeEvent family:
// one idempotent insert per candidate, keyed on a unique constraint rather
// than an application-level existence check.
type Store struct {
	pool   *pgxpool.Pool
	cache  *lru.Cache[string, struct{}]
	logger *zerolog.Logger
}

// NewStore wraps an already-connected pgx pool with a front dedup cache.
func NewStore(pool *pgxpool.Pool, logger *zerolog.Logger) (*Store, error) {
	cache, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Store{pool: pool, cache: cache, logger: logger}, nil
}

func dedupKey(chainID int64, txHash, walletAddress string, activityType models.ActivityType) string {
	return fmt.Sprintf("%d|%s|%s|%s", chainID, txHash, walletAddress, activityType)
}

// InsertActivity idempotently inserts a into the activity table on
// (tx_hash, chain_id, wallet_address, type), checked via RETURNING id: a
// conflicting row yields no returned id, treated as "already existed" and
// reported back as inserted=false rather than an error. Exactly the
// idempotent-insert shape the teacher's storeOrderFilled/storeTokenTransfer
// functions use, generalized from (transaction_hash, log_index) to this
// domain's unique key.
func (s *Store) InsertActivity(ctx context.Context, a models.Activity) (inserted bool, err error) {
	key := dedupKey(a.ChainID, a.TxHash, a.WalletAddress, a.Type)
	if _, seen := s.cache.Get(key); seen {
		return false, nil
	}

	const query = `
		INSERT INTO activity (
			type, wallet_address, from_address, to_address, amount,
			tx_hash, block_number, block_timestamp, chain_id, status,
			gas_used, gas_cost, user_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (tx_hash, chain_id, wallet_address, type) DO NOTHING
		RETURNING id`

	status := a.Status
	if status == "" {
		status = "confirmed"
	}

	var gasCost *string
	if a.GasCost != nil {
		s := a.GasCost.String()
		gasCost = &s
	}

	var id int64
	scanErr := s.pool.QueryRow(ctx, query,
		string(a.Type), a.WalletAddress, a.FromAddress, a.ToAddress, a.Amount.String(),
		a.TxHash, a.BlockNumber, a.BlockTimestamp, a.ChainID, status,
		a.GasUsed, gasCost, a.UserID,
	).Scan(&id)

	if errors.Is(scanErr, pgx.ErrNoRows) {
		s.cache.Add(key, struct{}{})
		return false, nil
	}
	if scanErr != nil {
		return false, fmt.Errorf("failed to insert activity: %w", scanErr)
	}

	s.cache.Add(key, struct{}{})
	return true, nil
}

// Healthy pings the pool.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}
