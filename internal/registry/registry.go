// Package registry is the wallet registry (C8): on process start it loads
// every embedded wallet from Postgres, grouped by chain, and thereafter
// lets new wallets be registered without ever handing a concurrent block
// pass a torn view of the address set.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Snapshot is an immutable view of one chain's monitored wallet set.
// Readers never observe a partially-built map: a Snapshot is built whole,
// then published via atomic.Pointer swap.
type Snapshot struct {
	byAddress map[string]string // lowercased address -> userID
}

func newSnapshot() *Snapshot {
	return &Snapshot{byAddress: make(map[string]string)}
}

// Contains reports whether address is a monitored wallet on this chain.
func (s *Snapshot) Contains(address string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byAddress[strings.ToLower(address)]
	return ok
}

// UserID returns the owning user for a monitored wallet.
func (s *Snapshot) UserID(address string) (string, bool) {
	if s == nil {
		return "", false
	}
	u, ok := s.byAddress[strings.ToLower(address)]
	return u, ok
}

// Len returns the number of wallets in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byAddress)
}

// with returns a new Snapshot with one additional address, leaving the
// receiver untouched (copy-on-write, per spec.md §4.8).
func (s *Snapshot) with(address, userID string) *Snapshot {
	next := &Snapshot{byAddress: make(map[string]string, len(s.byAddress)+1)}
	for k, v := range s.byAddress {
		next.byAddress[k] = v
	}
	next.byAddress[strings.ToLower(address)] = userID
	return next
}

// NewWalletHook is invoked after a wallet is durably registered, so the
// caller can schedule the NEW_WALLET_WINDOW backlog check (spec.md §4.8).
type NewWalletHook func(chainID int64, address string, registeredAt time.Time)

// Registry owns one Snapshot pointer per chain.
type Registry struct {
	pool      *pgxpool.Pool
	batchSize int
	logger    *zerolog.Logger

	mu     sync.Mutex // serializes Add's read-copy-swap per chain
	chains map[int64]*atomic.Pointer[Snapshot]

	hookMu sync.RWMutex
	hook   NewWalletHook
}

// NewRegistry builds a Registry backed by pool, paging bootstrap loads
// batchSize rows at a time (spec.md §6 DB_BATCH_SIZE).
func NewRegistry(pool *pgxpool.Pool, batchSize int, logger *zerolog.Logger) *Registry {
	if batchSize < 1 {
		batchSize = 500
	}
	return &Registry{
		pool:      pool,
		batchSize: batchSize,
		logger:    logger,
		chains:    make(map[int64]*atomic.Pointer[Snapshot]),
	}
}

// SetNewWalletHook installs the callback Add invokes after a successful
// registration.
func (r *Registry) SetNewWalletHook(hook NewWalletHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hook = hook
}

// Load pages every wallet row for the given chains from Postgres and
// publishes one Snapshot per chain. Intended to run once at process start.
func (r *Registry) Load(ctx context.Context, chainIDs []int64) error {
	for _, chainID := range chainIDs {
		snap := newSnapshot()
		var lastAddress string
		for {
			rows, err := r.pool.Query(ctx,
				`SELECT address, user_id FROM wallet
				 WHERE chain_id = $1 AND address > $2
				 ORDER BY address LIMIT $3`,
				chainID, lastAddress, r.batchSize)
			if err != nil {
				return fmt.Errorf("registry: load chain %d: %w", chainID, err)
			}

			n := 0
			for rows.Next() {
				var addr, userID string
				if err := rows.Scan(&addr, &userID); err != nil {
					rows.Close()
					return fmt.Errorf("registry: scan chain %d: %w", chainID, err)
				}
				snap.byAddress[strings.ToLower(addr)] = userID
				lastAddress = addr
				n++
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("registry: rows chain %d: %w", chainID, err)
			}
			if n < r.batchSize {
				break
			}
		}

		ptr := &atomic.Pointer[Snapshot]{}
		ptr.Store(snap)
		r.mu.Lock()
		r.chains[chainID] = ptr
		r.mu.Unlock()

		if r.logger != nil {
			r.logger.Info().Int64("chain_id", chainID).Int("wallet_count", snap.Len()).
				Msg("wallet registry loaded")
		}
	}
	return nil
}

// Snapshot returns the current wallet set for a chain. Never nil; an
// unknown chain returns an empty Snapshot.
func (r *Registry) Snapshot(chainID int64) *Snapshot {
	r.mu.Lock()
	ptr, ok := r.chains[chainID]
	r.mu.Unlock()
	if !ok {
		return newSnapshot()
	}
	return ptr.Load()
}

// StoredAddress returns the currently-registered address for a user on a
// chain, read from the Snapshot (no extra DB round-trip on the withdrawal
// hot path).
func (r *Registry) StoredAddress(ctx context.Context, chainID int64, userID string) (string, error) {
	snap := r.Snapshot(chainID)
	for addr, uid := range snap.byAddress {
		if uid == userID {
			return addr, nil
		}
	}
	return "", fmt.Errorf("registry: no wallet registered for user %q on chain %d", userID, chainID)
}

// UpdateAddress rewrites a user's stored address (the wallet-key migration
// path, spec.md §4.9 step 2) and republishes that chain's Snapshot.
func (r *Registry) UpdateAddress(ctx context.Context, chainID int64, userID, newAddress string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE wallet SET address = $1 WHERE chain_id = $2 AND user_id = $3`,
		strings.ToLower(newAddress), chainID, userID)
	if err != nil {
		return fmt.Errorf("registry: update address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry: no wallet row to migrate for user %q on chain %d", userID, chainID)
	}

	r.mu.Lock()
	ptr, ok := r.chains[chainID]
	if !ok {
		ptr = &atomic.Pointer[Snapshot]{}
		ptr.Store(newSnapshot())
		r.chains[chainID] = ptr
	}
	cur := ptr.Load()
	ptr.Store(cur.with(newAddress, userID))
	r.mu.Unlock()

	return nil
}

// Add durably registers a new wallet (INSERT ... ON CONFLICT DO NOTHING),
// then performs a copy-on-write swap of that chain's Snapshot so a
// concurrently-running block pass never observes a half-built address set,
// and finally fires the NewWalletHook so a backlog check gets scheduled.
func (r *Registry) Add(ctx context.Context, chainID int64, address, userID string) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO wallet (address, chain_id, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT (address, chain_id) DO NOTHING`,
		strings.ToLower(address), chainID, userID)
	if err != nil {
		return fmt.Errorf("registry: insert wallet: %w", err)
	}

	r.mu.Lock()
	ptr, ok := r.chains[chainID]
	if !ok {
		ptr = &atomic.Pointer[Snapshot]{}
		ptr.Store(newSnapshot())
		r.chains[chainID] = ptr
	}
	cur := ptr.Load()
	ptr.Store(cur.with(address, userID))
	r.mu.Unlock()

	if tag.RowsAffected() == 0 {
		// Already registered; no backlog check needed, nothing new happened.
		return nil
	}

	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook != nil {
		hook(chainID, address, time.Now())
	}
	return nil
}
