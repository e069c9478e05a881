package persistence

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const spoolBucket = "candidates"

var spoolDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "depositmon_spool_depth",
	Help: "Number of candidate envelopes currently buffered in the local overflow spool",
})

// Spool is a bounded local overflow buffer for candidate envelopes that
// could not currently be published to the bus (broker down, stream
// momentarily full). It satisfies bus.Spooler. Entries are keyed by an
// auto-incrementing sequence so draining preserves publish order.
//
// Chain head/wallet-set/breaker state is explicitly NOT durable; this is
// the one thing in this process that bbolt backs, and it backs at-least-
// once delivery of already-matched candidates, not a checkpoint.
type Spool struct {
	db       *bbolt.DB
	maxDepth int
	logger   *zerolog.Logger
}

// NewSpool opens (creating if necessary) a bbolt-backed spool at dbPath.
func NewSpool(dbPath string, maxDepth int, logger *zerolog.Logger) (*Spool, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(spoolBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spool bucket: %w", err)
	}

	s := &Spool{db: db, maxDepth: maxDepth, logger: logger}
	s.refreshDepthMetric()
	return s, nil
}

// Spool appends envelope to the buffer, refusing once maxDepth is reached
// so a prolonged outage cannot grow the spool file unbounded.
func (s *Spool) Spool(envelope []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(spoolBucket))
		if b == nil {
			return fmt.Errorf("spool bucket not found")
		}
		if b.Stats().KeyN >= s.maxDepth {
			return fmt.Errorf("spool at capacity (%d entries)", s.maxDepth)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate spool sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, envelope); err != nil {
			return err
		}
		spoolDepthGauge.Set(float64(b.Stats().KeyN))
		return nil
	})
}

// Drain calls publish for every spooled envelope in insertion order,
// removing each one once publish succeeds. It stops at the first failure
// so a still-unreachable bus leaves the remainder spooled for the next
// attempt.
func (s *Spool) Drain(ctx context.Context, publish func(ctx context.Context, envelope []byte) error) error {
	for {
		var key, value []byte
		err := s.db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(spoolBucket))
			c := b.Cursor()
			k, v := c.First()
			if k == nil {
				return nil
			}
			key = append([]byte(nil), k...)
			value = append([]byte(nil), v...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read spool entry: %w", err)
		}
		if key == nil {
			return nil // drained
		}

		if err := publish(ctx, value); err != nil {
			s.logger.Warn().Err(err).Msg("spool drain: republish failed, stopping for now")
			return nil
		}

		if err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(spoolBucket)).Delete(key)
		}); err != nil {
			return fmt.Errorf("failed to remove drained spool entry: %w", err)
		}
		s.refreshDepthMetric()
	}
}

// Depth returns the current number of buffered envelopes.
func (s *Spool) Depth() int {
	var n int
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(spoolBucket)).Stats().KeyN
		return nil
	})
	return n
}

func (s *Spool) refreshDepthMetric() {
	spoolDepthGauge.Set(float64(s.Depth()))
}

// Close closes the underlying bbolt database.
func (s *Spool) Close() error {
	return s.db.Close()
}
