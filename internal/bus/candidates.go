// Package bus is the candidate message bus between cmd/monitor and
// cmd/persister (NATS JetStream, message-ID deduplication) and the
// best-effort user-scoped emitter (plain NATS core pub/sub).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/vaultwatch/depositmon/pkg/models"
)

const (
	streamName           = "ACTIVITY"
	streamSubjectPattern = "ACTIVITY.>"
	streamCreateTimeout  = 10 * time.Second
	spoolDrainTimeout    = 30 * time.Second
)

// CandidateType discriminates the envelope published onto ACTIVITY.>.
type CandidateType string

const (
	CandidateDeposit  CandidateType = "deposit"
	CandidateWithdraw CandidateType = "withdraw"
)

// CandidateEnvelope is the wire shape published to the bus and consumed by
// cmd/persister. Exactly one of Deposit/Withdraw is set.
type CandidateEnvelope struct {
	Type     CandidateType             `json:"type"`
	Deposit  *models.DepositCandidate  `json:"deposit,omitempty"`
	Withdraw *models.WithdrawCandidate `json:"withdraw,omitempty"`
}

// Spooler is the local overflow buffer a Publisher falls back to when the
// bus cannot currently accept a publish (broker down, stream full), and
// which a Publisher drains back onto the bus once it reconnects. Satisfied
// by internal/persistence.Spool; kept as an interface so bus has no
// dependency on bbolt.
type Spooler interface {
	Spool(envelope []byte) error
	Drain(ctx context.Context, publish func(ctx context.Context, envelope []byte) error) error
}

// Publisher is the monitor-process side: it publishes deposit/withdraw
// candidates to JetStream with message-ID deduplication, exactly as the
// teacher's nats.Publisher does for its own event stream.
type Publisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger *zerolog.Logger
	spool  Spooler
}

// NewPublisher connects to NATS, ensures the ACTIVITY stream exists with a
// dedup window, and returns a Publisher. spool may be nil (no local
// overflow buffering).
func NewPublisher(natsURL string, dedupWindow time.Duration, spool Spooler, logger *zerolog.Logger) (*Publisher, error) {
	p := &Publisher{logger: logger, spool: spool}

	nc, err := nats.Connect(natsURL,
		nats.Name("depositmon-monitor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
			go p.drainSpool()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubjectPattern},
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info().
		Str("stream", streamName).
		Str("subjects", streamSubjectPattern).
		Dur("dedup_window", dedupWindow).
		Msg("candidate bus publisher initialized")

	p.nc = nc
	p.js = js

	// A fresh connection may still be sitting on spooled candidates from
	// before this process started (e.g. restart after an outage), so drain
	// once up front too, not only on later reconnects.
	go p.drainSpool()

	return p, nil
}

// drainSpool replays envelopes buffered while the bus was unreachable,
// stopping at the first publish failure so a still-flaky connection
// leaves the remainder spooled for the next reconnect (spec.md §9's
// drain-on-reconnect path).
func (p *Publisher) drainSpool() {
	if p.spool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), spoolDrainTimeout)
	defer cancel()
	if err := p.spool.Drain(ctx, p.Republish); err != nil {
		p.logger.Warn().Err(err).Msg("spool drain did not complete")
	}
}

// PublishDeposit publishes a DepositCandidate. The message ID is derived
// from (chain, tx, wallet, type) so a redelivered or duplicated candidate
// is deduplicated by JetStream before it ever reaches cmd/persister.
func (p *Publisher) PublishDeposit(ctx context.Context, c models.DepositCandidate) error {
	msgID := fmt.Sprintf("%d-%s-%s-deposit", c.ChainID, c.TxHash, c.WalletAddress)
	return p.publish(ctx, "ACTIVITY.deposit", msgID, CandidateEnvelope{Type: CandidateDeposit, Deposit: &c})
}

// PublishWithdraw publishes a WithdrawCandidate through the same subject
// family, so cmd/persister is the only writer of activity rows for either
// direction (spec.md §4.9).
func (p *Publisher) PublishWithdraw(ctx context.Context, c models.WithdrawCandidate) error {
	msgID := fmt.Sprintf("%d-%s-%s-withdraw", c.ChainID, c.TxHash, c.WalletAddress)
	return p.publish(ctx, "ACTIVITY.withdraw", msgID, CandidateEnvelope{Type: CandidateWithdraw, Withdraw: &c})
}

func (p *Publisher) publish(ctx context.Context, subject, msgID string, env CandidateEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal candidate envelope: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err == nil {
		return nil
	}

	p.logger.Warn().Err(err).Str("subject", subject).Str("msg_id", msgID).
		Msg("candidate publish failed, falling back to local spool")

	if p.spool == nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	if serr := p.spool.Spool(data); serr != nil {
		return fmt.Errorf("publish to NATS failed (%v) and spool failed: %w", err, serr)
	}
	return nil
}

// Republish re-sends a raw spooled envelope (used to drain the spool on
// reconnect). The subject is recovered from the envelope's Type field.
// Unlike PublishDeposit/PublishWithdraw it never falls back to the spool: a
// publish failure is returned, so Drain stops and keeps the entry.
func (p *Publisher) Republish(ctx context.Context, data []byte) error {
	var env CandidateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode spooled envelope: %w", err)
	}
	var subject, msgID string
	switch env.Type {
	case CandidateDeposit:
		if env.Deposit == nil {
			return fmt.Errorf("spooled deposit envelope missing payload")
		}
		subject = "ACTIVITY.deposit"
		msgID = fmt.Sprintf("%d-%s-%s-deposit", env.Deposit.ChainID, env.Deposit.TxHash, env.Deposit.WalletAddress)
	case CandidateWithdraw:
		if env.Withdraw == nil {
			return fmt.Errorf("spooled withdraw envelope missing payload")
		}
		subject = "ACTIVITY.withdraw"
		msgID = fmt.Sprintf("%d-%s-%s-withdraw", env.Withdraw.ChainID, env.Withdraw.TxHash, env.Withdraw.WalletAddress)
	default:
		return fmt.Errorf("spooled envelope has unknown type %q", env.Type)
	}
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("republish to NATS: %w", err)
	}
	return nil
}

// Healthy reports whether the NATS connection is currently up.
func (p *Publisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info().Msg("candidate bus publisher closed")
	}
}
