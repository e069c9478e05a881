package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventKind names the best-effort, fire-and-forget notifications emitted
// after an activity row is durably persisted.
type EventKind string

const (
	EventDepositDetected  EventKind = "depositDetected"
	EventWithdrawDetected EventKind = "withdrawDetected"
	EventBalanceUpdate    EventKind = "balanceUpdate"
)

// Event is the payload published on a user-scoped or broadcast subject.
// It carries no delivery guarantee: a subscriber that is offline simply
// misses it, which is acceptable since the activity table remains the
// durable source of truth.
type Event struct {
	Kind      EventKind       `json:"kind"`
	UserID    string          `json:"userId,omitempty"`
	ChainID   int64           `json:"chainId"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// Emitter publishes best-effort notifications over plain NATS core
// pub/sub (no JetStream, no persistence, no ack). It is the cmd/persister
// side counterpart to the durable candidate Consumer.
type Emitter struct {
	nc     *nats.Conn
	logger *zerolog.Logger
}

// NewEmitter wraps an existing NATS connection. Connection lifecycle is
// owned by the caller; cmd/persister gives the emitter its own connection,
// separate from the Consumer's.
func NewEmitter(nc *nats.Conn, logger *zerolog.Logger) *Emitter {
	return &Emitter{nc: nc, logger: logger}
}

func subjectFor(kind EventKind, userID string) string {
	if userID == "" {
		return fmt.Sprintf("EVENTS.%s.broadcast", kind)
	}
	return fmt.Sprintf("EVENTS.%s.%s", kind, userID)
}

// Emit publishes ev without waiting for acknowledgement. A publish
// failure is logged, never returned: notification delivery must never
// block or fail the persistence path that calls it.
func (e *Emitter) Emit(ev Event) {
	if e.nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("failed to marshal event for emission")
		return
	}
	subject := subjectFor(ev.Kind, ev.UserID)
	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn().Err(err).Str("subject", subject).Msg("best-effort event emission failed")
	}
}

// EmitDepositDetected is a convenience wrapper around Emit for the
// depositDetected notification.
func (e *Emitter) EmitDepositDetected(userID string, chainID int64, payload json.RawMessage) {
	e.Emit(Event{Kind: EventDepositDetected, UserID: userID, ChainID: chainID, Payload: payload, EmittedAt: time.Now()})
}

// EmitWithdrawDetected is a convenience wrapper around Emit for the
// withdrawDetected notification.
func (e *Emitter) EmitWithdrawDetected(userID string, chainID int64, payload json.RawMessage) {
	e.Emit(Event{Kind: EventWithdrawDetected, UserID: userID, ChainID: chainID, Payload: payload, EmittedAt: time.Now()})
}

// EmitBalanceUpdate is a convenience wrapper around Emit for the
// balanceUpdate notification.
func (e *Emitter) EmitBalanceUpdate(userID string, chainID int64, payload json.RawMessage) {
	e.Emit(Event{Kind: EventBalanceUpdate, UserID: userID, ChainID: chainID, Payload: payload, EmittedAt: time.Now()})
}
