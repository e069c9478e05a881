package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	consumerName        = "persister"
	consumerMaxDeliver   = 3
	consumerAckWait      = 30 * time.Second
	consumerSetupTimeout = 10 * time.Second
)

// Handler processes one decoded candidate envelope. Returning an error
// causes the message to be Nak'd and redelivered (at most
// consumerMaxDeliver deliveries in total); returning nil Acks it.
type Handler func(ctx context.Context, env CandidateEnvelope) error

// Consumer is the cmd/persister side: a durable JetStream pull consumer
// over the ACTIVITY.> subject, read through a Consume callback and modeled
// on the teacher's consumer wiring
// (CreateOrUpdateConsumer + Consume callback with explicit Ack/Nak).
type Consumer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cons   jetstream.Consumer
	logger *zerolog.Logger
}

// NewConsumer connects to NATS and ensures the durable "persister"
// consumer exists on the ACTIVITY stream.
func NewConsumer(natsURL string, logger *zerolog.Logger) (*Consumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("depositmon-persister"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
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

	ctx, cancel := context.WithTimeout(context.Background(), consumerSetupTimeout)
	defer cancel()

	cons, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    consumerMaxDeliver,
		AckWait:       consumerAckWait,
		FilterSubject: streamSubjectPattern,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &Consumer{nc: nc, js: js, cons: cons, logger: logger}, nil
}

// Consume starts the callback-driven consume loop, invoking handler for each
// decoded message and Ack/Nak'ing according to its return value. It
// blocks until ctx is canceled.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	consumeCtx, err := c.cons.Consume(func(msg jetstream.Msg) {
		var env CandidateEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			c.logger.Error().Err(err).Msg("failed to decode candidate envelope, dropping")
			_ = msg.Ack()
			return
		}

		if err := handler(ctx, env); err != nil {
			c.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("candidate handler failed, will redeliver")
			_ = msg.Nak()
			return
		}

		if err := msg.Ack(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to ack message")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consume loop: %w", err)
	}

	<-ctx.Done()
	consumeCtx.Stop()
	return nil
}

// Healthy reports whether the NATS connection is currently up.
func (c *Consumer) Healthy() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close closes the NATS connection.
func (c *Consumer) Close() {
	if c.nc != nil {
		c.nc.Close()
		c.logger.Info().Msg("candidate bus consumer closed")
	}
}
