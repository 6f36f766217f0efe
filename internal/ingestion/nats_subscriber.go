package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// operations into the deterministic core via opChan. JetStream is the
// primary ingestion surface; each operation type has its own subject so
// consumers can scale and fail independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	opChan    chan<- RawOperation
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// RawOperation is a delivered-but-untyped message from NATS, ready for
// the shell to parse into a typed event.Operation before submission.
//
// Ack/Nak/Term map to JetStream delivery outcomes: Ack after the engine
// has decided (applied, duplicate, or rejected with a recorded outcome),
// Nak on transient failure so the message redelivers, Term when the
// payload can never succeed (unparseable, stale sequence) and
// redelivery would only burn the MaxDeliver budget.
type RawOperation struct {
	Subject   string
	OpType    string
	Data      []byte
	Timestamp time.Time
	Ack       func()
	Nak       func()
	Term      func()
}

// SubjectConfig maps a NATS subject to an operation type.
type SubjectConfig struct {
	Subject      string
	OpType       string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. Price updates
// live on their own stream: they tolerate gaps (stale ones are skipped,
// not rejected) while the ops partition is strictly ordered.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "peg.ops.mint_stable", OpType: "MintStable", ConsumerName: "peg-mint-stable", StreamName: "PEG_OPS"},
		{Subject: "peg.ops.burn_stable", OpType: "BurnStable", ConsumerName: "peg-burn-stable", StreamName: "PEG_OPS"},
		{Subject: "peg.ops.deposit_buffer", OpType: "DepositBuffer", ConsumerName: "peg-deposit-buffer", StreamName: "PEG_OPS"},
		{Subject: "peg.ops.withdraw_buffer", OpType: "WithdrawBuffer", ConsumerName: "peg-withdraw-buffer", StreamName: "PEG_OPS"},
		{Subject: "peg.prices.>", OpType: "PriceUpdate", ConsumerName: "peg-prices", StreamName: "PEG_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, opChan chan<- RawOperation, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		opChan: opChan,
		logger: logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		opType := cfg.OpType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawOperation{
				Subject:   msg.Subject(),
				OpType:    opType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				Ack:       func() { msg.Ack() },
				Nak:       func() { msg.Nak() },
				Term:      func() { msg.Term() },
			}

			select {
			case ns.opChan <- raw:
				// Queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "PEG_OPS",
			Subjects:  []string{"peg.ops.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PEG_PRICES",
			Subjects:  []string{"peg.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
