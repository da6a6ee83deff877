// Package ingestion is the NATS shell around the engine: the match scheduler
// publishes lifecycle events to JetStream, the subscriber feeds them through
// the parser into the single-threaded op loop, and the publisher emits
// settlement results for downstream consumers.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// MatchStreamName is the inbound JetStream stream for match lifecycle events.
const MatchStreamName = "ESCROW_MATCHES"

// NATSSubscriber subscribes to match lifecycle subjects and feeds raw
// messages into opChan for the orchestrator to parse and apply.
type NATSSubscriber struct {
	js        jetstream.JetStream
	opChan    chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is a NATS message plus its ack handles. The orchestrator acks
// only after the operation is applied (or rejected deterministically) so a
// crash mid-apply redelivers.
type RawEvent struct {
	Subject   string
	OpType    string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps a NATS subject to an operation type.
type SubjectConfig struct {
	Subject      string
	OpType       string
	ConsumerName string
}

// DefaultSubjects returns the match lifecycle subjects. Each operation type
// has its own durable consumer so redelivery of one kind never blocks the
// others.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "escrow.matches.create.>", OpType: "CreateMatchPool", ConsumerName: "ledger-match-create"},
		{Subject: "escrow.matches.lock.>", OpType: "LockBetting", ConsumerName: "ledger-match-lock"},
		{Subject: "escrow.matches.settle.>", OpType: "SettleMatch", ConsumerName: "ledger-match-settle"},
		{Subject: "escrow.matches.cancel.>", OpType: "CancelMatch", ConsumerName: "ledger-match-cancel"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, opChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		opChan: opChan,
		log:    log,
	}
}

// Subscribe creates durable JetStream consumers with explicit ACK for every
// configured subject.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, MatchStreamName, jetstream.ConsumerConfig{
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				OpType:    cfg.OpType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.opChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound match stream if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      MatchStreamName,
		Subjects:  []string{"escrow.matches.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", MatchStreamName, err)
	}
	log.Info().Str("stream", MatchStreamName).Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
