package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"crossmargin/internal/observability"
)

// NATSSubscriber pulls instruction submissions off JetStream and feeds
// them into the parse-and-submit loop via msgChan. NATS is the primary
// high-throughput ingestion surface; gRPC ingest is for admin traffic.
type NATSSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// RawMessage is one undecoded submission, ready for ParseRequest.
type RawMessage struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
}

// SubjectConfig binds one JetStream consumer to a subject filter.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects covers the three producer classes: user and admin
// instructions, oracle price posts, and keeper cranks (cache refresh,
// funding, event consumption, root bank updates).
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "margin.instructions.>", ConsumerName: "crossmargin-instructions", StreamName: "MARGIN_INSTRUCTIONS"},
		{Subject: "margin.oracle.>", ConsumerName: "crossmargin-oracle", StreamName: "MARGIN_ORACLE"},
		{Subject: "margin.crank.>", ConsumerName: "crossmargin-crank", StreamName: "MARGIN_CRANK"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, metrics *observability.Metrics, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		msgChan: msgChan,
		metrics: metrics,
		log:     log.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Explicit ACK with redelivery: a submission is only ACKed after the
// engine has accepted or durably rejected it.
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

		subject := cfg.Subject
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			now := time.Now()
			if ns.metrics != nil {
				if md, err := msg.Metadata(); err == nil {
					ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(now.Sub(md.Timestamp).Seconds())
				}
			}

			raw := RawMessage{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: now,
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.Nak() },
			}

			select {
			case ns.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop drains all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("nats subscribers stopped")
}

// EnsureStreams creates the inbound streams if they do not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "MARGIN_INSTRUCTIONS",
			Subjects:  []string{"margin.instructions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "MARGIN_ORACLE",
			Subjects:  []string{"margin.oracle.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "MARGIN_CRANK",
			Subjects:  []string{"margin.crank.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
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
