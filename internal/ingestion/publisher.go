package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"crossmargin/internal/engine"
)

// OutboundPublisher announces applied instructions to downstream
// consumers. Subjects follow margin.applied.{kind}; the payload is the
// envelope only, not the state delta, so consumers that need full
// detail read the instruction log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	log       zerolog.Logger
}

type appliedJSON struct {
	Sequence       int64  `json:"sequence"`
	Kind           string `json:"kind"`
	IdempotencyKey string `json:"idempotency_key"`
	SourceSequence int64  `json:"source_sequence"`
	StateHash      string `json:"state_hash"`
	PrevHash       string `json:"prev_hash"`
	Timestamp      int64  `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run publishes until the context is cancelled or the channel closes.
// Publish failures are non-fatal: consumers can always catch up from
// the instruction log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, output); err != nil {
				op.log.Warn().
					Int64("sequence", output.Envelope.Sequence).
					Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, output engine.Output) error {
	env := output.Envelope
	data, err := json.Marshal(appliedJSON{
		Sequence:       env.Sequence,
		Kind:           env.Kind.String(),
		IdempotencyKey: env.IdempotencyKey,
		SourceSequence: env.SourceSequence,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal applied event: %w", err)
	}

	subject := fmt.Sprintf("margin.applied.%s", env.Kind.String())
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the applied-instructions stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "MARGIN_APPLIED",
		Subjects:  []string{"margin.applied.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "MARGIN_APPLIED").Msg("ensured stream")
	return nil
}
