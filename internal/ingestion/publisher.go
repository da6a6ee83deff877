package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/escrow"
)

// SettlementStreamName is the outbound stream of applied operations.
const SettlementStreamName = "ESCROW_SETTLEMENTS"

// OutboundPublisher publishes applied match operations so the matchmaking
// backend can observe settlement progress without polling the query API.
// Subjects: escrow.settlements.{op_type}.{match_id}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	log       zerolog.Logger
}

// settlementJSON is the outbound wire format.
type settlementJSON struct {
	Sequence    int64  `json:"sequence"`
	OpType      string `json:"op_type"`
	OpID        string `json:"op_id"`
	MatchID     string `json:"match_id"`
	StateHash   string `json:"state_hash"`
	TimestampUs int64  `json:"timestamp_us"`

	// Settlement progress, present for SettleMatch / CancelMatch.
	Done        *bool   `json:"done,omitempty"`
	Cursor      *uint32 `json:"cursor,omitempty"`
	TreasuryCut *uint64 `json:"treasury_cut,omitempty"`
	NoWinner    *bool   `json:"no_winner,omitempty"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run publishes until ctx is cancelled. Publish failures are non-fatal:
// consumers can always read the durable op log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.MatchID == "" {
				// Global operations (deposits, config) stay off the match
				// settlement stream.
				continue
			}
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	msg := settlementJSON{
		Sequence:    out.Sequence,
		OpType:      out.OpType.String(),
		OpID:        out.OpID.String(),
		MatchID:     out.MatchID,
		StateHash:   hex.EncodeToString(out.StateHash[:]),
		TimestampUs: out.Timestamp,
	}
	if out.Result != nil && out.Result.Settlement != nil {
		s := out.Result.Settlement
		msg.Done = &s.Done
		msg.Cursor = &s.Cursor
		msg.TreasuryCut = &s.TreasuryCut
		msg.NoWinner = &s.NoWinner
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal settlement event: %w", err)
	}

	subject := fmt.Sprintf("escrow.settlements.%s.%s", subjectToken(out.OpType), subjectMatchToken(out.MatchID))
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// subjectMatchToken makes a match id safe as a NATS subject token. Dots,
// wildcards, and spaces are structural in subjects; anything outside
// [A-Za-z0-9_-] becomes '_'. The payload carries the exact match id.
func subjectMatchToken(matchID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, matchID)
}

// subjectToken maps op types to stable lowercase subject tokens.
func subjectToken(t escrow.OpType) string {
	switch t {
	case escrow.OpTypeCreateMatchPool:
		return "created"
	case escrow.OpTypePlaceBet:
		return "bet"
	case escrow.OpTypeLockBetting:
		return "locked"
	case escrow.OpTypeSettleMatch:
		return "settled"
	case escrow.OpTypeCancelMatch:
		return "cancelled"
	default:
		return "other"
	}
}

// EnsureOutboundStream creates the settlement stream if missing.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      SettlementStreamName,
		Subjects:  []string{"escrow.settlements.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", SettlementStreamName).Msg("ensured outbound stream")
	return nil
}
