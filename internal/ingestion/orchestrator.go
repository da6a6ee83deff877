package ingestion

import (
	"context"

	"github.com/rs/zerolog"

	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/escrow"
)

// Orchestrator owns the engine goroutine. It merges the two operation
// sources — NATS match lifecycle events and synchronous HTTP submissions —
// into one serial stream, so the engine never sees concurrent callers.
type Orchestrator struct {
	eng        *engine.Engine
	rawChan    <-chan RawEvent
	submitChan chan submitRequest
	log        zerolog.Logger
}

type submitRequest struct {
	op         escrow.Op
	resultChan chan submitResult
}

type submitResult struct {
	result *engine.Result
	err    error
}

func NewOrchestrator(eng *engine.Engine, rawChan <-chan RawEvent, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		eng:        eng,
		rawChan:    rawChan,
		submitChan: make(chan submitRequest),
		log:        log,
	}
}

// Run is the engine loop. It must be the only goroutine that touches the
// engine after recovery.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-o.rawChan:
			if !ok {
				return nil
			}
			o.handleRaw(raw)

		case req := <-o.submitChan:
			result, err := o.eng.ProcessOp(req.op)
			req.resultChan <- submitResult{result: result, err: err}
		}
	}
}

// Submit applies one operation on the engine goroutine and waits for the
// outcome. Safe for concurrent use; HTTP handlers call this.
func (o *Orchestrator) Submit(ctx context.Context, op escrow.Op) (*engine.Result, error) {
	req := submitRequest{op: op, resultChan: make(chan submitResult, 1)}

	select {
	case o.submitChan <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resultChan:
		return res.result, res.err
	case <-ctx.Done():
		// The op may still apply; idempotency makes a retry safe.
		return nil, ctx.Err()
	}
}

// handleRaw parses and applies one NATS event. Every outcome acks: parse
// failures are poison (redelivery cannot fix them) and engine rejections are
// deterministic (a retry rejects identically). Only a crash before the ack
// leads to redelivery, which idempotency absorbs.
func (o *Orchestrator) handleRaw(raw RawEvent) {
	op, err := ParseRawEvent(raw, o.currentOracle())
	if err != nil {
		o.log.Error().Err(err).Str("subject", raw.Subject).Str("op_type", raw.OpType).
			Msg("dropping unparseable event")
		raw.AckFunc()
		return
	}

	if _, err := o.eng.ProcessOp(op); err != nil {
		o.log.Warn().Err(err).Str("op_id", op.OpID().String()).Str("op_type", raw.OpType).
			Msg("stream op rejected")
	}
	raw.AckFunc()
}

// currentOracle reads the oracle identity from ledger state. The stream is
// transport-authenticated as the scheduler, so ops are stamped with this key;
// the engine's guards still verify it. Safe here because handleRaw runs on
// the engine goroutine. Before initialization this is the zero key and every
// stream op rejects with NotInitialized, which is correct.
func (o *Orchestrator) currentOracle() escrow.Pubkey {
	platform, err := o.eng.ReadPlatform()
	if err != nil {
		return escrow.Pubkey{}
	}
	return platform.Oracle
}
