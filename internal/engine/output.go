package engine

import (
	"github.com/google/uuid"

	"EscrowLedger/internal/escrow"
)

// Output is one committed operation, emitted to the persist worker (blocking)
// and the projection worker (best-effort). It carries everything a consumer
// needs; nothing downstream ever reads engine state directly.
type Output struct {
	Sequence  int64
	OpID      uuid.UUID
	OpType    escrow.OpType
	MatchID   string
	Timestamp int64 // epoch microseconds, versioned input

	StateHash [32]byte
	PrevHash  [32]byte

	Updates []AccountUpdate
	Result  *Result
}

// Result reports operation-specific outcomes to the caller.
type Result struct {
	// Duplicate is set when idempotency caught a replay; no state changed.
	Duplicate bool

	// BalanceCreated is set by Deposit when the balance account was created
	// on this call rather than already existing.
	BalanceCreated bool

	// BetIndex and OddsAtPlacement are set by PlaceBet.
	BetIndex        uint32
	OddsAtPlacement uint64

	// Settlement is set by SettleMatch and CancelMatch.
	Settlement *SettlementProgress
}

// SettlementProgress describes one settlement or cancellation chunk.
type SettlementProgress struct {
	Kind      string // "settle" or "cancel"
	Done      bool
	Processed uint32 // bets resolved in this chunk
	Cursor    uint32 // next unprocessed bet index
	// TreasuryCut is the lamports moved to the treasury on the completing
	// chunk: fee plus truncation remainder, or the whole pool when nobody
	// bet the winning outcome. Zero on non-final chunks and cancellations.
	TreasuryCut uint64
	NoWinner    bool
}
