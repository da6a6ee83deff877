package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"EscrowLedger/internal/escrow"
)

// ParseRawEvent converts a raw match-lifecycle message into a typed ledger
// operation. The stream is transport-authenticated as the scheduler, so the
// resulting op carries the configured oracle identity as a signed authority;
// the engine's guards still enforce that this key is actually the oracle.
func ParseRawEvent(raw RawEvent, oracle escrow.Pubkey) (escrow.Op, error) {
	switch raw.OpType {
	case "CreateMatchPool":
		return parseCreateMatchPool(raw.Data, oracle)
	case "LockBetting":
		return parseLockBetting(raw.Data, oracle)
	case "SettleMatch":
		return parseSettleMatch(raw.Data, oracle)
	case "CancelMatch":
		return parseCancelMatch(raw.Data, oracle)
	default:
		return nil, fmt.Errorf("unknown op type: %s", raw.OpType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match the scheduler's payloads. All
// timestamps are epoch microseconds.

type createMatchPoolJSON struct {
	OpID        string `json:"op_id"`
	MatchID     string `json:"match_id"`
	MinBet      uint64 `json:"min_bet"`
	MaxBet      uint64 `json:"max_bet"`
	ClosesAtUs  int64  `json:"closes_at_us"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCreateMatchPool(data []byte, oracle escrow.Pubkey) (*escrow.CreateMatchPool, error) {
	var j createMatchPoolJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateMatchPool: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	if err := escrow.ValidateMatchID(j.MatchID); err != nil {
		return nil, err
	}
	return &escrow.CreateMatchPool{
		OpHeader: header(opID, oracle, j.TimestampUs),
		MatchID:  j.MatchID,
		MinBet:   j.MinBet,
		MaxBet:   j.MaxBet,
		ClosesAt: j.ClosesAtUs,
	}, nil
}

type matchRefJSON struct {
	OpID        string `json:"op_id"`
	MatchID     string `json:"match_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseLockBetting(data []byte, oracle escrow.Pubkey) (*escrow.LockBetting, error) {
	var j matchRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LockBetting: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	if err := escrow.ValidateMatchID(j.MatchID); err != nil {
		return nil, err
	}
	return &escrow.LockBetting{
		OpHeader: header(opID, oracle, j.TimestampUs),
		MatchID:  j.MatchID,
	}, nil
}

type settleMatchJSON struct {
	OpID           string `json:"op_id"`
	MatchID        string `json:"match_id"`
	WinningOutcome string `json:"winning_outcome"` // "agent1" | "agent2"
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseSettleMatch(data []byte, oracle escrow.Pubkey) (*escrow.SettleMatch, error) {
	var j settleMatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleMatch: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	if err := escrow.ValidateMatchID(j.MatchID); err != nil {
		return nil, err
	}
	outcome, err := escrow.ParseOutcome(j.WinningOutcome)
	if err != nil {
		return nil, err
	}
	return &escrow.SettleMatch{
		OpHeader:       header(opID, oracle, j.TimestampUs),
		MatchID:        j.MatchID,
		WinningOutcome: outcome,
	}, nil
}

func parseCancelMatch(data []byte, oracle escrow.Pubkey) (*escrow.CancelMatch, error) {
	var j matchRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelMatch: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	if err := escrow.ValidateMatchID(j.MatchID); err != nil {
		return nil, err
	}
	return &escrow.CancelMatch{
		OpHeader: header(opID, oracle, j.TimestampUs),
		MatchID:  j.MatchID,
	}, nil
}

func header(opID uuid.UUID, oracle escrow.Pubkey, tsUs int64) escrow.OpHeader {
	return escrow.OpHeader{
		ID:        opID,
		Authority: oracle,
		Signed:    true,
		Timestamp: tsUs,
	}
}
