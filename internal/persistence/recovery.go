package persistence

import (
	"context"
	"database/sql"

	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/escrow"
)

// RecoveryResult summarizes what a restart found in the durable store.
type RecoveryResult struct {
	// ColdStart is true when the op log is empty: nothing to resume.
	ColdStart bool

	Accounts     int
	NextSequence int64
	PrevHash     [32]byte
	// WarmKeys are recent opType:opID composite keys for the dedup LRU.
	WarmKeys []string
}

// Recover rebuilds the engine store from the accounts table and locates the
// hash-chain tip. The caller applies the result via engine.Resume and
// engine.WarmIdempotency before processing any new operation.
func Recover(ctx context.Context, db *sql.DB, store *engine.Store, warmLimit int) (*RecoveryResult, error) {
	writer := NewOpLogWriter(db)

	count, err := writer.LoadAccounts(ctx, func(addr escrow.Pubkey, lamports uint64, data []byte) error {
		store.Set(addr, &engine.Account{Lamports: lamports, Data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}

	seq, hash, found, err := writer.LastOp(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return &RecoveryResult{ColdStart: true, Accounts: count}, nil
	}

	keys, err := writer.RecentOpKeys(ctx, warmLimit)
	if err != nil {
		return nil, err
	}

	return &RecoveryResult{
		Accounts:     count,
		NextSequence: seq + 1,
		PrevHash:     hash,
		WarmKeys:     keys,
	}, nil
}
