// Package persistence is the durability layer: every committed operation is
// written to the Postgres op log together with the account snapshots it
// touched, in one transaction. Recovery rebuilds the engine store from the
// accounts table and resumes the hash chain from the op log tip.
package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/escrow"
)

// OpRow is one row of escrow.op_log.
type OpRow struct {
	Sequence  int64
	OpType    string
	OpID      string
	MatchID   *string
	Payload   []byte // JSON result summary
	StateHash []byte
	PrevHash  []byte
	Timestamp int64 // epoch microseconds
}

// AccountRow is one row of escrow.accounts.
type AccountRow struct {
	Address  string // hex pubkey
	Lamports int64
	Data     []byte
	Deleted  bool
	Sequence int64 // sequence of the op that produced this version
}

// RowsFromOutput flattens an engine output into its durable rows.
func RowsFromOutput(out engine.Output) (OpRow, []AccountRow) {
	var matchID *string
	if out.MatchID != "" {
		m := out.MatchID
		matchID = &m
	}

	payload, err := json.Marshal(out.Result)
	if err != nil {
		payload = []byte("{}")
	}

	op := OpRow{
		Sequence:  out.Sequence,
		OpType:    out.OpType.String(),
		OpID:      out.OpID.String(),
		MatchID:   matchID,
		Payload:   payload,
		StateHash: out.StateHash[:],
		PrevHash:  out.PrevHash[:],
		Timestamp: out.Timestamp,
	}

	accounts := make([]AccountRow, 0, len(out.Updates))
	for _, u := range out.Updates {
		accounts = append(accounts, AccountRow{
			Address:  u.Address.String(),
			Lamports: int64(u.Lamports),
			Data:     u.Data,
			Deleted:  u.Deleted,
			Sequence: out.Sequence,
		})
	}
	return op, accounts
}

// OpLogWriter batch-writes op and account rows. Multi-row INSERT keeps the
// writer portable; the op log's primary key makes replays idempotent.
type OpLogWriter struct {
	db *sql.DB
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// WriteOpBatch inserts op rows inside tx.
func (w *OpLogWriter) WriteOpBatch(ctx context.Context, tx *sql.Tx, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO escrow.op_log
		(sequence, op_type, op_id, match_id, payload, state_hash, prev_hash, ts)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*8)

	for i, o := range ops {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			o.Sequence, o.OpType, o.OpID, o.MatchID,
			o.Payload, o.StateHash, o.PrevHash, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ApplyAccountBatch upserts the latest version of each touched account inside
// tx. Rows must already be collapsed to one per address (latest wins);
// deletions remove the row.
func (w *OpLogWriter) ApplyAccountBatch(ctx context.Context, tx *sql.Tx, accounts []AccountRow) error {
	var upserts []AccountRow
	var deletes []string
	for _, a := range accounts {
		if a.Deleted {
			deletes = append(deletes, a.Address)
		} else {
			upserts = append(upserts, a)
		}
	}

	if len(upserts) > 0 {
		query := `INSERT INTO escrow.accounts (address, lamports, data, updated_sequence) VALUES `
		values := make([]string, 0, len(upserts))
		args := make([]interface{}, 0, len(upserts)*4)
		for i, a := range upserts {
			base := i * 4
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
			args = append(args, a.Address, a.Lamports, a.Data, a.Sequence)
		}
		query += strings.Join(values, ", ")
		query += ` ON CONFLICT (address) DO UPDATE SET
			lamports = EXCLUDED.lamports,
			data = EXCLUDED.data,
			updated_sequence = EXCLUDED.updated_sequence
			WHERE escrow.accounts.updated_sequence < EXCLUDED.updated_sequence`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	for _, addr := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM escrow.accounts WHERE address = $1`, addr); err != nil {
			return err
		}
	}
	return nil
}

// LoadAccounts streams every durable account into fn, used by recovery to
// rebuild the engine store.
func (w *OpLogWriter) LoadAccounts(ctx context.Context, fn func(addr escrow.Pubkey, lamports uint64, data []byte) error) (int, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT address, lamports, data FROM escrow.accounts`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var addrHex string
		var lamports int64
		var data []byte
		if err := rows.Scan(&addrHex, &lamports, &data); err != nil {
			return count, err
		}
		addr, err := parseAddress(addrHex)
		if err != nil {
			return count, err
		}
		if err := fn(addr, uint64(lamports), data); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

// LastOp returns the op log tip: the highest sequence and its state hash.
// found is false on an empty log (cold start).
func (w *OpLogWriter) LastOp(ctx context.Context) (sequence int64, stateHash [32]byte, found bool, err error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM escrow.op_log
		ORDER BY sequence DESC LIMIT 1
	`)
	var hash []byte
	if scanErr := row.Scan(&sequence, &hash); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, stateHash, false, nil
		}
		return 0, stateHash, false, scanErr
	}
	if len(hash) != len(stateHash) {
		return 0, stateHash, false, fmt.Errorf("state hash is %d bytes, want %d", len(hash), len(stateHash))
	}
	copy(stateHash[:], hash)
	return sequence, stateHash, true, nil
}

// RecentOpKeys returns the newest opType:opID composite keys for LRU warming.
func (w *OpLogWriter) RecentOpKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT op_type, op_id FROM escrow.op_log
		ORDER BY sequence DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var opType, opID string
		if err := rows.Scan(&opType, &opID); err != nil {
			return nil, err
		}
		keys = append(keys, opType+":"+opID)
	}
	return keys, rows.Err()
}

func parseAddress(s string) (escrow.Pubkey, error) {
	var pk escrow.Pubkey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("account address %q: %w", s, err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("account address %q: %d bytes, want %d", s, len(raw), len(pk))
	}
	copy(pk[:], raw)
	return pk, nil
}

// collapseAccounts keeps only the newest row per address, preserving first-seen
// order. A single upsert statement cannot touch the same address twice.
func collapseAccounts(accounts []AccountRow) []AccountRow {
	latest := make(map[string]int, len(accounts))
	out := make([]AccountRow, 0, len(accounts))
	for _, a := range accounts {
		if idx, ok := latest[a.Address]; ok {
			out[idx] = a
			continue
		}
		latest[a.Address] = len(out)
		out = append(out, a)
	}
	return out
}
