// Package projection maintains the queryable read model: typed Postgres
// tables decoded from the engine's account updates. Projections are
// best-effort — the engine drops outputs when the projection channel is full
// — and can always be rebuilt from the durable accounts table.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"EscrowLedger/internal/codec"
	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/escrow"
)

// Worker consumes engine outputs and upserts projection rows.
type Worker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan engine.Output, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		log:       log,
	}
}

// Run processes outputs until ctx is cancelled or the channel closes.
// Failures are logged and skipped: the read model is eventually consistent
// and Rebuild recovers any gap.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				w.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			w.lastSeq = output.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output engine.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range output.Updates {
		if err := w.applyUpdate(ctx, tx, output.Sequence, u); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) applyUpdate(ctx context.Context, tx *sql.Tx, seq int64, u engine.AccountUpdate) error {
	if u.Deleted {
		// Only balance accounts are ever closed; the other projections are
		// append-or-update.
		_, err := tx.ExecContext(ctx,
			`DELETE FROM escrow.user_balances WHERE address = $1`, u.Address.String())
		return err
	}
	if len(u.Data) == 0 {
		// Wallet, vault, and treasury accounts carry no record data. Custody
		// totals are served from the engine's metrics, not the read model.
		return nil
	}

	kind, err := codec.Kind(u.Data)
	if err != nil {
		return fmt.Errorf("account %s: %w", u.Address, err)
	}

	switch kind {
	case "PlatformConfig":
		return upsertPlatform(ctx, tx, seq, u.Data)
	case "UserBalanceAccount":
		return upsertUserBalance(ctx, tx, seq, u.Address, u.Data)
	case "MatchPool":
		return upsertMatchPool(ctx, tx, seq, u.Data)
	case "BetRecord":
		return upsertBet(ctx, tx, seq, u.Data)
	default:
		return fmt.Errorf("account %s: unhandled kind %s", u.Address, kind)
	}
}

func upsertPlatform(ctx context.Context, tx *sql.Tx, seq int64, data []byte) error {
	p, err := codec.DecodePlatformConfig(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow.platform
			(id, admin, oracle, min_deposit, max_deposit, fee_bps,
			 total_deposits, total_withdrawals, total_users, is_paused, last_sequence)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			admin = $1, oracle = $2, min_deposit = $3, max_deposit = $4,
			fee_bps = $5, total_deposits = $6, total_withdrawals = $7,
			total_users = $8, is_paused = $9, last_sequence = $10
	`, p.Admin.String(), p.Oracle.String(),
		int64(p.MinDeposit), int64(p.MaxDeposit), int32(p.FeeBps),
		int64(p.TotalDeposits), int64(p.TotalWithdrawals), int64(p.TotalUsers),
		p.IsPaused, seq)
	return err
}

func upsertUserBalance(ctx context.Context, tx *sql.Tx, seq int64, addr escrow.Pubkey, data []byte) error {
	u, err := codec.DecodeUserBalance(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow.user_balances
			(owner, address, available, locked, open_bets, created_at, last_activity_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner) DO UPDATE SET
			available = $3, locked = $4, open_bets = $5,
			last_activity_at = $7, last_sequence = $8
	`, u.Owner.String(), addr.String(),
		int64(u.AvailableBalance), int64(u.LockedBalance), int32(u.OpenBets),
		u.CreatedAt, u.LastActivityAt, seq)
	return err
}

func upsertMatchPool(ctx context.Context, tx *sql.Tx, seq int64, data []byte) error {
	m, err := codec.DecodeMatchPool(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow.match_pools
			(match_id, status, pool_agent1, pool_agent2, bet_count,
			 min_bet, max_bet, closes_at, winning_outcome, settle_cursor, paid_out, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (match_id) DO UPDATE SET
			status = $2, pool_agent1 = $3, pool_agent2 = $4, bet_count = $5,
			min_bet = $6, max_bet = $7, closes_at = $8, winning_outcome = $9,
			settle_cursor = $10, paid_out = $11, last_sequence = $12
	`, m.MatchID, m.Status.String(),
		int64(m.Pools[escrow.OutcomeAgent1]), int64(m.Pools[escrow.OutcomeAgent2]),
		int32(m.BetCount), int64(m.MinBet), int64(m.MaxBet), m.ClosesAt,
		m.WinningOutcome.String(), int32(m.SettleCursor), int64(m.PaidOut), seq)
	return err
}

func upsertBet(ctx context.Context, tx *sql.Tx, seq int64, data []byte) error {
	b, err := codec.DecodeBetRecord(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow.bets
			(match_id, idx, bettor, outcome, amount, odds_at_placement,
			 payout, status, placed_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (match_id, idx) DO UPDATE SET
			payout = $7, status = $8, last_sequence = $10
	`, b.MatchID, int32(b.Index), b.Bettor.String(), b.Outcome.String(),
		int64(b.Amount), int64(b.OddsAtPlacement), int64(b.Payout),
		b.Status.String(), b.PlacedAt, seq)
	return err
}

// Rebuild truncates the read model and reconstructs it from the durable
// accounts table. Used after projection drops or a schema change.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE escrow.platform`,
		`TRUNCATE escrow.user_balances`,
		`TRUNCATE escrow.match_pools`,
		`TRUNCATE escrow.bets`,
		`DELETE FROM escrow.projection_watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx,
		`SELECT address, data, updated_sequence FROM escrow.accounts WHERE data IS NOT NULL AND length(data) > 0`)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w := &Worker{}
	rebuilt := 0
	for rows.Next() {
		var addrHex string
		var data []byte
		var seq int64
		if err := rows.Scan(&addrHex, &data, &seq); err != nil {
			return err
		}
		addr, err := escrow.ParsePubkey(addrHex)
		if err != nil {
			return err
		}
		if err := w.applyUpdate(ctx, tx, seq, engine.AccountUpdate{Address: addr, Data: data}); err != nil {
			log.Warn().Err(err).Str("address", addrHex).Msg("rebuild skipped account")
			continue
		}
		rebuilt++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Int("accounts", rebuilt).Msg("projection rebuild complete")
	return nil
}
