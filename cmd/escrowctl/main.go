// escrowctl is the operator console: inspect the ledger's read model and op
// log, and rebuild projections after a gap.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/olekukonko/tablewriter"

	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/projection"
)

func usage() {
	fmt.Println("Usage: escrowctl <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  platform                 show platform config and counters")
	fmt.Println("  pools [status]           list match pools, optionally filtered by status")
	fmt.Println("  balances [limit]         list user balances (default 50)")
	fmt.Println("  bets <match_id>          list the bets of one match")
	fmt.Println("  oplog [limit]            show the most recent op log entries (default 20)")
	fmt.Println("  rebuild-projections      rebuild the read model from the accounts table")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ESCROW_POSTGRES_DSN      Postgres connection string")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	dsn := os.Getenv("ESCROW_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/escrowledger?sslmode=disable"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "platform":
		err = showPlatform(ctx, db)
	case "pools":
		status := ""
		if len(os.Args) > 2 {
			status = os.Args[2]
		}
		err = listPools(ctx, db, status)
	case "balances":
		err = listBalances(ctx, db, argLimit(2, 50))
	case "bets":
		if len(os.Args) < 3 {
			usage()
		}
		err = listBets(ctx, db, os.Args[2])
	case "oplog":
		err = showOpLog(ctx, db, argLimit(2, 20))
	case "rebuild-projections":
		err = projection.Rebuild(ctx, db, observability.NewLogger("escrowctl"))
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func argLimit(pos, def int) int {
	if len(os.Args) > pos {
		if n, err := strconv.Atoi(os.Args[pos]); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func showPlatform(ctx context.Context, db *sql.DB) error {
	var admin, oracle string
	var minDep, maxDep, deposits, withdrawals, users, lastSeq int64
	var feeBps int32
	var paused bool

	err := db.QueryRowContext(ctx, `
		SELECT admin, oracle, min_deposit, max_deposit, fee_bps,
		       total_deposits, total_withdrawals, total_users, is_paused, last_sequence
		FROM escrow.platform WHERE id = 1
	`).Scan(&admin, &oracle, &minDep, &maxDep, &feeBps,
		&deposits, &withdrawals, &users, &paused, &lastSeq)
	if err == sql.ErrNoRows {
		fmt.Println("platform not initialized")
		return nil
	}
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("admin", admin)
	table.Append("oracle", oracle)
	table.Append("min_deposit", strconv.FormatInt(minDep, 10))
	table.Append("max_deposit", strconv.FormatInt(maxDep, 10))
	table.Append("fee_bps", strconv.FormatInt(int64(feeBps), 10))
	table.Append("total_deposits", strconv.FormatInt(deposits, 10))
	table.Append("total_withdrawals", strconv.FormatInt(withdrawals, 10))
	table.Append("total_users", strconv.FormatInt(users, 10))
	table.Append("is_paused", strconv.FormatBool(paused))
	table.Append("last_sequence", strconv.FormatInt(lastSeq, 10))
	table.Render()
	return nil
}

func listPools(ctx context.Context, db *sql.DB, status string) error {
	query := `
		SELECT match_id, status, pool_agent1, pool_agent2, bet_count,
		       winning_outcome, settle_cursor, paid_out, last_sequence
		FROM escrow.match_pools
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY last_sequence DESC LIMIT 100`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Match", "Status", "Pool A1", "Pool A2", "Bets", "Winner", "Cursor", "Paid Out", "Seq")

	count := 0
	for rows.Next() {
		var matchID, st, winner string
		var a1, a2, paidOut, seq int64
		var betCount, cursor int32
		if err := rows.Scan(&matchID, &st, &a1, &a2, &betCount, &winner, &cursor, &paidOut, &seq); err != nil {
			return err
		}
		table.Append(matchID, st,
			strconv.FormatInt(a1, 10), strconv.FormatInt(a2, 10),
			strconv.FormatInt(int64(betCount), 10), winner,
			strconv.FormatInt(int64(cursor), 10),
			strconv.FormatInt(paidOut, 10), strconv.FormatInt(seq, 10))
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	table.Render()
	fmt.Printf("%d pool(s)\n", count)
	return nil
}

func listBalances(ctx context.Context, db *sql.DB, limit int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT owner, available, locked, open_bets, last_sequence
		FROM escrow.user_balances
		ORDER BY available + locked DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Owner", "Available", "Locked", "Open Bets", "Seq")

	var totalAvailable, totalLocked int64
	for rows.Next() {
		var owner string
		var available, locked, seq int64
		var openBets int32
		if err := rows.Scan(&owner, &available, &locked, &openBets, &seq); err != nil {
			return err
		}
		table.Append(owner,
			strconv.FormatInt(available, 10), strconv.FormatInt(locked, 10),
			strconv.FormatInt(int64(openBets), 10), strconv.FormatInt(seq, 10))
		totalAvailable += available
		totalLocked += locked
	}
	if err := rows.Err(); err != nil {
		return err
	}
	table.Render()
	fmt.Printf("total available=%d locked=%d\n", totalAvailable, totalLocked)
	return nil
}

func listBets(ctx context.Context, db *sql.DB, matchID string) error {
	rows, err := db.QueryContext(ctx, `
		SELECT idx, bettor, outcome, amount, odds_at_placement, payout, status
		FROM escrow.bets
		WHERE match_id = $1
		ORDER BY idx
	`, matchID)
	if err != nil {
		return err
	}
	defer rows.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Idx", "Bettor", "Outcome", "Amount", "Odds", "Payout", "Status")

	count := 0
	for rows.Next() {
		var idx int32
		var bettor, outcome, status string
		var amount, oddsAt, payout int64
		if err := rows.Scan(&idx, &bettor, &outcome, &amount, &oddsAt, &payout, &status); err != nil {
			return err
		}
		table.Append(strconv.FormatInt(int64(idx), 10), bettor, outcome,
			strconv.FormatInt(amount, 10), strconv.FormatInt(oddsAt, 10),
			strconv.FormatInt(payout, 10), status)
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	table.Render()
	fmt.Printf("%d bet(s) for %s\n", count, matchID)
	return nil
}

func showOpLog(ctx context.Context, db *sql.DB, limit int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, op_type, op_id, COALESCE(match_id, ''), ts
		FROM escrow.op_log
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Seq", "Op", "Op ID", "Match", "Timestamp")

	for rows.Next() {
		var seq, ts int64
		var opType, opID, matchID string
		if err := rows.Scan(&seq, &opType, &opID, &matchID, &ts); err != nil {
			return err
		}
		table.Append(strconv.FormatInt(seq, 10), opType, opID, matchID,
			time.UnixMicro(ts).UTC().Format(time.RFC3339))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	table.Render()
	return nil
}
