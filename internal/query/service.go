// Package query serves the read model: balances, match pools with live odds,
// bet history, and platform stats out of the Postgres projection tables, with
// a Redis cache in front of the odds hot path. All responses include
// as_of_sequence, the projection watermark, for freshness semantics.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/odds"
)

// ErrNotFound is returned when the requested row does not exist in the read
// model. The HTTP layer maps it to 404.
var ErrNotFound = errors.New("not found")

// Service provides read-only access to the projection tables.
type Service struct {
	db    *sql.DB
	cache *OddsCache
}

// NewService creates the query service. cache may be nil to disable the odds
// cache.
func NewService(db *sql.DB, cache *OddsCache) *Service {
	return &Service{db: db, cache: cache}
}

// GetBalance returns the custodial balance for one owner.
func (s *Service) GetBalance(ctx context.Context, owner escrow.Pubkey) (*BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{Owner: owner.String(), AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT address, available, locked, open_bets, created_at, last_activity_at
		FROM escrow.user_balances
		WHERE owner = $1
	`, owner.String()).Scan(
		&resp.Address, &resp.Available, &resp.Locked,
		&resp.OpenBets, &resp.CreatedAt, &resp.LastActivityAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	resp.Total = resp.Available + resp.Locked
	return resp, nil
}

// GetMatchPool returns one match pool with its live odds.
func (s *Service) GetMatchPool(ctx context.Context, matchID string) (*MatchPoolResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &MatchPoolResponse{AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT match_id, status, pool_agent1, pool_agent2, bet_count,
		       min_bet, max_bet, closes_at, winning_outcome, settle_cursor, paid_out
		FROM escrow.match_pools
		WHERE match_id = $1
	`, matchID).Scan(
		&resp.MatchID, &resp.Status, &resp.PoolAgent1, &resp.PoolAgent2,
		&resp.BetCount, &resp.MinBet, &resp.MaxBet, &resp.ClosesAt,
		&resp.WinningOutcome, &resp.SettleCursor, &resp.PaidOut,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	resp.TotalPool = resp.PoolAgent1 + resp.PoolAgent2
	resp.Odds = s.liveOdds(ctx, resp)
	return resp, nil
}

// GetOdds returns just the live odds for a match, the polling hot path.
func (s *Service) GetOdds(ctx context.Context, matchID string) (*OddsResponse, error) {
	if cached := s.cache.Get(ctx, matchID); cached != nil {
		return cached, nil
	}

	var poolAgent1, poolAgent2 int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pool_agent1, pool_agent2 FROM escrow.match_pools WHERE match_id = $1
	`, matchID).Scan(&poolAgent1, &poolAgent2)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	result := computeOdds(poolAgent1, poolAgent2)
	s.cache.Set(ctx, matchID, result)
	return result, nil
}

// ListMatchPools returns pools filtered by status, newest activity first.
// status may be empty to list everything.
func (s *Service) ListMatchPools(ctx context.Context, status string, limit int) ([]MatchPoolResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT match_id, status, pool_agent1, pool_agent2, bet_count,
		       min_bet, max_bet, closes_at, winning_outcome, settle_cursor, paid_out
		FROM escrow.match_pools
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY last_sequence DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY last_sequence DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []MatchPoolResponse
	for rows.Next() {
		var p MatchPoolResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.MatchID, &p.Status, &p.PoolAgent1, &p.PoolAgent2,
			&p.BetCount, &p.MinBet, &p.MaxBet, &p.ClosesAt,
			&p.WinningOutcome, &p.SettleCursor, &p.PaidOut,
		); err != nil {
			return nil, err
		}
		p.TotalPool = p.PoolAgent1 + p.PoolAgent2
		pools = append(pools, p)
	}

	return pools, rows.Err()
}

// GetMatchBets returns the bets of one match ordered by placement index,
// with cursor pagination on the index.
func (s *Service) GetMatchBets(ctx context.Context, matchID string, limit int, afterIndex *int32) ([]BetResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT match_id, idx, bettor, outcome, amount, odds_at_placement,
		       payout, status, placed_at
		FROM escrow.bets
		WHERE match_id = $1
	`
	args := []interface{}{matchID}
	argIdx := 2

	if afterIndex != nil {
		query += fmt.Sprintf(" AND idx > $%d", argIdx)
		args = append(args, *afterIndex)
		argIdx++
	}

	query += " ORDER BY idx"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	return s.scanBets(ctx, asOfSeq, query, args...)
}

// GetUserBets returns one bettor's history, newest first, with cursor
// pagination on the applying sequence.
func (s *Service) GetUserBets(ctx context.Context, bettor escrow.Pubkey, limit int, afterSequence *int64) ([]BetResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT match_id, idx, bettor, outcome, amount, odds_at_placement,
		       payout, status, placed_at
		FROM escrow.bets
		WHERE bettor = $1
	`
	args := []interface{}{bettor.String()}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND last_sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY last_sequence DESC, idx DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	return s.scanBets(ctx, asOfSeq, query, args...)
}

// GetPlatformStats returns the platform configuration and counters.
func (s *Service) GetPlatformStats(ctx context.Context) (*PlatformStatsResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &PlatformStatsResponse{AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT admin, oracle, min_deposit, max_deposit, fee_bps,
		       total_deposits, total_withdrawals, total_users, is_paused
		FROM escrow.platform
		WHERE id = 1
	`).Scan(
		&resp.Admin, &resp.Oracle, &resp.MinDeposit, &resp.MaxDeposit,
		&resp.FeeBps, &resp.TotalDeposits, &resp.TotalWithdrawals,
		&resp.TotalUsers, &resp.IsPaused,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// --- helpers ---

func (s *Service) scanBets(ctx context.Context, asOfSeq int64, query string, args ...interface{}) ([]BetResponse, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []BetResponse
	for rows.Next() {
		var b BetResponse
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&b.MatchID, &b.Index, &b.Bettor, &b.Outcome, &b.Amount,
			&b.OddsAtPlacement, &b.Payout, &b.Status, &b.PlacedAt,
		); err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}

	return bets, rows.Err()
}

func (s *Service) liveOdds(ctx context.Context, pool *MatchPoolResponse) *OddsResponse {
	if pool.Status != escrow.PoolOpen.String() {
		return nil
	}
	if cached := s.cache.Get(ctx, pool.MatchID); cached != nil {
		return cached
	}
	result := computeOdds(pool.PoolAgent1, pool.PoolAgent2)
	s.cache.Set(ctx, pool.MatchID, result)
	return result
}

func computeOdds(poolAgent1, poolAgent2 int64) *OddsResponse {
	total := uint64(poolAgent1) + uint64(poolAgent2)
	return &OddsResponse{
		Agent1: oddsValue(total, uint64(poolAgent1)),
		Agent2: oddsValue(total, uint64(poolAgent2)),
		Scale:  odds.OddsScale,
	}
}

// oddsValue converts a raw odds quote to the JSON representation: nil when
// the outcome pool is empty.
func oddsValue(total, outcomePool uint64) *int64 {
	v := odds.Live(total, outcomePool)
	if v == odds.OddsUncapped || v > math.MaxInt64 {
		return nil
	}
	iv := int64(v)
	return &iv
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM escrow.projection_watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
