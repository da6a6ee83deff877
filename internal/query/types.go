package query

// Response types for the read API. All lamport amounts are int64 because they
// come back from Postgres BIGINT columns; the engine guarantees they fit.
// Every response carries AsOfSequence, the projection watermark at read time,
// so callers can reason about staleness.

// BalanceResponse is a user's custodial balance.
type BalanceResponse struct {
	Owner          string `json:"owner"`
	Address        string `json:"address"`
	Available      int64  `json:"available"`
	Locked         int64  `json:"locked"`
	Total          int64  `json:"total"`
	OpenBets       int32  `json:"open_bets"`
	CreatedAt      int64  `json:"created_at_us"`
	LastActivityAt int64  `json:"last_activity_at_us"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// OddsResponse is a live parimutuel odds snapshot at 1e6 scale. A nil value
// means the outcome pool is still empty and has no odds yet.
type OddsResponse struct {
	Agent1 *int64 `json:"agent1"`
	Agent2 *int64 `json:"agent2"`
	Scale  int64  `json:"scale"`
}

// MatchPoolResponse is a match pool plus its live odds.
type MatchPoolResponse struct {
	MatchID        string        `json:"match_id"`
	Status         string        `json:"status"`
	PoolAgent1     int64         `json:"pool_agent1"`
	PoolAgent2     int64         `json:"pool_agent2"`
	TotalPool      int64         `json:"total_pool"`
	BetCount       int32         `json:"bet_count"`
	MinBet         int64         `json:"min_bet"`
	MaxBet         int64         `json:"max_bet"`
	ClosesAt       int64         `json:"closes_at_us"`
	WinningOutcome string        `json:"winning_outcome"`
	SettleCursor   int32         `json:"settle_cursor"`
	PaidOut        int64         `json:"paid_out"`
	Odds           *OddsResponse `json:"odds,omitempty"`
	AsOfSequence   int64         `json:"as_of_sequence"`
}

// BetResponse is one wager from the bet history.
type BetResponse struct {
	MatchID         string `json:"match_id"`
	Index           int32  `json:"index"`
	Bettor          string `json:"bettor"`
	Outcome         string `json:"outcome"`
	Amount          int64  `json:"amount"`
	OddsAtPlacement int64  `json:"odds_at_placement"`
	Payout          int64  `json:"payout"`
	Status          string `json:"status"`
	PlacedAt        int64  `json:"placed_at_us"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// PlatformStatsResponse is the platform configuration and counters.
type PlatformStatsResponse struct {
	Admin            string `json:"admin"`
	Oracle           string `json:"oracle"`
	MinDeposit       int64  `json:"min_deposit"`
	MaxDeposit       int64  `json:"max_deposit"`
	FeeBps           int32  `json:"fee_bps"`
	TotalDeposits    int64  `json:"total_deposits"`
	TotalWithdrawals int64  `json:"total_withdrawals"`
	TotalUsers       int64  `json:"total_users"`
	IsPaused         bool   `json:"is_paused"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}
