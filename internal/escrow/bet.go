package escrow

// BetStatus is the lifecycle state of a single wager.
type BetStatus uint8

const (
	BetActive BetStatus = iota + 1
	BetWon
	BetLost
	BetRefunded
)

func (s BetStatus) String() string {
	switch s {
	case BetActive:
		return "Active"
	case BetWon:
		return "Won"
	case BetLost:
		return "Lost"
	case BetRefunded:
		return "Refunded"
	default:
		return "Unknown"
	}
}

// Resolved reports whether the bet has been reconciled.
func (s BetStatus) Resolved() bool {
	return s == BetWon || s == BetLost || s == BetRefunded
}

// BetRecord is one placed wager. Created at placement, mutated exactly once
// at settlement or cancellation.
type BetRecord struct {
	MatchID string
	Bettor  Pubkey
	Outcome Outcome
	Amount  uint64

	// OddsAtPlacement is the live parimutuel odds snapshot at placement time
	// (1e6 scale), recorded for display only. Payouts are pool-proportional
	// and do not use this field.
	OddsAtPlacement uint64

	// Payout is the settled credit for a Won bet (stake + winnings), zero
	// otherwise. For Refunded bets the stake returns via the balance account.
	Payout uint64

	Status   BetStatus
	Index    uint32 // position in the pool's bet arena, assigned at placement
	PlacedAt int64  // epoch microseconds
	Bump     uint8
}
