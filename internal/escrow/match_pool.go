package escrow

// MatchIDMaxLen is the fixed-layout cap on match ids. Longer ids are a
// ValidationError, never silently clipped.
const MatchIDMaxLen = 32

// Outcome identifies one side of a match pool.
type Outcome uint8

const (
	OutcomeAgent1 Outcome = 0
	OutcomeAgent2 Outcome = 1

	// OutcomeCount fixes the pool layout at two outcomes per match.
	OutcomeCount = 2

	// OutcomeUnset is the stored sentinel before settlement.
	OutcomeUnset Outcome = 0xFF
)

func (o Outcome) Valid() bool {
	return o < OutcomeCount
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAgent1:
		return "agent1"
	case OutcomeAgent2:
		return "agent2"
	case OutcomeUnset:
		return "unset"
	default:
		return "invalid"
	}
}

// ParseOutcome maps the wire identifier to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "agent1":
		return OutcomeAgent1, nil
	case "agent2":
		return OutcomeAgent2, nil
	default:
		return OutcomeUnset, ErrInvalidOutcome.Wrapf("%q", s)
	}
}

// PoolStatus is the match pool lifecycle state.
type PoolStatus uint8

const (
	PoolOpen PoolStatus = iota + 1
	PoolLocked
	PoolSettling   // settlement in progress, cursor mid-way
	PoolSettled    // terminal
	PoolCancelling // cancellation refunds in progress
	PoolCancelled  // terminal
)

func (s PoolStatus) String() string {
	switch s {
	case PoolOpen:
		return "Open"
	case PoolLocked:
		return "Locked"
	case PoolSettling:
		return "Settling"
	case PoolSettled:
		return "Settled"
	case PoolCancelling:
		return "Cancelling"
	case PoolCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the pool can never transition again.
func (s PoolStatus) Terminal() bool {
	return s == PoolSettled || s == PoolCancelled
}

// MatchPool is the per-match parimutuel pool record.
// Invariant: sum(Pools) == sum of all non-refunded bet amounts for the match.
type MatchPool struct {
	MatchID string // <= MatchIDMaxLen bytes
	Status  PoolStatus

	Pools    [OutcomeCount]uint64 // accumulated stake per outcome
	BetCount uint32

	MinBet   uint64
	MaxBet   uint64
	ClosesAt int64 // epoch microseconds; bets rejected at or after

	// WinningOutcome is write-once, set on the Locked→Settling transition.
	WinningOutcome Outcome

	// FeeBps is copied from the platform config when settlement starts, so a
	// config change between chunks cannot reprice bets of the same pool.
	FeeBps uint16

	// SettleCursor is the index of the next bet to process while Settling or
	// Cancelling. Settlement is chunked so one call stays within a bounded
	// compute budget; the pool is never left Open or ambiguous mid-way.
	SettleCursor uint32

	// PaidOut accumulates settlement payouts (or cancellation refunds)
	// across chunks. On completion the treasury cut is exactly
	// TotalPool - PaidOut, so no lamport is ever lost to truncation.
	PaidOut uint64

	Bump uint8
}

// TotalPool returns the sum of all outcome pools.
func (m *MatchPool) TotalPool() (uint64, error) {
	total := uint64(0)
	for _, p := range m.Pools {
		t, err := CheckedAdd(total, p)
		if err != nil {
			return 0, err
		}
		total = t
	}
	return total, nil
}

// ValidateMatchID enforces the fixed-layout bound on match ids.
func ValidateMatchID(matchID string) error {
	if matchID == "" {
		return ErrMatchIDEmpty
	}
	if len(matchID) > MatchIDMaxLen {
		return ErrMatchIDTooLong.Wrapf("%d bytes, max %d", len(matchID), MatchIDMaxLen)
	}
	return nil
}
