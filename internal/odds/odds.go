// Package odds implements parimutuel pool accounting: live odds for display
// and the settlement payout formula. All monetary math is integer-only;
// intermediate products run through 128-bit big.Int so uint64 stakes can
// never overflow mid-computation.
package odds

import (
	"math"
	"math/big"
	"sync"

	"EscrowLedger/internal/escrow"
)

const (
	// OddsScale is the fixed-point scale for odds values: 1_500_000 = 1.5x.
	OddsScale = 1_000_000

	// OddsUncapped is the sentinel returned when an outcome pool is empty.
	// The read path never errors; UI renders this as "no odds yet".
	OddsUncapped = math.MaxUint64
)

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// mulDivFloor computes a*b/den with a 128-bit intermediate, truncating toward
// zero. den must be non-zero.
func mulDivFloor(a, b, den uint64) uint64 {
	num := getInt128()
	tmp := getInt128()

	num.SetUint64(a)
	tmp.SetUint64(b)
	num.Mul(num, tmp)
	tmp.SetUint64(den)
	num.Quo(num, tmp)

	result := num.Uint64()
	putInt128(num)
	putInt128(tmp)
	return result
}

// Live returns the current parimutuel odds for one outcome:
// totalPool / outcomePool at OddsScale. Empty outcome pools yield
// OddsUncapped, never a divide-by-zero.
func Live(totalPool, outcomePool uint64) uint64 {
	if outcomePool == 0 {
		return OddsUncapped
	}
	return mulDivFloor(totalPool, OddsScale, outcomePool)
}

// LiveForPool returns the odds snapshot for every outcome of a pool.
func LiveForPool(m *escrow.MatchPool) ([escrow.OutcomeCount]uint64, error) {
	var out [escrow.OutcomeCount]uint64
	total, err := m.TotalPool()
	if err != nil {
		return out, err
	}
	for i := range m.Pools {
		out[i] = Live(total, m.Pools[i])
	}
	return out, nil
}

// Fee returns the platform fee taken from the losing pool: floor of
// losingPool * feeBps / 10000. The fee is deducted once, from the losing
// pool only, so winners always recover at least their stake.
func Fee(losingPool uint64, feeBps uint16) uint64 {
	if feeBps == 0 || losingPool == 0 {
		return 0
	}
	return mulDivFloor(losingPool, uint64(feeBps), escrow.MaxFeeBps)
}

// Winnings returns the floor share of the distributable losing pool for a
// single winning stake: stake * distributable / winningPool. The caller adds
// the stake back separately and accumulates the truncation remainder.
func Winnings(stake, winningPool, distributable uint64) uint64 {
	if winningPool == 0 {
		return 0
	}
	return mulDivFloor(stake, distributable, winningPool)
}

// Plan is the precomputed settlement arithmetic for one match pool. It is a
// pure function of pool totals, so two settlements with identical inputs
// produce byte-identical payouts.
type Plan struct {
	WinningOutcome escrow.Outcome
	TotalPool      uint64
	WinningPool    uint64
	LosingPool     uint64
	Fee            uint64
	// Distributable is the losing pool net of fee, split pro-rata among
	// winning stakes.
	Distributable uint64
	// NoWinner is set when nobody bet the winning outcome: the entire pool
	// is retained by the platform as a no-winner fee event.
	NoWinner bool
}

// NewPlan computes the settlement plan for a pool and winning outcome.
func NewPlan(m *escrow.MatchPool, winning escrow.Outcome, feeBps uint16) (*Plan, error) {
	if !winning.Valid() {
		return nil, escrow.ErrInvalidOutcome.Wrapf("%d", winning)
	}
	total, err := m.TotalPool()
	if err != nil {
		return nil, err
	}

	winningPool := m.Pools[winning]
	losingPool, err := escrow.CheckedSub(total, winningPool)
	if err != nil {
		return nil, err
	}

	if winningPool == 0 {
		return &Plan{
			WinningOutcome: winning,
			TotalPool:      total,
			LosingPool:     losingPool,
			NoWinner:       true,
		}, nil
	}

	fee := Fee(losingPool, feeBps)
	distributable := losingPool - fee

	return &Plan{
		WinningOutcome: winning,
		TotalPool:      total,
		WinningPool:    winningPool,
		LosingPool:     losingPool,
		Fee:            fee,
		Distributable:  distributable,
	}, nil
}

// Payout returns the full settlement credit for one winning stake:
// stake + floor(stake * distributable / winningPool).
func (p *Plan) Payout(stake uint64) (uint64, error) {
	if p.NoWinner {
		return 0, nil
	}
	return escrow.CheckedAdd(stake, Winnings(stake, p.WinningPool, p.Distributable))
}

// TreasuryCut returns the lamports owed to the treasury once every winning
// stake has been paid: the fee plus the truncation remainder, or the entire
// pool in the no-winner case. paidWinnings is the accumulated sum of
// Winnings() across all winning bets.
func (p *Plan) TreasuryCut(paidWinnings uint64) (uint64, error) {
	if p.NoWinner {
		return p.TotalPool, nil
	}
	remainder, err := escrow.CheckedSub(p.Distributable, paidWinnings)
	if err != nil {
		// paidWinnings exceeding distributable means the floor arithmetic
		// was violated somewhere — an invariant break, not a caller error.
		return 0, err
	}
	return escrow.CheckedAdd(p.Fee, remainder)
}
