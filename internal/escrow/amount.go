package escrow

import "math"

// Checked lamport arithmetic. Balances, pools, and payouts are uint64 in the
// smallest currency unit; any overflow or underflow aborts the operation with
// an ArithmeticError instead of wrapping silently.

// CheckedAdd returns a+b or ErrAmountOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrAmountOverflow.Wrapf("%d + %d", a, b)
	}
	return a + b, nil
}

// CheckedSub returns a-b or ErrAmountUnderflow.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrAmountUnderflow.Wrapf("%d - %d", a, b)
	}
	return a - b, nil
}
