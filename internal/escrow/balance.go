package escrow

// UserBalanceAccount tracks one user's escrowed funds. Created lazily on
// first deposit; Owner is immutable after creation.
type UserBalanceAccount struct {
	Owner            Pubkey
	AvailableBalance uint64 // unlocked, withdrawable lamports
	LockedBalance    uint64 // lamports committed to open bets
	OpenBets         uint32 // Active bets referencing this account
	CreatedAt        int64  // epoch microseconds, versioned input
	LastActivityAt   int64
	Bump             uint8
}

// Total returns available + locked. Errors on overflow rather than wrapping.
func (u *UserBalanceAccount) Total() (uint64, error) {
	return CheckedAdd(u.AvailableBalance, u.LockedBalance)
}

// CanClose reports whether the account may be closed and its rent reclaimed.
func (u *UserBalanceAccount) CanClose() bool {
	return u.AvailableBalance == 0 && u.LockedBalance == 0 && u.OpenBets == 0
}

// Lock moves amount from available to locked for a new bet.
func (u *UserBalanceAccount) Lock(amount uint64) error {
	if amount > u.AvailableBalance {
		return ErrInsufficientAvailableBalance
	}
	locked, err := CheckedAdd(u.LockedBalance, amount)
	if err != nil {
		return err
	}
	u.AvailableBalance -= amount
	u.LockedBalance = locked
	return nil
}

// Release removes amount from locked, crediting available only when
// creditAvailable is set (refund / payout-of-stake path). On a lost bet the
// stake leaves the user entirely and only locked decreases.
func (u *UserBalanceAccount) Release(amount uint64, creditAvailable bool) error {
	if amount > u.LockedBalance {
		return ErrAmountUnderflow.Wrapf("release %d exceeds locked %d", amount, u.LockedBalance)
	}
	if creditAvailable {
		avail, err := CheckedAdd(u.AvailableBalance, amount)
		if err != nil {
			return err
		}
		u.AvailableBalance = avail
	}
	u.LockedBalance -= amount
	return nil
}
