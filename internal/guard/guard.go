// Package guard is the authorization and precondition layer. Every mutating
// operation passes through here before any state is touched: signer identity,
// pause flag, and bounds are all re-validated at the start of the call, so a
// stale read upstream can never slip a bad transition through. Guard failures
// are terminal for the call and map to a specific named error.
package guard

import "EscrowLedger/internal/escrow"

// RequireSigner checks that the operation's authority signed and matches the
// required identity for this call.
func RequireSigner(op escrow.Op, required escrow.Pubkey) error {
	if !op.IsSigned() {
		return escrow.ErrMissingSignature
	}
	if !op.Signer().Equal(required) {
		return escrow.ErrUnauthorizedSigner.Wrapf("signer %s, required %s", op.Signer(), required)
	}
	return nil
}

// RequireAdmin checks the platform admin signed.
func RequireAdmin(op escrow.Op, p *escrow.PlatformConfig) error {
	return RequireSigner(op, p.Admin)
}

// RequireOracle checks the settlement oracle signed. The admin key is also
// accepted so an operator can drive the match lifecycle directly.
func RequireOracle(op escrow.Op, p *escrow.PlatformConfig) error {
	if !op.IsSigned() {
		return escrow.ErrMissingSignature
	}
	if op.Signer().Equal(p.Oracle) || op.Signer().Equal(p.Admin) {
		return nil
	}
	return escrow.ErrUnauthorizedSigner.Wrapf("signer %s is neither oracle nor admin", op.Signer())
}

// RequireNotPaused rejects every mutating operation while paused, except the
// admin unpause itself.
func RequireNotPaused(op escrow.Op, p *escrow.PlatformConfig) error {
	if !p.IsPaused {
		return nil
	}
	if sp, ok := op.(*escrow.SetPaused); ok && !sp.Paused {
		// Admin unpause is the one mutation allowed through; its signer is
		// still checked by the operation handler.
		return nil
	}
	return escrow.ErrPlatformPaused
}

// CheckDepositBounds validates a deposit amount against platform config.
// Bounds checks run before any state mutation.
func CheckDepositBounds(p *escrow.PlatformConfig, amount uint64) error {
	if amount == 0 {
		return escrow.ErrZeroAmount
	}
	if amount < p.MinDeposit || amount > p.MaxDeposit {
		return escrow.ErrDepositOutOfBounds.Wrapf("%d not in [%d, %d]", amount, p.MinDeposit, p.MaxDeposit)
	}
	return nil
}

// CheckBetBounds validates a stake against the pool's limits.
func CheckBetBounds(m *escrow.MatchPool, amount uint64) error {
	if amount == 0 {
		return escrow.ErrZeroAmount
	}
	if amount < m.MinBet {
		return escrow.ErrBetTooSmall.Wrapf("%d < %d", amount, m.MinBet)
	}
	if m.MaxBet > 0 && amount > m.MaxBet {
		return escrow.ErrBetTooLarge.Wrapf("%d > %d", amount, m.MaxBet)
	}
	return nil
}

// CheckBettingWindow rejects bets at or after the pool close time.
func CheckBettingWindow(m *escrow.MatchPool, now int64) error {
	if m.ClosesAt > 0 && now >= m.ClosesAt {
		return escrow.ErrBettingClosed.Wrapf("closed at %d, now %d", m.ClosesAt, now)
	}
	return nil
}

// RequirePoolOpen checks the pool accepts bets.
func RequirePoolOpen(m *escrow.MatchPool) error {
	if m.Status != escrow.PoolOpen {
		return escrow.ErrPoolNotOpen.Wrapf("status %s", m.Status)
	}
	return nil
}

// RequireSettleable checks the pool can begin or continue settlement.
// A Settled pool is the explicit double-settlement case.
func RequireSettleable(m *escrow.MatchPool) error {
	switch m.Status {
	case escrow.PoolLocked, escrow.PoolSettling:
		return nil
	case escrow.PoolSettled:
		return escrow.ErrAlreadySettled
	default:
		return escrow.ErrPoolNotLocked.Wrapf("status %s", m.Status)
	}
}

// RequireCancellable checks the pool can begin or continue cancellation.
// A pool mid-settlement is not cancellable, but it is not terminal either.
func RequireCancellable(m *escrow.MatchPool) error {
	switch m.Status {
	case escrow.PoolOpen, escrow.PoolLocked, escrow.PoolCancelling:
		return nil
	case escrow.PoolSettling:
		return escrow.ErrSettlementInProgress.Wrapf("status %s", m.Status)
	default:
		return escrow.ErrPoolTerminal.Wrapf("status %s", m.Status)
	}
}
