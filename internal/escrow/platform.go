package escrow

// MaxFeeBps is the ceiling for the platform fee (100%).
const MaxFeeBps = 10_000

// PlatformConfig is the singleton configuration record, one per deployment.
// Created once by InitializePlatform and mutated only by admin calls.
type PlatformConfig struct {
	Admin  Pubkey // authorized to pause/configure
	Oracle Pubkey // authorized to lock/settle/cancel match pools

	MinDeposit uint64 // lamports
	MaxDeposit uint64 // lamports
	FeeBps     uint16 // settlement fee in basis points, taken from the losing pool

	// Monotonic observability counters.
	TotalDeposits    uint64
	TotalWithdrawals uint64
	TotalUsers       uint64

	IsPaused bool
	Bump     uint8
}

// ValidateConfig checks the bounds an admin call may set.
func (p *PlatformConfig) ValidateConfig() error {
	if p.FeeBps > MaxFeeBps {
		return ErrInvalidFeeBps
	}
	if p.MinDeposit > p.MaxDeposit {
		return ErrInvalidBounds
	}
	return nil
}
