package escrow

import "github.com/google/uuid"

// OpType discriminates ledger operations.
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeInitializePlatform
	OpTypeUpdateConfig
	OpTypeSetPaused
	OpTypeDeposit
	OpTypeWithdraw
	OpTypeCloseBalanceAccount
	OpTypeCreateMatchPool
	OpTypePlaceBet
	OpTypeLockBetting
	OpTypeSettleMatch
	OpTypeCancelMatch
	OpTypeFundWallet
)

func (t OpType) String() string {
	switch t {
	case OpTypeInitializePlatform:
		return "InitializePlatform"
	case OpTypeUpdateConfig:
		return "UpdateConfig"
	case OpTypeSetPaused:
		return "SetPaused"
	case OpTypeDeposit:
		return "Deposit"
	case OpTypeWithdraw:
		return "Withdraw"
	case OpTypeCloseBalanceAccount:
		return "CloseBalanceAccount"
	case OpTypeCreateMatchPool:
		return "CreateMatchPool"
	case OpTypePlaceBet:
		return "PlaceBet"
	case OpTypeLockBetting:
		return "LockBetting"
	case OpTypeSettleMatch:
		return "SettleMatch"
	case OpTypeCancelMatch:
		return "CancelMatch"
	case OpTypeFundWallet:
		return "FundWallet"
	default:
		return "Unknown"
	}
}

// OpHeader carries the fields every operation shares. Timestamp is a
// versioned input from the caller — the engine never reads the wall clock.
type OpHeader struct {
	ID        uuid.UUID // idempotency key for the durable log
	Authority Pubkey    // the identity the transport authenticated
	Signed    bool      // authorization proof was present and matched
	Timestamp int64     // epoch microseconds
}

func (h OpHeader) OpID() uuid.UUID  { return h.ID }
func (h OpHeader) Signer() Pubkey   { return h.Authority }
func (h OpHeader) IsSigned() bool   { return h.Signed }
func (h OpHeader) When() int64      { return h.Timestamp }
func (h OpHeader) MatchRef() string { return "" }

// Op is the interface all ledger operations implement.
type Op interface {
	OpID() uuid.UUID
	OpType() OpType
	Signer() Pubkey
	IsSigned() bool
	When() int64
	// MatchRef returns the match id context, empty for global operations.
	MatchRef() string
}

type InitializePlatform struct {
	OpHeader
	Oracle     Pubkey
	MinDeposit uint64
	MaxDeposit uint64
	FeeBps     uint16
}

func (o *InitializePlatform) OpType() OpType { return OpTypeInitializePlatform }

type UpdateConfig struct {
	OpHeader
	MinDeposit uint64
	MaxDeposit uint64
	FeeBps     uint16
	Oracle     Pubkey
}

func (o *UpdateConfig) OpType() OpType { return OpTypeUpdateConfig }

type SetPaused struct {
	OpHeader
	Paused bool
}

func (o *SetPaused) OpType() OpType { return OpTypeSetPaused }

type Deposit struct {
	OpHeader
	Owner  Pubkey
	Amount uint64
}

func (o *Deposit) OpType() OpType { return OpTypeDeposit }

type Withdraw struct {
	OpHeader
	Owner  Pubkey
	Amount uint64
}

func (o *Withdraw) OpType() OpType { return OpTypeWithdraw }

type CloseBalanceAccount struct {
	OpHeader
	Owner Pubkey
}

func (o *CloseBalanceAccount) OpType() OpType { return OpTypeCloseBalanceAccount }

type CreateMatchPool struct {
	OpHeader
	MatchID  string
	MinBet   uint64
	MaxBet   uint64
	ClosesAt int64
}

func (o *CreateMatchPool) OpType() OpType { return OpTypeCreateMatchPool }
func (o *CreateMatchPool) MatchRef() string { return o.MatchID }

type PlaceBet struct {
	OpHeader
	Bettor  Pubkey
	MatchID string
	Outcome Outcome
	Amount  uint64
}

func (o *PlaceBet) OpType() OpType { return OpTypePlaceBet }
func (o *PlaceBet) MatchRef() string { return o.MatchID }

type LockBetting struct {
	OpHeader
	MatchID string
}

func (o *LockBetting) OpType() OpType { return OpTypeLockBetting }
func (o *LockBetting) MatchRef() string { return o.MatchID }

type SettleMatch struct {
	OpHeader
	MatchID        string
	WinningOutcome Outcome
}

func (o *SettleMatch) OpType() OpType { return OpTypeSettleMatch }
func (o *SettleMatch) MatchRef() string { return o.MatchID }

type CancelMatch struct {
	OpHeader
	MatchID string
}

func (o *CancelMatch) OpType() OpType { return OpTypeCancelMatch }
func (o *CancelMatch) MatchRef() string { return o.MatchID }

// FundWallet is the on-ramp boundary: the backend verifies an incoming
// external transfer and the admin records the credit on the owner's wallet
// account, outside ledger custody. A later Deposit moves it into the vault.
type FundWallet struct {
	OpHeader
	Owner  Pubkey
	Amount uint64
}

func (o *FundWallet) OpType() OpType { return OpTypeFundWallet }
