package escrow

import "fmt"

// Code classifies ledger errors for callers. Every mutating operation either
// commits fully or fails with exactly one of these codes; nothing is
// recovered inside the ledger.
type Code uint8

const (
	CodeValidation Code = iota + 1
	CodeAuthorization
	CodeInsufficientFunds
	CodeStateConflict
	CodeArithmetic
	CodeDecode
)

func (c Code) String() string {
	switch c {
	case CodeValidation:
		return "ValidationError"
	case CodeAuthorization:
		return "AuthorizationError"
	case CodeInsufficientFunds:
		return "InsufficientFundsError"
	case CodeStateConflict:
		return "StateConflictError"
	case CodeArithmetic:
		return "ArithmeticError"
	case CodeDecode:
		return "DecodeError"
	default:
		return "UnknownError"
	}
}

// Error is a named ledger error. Name is stable and surfaced verbatim to
// callers; the HTTP layer maps Code to a status and never remaps Name.
type Error struct {
	Code Code
	Name string
	msg  string
}

func newError(code Code, name, msg string) *Error {
	return &Error{Code: code, Name: name, msg: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.msg)
}

// Is matches any error with the same Name, so wrapped errors still satisfy
// errors.Is(err, escrow.ErrAlreadySettled).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Name == e.Name
}

// Wrapf returns a copy of the error with extra context appended to the
// message. Code and Name are preserved.
func (e *Error) Wrapf(format string, args ...interface{}) *Error {
	return &Error{
		Code: e.Code,
		Name: e.Name,
		msg:  e.msg + ": " + fmt.Sprintf(format, args...),
	}
}

// Validation
var (
	ErrDepositOutOfBounds = newError(CodeValidation, "DepositOutOfBounds", "deposit amount outside [minDeposit, maxDeposit]")
	ErrBetTooSmall        = newError(CodeValidation, "BetTooSmall", "bet amount below pool minimum")
	ErrBetTooLarge        = newError(CodeValidation, "BetTooLarge", "bet amount above pool maximum")
	ErrZeroAmount         = newError(CodeValidation, "ZeroAmount", "amount must be positive")
	ErrMatchIDTooLong     = newError(CodeValidation, "MatchIDTooLong", "match id exceeds maximum length")
	ErrMatchIDEmpty       = newError(CodeValidation, "MatchIDEmpty", "match id must not be empty")
	ErrInvalidOutcome     = newError(CodeValidation, "InvalidOutcome", "outcome is not a valid pool key")
	ErrSeedTooLong        = newError(CodeValidation, "SeedTooLong", "PDA seed tuple exceeds limits")
	ErrInvalidFeeBps      = newError(CodeValidation, "InvalidFeeBps", "platform fee must be in [0, 10000] bps")
	ErrInvalidBounds      = newError(CodeValidation, "InvalidBounds", "min bound exceeds max bound")

	// Authorization
	ErrUnauthorizedSigner = newError(CodeAuthorization, "UnauthorizedSigner", "caller is not the required signer")
	ErrMissingSignature   = newError(CodeAuthorization, "MissingSignature", "operation authority did not sign")
	ErrPlatformPaused     = newError(CodeAuthorization, "PlatformPaused", "platform is paused")

	// Funds
	ErrInsufficientAvailableBalance = newError(CodeInsufficientFunds, "InsufficientAvailableBalance", "amount exceeds available balance")
	ErrInsufficientWalletFunds      = newError(CodeInsufficientFunds, "InsufficientWalletFunds", "caller wallet cannot fund the transfer")

	// State conflicts
	ErrAlreadyInitialized   = newError(CodeStateConflict, "AlreadyInitialized", "platform already initialized")
	ErrNotInitialized       = newError(CodeStateConflict, "NotInitialized", "platform not initialized")
	ErrPoolNotOpen          = newError(CodeStateConflict, "PoolNotOpen", "match pool is not accepting bets")
	ErrPoolNotLocked        = newError(CodeStateConflict, "PoolNotLocked", "match pool is not locked for settlement")
	ErrPoolExists           = newError(CodeStateConflict, "PoolExists", "match pool already exists")
	ErrPoolNotFound         = newError(CodeStateConflict, "PoolNotFound", "match pool does not exist")
	ErrAlreadySettled       = newError(CodeStateConflict, "AlreadySettled", "match pool already settled")
	ErrPoolTerminal         = newError(CodeStateConflict, "PoolTerminal", "match pool is in a terminal state")
	ErrBettingClosed        = newError(CodeStateConflict, "BettingClosed", "betting window has closed")
	ErrAccountNotFound      = newError(CodeStateConflict, "AccountNotFound", "account does not exist")
	ErrSettlementMismatch   = newError(CodeStateConflict, "SettlementOutcomeMismatch", "continuation names a different winning outcome")
	ErrSettlementInProgress = newError(CodeStateConflict, "SettlementInProgress", "match pool settlement is in progress")
	ErrAccountInUse         = newError(CodeStateConflict, "AccountInUse", "account cannot be closed while funds or open bets remain")

	// Arithmetic — always fatal to the operation, logged as invariant risk.
	ErrAmountOverflow  = newError(CodeArithmetic, "AmountOverflow", "checked arithmetic overflow")
	ErrAmountUnderflow = newError(CodeArithmetic, "AmountUnderflow", "checked arithmetic underflow")

	// Codec — account corruption or version mismatch, operator-level.
	ErrInvalidDiscriminator = newError(CodeDecode, "InvalidDiscriminator", "buffer belongs to a different account kind")
	ErrTruncatedAccount     = newError(CodeDecode, "TruncatedAccount", "buffer shorter than declared account size")
	ErrCorruptAccountData   = newError(CodeDecode, "CorruptAccountData", "account bytes violate the declared layout")
)
