// Package engine is the deterministic core of the escrow ledger. A single
// goroutine owns all account state and applies operations one at a time:
// guards first, then staged mutations, then an atomic commit with a chained
// state hash. Two engines fed the same operation sequence produce identical
// state, hashes, and outputs.
//
// The engine never reads the wall clock; every time-dependent decision uses
// the operation's versioned timestamp.
package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"EscrowLedger/internal/codec"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/guard"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/odds"
	"EscrowLedger/internal/pda"
)

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// SettleChunkSize caps how many bets one SettleMatch or CancelMatch call
	// resolves. Large pools settle over repeated calls.
	SettleChunkSize uint32

	// ConservationCheckEvery runs the full vault-vs-balances audit every N
	// committed operations. Zero disables the periodic check.
	ConservationCheckEvery int64

	// DedupLRUCapacity sizes the in-memory idempotency tier.
	DedupLRUCapacity int
}

const (
	DefaultSettleChunkSize        = 256
	DefaultConservationCheckEvery = 1000
	DefaultDedupLRUCapacity       = 100_000
)

func (c Config) withDefaults() Config {
	if c.SettleChunkSize == 0 {
		c.SettleChunkSize = DefaultSettleChunkSize
	}
	if c.ConservationCheckEvery == 0 {
		c.ConservationCheckEvery = DefaultConservationCheckEvery
	}
	if c.DedupLRUCapacity == 0 {
		c.DedupLRUCapacity = DefaultDedupLRUCapacity
	}
	return c
}

// Engine applies ledger operations. Not thread-safe: exactly one goroutine
// calls ProcessOp, and reads of engine state happen on that goroutine only.
type Engine struct {
	cfg      Config
	store    *Store
	sequence int64
	hasher   *StateHasher
	idem     *IdempotencyChecker
	metrics  *observability.Metrics
	log      zerolog.Logger

	// persistCh blocks when full: durability has strict backpressure.
	// projCh drops when full: projections are best-effort and catch up
	// from the durable log.
	persistCh chan<- Output
	projCh    chan<- Output

	platformAddr escrow.Pubkey
	platformBump uint8
	vaultAddr    escrow.Pubkey
	treasuryAddr escrow.Pubkey
}

// NewEngine creates an engine over the given store. persistCh and projCh may
// be nil (tests, offline replay).
func NewEngine(
	cfg Config,
	store *Store,
	log zerolog.Logger,
	metrics *observability.Metrics,
	dbChecker DBIdempotencyChecker,
	persistCh chan<- Output,
	projCh chan<- Output,
) *Engine {
	cfg = cfg.withDefaults()

	platformAddr, platformBump := mustAddr(pda.Platform)
	vaultAddr, _ := mustAddr(pda.Vault)
	treasuryAddr, _ := mustAddr(pda.Treasury)

	return &Engine{
		cfg:          cfg,
		store:        store,
		hasher:       NewStateHasher(),
		idem:         NewIdempotencyChecker(cfg.DedupLRUCapacity, dbChecker),
		metrics:      metrics,
		log:          log,
		persistCh:    persistCh,
		projCh:       projCh,
		platformAddr: platformAddr,
		platformBump: platformBump,
		vaultAddr:    vaultAddr,
		treasuryAddr: treasuryAddr,
	}
}

func mustAddr(derive func() (escrow.Pubkey, uint8, error)) (escrow.Pubkey, uint8) {
	addr, bump, err := derive()
	if err != nil {
		// Static role seeds are well under the seed limits; failure here is
		// a programming error.
		panic(fmt.Sprintf("engine: role address derivation failed: %v", err))
	}
	return addr, bump
}

// Sequence returns the next sequence the engine will assign.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// Resume rewinds the engine to the recovery point: the next sequence to
// assign and the persisted chain tip.
func (e *Engine) Resume(nextSequence int64, prevHash [32]byte) {
	e.sequence = nextSequence
	e.hasher.Reset(prevHash)
}

// WarmIdempotency preloads recent opType:opID keys into the LRU tier.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idem.Warm(keys)
}

// ProcessOp applies one operation. On success the state change is committed,
// hashed, and emitted; on error no state changed. Duplicate operations
// return Result.Duplicate without touching state.
func (e *Engine) ProcessOp(op escrow.Op) (*Result, error) {
	start := time.Now()
	opType := op.OpType().String()

	if dup, tier := e.idem.IsDuplicate(opType, op.OpID().String()); dup {
		if e.metrics != nil {
			e.metrics.IdempotencyDuplicates.WithLabelValues(opType, tier).Inc()
		}
		e.log.Debug().
			Str("op_type", opType).
			Str("op_id", op.OpID().String()).
			Str("tier", tier).
			Msg("duplicate operation skipped")
		return &Result{Duplicate: true}, nil
	}

	tx := newTxn(e.store)
	result, err := e.apply(tx, op)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(opType, rejectReason(err)).Inc()
		}
		return nil, err
	}

	updates := tx.updates()
	tx.commit()

	hashStart := time.Now()
	prevHash := e.hasher.PrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digestUpdates(updates))
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	out := Output{
		Sequence:  e.sequence,
		OpID:      op.OpID(),
		OpType:    op.OpType(),
		MatchID:   op.MatchRef(),
		Timestamp: op.When(),
		StateHash: stateHash,
		PrevHash:  prevHash,
		Updates:   updates,
		Result:    result,
	}
	e.sequence++

	e.emit(out)
	e.idem.MarkProcessed(opType, op.OpID().String())

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(opType).Inc()
		e.metrics.OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.idem.LRUSize()))
		if vault, ok := e.store.Get(e.vaultAddr); ok {
			e.metrics.VaultBalance.Set(float64(vault.Lamports))
		}
	}

	if e.cfg.ConservationCheckEvery > 0 && e.sequence%e.cfg.ConservationCheckEvery == 0 {
		if err := e.CheckConservation(); err != nil {
			// A conservation break means custody no longer covers user
			// balances. Halting is the only safe response.
			e.log.Error().Err(err).Int64("sequence", e.sequence).Msg("conservation violated")
			panic(fmt.Sprintf("engine: conservation violated at sequence %d: %v", e.sequence, err))
		}
	}

	return result, nil
}

func (e *Engine) emit(out Output) {
	if e.persistCh != nil {
		select {
		case e.persistCh <- out:
		default:
			// Full persist channel: block until the writer drains. The
			// engine stalls rather than lose durability.
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistCh <- out
		}
	}
	if e.projCh != nil {
		select {
		case e.projCh <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
			e.log.Warn().Int64("sequence", out.Sequence).Msg("projection channel full, output dropped")
		}
	}
}

func rejectReason(err error) string {
	if le, ok := err.(*escrow.Error); ok {
		return le.Name
	}
	return "internal"
}

func (e *Engine) apply(tx *txn, op escrow.Op) (*Result, error) {
	switch o := op.(type) {
	case *escrow.InitializePlatform:
		return e.applyInitializePlatform(tx, o)
	case *escrow.UpdateConfig:
		return e.applyUpdateConfig(tx, o)
	case *escrow.SetPaused:
		return e.applySetPaused(tx, o)
	case *escrow.Deposit:
		return e.applyDeposit(tx, o)
	case *escrow.Withdraw:
		return e.applyWithdraw(tx, o)
	case *escrow.CloseBalanceAccount:
		return e.applyCloseBalanceAccount(tx, o)
	case *escrow.CreateMatchPool:
		return e.applyCreateMatchPool(tx, o)
	case *escrow.PlaceBet:
		return e.applyPlaceBet(tx, o)
	case *escrow.LockBetting:
		return e.applyLockBetting(tx, o)
	case *escrow.SettleMatch:
		return e.applySettleMatch(tx, o)
	case *escrow.CancelMatch:
		return e.applyCancelMatch(tx, o)
	case *escrow.FundWallet:
		return e.applyFundWallet(tx, o)
	default:
		panic(fmt.Sprintf("engine: unknown operation type %T", op))
	}
}

// --- record load/store helpers ---

func (e *Engine) loadPlatform(tx *txn) (*escrow.PlatformConfig, error) {
	acct, ok := tx.load(e.platformAddr)
	if !ok {
		return nil, escrow.ErrNotInitialized
	}
	return codec.DecodePlatformConfig(acct.Data)
}

func (e *Engine) storePlatform(tx *txn, p *escrow.PlatformConfig) error {
	data, err := codec.EncodePlatformConfig(p)
	if err != nil {
		return err
	}
	tx.put(e.platformAddr, &Account{Data: data})
	return nil
}

func loadUserBalance(tx *txn, owner escrow.Pubkey) (escrow.Pubkey, *escrow.UserBalanceAccount, error) {
	addr, _, err := pda.UserBalance(owner)
	if err != nil {
		return escrow.Pubkey{}, nil, err
	}
	acct, ok := tx.load(addr)
	if !ok {
		return addr, nil, escrow.ErrAccountNotFound.Wrapf("balance account for %s", owner)
	}
	u, err := codec.DecodeUserBalance(acct.Data)
	if err != nil {
		return addr, nil, err
	}
	return addr, u, nil
}

func storeUserBalance(tx *txn, addr escrow.Pubkey, u *escrow.UserBalanceAccount) error {
	data, err := codec.EncodeUserBalance(u)
	if err != nil {
		return err
	}
	tx.put(addr, &Account{Data: data})
	return nil
}

func loadMatchPool(tx *txn, matchID string) (escrow.Pubkey, *escrow.MatchPool, error) {
	addr, _, err := pda.MatchPool(matchID)
	if err != nil {
		return escrow.Pubkey{}, nil, err
	}
	acct, ok := tx.load(addr)
	if !ok {
		return addr, nil, escrow.ErrPoolNotFound.Wrapf("%s", matchID)
	}
	m, err := codec.DecodeMatchPool(acct.Data)
	if err != nil {
		return addr, nil, err
	}
	return addr, m, nil
}

func storeMatchPool(tx *txn, addr escrow.Pubkey, m *escrow.MatchPool) error {
	data, err := codec.EncodeMatchPool(m)
	if err != nil {
		return err
	}
	tx.put(addr, &Account{Data: data})
	return nil
}

func storeBet(tx *txn, addr escrow.Pubkey, b *escrow.BetRecord) error {
	data, err := codec.EncodeBetRecord(b)
	if err != nil {
		return err
	}
	tx.put(addr, &Account{Data: data})
	return nil
}

// loadVault returns the custody account; it exists from initialization on.
func (e *Engine) loadVault(tx *txn) (*Account, error) {
	acct, ok := tx.load(e.vaultAddr)
	if !ok {
		return nil, escrow.ErrNotInitialized.Wrapf("vault missing")
	}
	return acct, nil
}

// --- operation handlers ---

func (e *Engine) applyInitializePlatform(tx *txn, op *escrow.InitializePlatform) (*Result, error) {
	if _, ok := tx.load(e.platformAddr); ok {
		return nil, escrow.ErrAlreadyInitialized
	}
	if !op.IsSigned() {
		return nil, escrow.ErrMissingSignature
	}

	p := &escrow.PlatformConfig{
		Admin:      op.Signer(),
		Oracle:     op.Oracle,
		MinDeposit: op.MinDeposit,
		MaxDeposit: op.MaxDeposit,
		FeeBps:     op.FeeBps,
		Bump:       e.platformBump,
	}
	if p.Oracle.IsZero() {
		// No dedicated oracle key: the admin drives the match lifecycle.
		p.Oracle = p.Admin
	}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	if err := e.storePlatform(tx, p); err != nil {
		return nil, err
	}
	tx.put(e.vaultAddr, &Account{})
	tx.put(e.treasuryAddr, &Account{})

	e.log.Info().
		Str("admin", p.Admin.String()).
		Str("oracle", p.Oracle.String()).
		Uint16("fee_bps", p.FeeBps).
		Msg("platform initialized")
	return &Result{}, nil
}

func (e *Engine) applyUpdateConfig(tx *txn, op *escrow.UpdateConfig) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireAdmin(op, p); err != nil {
		return nil, err
	}

	p.MinDeposit = op.MinDeposit
	p.MaxDeposit = op.MaxDeposit
	p.FeeBps = op.FeeBps
	if !op.Oracle.IsZero() {
		p.Oracle = op.Oracle
	}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	if err := e.storePlatform(tx, p); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (e *Engine) applySetPaused(tx *txn, op *escrow.SetPaused) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireAdmin(op, p); err != nil {
		return nil, err
	}

	p.IsPaused = op.Paused
	if err := e.storePlatform(tx, p); err != nil {
		return nil, err
	}

	e.log.Info().Bool("paused", op.Paused).Msg("platform pause flag changed")
	return &Result{}, nil
}

// applyFundWallet credits an external wallet account. This is the admin
// on-ramp: the backend verifies the incoming transfer off-ledger and records
// the credit here, so a following Deposit can move it into custody. Wallet
// lamports are outside the vault and do not enter the conservation sum.
func (e *Engine) applyFundWallet(tx *txn, op *escrow.FundWallet) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireAdmin(op, p); err != nil {
		return nil, err
	}
	if op.Amount == 0 {
		return nil, escrow.ErrZeroAmount
	}

	wallet, ok := tx.load(op.Owner)
	if !ok {
		wallet = &Account{}
	}
	if wallet.Lamports, err = escrow.CheckedAdd(wallet.Lamports, op.Amount); err != nil {
		return nil, err
	}
	tx.put(op.Owner, wallet)

	e.log.Info().
		Str("owner", op.Owner.String()).
		Uint64("lamports", op.Amount).
		Msg("wallet funded")
	return &Result{}, nil
}

func (e *Engine) applyDeposit(tx *txn, op *escrow.Deposit) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireSigner(op, op.Owner); err != nil {
		return nil, err
	}
	if err := guard.CheckDepositBounds(p, op.Amount); err != nil {
		return nil, err
	}

	wallet, ok := tx.load(op.Owner)
	if !ok || wallet.Lamports < op.Amount {
		return nil, escrow.ErrInsufficientWalletFunds.Wrapf("deposit %d", op.Amount)
	}

	addr, bump, err := pda.UserBalance(op.Owner)
	if err != nil {
		return nil, err
	}

	created := false
	var u *escrow.UserBalanceAccount
	if acct, ok := tx.load(addr); ok {
		if u, err = codec.DecodeUserBalance(acct.Data); err != nil {
			return nil, err
		}
	} else {
		// Lazy creation on first deposit: the same op both creates and
		// funds, so a retry replays as a duplicate rather than a conflict.
		u = &escrow.UserBalanceAccount{
			Owner:     op.Owner,
			CreatedAt: op.When(),
			Bump:      bump,
		}
		created = true
		if p.TotalUsers, err = escrow.CheckedAdd(p.TotalUsers, 1); err != nil {
			return nil, err
		}
	}

	if u.AvailableBalance, err = escrow.CheckedAdd(u.AvailableBalance, op.Amount); err != nil {
		return nil, err
	}
	u.LastActivityAt = op.When()

	vault, err := e.loadVault(tx)
	if err != nil {
		return nil, err
	}
	if vault.Lamports, err = escrow.CheckedAdd(vault.Lamports, op.Amount); err != nil {
		return nil, err
	}
	wallet.Lamports -= op.Amount

	if p.TotalDeposits, err = escrow.CheckedAdd(p.TotalDeposits, op.Amount); err != nil {
		return nil, err
	}

	tx.put(op.Owner, wallet)
	tx.put(e.vaultAddr, vault)
	if err := storeUserBalance(tx, addr, u); err != nil {
		return nil, err
	}
	if err := e.storePlatform(tx, p); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.DepositsTotal.Add(float64(op.Amount))
	}
	return &Result{BalanceCreated: created}, nil
}

func (e *Engine) applyWithdraw(tx *txn, op *escrow.Withdraw) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireSigner(op, op.Owner); err != nil {
		return nil, err
	}
	if op.Amount == 0 {
		return nil, escrow.ErrZeroAmount
	}

	addr, u, err := loadUserBalance(tx, op.Owner)
	if err != nil {
		return nil, err
	}
	if op.Amount > u.AvailableBalance {
		// Locked funds are not withdrawable; they are committed to bets.
		return nil, escrow.ErrInsufficientAvailableBalance.Wrapf("withdraw %d, available %d", op.Amount, u.AvailableBalance)
	}
	u.AvailableBalance -= op.Amount
	u.LastActivityAt = op.When()

	vault, err := e.loadVault(tx)
	if err != nil {
		return nil, err
	}
	if vault.Lamports, err = escrow.CheckedSub(vault.Lamports, op.Amount); err != nil {
		// Vault short of user balances is a conservation break.
		return nil, err
	}

	wallet, ok := tx.load(op.Owner)
	if !ok {
		wallet = &Account{}
	}
	if wallet.Lamports, err = escrow.CheckedAdd(wallet.Lamports, op.Amount); err != nil {
		return nil, err
	}

	if p.TotalWithdrawals, err = escrow.CheckedAdd(p.TotalWithdrawals, op.Amount); err != nil {
		return nil, err
	}

	tx.put(op.Owner, wallet)
	tx.put(e.vaultAddr, vault)
	if err := storeUserBalance(tx, addr, u); err != nil {
		return nil, err
	}
	if err := e.storePlatform(tx, p); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.WithdrawalsTotal.Add(float64(op.Amount))
	}
	return &Result{}, nil
}

func (e *Engine) applyCloseBalanceAccount(tx *txn, op *escrow.CloseBalanceAccount) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireSigner(op, op.Owner); err != nil {
		return nil, err
	}

	addr, u, err := loadUserBalance(tx, op.Owner)
	if err != nil {
		return nil, err
	}
	if !u.CanClose() {
		return nil, escrow.ErrAccountInUse.Wrapf("available %d, locked %d, open bets %d",
			u.AvailableBalance, u.LockedBalance, u.OpenBets)
	}

	tx.del(addr)
	return &Result{}, nil
}

func (e *Engine) applyCreateMatchPool(tx *txn, op *escrow.CreateMatchPool) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireOracle(op, p); err != nil {
		return nil, err
	}
	if err := escrow.ValidateMatchID(op.MatchID); err != nil {
		return nil, err
	}
	if op.MaxBet > 0 && op.MinBet > op.MaxBet {
		return nil, escrow.ErrInvalidBounds.Wrapf("min bet %d > max bet %d", op.MinBet, op.MaxBet)
	}

	addr, bump, err := pda.MatchPool(op.MatchID)
	if err != nil {
		return nil, err
	}
	if _, ok := tx.load(addr); ok {
		return nil, escrow.ErrPoolExists.Wrapf("%s", op.MatchID)
	}

	m := &escrow.MatchPool{
		MatchID:        op.MatchID,
		Status:         escrow.PoolOpen,
		MinBet:         op.MinBet,
		MaxBet:         op.MaxBet,
		ClosesAt:       op.ClosesAt,
		WinningOutcome: escrow.OutcomeUnset,
		Bump:           bump,
	}
	if err := storeMatchPool(tx, addr, m); err != nil {
		return nil, err
	}

	e.log.Info().Str("match_id", op.MatchID).Msg("match pool created")
	return &Result{}, nil
}

func (e *Engine) applyPlaceBet(tx *txn, op *escrow.PlaceBet) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireSigner(op, op.Bettor); err != nil {
		return nil, err
	}
	if !op.Outcome.Valid() {
		return nil, escrow.ErrInvalidOutcome.Wrapf("%d", op.Outcome)
	}

	poolAddr, m, err := loadMatchPool(tx, op.MatchID)
	if err != nil {
		return nil, err
	}
	if err := guard.RequirePoolOpen(m); err != nil {
		return nil, err
	}
	if err := guard.CheckBettingWindow(m, op.When()); err != nil {
		return nil, err
	}
	if err := guard.CheckBetBounds(m, op.Amount); err != nil {
		return nil, err
	}

	balAddr, u, err := loadUserBalance(tx, op.Bettor)
	if err != nil {
		return nil, err
	}
	if err := u.Lock(op.Amount); err != nil {
		return nil, err
	}
	u.OpenBets++
	u.LastActivityAt = op.When()

	if m.Pools[op.Outcome], err = escrow.CheckedAdd(m.Pools[op.Outcome], op.Amount); err != nil {
		return nil, err
	}
	index := m.BetCount
	m.BetCount++

	total, err := m.TotalPool()
	if err != nil {
		return nil, err
	}
	// Odds snapshot is taken after the new stake joins the pool: the bettor
	// sees the price their own money moved.
	oddsSnap := odds.Live(total, m.Pools[op.Outcome])

	betAddr, betBump, err := pda.Bet(op.MatchID, index)
	if err != nil {
		return nil, err
	}
	bet := &escrow.BetRecord{
		MatchID:         op.MatchID,
		Bettor:          op.Bettor,
		Outcome:         op.Outcome,
		Amount:          op.Amount,
		OddsAtPlacement: oddsSnap,
		Status:          escrow.BetActive,
		Index:           index,
		PlacedAt:        op.When(),
		Bump:            betBump,
	}

	if err := storeBet(tx, betAddr, bet); err != nil {
		return nil, err
	}
	if err := storeUserBalance(tx, balAddr, u); err != nil {
		return nil, err
	}
	if err := storeMatchPool(tx, poolAddr, m); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.BetsPlaced.WithLabelValues(op.Outcome.String()).Inc()
	}
	return &Result{BetIndex: index, OddsAtPlacement: oddsSnap}, nil
}

func (e *Engine) applyLockBetting(tx *txn, op *escrow.LockBetting) (*Result, error) {
	p, err := e.loadPlatform(tx)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireNotPaused(op, p); err != nil {
		return nil, err
	}
	if err := guard.RequireOracle(op, p); err != nil {
		return nil, err
	}

	addr, m, err := loadMatchPool(tx, op.MatchID)
	if err != nil {
		return nil, err
	}
	if err := guard.RequirePoolOpen(m); err != nil {
		return nil, err
	}

	m.Status = escrow.PoolLocked
	if err := storeMatchPool(tx, addr, m); err != nil {
		return nil, err
	}

	e.log.Info().Str("match_id", op.MatchID).Uint32("bets", m.BetCount).Msg("betting locked")
	return &Result{}, nil
}

// --- wallet boundary ---

// FundWallet credits lamports to an external wallet account. This is the
// on-ramp boundary: wallet funding is outside ledger custody and bypasses the
// operation pipeline. Engine goroutine only.
func (e *Engine) FundWallet(owner escrow.Pubkey, lamports uint64) error {
	acct, ok := e.store.Get(owner)
	if !ok {
		e.store.Set(owner, &Account{Lamports: lamports})
		return nil
	}
	total, err := escrow.CheckedAdd(acct.Lamports, lamports)
	if err != nil {
		return err
	}
	e.store.Set(owner, &Account{Lamports: total, Data: acct.Data})
	return nil
}

// WalletBalance returns an external wallet's lamports. Engine goroutine only.
func (e *Engine) WalletBalance(owner escrow.Pubkey) uint64 {
	acct, ok := e.store.Get(owner)
	if !ok {
		return 0
	}
	return acct.Lamports
}

// --- state reads (engine goroutine only, used by tests and recovery) ---

// ReadPlatform decodes the platform config from the store.
func (e *Engine) ReadPlatform() (*escrow.PlatformConfig, error) {
	acct, ok := e.store.Get(e.platformAddr)
	if !ok {
		return nil, escrow.ErrNotInitialized
	}
	return codec.DecodePlatformConfig(acct.Data)
}

// ReadUserBalance decodes a user's balance account.
func (e *Engine) ReadUserBalance(owner escrow.Pubkey) (*escrow.UserBalanceAccount, error) {
	addr, _, err := pda.UserBalance(owner)
	if err != nil {
		return nil, err
	}
	acct, ok := e.store.Get(addr)
	if !ok {
		return nil, escrow.ErrAccountNotFound
	}
	return codec.DecodeUserBalance(acct.Data)
}

// ReadMatchPool decodes a match pool.
func (e *Engine) ReadMatchPool(matchID string) (*escrow.MatchPool, error) {
	addr, _, err := pda.MatchPool(matchID)
	if err != nil {
		return nil, err
	}
	acct, ok := e.store.Get(addr)
	if !ok {
		return nil, escrow.ErrPoolNotFound
	}
	return codec.DecodeMatchPool(acct.Data)
}

// ReadBet decodes a bet record.
func (e *Engine) ReadBet(matchID string, index uint32) (*escrow.BetRecord, error) {
	addr, _, err := pda.Bet(matchID, index)
	if err != nil {
		return nil, err
	}
	acct, ok := e.store.Get(addr)
	if !ok {
		return nil, escrow.ErrAccountNotFound
	}
	return codec.DecodeBetRecord(acct.Data)
}

// VaultLamports returns the custody balance.
func (e *Engine) VaultLamports() uint64 {
	acct, ok := e.store.Get(e.vaultAddr)
	if !ok {
		return 0
	}
	return acct.Lamports
}

// TreasuryLamports returns the accrued platform fees.
func (e *Engine) TreasuryLamports() uint64 {
	acct, ok := e.store.Get(e.treasuryAddr)
	if !ok {
		return 0
	}
	return acct.Lamports
}

// CheckConservation verifies the custody invariant: the vault holds exactly
// the sum of all available and locked user balances. Engine goroutine only.
func (e *Engine) CheckConservation() error {
	var sum uint64
	var sumErr error
	e.store.ForEach(func(addr escrow.Pubkey, a *Account) {
		if sumErr != nil || len(a.Data) < 8 {
			return
		}
		var d codec.Discriminator
		copy(d[:], a.Data[:8])
		if d != codec.DiscUserBalance {
			return
		}
		u, err := codec.DecodeUserBalance(a.Data)
		if err != nil {
			sumErr = err
			return
		}
		total, err := u.Total()
		if err != nil {
			sumErr = err
			return
		}
		if sum, err = escrow.CheckedAdd(sum, total); err != nil {
			sumErr = err
		}
	})
	if sumErr != nil {
		return sumErr
	}

	vault := e.VaultLamports()
	if sum != vault {
		return fmt.Errorf("vault holds %d lamports, user balances sum to %d", vault, sum)
	}
	return nil
}
