package engine_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/escrow"
)

// --- Test helpers ---

func newTestEngine(cfg engine.Config) *engine.Engine {
	return engine.NewEngine(cfg, engine.NewStore(), zerolog.Nop(), nil, nil, nil, nil)
}

// newTestEngineWithOutputs wires buffered channels for hash-chain assertions.
func newTestEngineWithOutputs(cfg engine.Config) (*engine.Engine, chan engine.Output) {
	persistCh := make(chan engine.Output, 1024)
	e := engine.NewEngine(cfg, engine.NewStore(), zerolog.Nop(), nil, nil, persistCh, nil)
	return e, persistCh
}

func pk(tag byte) escrow.Pubkey {
	var p escrow.Pubkey
	p[0] = tag
	p[31] = 0xEE
	return p
}

func signedBy(authority escrow.Pubkey, ts int64) escrow.OpHeader {
	return escrow.OpHeader{
		ID:        uuid.New(),
		Authority: authority,
		Signed:    true,
		Timestamp: ts,
	}
}

func initPlatform(t *testing.T, e *engine.Engine, admin, oracle escrow.Pubkey, feeBps uint16) {
	t.Helper()
	_, err := e.ProcessOp(&escrow.InitializePlatform{
		OpHeader:   signedBy(admin, 1_000_000),
		Oracle:     oracle,
		MinDeposit: 10,
		MaxDeposit: 1_000_000_000,
		FeeBps:     feeBps,
	})
	if err != nil {
		t.Fatalf("InitializePlatform failed: %v", err)
	}
}

func deposit(t *testing.T, e *engine.Engine, owner escrow.Pubkey, amount uint64, ts int64) {
	t.Helper()
	if err := e.FundWallet(owner, amount); err != nil {
		t.Fatalf("FundWallet failed: %v", err)
	}
	_, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, ts), Owner: owner, Amount: amount})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
}

func createPool(t *testing.T, e *engine.Engine, oracle escrow.Pubkey, matchID string, closesAt int64) {
	t.Helper()
	_, err := e.ProcessOp(&escrow.CreateMatchPool{
		OpHeader: signedBy(oracle, 1_100_000),
		MatchID:  matchID,
		MinBet:   1,
		ClosesAt: closesAt,
	})
	if err != nil {
		t.Fatalf("CreateMatchPool failed: %v", err)
	}
}

func placeBet(t *testing.T, e *engine.Engine, bettor escrow.Pubkey, matchID string, outcome escrow.Outcome, amount uint64, ts int64) *engine.Result {
	t.Helper()
	res, err := e.ProcessOp(&escrow.PlaceBet{
		OpHeader: signedBy(bettor, ts),
		Bettor:   bettor,
		MatchID:  matchID,
		Outcome:  outcome,
		Amount:   amount,
	})
	if err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}
	return res
}

func lockBetting(t *testing.T, e *engine.Engine, oracle escrow.Pubkey, matchID string) {
	t.Helper()
	_, err := e.ProcessOp(&escrow.LockBetting{OpHeader: signedBy(oracle, 1_200_000), MatchID: matchID})
	if err != nil {
		t.Fatalf("LockBetting failed: %v", err)
	}
}

func settleMatch(t *testing.T, e *engine.Engine, oracle escrow.Pubkey, matchID string, winner escrow.Outcome) *engine.SettlementProgress {
	t.Helper()
	res, err := e.ProcessOp(&escrow.SettleMatch{
		OpHeader:       signedBy(oracle, 1_300_000),
		MatchID:        matchID,
		WinningOutcome: winner,
	})
	if err != nil {
		t.Fatalf("SettleMatch failed: %v", err)
	}
	return res.Settlement
}

func mustConserved(t *testing.T, e *engine.Engine) {
	t.Helper()
	if err := e.CheckConservation(); err != nil {
		t.Fatalf("conservation violated: %v", err)
	}
}

// ============================================================================
// Test: Platform lifecycle
// ============================================================================

func TestInitializePlatform_CreatesConfigAndRoleAccounts(t *testing.T) {
	e := newTestEngine(engine.Config{})
	admin, oracle := pk(1), pk(2)
	initPlatform(t, e, admin, oracle, 250)

	p, err := e.ReadPlatform()
	if err != nil {
		t.Fatalf("ReadPlatform failed: %v", err)
	}
	if !p.Admin.Equal(admin) {
		t.Errorf("expected admin %s, got %s", admin, p.Admin)
	}
	if !p.Oracle.Equal(oracle) {
		t.Errorf("expected oracle %s, got %s", oracle, p.Oracle)
	}
	if p.FeeBps != 250 {
		t.Errorf("expected fee 250 bps, got %d", p.FeeBps)
	}
	if e.VaultLamports() != 0 || e.TreasuryLamports() != 0 {
		t.Errorf("expected empty vault and treasury at genesis")
	}
}

func TestInitializePlatform_Twice_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	admin := pk(1)
	initPlatform(t, e, admin, pk(2), 0)

	_, err := e.ProcessOp(&escrow.InitializePlatform{
		OpHeader:   signedBy(admin, 1_000_001),
		MinDeposit: 10, MaxDeposit: 100,
	})
	if !errors.Is(err, escrow.ErrAlreadyInitialized) {
		t.Fatalf("expected AlreadyInitialized, got %v", err)
	}
}

func TestInitializePlatform_ZeroOracle_DefaultsToAdmin(t *testing.T) {
	e := newTestEngine(engine.Config{})
	admin := pk(1)
	initPlatform(t, e, admin, escrow.Pubkey{}, 0)

	p, _ := e.ReadPlatform()
	if !p.Oracle.Equal(admin) {
		t.Errorf("expected oracle to default to admin, got %s", p.Oracle)
	}
}

func TestOperationsBeforeInit_Fail(t *testing.T) {
	e := newTestEngine(engine.Config{})
	owner := pk(3)
	e.FundWallet(owner, 100)

	_, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_000), Owner: owner, Amount: 100})
	if !errors.Is(err, escrow.ErrNotInitialized) {
		t.Fatalf("expected NotInitialized, got %v", err)
	}
}

// ============================================================================
// Test: Deposit / Withdraw
// ============================================================================

func TestDeposit_CreatesBalanceAccountAndMovesLamports(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner := pk(3)
	if err := e.FundWallet(owner, 1_000); err != nil {
		t.Fatalf("FundWallet failed: %v", err)
	}

	res, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_100), Owner: owner, Amount: 600})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if !res.BalanceCreated {
		t.Errorf("expected balance account creation on first deposit")
	}

	u, err := e.ReadUserBalance(owner)
	if err != nil {
		t.Fatalf("ReadUserBalance failed: %v", err)
	}
	if u.AvailableBalance != 600 {
		t.Errorf("expected available 600, got %d", u.AvailableBalance)
	}
	if e.WalletBalance(owner) != 400 {
		t.Errorf("expected wallet 400, got %d", e.WalletBalance(owner))
	}
	if e.VaultLamports() != 600 {
		t.Errorf("expected vault 600, got %d", e.VaultLamports())
	}
	mustConserved(t, e)

	// Second deposit reuses the account.
	res, err = e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_200), Owner: owner, Amount: 100})
	if err != nil {
		t.Fatalf("second Deposit failed: %v", err)
	}
	if res.BalanceCreated {
		t.Errorf("expected existing account on second deposit")
	}

	p, _ := e.ReadPlatform()
	if p.TotalUsers != 1 || p.TotalDeposits != 700 {
		t.Errorf("expected 1 user / 700 deposited, got %d / %d", p.TotalUsers, p.TotalDeposits)
	}
}

func TestDeposit_OutOfBounds_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0) // minDeposit 10
	owner := pk(3)
	e.FundWallet(owner, 1_000)

	_, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_100), Owner: owner, Amount: 5})
	if !errors.Is(err, escrow.ErrDepositOutOfBounds) {
		t.Fatalf("expected DepositOutOfBounds, got %v", err)
	}
	if _, err := e.ReadUserBalance(owner); !errors.Is(err, escrow.ErrAccountNotFound) {
		t.Errorf("rejected deposit must not create a balance account")
	}
}

func TestDeposit_WalletTooSmall_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner := pk(3)
	e.FundWallet(owner, 50)

	_, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_100), Owner: owner, Amount: 100})
	if !errors.Is(err, escrow.ErrInsufficientWalletFunds) {
		t.Fatalf("expected InsufficientWalletFunds, got %v", err)
	}
}

func TestDeposit_WrongSigner_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner, mallory := pk(3), pk(4)
	e.FundWallet(owner, 1_000)

	_, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(mallory, 1_000_100), Owner: owner, Amount: 100})
	if !errors.Is(err, escrow.ErrUnauthorizedSigner) {
		t.Fatalf("expected UnauthorizedSigner, got %v", err)
	}
}

func TestWithdraw_MovesLamportsBack(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner := pk(3)
	deposit(t, e, owner, 500, 1_000_100)

	_, err := e.ProcessOp(&escrow.Withdraw{OpHeader: signedBy(owner, 1_000_200), Owner: owner, Amount: 200})
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	u, _ := e.ReadUserBalance(owner)
	if u.AvailableBalance != 300 {
		t.Errorf("expected available 300, got %d", u.AvailableBalance)
	}
	if e.WalletBalance(owner) != 200 {
		t.Errorf("expected wallet 200, got %d", e.WalletBalance(owner))
	}
	if e.VaultLamports() != 300 {
		t.Errorf("expected vault 300, got %d", e.VaultLamports())
	}
	mustConserved(t, e)
}

func TestWithdraw_LockedFundsNotWithdrawable(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	owner := pk(3)
	deposit(t, e, owner, 100, 1_000_100)
	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, owner, "match-1", escrow.OutcomeAgent1, 60, 1_150_000)

	_, err := e.ProcessOp(&escrow.Withdraw{OpHeader: signedBy(owner, 1_160_000), Owner: owner, Amount: 50})
	if !errors.Is(err, escrow.ErrInsufficientAvailableBalance) {
		t.Fatalf("expected InsufficientAvailableBalance, got %v", err)
	}

	u, _ := e.ReadUserBalance(owner)
	if u.AvailableBalance != 40 || u.LockedBalance != 60 {
		t.Errorf("expected 40 available / 60 locked, got %d / %d", u.AvailableBalance, u.LockedBalance)
	}
}

func TestCloseBalanceAccount_RequiresEmptyAccount(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner := pk(3)
	deposit(t, e, owner, 100, 1_000_100)

	_, err := e.ProcessOp(&escrow.CloseBalanceAccount{OpHeader: signedBy(owner, 1_000_200), Owner: owner})
	if !errors.Is(err, escrow.ErrAccountInUse) {
		t.Fatalf("expected AccountInUse, got %v", err)
	}

	if _, err := e.ProcessOp(&escrow.Withdraw{OpHeader: signedBy(owner, 1_000_300), Owner: owner, Amount: 100}); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if _, err := e.ProcessOp(&escrow.CloseBalanceAccount{OpHeader: signedBy(owner, 1_000_400), Owner: owner}); err != nil {
		t.Fatalf("CloseBalanceAccount failed: %v", err)
	}
	if _, err := e.ReadUserBalance(owner); !errors.Is(err, escrow.ErrAccountNotFound) {
		t.Errorf("expected balance account to be deleted")
	}
	mustConserved(t, e)
}

// ============================================================================
// Test: Bet placement
// ============================================================================

func TestPlaceBet_LocksStakeAndRecordsBet(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	bettor := pk(3)
	deposit(t, e, bettor, 1_000, 1_000_100)
	createPool(t, e, oracle, "match-1", 0)

	res := placeBet(t, e, bettor, "match-1", escrow.OutcomeAgent1, 400, 1_150_000)
	if res.BetIndex != 0 {
		t.Errorf("expected bet index 0, got %d", res.BetIndex)
	}

	u, _ := e.ReadUserBalance(bettor)
	if u.AvailableBalance != 600 || u.LockedBalance != 400 || u.OpenBets != 1 {
		t.Errorf("expected 600/400/1, got %d/%d/%d", u.AvailableBalance, u.LockedBalance, u.OpenBets)
	}

	m, _ := e.ReadMatchPool("match-1")
	if m.Pools[escrow.OutcomeAgent1] != 400 || m.BetCount != 1 {
		t.Errorf("expected pool 400 / 1 bet, got %d / %d", m.Pools[escrow.OutcomeAgent1], m.BetCount)
	}

	bet, err := e.ReadBet("match-1", 0)
	if err != nil {
		t.Fatalf("ReadBet failed: %v", err)
	}
	if bet.Status != escrow.BetActive || bet.Amount != 400 || !bet.Bettor.Equal(bettor) {
		t.Errorf("unexpected bet record: %+v", bet)
	}
	// Single-sided pool: snapshot odds are 1.0x at the 1e6 scale.
	if res.OddsAtPlacement != 1_000_000 {
		t.Errorf("expected odds 1000000, got %d", res.OddsAtPlacement)
	}
	mustConserved(t, e)
}

func TestPlaceBet_InsufficientAvailable_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	bettor := pk(3)
	deposit(t, e, bettor, 100, 1_000_100)
	createPool(t, e, oracle, "match-1", 0)

	_, err := e.ProcessOp(&escrow.PlaceBet{
		OpHeader: signedBy(bettor, 1_150_000),
		Bettor:   bettor, MatchID: "match-1",
		Outcome: escrow.OutcomeAgent1, Amount: 101,
	})
	if !errors.Is(err, escrow.ErrInsufficientAvailableBalance) {
		t.Fatalf("expected InsufficientAvailableBalance, got %v", err)
	}

	// Rejection must leave no trace.
	m, _ := e.ReadMatchPool("match-1")
	if m.BetCount != 0 || m.Pools[escrow.OutcomeAgent1] != 0 {
		t.Errorf("rejected bet mutated the pool: %+v", m)
	}
}

func TestPlaceBet_AfterLock_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	bettor := pk(3)
	deposit(t, e, bettor, 100, 1_000_100)
	createPool(t, e, oracle, "match-1", 0)
	lockBetting(t, e, oracle, "match-1")

	_, err := e.ProcessOp(&escrow.PlaceBet{
		OpHeader: signedBy(bettor, 1_250_000),
		Bettor:   bettor, MatchID: "match-1",
		Outcome: escrow.OutcomeAgent1, Amount: 50,
	})
	if !errors.Is(err, escrow.ErrPoolNotOpen) {
		t.Fatalf("expected PoolNotOpen, got %v", err)
	}
}

func TestPlaceBet_AfterCloseTime_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	bettor := pk(3)
	deposit(t, e, bettor, 100, 1_000_100)
	createPool(t, e, oracle, "match-1", 2_000_000)

	// One microsecond before the close is fine.
	placeBet(t, e, bettor, "match-1", escrow.OutcomeAgent1, 10, 1_999_999)

	_, err := e.ProcessOp(&escrow.PlaceBet{
		OpHeader: signedBy(bettor, 2_000_000),
		Bettor:   bettor, MatchID: "match-1",
		Outcome: escrow.OutcomeAgent1, Amount: 10,
	})
	if !errors.Is(err, escrow.ErrBettingClosed) {
		t.Fatalf("expected BettingClosed at the boundary, got %v", err)
	}
}

func TestPlaceBet_UnknownPool_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	bettor := pk(3)
	deposit(t, e, bettor, 100, 1_000_100)

	_, err := e.ProcessOp(&escrow.PlaceBet{
		OpHeader: signedBy(bettor, 1_150_000),
		Bettor:   bettor, MatchID: "no-such-match",
		Outcome: escrow.OutcomeAgent1, Amount: 10,
	})
	if !errors.Is(err, escrow.ErrPoolNotFound) {
		t.Fatalf("expected PoolNotFound, got %v", err)
	}
}

// ============================================================================
// Test: Settlement
// ============================================================================

func TestSettleMatch_PoolProportionalPayouts(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 250) // 2.5% fee

	alice, bob, carol := pk(3), pk(4), pk(5)
	deposit(t, e, alice, 400, 1_000_100)
	deposit(t, e, bob, 200, 1_000_200)
	deposit(t, e, carol, 400, 1_000_300)

	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, alice, "match-1", escrow.OutcomeAgent1, 400, 1_150_000)
	placeBet(t, e, bob, "match-1", escrow.OutcomeAgent1, 200, 1_150_100)
	placeBet(t, e, carol, "match-1", escrow.OutcomeAgent2, 400, 1_150_200)
	lockBetting(t, e, oracle, "match-1")

	prog := settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)
	if !prog.Done {
		t.Fatalf("expected single-chunk settlement to finish")
	}

	// Losing pool 400, fee 10, distributable 390.
	// alice: 400 + floor(400*390/600) = 660; bob: 200 + 130 = 330.
	au, _ := e.ReadUserBalance(alice)
	if au.AvailableBalance != 660 || au.LockedBalance != 0 || au.OpenBets != 0 {
		t.Errorf("alice: expected 660/0/0, got %d/%d/%d", au.AvailableBalance, au.LockedBalance, au.OpenBets)
	}
	bu, _ := e.ReadUserBalance(bob)
	if bu.AvailableBalance != 330 {
		t.Errorf("bob: expected 330, got %d", bu.AvailableBalance)
	}
	cu, _ := e.ReadUserBalance(carol)
	if cu.AvailableBalance != 0 || cu.LockedBalance != 0 {
		t.Errorf("carol: expected 0/0, got %d/%d", cu.AvailableBalance, cu.LockedBalance)
	}

	if prog.TreasuryCut != 10 || e.TreasuryLamports() != 10 {
		t.Errorf("expected treasury cut 10, got %d (treasury %d)", prog.TreasuryCut, e.TreasuryLamports())
	}
	if e.VaultLamports() != 990 {
		t.Errorf("expected vault 990, got %d", e.VaultLamports())
	}

	aBet, _ := e.ReadBet("match-1", 0)
	if aBet.Status != escrow.BetWon || aBet.Payout != 660 {
		t.Errorf("alice bet: expected Won/660, got %s/%d", aBet.Status, aBet.Payout)
	}
	cBet, _ := e.ReadBet("match-1", 2)
	if cBet.Status != escrow.BetLost || cBet.Payout != 0 {
		t.Errorf("carol bet: expected Lost/0, got %s/%d", cBet.Status, cBet.Payout)
	}

	m, _ := e.ReadMatchPool("match-1")
	if m.Status != escrow.PoolSettled {
		t.Errorf("expected Settled, got %s", m.Status)
	}
	mustConserved(t, e)
}

func TestSettleMatch_Twice_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	bettor := pk(3)
	deposit(t, e, bettor, 100, 1_000_100)
	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, bettor, "match-1", escrow.OutcomeAgent1, 100, 1_150_000)
	lockBetting(t, e, oracle, "match-1")
	settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)

	_, err := e.ProcessOp(&escrow.SettleMatch{
		OpHeader:       signedBy(oracle, 1_400_000),
		MatchID:        "match-1",
		WinningOutcome: escrow.OutcomeAgent1,
	})
	if !errors.Is(err, escrow.ErrAlreadySettled) {
		t.Fatalf("expected AlreadySettled, got %v", err)
	}
}

func TestSettleMatch_WithoutLock_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	createPool(t, e, oracle, "match-1", 0)

	_, err := e.ProcessOp(&escrow.SettleMatch{
		OpHeader:       signedBy(oracle, 1_300_000),
		MatchID:        "match-1",
		WinningOutcome: escrow.OutcomeAgent1,
	})
	if !errors.Is(err, escrow.ErrPoolNotLocked) {
		t.Fatalf("expected PoolNotLocked, got %v", err)
	}
}

func TestSettleMatch_NoWinner_PoolRetained(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 250)
	alice, bob := pk(3), pk(4)
	deposit(t, e, alice, 300, 1_000_100)
	deposit(t, e, bob, 700, 1_000_200)
	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, alice, "match-1", escrow.OutcomeAgent1, 300, 1_150_000)
	placeBet(t, e, bob, "match-1", escrow.OutcomeAgent1, 700, 1_150_100)
	lockBetting(t, e, oracle, "match-1")

	prog := settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent2)
	if !prog.NoWinner {
		t.Fatalf("expected no-winner settlement")
	}
	if prog.TreasuryCut != 1_000 || e.TreasuryLamports() != 1_000 {
		t.Errorf("expected whole pool (1000) retained, got cut %d treasury %d", prog.TreasuryCut, e.TreasuryLamports())
	}
	if e.VaultLamports() != 0 {
		t.Errorf("expected empty vault, got %d", e.VaultLamports())
	}

	au, _ := e.ReadUserBalance(alice)
	if au.AvailableBalance != 0 || au.LockedBalance != 0 {
		t.Errorf("alice: expected 0/0, got %d/%d", au.AvailableBalance, au.LockedBalance)
	}
	bet, _ := e.ReadBet("match-1", 0)
	if bet.Status != escrow.BetLost {
		t.Errorf("expected Lost, got %s", bet.Status)
	}
	mustConserved(t, e)
}

func TestSettleMatch_Chunked(t *testing.T) {
	e := newTestEngine(engine.Config{SettleChunkSize: 2})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)

	bettors := []escrow.Pubkey{pk(10), pk(11), pk(12), pk(13), pk(14)}
	createPool(t, e, oracle, "match-1", 0)
	for i, b := range bettors {
		deposit(t, e, b, 100, 1_000_100+int64(i))
		placeBet(t, e, b, "match-1", escrow.OutcomeAgent1, 100, 1_150_000+int64(i))
	}
	lockBetting(t, e, oracle, "match-1")

	// 5 bets, chunk size 2: two partial chunks, then the finishing one.
	prog := settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)
	if prog.Done || prog.Cursor != 2 || prog.Processed != 2 {
		t.Fatalf("chunk 1: expected cursor 2, got %+v", prog)
	}

	m, _ := e.ReadMatchPool("match-1")
	if m.Status != escrow.PoolSettling {
		t.Fatalf("expected Settling between chunks, got %s", m.Status)
	}

	// Continuation must name the pinned outcome.
	_, err := e.ProcessOp(&escrow.SettleMatch{
		OpHeader:       signedBy(oracle, 1_300_100),
		MatchID:        "match-1",
		WinningOutcome: escrow.OutcomeAgent2,
	})
	if !errors.Is(err, escrow.ErrSettlementMismatch) {
		t.Fatalf("expected SettlementOutcomeMismatch, got %v", err)
	}

	prog = settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)
	if prog.Done || prog.Cursor != 4 {
		t.Fatalf("chunk 2: expected cursor 4, got %+v", prog)
	}
	prog = settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)
	if !prog.Done || prog.Cursor != 5 || prog.Processed != 1 {
		t.Fatalf("chunk 3: expected finish at 5, got %+v", prog)
	}

	// Everyone bet the winner with equal stakes and no fee: full refund.
	for _, b := range bettors {
		u, _ := e.ReadUserBalance(b)
		if u.AvailableBalance != 100 || u.LockedBalance != 0 || u.OpenBets != 0 {
			t.Errorf("bettor %s: expected 100/0/0, got %d/%d/%d", b, u.AvailableBalance, u.LockedBalance, u.OpenBets)
		}
	}
	if e.TreasuryLamports() != 0 {
		t.Errorf("expected no treasury cut, got %d", e.TreasuryLamports())
	}
	mustConserved(t, e)
}

func TestSettleMatch_FeeChangeBetweenChunks_PaysWinnersEqually(t *testing.T) {
	e := newTestEngine(engine.Config{SettleChunkSize: 1})
	admin, oracle := pk(1), pk(2)
	initPlatform(t, e, admin, oracle, 0)

	w1, w2, loser := pk(3), pk(4), pk(5)
	deposit(t, e, w1, 100, 1_000_100)
	deposit(t, e, w2, 100, 1_000_200)
	deposit(t, e, loser, 600, 1_000_300)

	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, w1, "match-1", escrow.OutcomeAgent1, 100, 1_150_000)
	placeBet(t, e, w2, "match-1", escrow.OutcomeAgent1, 100, 1_150_100)
	placeBet(t, e, loser, "match-1", escrow.OutcomeAgent2, 600, 1_150_200)
	lockBetting(t, e, oracle, "match-1")

	// First chunk resolves w1 under the fee pinned at settlement start.
	prog := settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)
	if prog.Done {
		t.Fatalf("expected partial settlement with chunk size 1")
	}

	// Fee hike lands between chunks. It must not touch this pool.
	_, err := e.ProcessOp(&escrow.UpdateConfig{
		OpHeader:   signedBy(admin, 1_300_050),
		MinDeposit: 10,
		MaxDeposit: 1_000_000_000,
		FeeBps:     5_000,
	})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	for !prog.Done {
		prog = settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)
	}

	// Fee 0 at pin time: each winner gets 100 + 100*600/200 = 400.
	u1, _ := e.ReadUserBalance(w1)
	u2, _ := e.ReadUserBalance(w2)
	if u1.AvailableBalance != u2.AvailableBalance {
		t.Errorf("identical stakes paid differently: %d vs %d", u1.AvailableBalance, u2.AvailableBalance)
	}
	if u1.AvailableBalance != 400 {
		t.Errorf("expected payout 400 each, got %d", u1.AvailableBalance)
	}
	if e.TreasuryLamports() != 0 {
		t.Errorf("expected no treasury cut at the pinned zero fee, got %d", e.TreasuryLamports())
	}
	mustConserved(t, e)
}

// ============================================================================
// Test: Cancellation
// ============================================================================

func TestCancelMatch_RefundsAllStakes(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 250)
	alice, bob := pk(3), pk(4)
	deposit(t, e, alice, 50, 1_000_100)
	deposit(t, e, bob, 75, 1_000_200)
	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, alice, "match-1", escrow.OutcomeAgent1, 50, 1_150_000)
	placeBet(t, e, bob, "match-1", escrow.OutcomeAgent2, 75, 1_150_100)

	res, err := e.ProcessOp(&escrow.CancelMatch{OpHeader: signedBy(oracle, 1_200_000), MatchID: "match-1"})
	if err != nil {
		t.Fatalf("CancelMatch failed: %v", err)
	}
	if !res.Settlement.Done || res.Settlement.Kind != "cancel" {
		t.Fatalf("expected finished cancel, got %+v", res.Settlement)
	}

	au, _ := e.ReadUserBalance(alice)
	if au.AvailableBalance != 50 || au.LockedBalance != 0 || au.OpenBets != 0 {
		t.Errorf("alice: expected full refund, got %d/%d/%d", au.AvailableBalance, au.LockedBalance, au.OpenBets)
	}
	bu, _ := e.ReadUserBalance(bob)
	if bu.AvailableBalance != 75 {
		t.Errorf("bob: expected 75, got %d", bu.AvailableBalance)
	}

	// No fee on cancellation; custody unchanged.
	if e.TreasuryLamports() != 0 {
		t.Errorf("expected no treasury cut, got %d", e.TreasuryLamports())
	}
	if e.VaultLamports() != 125 {
		t.Errorf("expected vault 125, got %d", e.VaultLamports())
	}

	bet, _ := e.ReadBet("match-1", 0)
	if bet.Status != escrow.BetRefunded {
		t.Errorf("expected Refunded, got %s", bet.Status)
	}
	m, _ := e.ReadMatchPool("match-1")
	if m.Status != escrow.PoolCancelled {
		t.Errorf("expected Cancelled, got %s", m.Status)
	}
	mustConserved(t, e)
}

func TestCancelMatch_AfterSettlement_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	bettor := pk(3)
	deposit(t, e, bettor, 100, 1_000_100)
	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, bettor, "match-1", escrow.OutcomeAgent1, 100, 1_150_000)
	lockBetting(t, e, oracle, "match-1")
	settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1)

	_, err := e.ProcessOp(&escrow.CancelMatch{OpHeader: signedBy(oracle, 1_400_000), MatchID: "match-1"})
	if !errors.Is(err, escrow.ErrPoolTerminal) {
		t.Fatalf("expected PoolTerminal, got %v", err)
	}
}

func TestCancelMatch_DuringSettlement_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{SettleChunkSize: 1})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	alice, bob := pk(3), pk(4)
	deposit(t, e, alice, 100, 1_000_100)
	deposit(t, e, bob, 100, 1_000_200)
	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, alice, "match-1", escrow.OutcomeAgent1, 100, 1_150_000)
	placeBet(t, e, bob, "match-1", escrow.OutcomeAgent2, 100, 1_150_100)
	lockBetting(t, e, oracle, "match-1")

	if prog := settleMatch(t, e, oracle, "match-1", escrow.OutcomeAgent1); prog.Done {
		t.Fatalf("expected partial settlement with chunk size 1")
	}

	_, err := e.ProcessOp(&escrow.CancelMatch{OpHeader: signedBy(oracle, 1_400_000), MatchID: "match-1"})
	if !errors.Is(err, escrow.ErrSettlementInProgress) {
		t.Fatalf("expected SettlementInProgress, got %v", err)
	}
}

// ============================================================================
// Test: Wallet funding
// ============================================================================

func TestFundWalletOp_EnablesDeposit(t *testing.T) {
	e := newTestEngine(engine.Config{})
	admin := pk(1)
	initPlatform(t, e, admin, pk(2), 0)
	owner := pk(3)

	_, err := e.ProcessOp(&escrow.FundWallet{
		OpHeader: signedBy(admin, 1_000_100),
		Owner:    owner,
		Amount:   1_000,
	})
	if err != nil {
		t.Fatalf("FundWallet failed: %v", err)
	}
	if e.WalletBalance(owner) != 1_000 {
		t.Fatalf("expected wallet 1000, got %d", e.WalletBalance(owner))
	}

	if _, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_200), Owner: owner, Amount: 600}); err != nil {
		t.Fatalf("Deposit after funding failed: %v", err)
	}
	u, _ := e.ReadUserBalance(owner)
	if u.AvailableBalance != 600 {
		t.Errorf("expected available 600, got %d", u.AvailableBalance)
	}
	if e.WalletBalance(owner) != 400 {
		t.Errorf("expected wallet 400, got %d", e.WalletBalance(owner))
	}
	mustConserved(t, e)
}

func TestFundWalletOp_NonAdmin_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner := pk(3)

	_, err := e.ProcessOp(&escrow.FundWallet{
		OpHeader: signedBy(owner, 1_000_100),
		Owner:    owner,
		Amount:   1_000,
	})
	if !errors.Is(err, escrow.ErrUnauthorizedSigner) {
		t.Fatalf("expected UnauthorizedSigner, got %v", err)
	}
	if e.WalletBalance(owner) != 0 {
		t.Errorf("rejected funding credited the wallet: %d", e.WalletBalance(owner))
	}
}

func TestFundWalletOp_ZeroAmount_Fails(t *testing.T) {
	e := newTestEngine(engine.Config{})
	admin := pk(1)
	initPlatform(t, e, admin, pk(2), 0)

	_, err := e.ProcessOp(&escrow.FundWallet{OpHeader: signedBy(admin, 1_000_100), Owner: pk(3)})
	if !errors.Is(err, escrow.ErrZeroAmount) {
		t.Fatalf("expected ZeroAmount, got %v", err)
	}
}

// ============================================================================
// Test: Pause
// ============================================================================

func TestPause_BlocksMutationsExceptUnpause(t *testing.T) {
	e := newTestEngine(engine.Config{})
	admin := pk(1)
	initPlatform(t, e, admin, pk(2), 0)
	owner := pk(3)
	e.FundWallet(owner, 1_000)

	if _, err := e.ProcessOp(&escrow.SetPaused{OpHeader: signedBy(admin, 1_000_100), Paused: true}); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}

	_, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_200), Owner: owner, Amount: 100})
	if !errors.Is(err, escrow.ErrPlatformPaused) {
		t.Fatalf("expected PlatformPaused, got %v", err)
	}

	// Unpause by a non-admin slips past the pause guard but fails auth.
	_, err = e.ProcessOp(&escrow.SetPaused{OpHeader: signedBy(owner, 1_000_300), Paused: false})
	if !errors.Is(err, escrow.ErrUnauthorizedSigner) {
		t.Fatalf("expected UnauthorizedSigner, got %v", err)
	}

	if _, err := e.ProcessOp(&escrow.SetPaused{OpHeader: signedBy(admin, 1_000_400), Paused: false}); err != nil {
		t.Fatalf("admin unpause failed: %v", err)
	}
	if _, err := e.ProcessOp(&escrow.Deposit{OpHeader: signedBy(owner, 1_000_500), Owner: owner, Amount: 100}); err != nil {
		t.Fatalf("Deposit after unpause failed: %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateDeposit_Ignored(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner := pk(3)
	e.FundWallet(owner, 1_000)

	op := &escrow.Deposit{OpHeader: signedBy(owner, 1_000_100), Owner: owner, Amount: 100}
	if _, err := e.ProcessOp(op); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	res, err := e.ProcessOp(op)
	if err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected replay to be flagged duplicate")
	}

	u, _ := e.ReadUserBalance(owner)
	if u.AvailableBalance != 100 {
		t.Errorf("replay double-applied: balance %d", u.AvailableBalance)
	}
	if e.Sequence() != 2 {
		t.Errorf("duplicate must not consume a sequence: got %d", e.Sequence())
	}
}

func TestIdempotency_RejectedOpNotMarked(t *testing.T) {
	e := newTestEngine(engine.Config{})
	initPlatform(t, e, pk(1), pk(2), 0)
	owner := pk(3)

	// First attempt fails on wallet funds; after funding, the same op id
	// must be allowed through.
	op := &escrow.Deposit{OpHeader: signedBy(owner, 1_000_100), Owner: owner, Amount: 100}
	if _, err := e.ProcessOp(op); !errors.Is(err, escrow.ErrInsufficientWalletFunds) {
		t.Fatalf("expected InsufficientWalletFunds, got %v", err)
	}
	e.FundWallet(owner, 1_000)
	if _, err := e.ProcessOp(op); err != nil {
		t.Fatalf("retry after fix failed: %v", err)
	}
}

// ============================================================================
// Test: Determinism & hash chain
// ============================================================================

func TestHashChain_LinksOutputs(t *testing.T) {
	e, persistCh := newTestEngineWithOutputs(engine.Config{})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 0)
	owner := pk(3)
	deposit(t, e, owner, 500, 1_000_100)
	createPool(t, e, oracle, "match-1", 0)
	placeBet(t, e, owner, "match-1", escrow.OutcomeAgent1, 200, 1_150_000)

	var outputs []engine.Output
drain:
	for {
		select {
		case o := <-persistCh:
			outputs = append(outputs, o)
		default:
			break drain
		}
	}

	if len(outputs) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Sequence)
		}
		if i > 0 && o.PrevHash != outputs[i-1].StateHash {
			t.Errorf("output %d: hash chain broken", i)
		}
		if len(o.Updates) == 0 {
			t.Errorf("output %d: no account updates", i)
		}
	}
}

func TestDeterminism_SameOpsSameHashes(t *testing.T) {
	run := func(ops []escrow.Op) []engine.Output {
		e, persistCh := newTestEngineWithOutputs(engine.Config{})
		e.FundWallet(pk(3), 1_000)
		for _, op := range ops {
			if _, err := e.ProcessOp(op); err != nil {
				t.Fatalf("ProcessOp failed: %v", err)
			}
		}
		var outputs []engine.Output
		for {
			select {
			case o := <-persistCh:
				outputs = append(outputs, o)
			default:
				return outputs
			}
		}
	}

	admin, oracle, owner := pk(1), pk(2), pk(3)
	ops := []escrow.Op{
		&escrow.InitializePlatform{OpHeader: signedBy(admin, 1_000_000), Oracle: oracle, MinDeposit: 10, MaxDeposit: 1_000_000, FeeBps: 100},
		&escrow.Deposit{OpHeader: signedBy(owner, 1_000_100), Owner: owner, Amount: 500},
		&escrow.CreateMatchPool{OpHeader: signedBy(oracle, 1_000_200), MatchID: "match-1", MinBet: 1},
		&escrow.PlaceBet{OpHeader: signedBy(owner, 1_000_300), Bettor: owner, MatchID: "match-1", Outcome: escrow.OutcomeAgent2, Amount: 123},
		&escrow.LockBetting{OpHeader: signedBy(oracle, 1_000_400), MatchID: "match-1"},
		&escrow.SettleMatch{OpHeader: signedBy(oracle, 1_000_500), MatchID: "match-1", WinningOutcome: escrow.OutcomeAgent2},
	}

	a := run(ops)
	b := run(ops)
	if len(a) != len(b) {
		t.Fatalf("output counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].StateHash != b[i].StateHash {
			t.Errorf("output %d: state hashes diverge", i)
		}
	}
}

// ============================================================================
// Test: Conservation across a full lifecycle
// ============================================================================

func TestConservation_FullLifecycle(t *testing.T) {
	e := newTestEngine(engine.Config{SettleChunkSize: 3})
	oracle := pk(2)
	initPlatform(t, e, pk(1), oracle, 500) // 5% fee

	users := []escrow.Pubkey{pk(20), pk(21), pk(22), pk(23)}
	amounts := []uint64{1_000, 2_500, 700, 10_000}
	for i, u := range users {
		deposit(t, e, u, amounts[i], 1_000_100+int64(i))
	}
	mustConserved(t, e)

	createPool(t, e, oracle, "cup-final", 0)
	placeBet(t, e, users[0], "cup-final", escrow.OutcomeAgent1, 800, 1_150_000)
	placeBet(t, e, users[1], "cup-final", escrow.OutcomeAgent2, 2_000, 1_150_100)
	placeBet(t, e, users[2], "cup-final", escrow.OutcomeAgent1, 700, 1_150_200)
	placeBet(t, e, users[3], "cup-final", escrow.OutcomeAgent2, 9_999, 1_150_300)
	mustConserved(t, e)

	createPool(t, e, oracle, "exhibition", 0)
	placeBet(t, e, users[3], "exhibition", escrow.OutcomeAgent1, 1, 1_150_400)

	lockBetting(t, e, oracle, "cup-final")
	for {
		prog := settleMatch(t, e, oracle, "cup-final", escrow.OutcomeAgent1)
		mustConserved(t, e)
		if prog.Done {
			break
		}
	}

	if _, err := e.ProcessOp(&escrow.CancelMatch{OpHeader: signedBy(oracle, 1_400_000), MatchID: "exhibition"}); err != nil {
		t.Fatalf("CancelMatch failed: %v", err)
	}
	mustConserved(t, e)

	// Winners drain their accounts; vault ends holding exactly the rest.
	u0, _ := e.ReadUserBalance(users[0])
	if _, err := e.ProcessOp(&escrow.Withdraw{OpHeader: signedBy(users[0], 1_500_000), Owner: users[0], Amount: u0.AvailableBalance}); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	mustConserved(t, e)

	// Total custody plus treasury plus wallets must still equal total funded.
	var total uint64
	for _, u := range users {
		total += e.WalletBalance(u)
		bal, err := e.ReadUserBalance(u)
		if err == nil {
			total += bal.AvailableBalance + bal.LockedBalance
		}
	}
	total += e.TreasuryLamports()
	if total != 14_200 {
		t.Errorf("lamports leaked: expected 14200 across all accounts, got %d", total)
	}
}
