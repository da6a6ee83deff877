package odds_test

import (
	"testing"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/odds"
)

func lockedPool(agent1, agent2 uint64) *escrow.MatchPool {
	return &escrow.MatchPool{
		MatchID:        "match-odds-test",
		Status:         escrow.PoolLocked,
		Pools:          [escrow.OutcomeCount]uint64{agent1, agent2},
		WinningOutcome: escrow.OutcomeUnset,
	}
}

// ============================================================================
// Live odds
// ============================================================================

func TestLive_Basic(t *testing.T) {
	// 1000 total, 600 on the outcome: odds 1.666666x at 1e6 scale.
	got := odds.Live(1000, 600)
	if got != 1_666_666 {
		t.Errorf("got %d, want 1_666_666", got)
	}
}

func TestLive_EmptyOutcomePool(t *testing.T) {
	got := odds.Live(1000, 0)
	if got != odds.OddsUncapped {
		t.Errorf("empty outcome pool must return the uncapped sentinel, got %d", got)
	}
}

func TestLiveForPool_BothOutcomes(t *testing.T) {
	snap, err := odds.LiveForPool(lockedPool(600, 400))
	if err != nil {
		t.Fatalf("live for pool: %v", err)
	}
	if snap[escrow.OutcomeAgent1] != 1_666_666 {
		t.Errorf("agent1 odds: got %d, want 1_666_666", snap[escrow.OutcomeAgent1])
	}
	if snap[escrow.OutcomeAgent2] != 2_500_000 {
		t.Errorf("agent2 odds: got %d, want 2_500_000", snap[escrow.OutcomeAgent2])
	}
}

// ============================================================================
// Settlement plan — the 600/400 @ 250bps scenario
// ============================================================================

func TestPlan_SpecScenario(t *testing.T) {
	// Outcome A = 600 (bettors 300/200/100), outcome B = 400, fee 250 bps.
	plan, err := odds.NewPlan(lockedPool(600, 400), escrow.OutcomeAgent1, 250)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if plan.Fee != 10 {
		t.Errorf("fee: got %d, want 10", plan.Fee)
	}
	if plan.Distributable != 390 {
		t.Errorf("distributable: got %d, want 390", plan.Distributable)
	}

	stakes := []uint64{300, 200, 100}
	wantPayouts := []uint64{495, 330, 165}

	var paidWinnings, paidTotal uint64
	for i, stake := range stakes {
		payout, err := plan.Payout(stake)
		if err != nil {
			t.Fatalf("payout(%d): %v", stake, err)
		}
		if payout != wantPayouts[i] {
			t.Errorf("stake %d: payout %d, want %d", stake, payout, wantPayouts[i])
		}
		paidWinnings += payout - stake
		paidTotal += payout
	}

	cut, err := plan.TreasuryCut(paidWinnings)
	if err != nil {
		t.Fatalf("treasury cut: %v", err)
	}
	if cut != 10 {
		t.Errorf("treasury cut: got %d, want 10 (fee only, no remainder)", cut)
	}

	// Conservation: payouts + treasury == total pool exactly.
	if paidTotal+cut != plan.TotalPool {
		t.Errorf("leakage: paid %d + cut %d != total %d", paidTotal, cut, plan.TotalPool)
	}
}

func TestPlan_OddTotal_RemainderToTreasury(t *testing.T) {
	// Winning pool 3 stakes of 1; losing pool 100; fee 0. 100/3 truncates,
	// leaving a remainder of 1 that must reach the treasury.
	plan, err := odds.NewPlan(lockedPool(3, 100), escrow.OutcomeAgent1, 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	var paidWinnings, paidTotal uint64
	for i := 0; i < 3; i++ {
		payout, err := plan.Payout(1)
		if err != nil {
			t.Fatalf("payout: %v", err)
		}
		if payout != 34 { // 1 + floor(1*100/3) = 1 + 33
			t.Errorf("payout: got %d, want 34", payout)
		}
		paidWinnings += payout - 1
		paidTotal += payout
	}

	cut, err := plan.TreasuryCut(paidWinnings)
	if err != nil {
		t.Fatalf("treasury cut: %v", err)
	}
	if cut != 1 {
		t.Errorf("remainder: got %d, want 1", cut)
	}
	if paidTotal+cut != plan.TotalPool {
		t.Errorf("leakage: paid %d + cut %d != total %d", paidTotal, cut, plan.TotalPool)
	}
}

func TestPlan_NoWinner_PoolRetained(t *testing.T) {
	// Nobody bet the winning outcome: explicit branch, not a crash.
	plan, err := odds.NewPlan(lockedPool(0, 1000), escrow.OutcomeAgent1, 250)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.NoWinner {
		t.Fatal("expected no-winner plan")
	}

	payout, err := plan.Payout(0)
	if err != nil || payout != 0 {
		t.Errorf("no-winner payout: got %d, %v", payout, err)
	}

	cut, err := plan.TreasuryCut(0)
	if err != nil {
		t.Fatalf("treasury cut: %v", err)
	}
	if cut != 1000 {
		t.Errorf("no-winner cut: got %d, want entire pool 1000", cut)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	// Two independent runs over identical inputs must agree exactly.
	for run := 0; run < 2; run++ {
		plan, err := odds.NewPlan(lockedPool(777, 1234), escrow.OutcomeAgent2, 123)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		payout, err := plan.Payout(617)
		if err != nil {
			t.Fatalf("payout: %v", err)
		}
		// fee = floor(777*123/10000) = 9; distributable = 768;
		// winnings = floor(617*768/1234) = 384; payout = 1001.
		if payout != 1001 {
			t.Errorf("run %d: payout %d, want 1001", run, payout)
		}
	}
}

func TestPlan_InvalidOutcome(t *testing.T) {
	_, err := odds.NewPlan(lockedPool(1, 1), escrow.Outcome(9), 0)
	if err == nil {
		t.Error("invalid outcome must be rejected")
	}
}

func TestPlan_LargeStakesNoOverflow(t *testing.T) {
	// Stakes near uint64 limits must route through 128-bit intermediates.
	big1 := uint64(1) << 62
	big2 := uint64(1) << 61
	plan, err := odds.NewPlan(lockedPool(big1, big2), escrow.OutcomeAgent1, 100)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	payout, err := plan.Payout(big1)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if payout < big1 {
		t.Error("winner must recover at least the stake")
	}
}
