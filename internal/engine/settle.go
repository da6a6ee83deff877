package engine

import (
	"time"

	"EscrowLedger/internal/codec"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/guard"
	"EscrowLedger/internal/odds"
	"EscrowLedger/internal/pda"
)

// applySettleMatch resolves up to SettleChunkSize bets of a locked pool.
// The first call flips Locked -> Settling and pins the winning outcome;
// repeated calls with the same outcome advance the cursor until every bet is
// resolved, then move the treasury cut and flip to Settled. The payout
// arithmetic is a pure function of pool totals, so chunk boundaries never
// change what anyone is paid.
func (e *Engine) applySettleMatch(tx *txn, op *escrow.SettleMatch) (*Result, error) {
	start := time.Now()

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

	poolAddr, m, err := loadMatchPool(tx, op.MatchID)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireSettleable(m); err != nil {
		return nil, err
	}

	if m.Status == escrow.PoolLocked {
		if !op.WinningOutcome.Valid() {
			return nil, escrow.ErrInvalidOutcome.Wrapf("%d", op.WinningOutcome)
		}
		// Winning outcome and fee are write-once. Pools[] are frozen from
		// here: no path adds stake to a non-Open pool, and a config change
		// between chunks cannot reprice bets of the same pool.
		m.Status = escrow.PoolSettling
		m.WinningOutcome = op.WinningOutcome
		m.FeeBps = p.FeeBps
		m.SettleCursor = 0
		m.PaidOut = 0
	} else if m.WinningOutcome != op.WinningOutcome {
		return nil, escrow.ErrSettlementMismatch.Wrapf("pinned %s, got %s", m.WinningOutcome, op.WinningOutcome)
	}

	plan, err := odds.NewPlan(m, m.WinningOutcome, m.FeeBps)
	if err != nil {
		return nil, err
	}

	end := m.SettleCursor + e.cfg.SettleChunkSize
	if end > m.BetCount {
		end = m.BetCount
	}

	won, lost := 0, 0
	for i := m.SettleCursor; i < end; i++ {
		bet, betAddr, err := loadBetForResolve(tx, m.MatchID, i)
		if err != nil {
			return nil, err
		}
		if bet.Status != escrow.BetActive {
			// Cursor guarantees single processing; a resolved bet here means
			// the arena was tampered with outside the engine.
			return nil, escrow.ErrAlreadySettled.Wrapf("bet %d already %s", i, bet.Status)
		}

		balAddr, u, err := loadUserBalance(tx, bet.Bettor)
		if err != nil {
			return nil, err
		}

		if !plan.NoWinner && bet.Outcome == plan.WinningOutcome {
			payout, err := plan.Payout(bet.Amount)
			if err != nil {
				return nil, err
			}
			// Stake leaves locked without credit; the full payout (stake +
			// winnings) lands in available. Net effect on the user is
			// +winnings.
			if err := u.Release(bet.Amount, false); err != nil {
				return nil, err
			}
			if u.AvailableBalance, err = escrow.CheckedAdd(u.AvailableBalance, payout); err != nil {
				return nil, err
			}
			bet.Status = escrow.BetWon
			bet.Payout = payout
			if m.PaidOut, err = escrow.CheckedAdd(m.PaidOut, payout); err != nil {
				return nil, err
			}
			won++
			if e.metrics != nil {
				e.metrics.PayoutLamports.Add(float64(payout))
			}
		} else {
			if err := u.Release(bet.Amount, false); err != nil {
				return nil, err
			}
			bet.Status = escrow.BetLost
			lost++
		}
		u.OpenBets--
		u.LastActivityAt = op.When()

		if err := storeBet(tx, betAddr, bet); err != nil {
			return nil, err
		}
		if err := storeUserBalance(tx, balAddr, u); err != nil {
			return nil, err
		}
	}

	m.SettleCursor = end
	done := end == m.BetCount

	var cut uint64
	if done {
		m.Status = escrow.PoolSettled

		total, err := m.TotalPool()
		if err != nil {
			return nil, err
		}
		// Everything not paid to winners leaves custody: the fee, the floor
		// truncation remainder, and in the no-winner case the entire pool.
		if cut, err = escrow.CheckedSub(total, m.PaidOut); err != nil {
			return nil, err
		}
		if cut > 0 {
			vault, err := e.loadVault(tx)
			if err != nil {
				return nil, err
			}
			if vault.Lamports, err = escrow.CheckedSub(vault.Lamports, cut); err != nil {
				return nil, err
			}
			treasury, ok := tx.load(e.treasuryAddr)
			if !ok {
				treasury = &Account{}
			}
			if treasury.Lamports, err = escrow.CheckedAdd(treasury.Lamports, cut); err != nil {
				return nil, err
			}
			tx.put(e.vaultAddr, vault)
			tx.put(e.treasuryAddr, treasury)
		}

		e.log.Info().
			Str("match_id", m.MatchID).
			Str("winner", m.WinningOutcome.String()).
			Uint32("bets", m.BetCount).
			Uint64("paid_out", m.PaidOut).
			Uint64("treasury_cut", cut).
			Bool("no_winner", plan.NoWinner).
			Msg("match settled")
	}

	if err := storeMatchPool(tx, poolAddr, m); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.SettlementChunks.WithLabelValues("settle").Inc()
		e.metrics.SettlementBets.WithLabelValues("settle").Add(float64(won + lost))
		e.metrics.SettlementDuration.WithLabelValues("settle").Observe(time.Since(start).Seconds())
		e.metrics.BetsResolved.WithLabelValues(escrow.BetWon.String()).Add(float64(won))
		e.metrics.BetsResolved.WithLabelValues(escrow.BetLost.String()).Add(float64(lost))
		if done {
			e.metrics.TreasuryLamports.Add(float64(cut))
			if plan.NoWinner {
				e.metrics.NoWinnerEvents.Inc()
			}
		}
	}

	return &Result{Settlement: &SettlementProgress{
		Kind:        "settle",
		Done:        done,
		Processed:   uint32(won + lost),
		Cursor:      end,
		TreasuryCut: cut,
		NoWinner:    plan.NoWinner,
	}}, nil
}

// applyCancelMatch refunds every bet of a pool, chunked like settlement. No
// fee is taken and nothing moves to the treasury: each stake returns to its
// bettor's available balance and the vault is untouched.
func (e *Engine) applyCancelMatch(tx *txn, op *escrow.CancelMatch) (*Result, error) {
	start := time.Now()

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

	poolAddr, m, err := loadMatchPool(tx, op.MatchID)
	if err != nil {
		return nil, err
	}
	if err := guard.RequireCancellable(m); err != nil {
		return nil, err
	}

	if m.Status != escrow.PoolCancelling {
		m.Status = escrow.PoolCancelling
		m.SettleCursor = 0
		m.PaidOut = 0
	}

	end := m.SettleCursor + e.cfg.SettleChunkSize
	if end > m.BetCount {
		end = m.BetCount
	}

	refunded := 0
	for i := m.SettleCursor; i < end; i++ {
		bet, betAddr, err := loadBetForResolve(tx, m.MatchID, i)
		if err != nil {
			return nil, err
		}
		if bet.Status != escrow.BetActive {
			return nil, escrow.ErrAlreadySettled.Wrapf("bet %d already %s", i, bet.Status)
		}

		balAddr, u, err := loadUserBalance(tx, bet.Bettor)
		if err != nil {
			return nil, err
		}
		if err := u.Release(bet.Amount, true); err != nil {
			return nil, err
		}
		u.OpenBets--
		u.LastActivityAt = op.When()

		bet.Status = escrow.BetRefunded
		if m.PaidOut, err = escrow.CheckedAdd(m.PaidOut, bet.Amount); err != nil {
			return nil, err
		}
		refunded++

		if err := storeBet(tx, betAddr, bet); err != nil {
			return nil, err
		}
		if err := storeUserBalance(tx, balAddr, u); err != nil {
			return nil, err
		}
	}

	m.SettleCursor = end
	done := end == m.BetCount
	if done {
		m.Status = escrow.PoolCancelled
		e.log.Info().
			Str("match_id", m.MatchID).
			Uint32("bets", m.BetCount).
			Uint64("refunded", m.PaidOut).
			Msg("match cancelled")
	}

	if err := storeMatchPool(tx, poolAddr, m); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.SettlementChunks.WithLabelValues("cancel").Inc()
		e.metrics.SettlementBets.WithLabelValues("cancel").Add(float64(refunded))
		e.metrics.SettlementDuration.WithLabelValues("cancel").Observe(time.Since(start).Seconds())
		e.metrics.BetsResolved.WithLabelValues(escrow.BetRefunded.String()).Add(float64(refunded))
	}

	return &Result{Settlement: &SettlementProgress{
		Kind:      "cancel",
		Done:      done,
		Processed: uint32(refunded),
		Cursor:    end,
	}}, nil
}

func loadBetForResolve(tx *txn, matchID string, index uint32) (*escrow.BetRecord, escrow.Pubkey, error) {
	addr, _, err := pda.Bet(matchID, index)
	if err != nil {
		return nil, escrow.Pubkey{}, err
	}
	acct, ok := tx.load(addr)
	if !ok {
		return nil, escrow.Pubkey{}, escrow.ErrAccountNotFound.Wrapf("bet %d of %s", index, matchID)
	}
	bet, err := codec.DecodeBetRecord(acct.Data)
	if err != nil {
		return nil, escrow.Pubkey{}, err
	}
	return bet, addr, nil
}
