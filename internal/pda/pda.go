// Package pda derives deterministic account addresses from seed tuples, so
// callers and the ledger agree on account identity without a registry.
package pda

import (
	"crypto/sha256"

	"EscrowLedger/internal/escrow"
)

const (
	// MaxSeeds and MaxSeedLen bound a seed tuple. Oversized tuples are
	// rejected with SeedTooLong; there is no other failure mode.
	MaxSeeds   = 16
	MaxSeedLen = 32

	// derivationTag domain-separates ledger addresses from any other
	// sha256 use in the process.
	derivationTag = "EscrowLedger:pda:v1"
)

// Role tags for the ledger's account namespace.
const (
	SeedPlatform    = "platform"
	SeedVault       = "vault"
	SeedTreasury    = "treasury"
	SeedUserBalance = "user_balance"
	SeedMatchPool   = "match_pool"
	SeedBet         = "bet"
)

// Derive computes (address, bump) for a seed tuple. Identical seeds always
// yield identical output. The bump search starts at 255 and walks down,
// mirroring the host chain's derivation; with a sha256 primitive every bump
// yields a usable address, so the first candidate wins and the search exists
// for layout compatibility.
func Derive(seeds ...[]byte) (escrow.Pubkey, uint8, error) {
	if err := validateSeeds(seeds); err != nil {
		return escrow.Pubkey{}, 0, err
	}

	bump := uint8(255)
	addr := deriveWithBump(seeds, bump)
	return addr, bump, nil
}

// DeriveWithBump recomputes the address for a known bump, used when
// re-validating an account the caller supplied.
func DeriveWithBump(bump uint8, seeds ...[]byte) (escrow.Pubkey, error) {
	if err := validateSeeds(seeds); err != nil {
		return escrow.Pubkey{}, err
	}
	return deriveWithBump(seeds, bump), nil
}

func validateSeeds(seeds [][]byte) error {
	if len(seeds) > MaxSeeds {
		return escrow.ErrSeedTooLong.Wrapf("%d seeds, max %d", len(seeds), MaxSeeds)
	}
	for i, s := range seeds {
		if len(s) > MaxSeedLen {
			return escrow.ErrSeedTooLong.Wrapf("seed %d is %d bytes, max %d", i, len(s), MaxSeedLen)
		}
	}
	return nil
}

func deriveWithBump(seeds [][]byte, bump uint8) escrow.Pubkey {
	h := sha256.New()
	for _, s := range seeds {
		// Length-prefix each seed so ("ab","c") and ("a","bc") differ.
		h.Write([]byte{byte(len(s))})
		h.Write(s)
	}
	h.Write([]byte{bump})
	h.Write([]byte(derivationTag))

	var addr escrow.Pubkey
	copy(addr[:], h.Sum(nil))
	return addr
}

// Platform returns the singleton platform config address.
func Platform() (escrow.Pubkey, uint8, error) {
	return Derive([]byte(SeedPlatform))
}

// Vault returns the escrow custody address holding all pooled lamports.
func Vault() (escrow.Pubkey, uint8, error) {
	return Derive([]byte(SeedVault))
}

// Treasury returns the platform fee accrual address.
func Treasury() (escrow.Pubkey, uint8, error) {
	return Derive([]byte(SeedTreasury))
}

// UserBalance returns the balance account address for an owner.
func UserBalance(owner escrow.Pubkey) (escrow.Pubkey, uint8, error) {
	return Derive([]byte(SeedUserBalance), owner[:])
}

// MatchPool returns the pool address for a match id.
func MatchPool(matchID string) (escrow.Pubkey, uint8, error) {
	if err := escrow.ValidateMatchID(matchID); err != nil {
		return escrow.Pubkey{}, 0, err
	}
	return Derive([]byte(SeedMatchPool), []byte(matchID))
}

// Bet returns the bet record address for (match, index).
func Bet(matchID string, index uint32) (escrow.Pubkey, uint8, error) {
	if err := escrow.ValidateMatchID(matchID); err != nil {
		return escrow.Pubkey{}, 0, err
	}
	idx := []byte{
		byte(index),
		byte(index >> 8),
		byte(index >> 16),
		byte(index >> 24),
	}
	return Derive([]byte(SeedBet), []byte(matchID), idx)
}
