package engine

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "EscrowLedger:genesis:v1"

// StateHasher computes the chained state hash over committed operations:
// state_hash[N] = SHA-256(prev_hash || sequence || state_digest).
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes the chain at the genesis hash.
func NewStateHasher() *StateHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &StateHasher{
		prevHash: genesis,
	}
}

// Reset rewinds the chain tip, used by recovery to resume from the last
// persisted hash.
func (h *StateHasher) Reset(prevHash [32]byte) {
	h.prevHash = prevHash
}

// ComputeHash advances the chain by one operation and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// digestUpdates folds the sorted account updates of one operation into the
// state digest fed to the hash chain.
func digestUpdates(updates []AccountUpdate) []byte {
	hasher := sha256.New()
	var lamports [8]byte
	for _, u := range updates {
		hasher.Write(u.Address[:])
		if u.Deleted {
			hasher.Write([]byte{0})
			continue
		}
		hasher.Write([]byte{1})
		binary.LittleEndian.PutUint64(lamports[:], u.Lamports)
		hasher.Write(lamports[:])
		hasher.Write(u.Data)
	}
	return hasher.Sum(nil)
}
