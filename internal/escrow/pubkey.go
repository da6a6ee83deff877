package escrow

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Pubkey is a 32-byte identity, hex-encoded on the wire.
type Pubkey [32]byte

var zeroPubkey Pubkey

// ParsePubkey decodes a 64-character hex string into a Pubkey.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("parse pubkey: %w", err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("parse pubkey: expected %d bytes, got %d", len(pk), len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPubkey parses a hex pubkey and panics on failure. Test helper.
func MustPubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk Pubkey) String() string {
	return hex.EncodeToString(pk[:])
}

// IsZero reports whether the key is the all-zero key.
func (pk Pubkey) IsZero() bool {
	return pk == zeroPubkey
}

// Equal reports byte equality.
func (pk Pubkey) Equal(other Pubkey) bool {
	return bytes.Equal(pk[:], other[:])
}
