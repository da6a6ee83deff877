// Package codec translates ledger records to and from fixed-layout byte
// buffers sized for the host chain's rent model. Layouts are little-endian
// with explicit offsets; every account kind starts with an 8-byte
// discriminator so buffers from a different kind fail fast.
package codec

import (
	"crypto/sha256"
	"encoding/binary"

	"EscrowLedger/internal/escrow"
)

// Discriminator is the 8-byte account-kind tag stored at offset 0.
type Discriminator [8]byte

func discriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("escrow:account:" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

var (
	DiscPlatformConfig = discriminator("PlatformConfig")
	DiscUserBalance    = discriminator("UserBalanceAccount")
	DiscMatchPool      = discriminator("MatchPool")
	DiscBetRecord      = discriminator("BetRecord")
)

// Fixed account sizes in bytes, discriminator included.
const (
	PlatformConfigSize = 8 + 32 + 32 + 8 + 8 + 2 + 8 + 8 + 8 + 1 + 1
	UserBalanceSize    = 8 + 32 + 8 + 8 + 4 + 8 + 8 + 1
	MatchPoolSize      = 8 + 1 + escrow.MatchIDMaxLen + 1 + 16 + 4 + 8 + 8 + 8 + 1 + 2 + 4 + 8 + 1
	BetRecordSize      = 8 + 1 + escrow.MatchIDMaxLen + 32 + 1 + 8 + 8 + 8 + 1 + 4 + 8 + 1
)

// --- buffer helpers ---

type writer struct {
	buf []byte
}

func newWriter(size int, disc Discriminator) *writer {
	w := &writer{buf: make([]byte, 0, size)}
	w.buf = append(w.buf, disc[:]...)
	return w
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }
func (w *writer) bool(v bool) { w.buf = append(w.buf, boolByte(v)) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }

func (w *writer) pubkey(pk escrow.Pubkey) { w.buf = append(w.buf, pk[:]...) }

// matchID writes a length byte followed by a zero-padded fixed field.
// Truncation is an error upstream (ValidateMatchID), never silent here.
func (w *writer) matchID(s string) {
	w.u8(uint8(len(s)))
	var field [escrow.MatchIDMaxLen]byte
	copy(field[:], s)
	w.buf = append(w.buf, field[:]...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

type reader struct {
	buf []byte
	off int
}

// newReader validates the discriminator first, then the declared size.
func newReader(buf []byte, disc Discriminator, size int) (*reader, error) {
	if len(buf) < len(disc) {
		return nil, escrow.ErrTruncatedAccount.Wrapf("%d bytes, discriminator needs %d", len(buf), len(disc))
	}
	var got Discriminator
	copy(got[:], buf[:8])
	if got != disc {
		return nil, escrow.ErrInvalidDiscriminator.Wrapf("got %x, want %x", got, disc)
	}
	if len(buf) < size {
		return nil, escrow.ErrTruncatedAccount.Wrapf("%d bytes, declared size %d", len(buf), size)
	}
	return &reader{buf: buf, off: 8}, nil
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) pubkey() escrow.Pubkey {
	var pk escrow.Pubkey
	copy(pk[:], r.buf[r.off:r.off+32])
	r.off += 32
	return pk
}

func (r *reader) matchID() (string, error) {
	n := int(r.u8())
	if n > escrow.MatchIDMaxLen {
		// The discriminator already matched; a bad length byte is layout
		// corruption inside the record.
		return "", escrow.ErrCorruptAccountData.Wrapf("match id length %d exceeds layout max %d", n, escrow.MatchIDMaxLen)
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += escrow.MatchIDMaxLen
	return s, nil
}

// --- PlatformConfig ---

func EncodePlatformConfig(p *escrow.PlatformConfig) ([]byte, error) {
	w := newWriter(PlatformConfigSize, DiscPlatformConfig)
	w.pubkey(p.Admin)
	w.pubkey(p.Oracle)
	w.u64(p.MinDeposit)
	w.u64(p.MaxDeposit)
	w.u16(p.FeeBps)
	w.u64(p.TotalDeposits)
	w.u64(p.TotalWithdrawals)
	w.u64(p.TotalUsers)
	w.bool(p.IsPaused)
	w.u8(p.Bump)
	return w.buf, nil
}

func DecodePlatformConfig(buf []byte) (*escrow.PlatformConfig, error) {
	r, err := newReader(buf, DiscPlatformConfig, PlatformConfigSize)
	if err != nil {
		return nil, err
	}
	p := &escrow.PlatformConfig{}
	p.Admin = r.pubkey()
	p.Oracle = r.pubkey()
	p.MinDeposit = r.u64()
	p.MaxDeposit = r.u64()
	p.FeeBps = r.u16()
	p.TotalDeposits = r.u64()
	p.TotalWithdrawals = r.u64()
	p.TotalUsers = r.u64()
	p.IsPaused = r.bool()
	p.Bump = r.u8()
	return p, nil
}

// --- UserBalanceAccount ---

func EncodeUserBalance(u *escrow.UserBalanceAccount) ([]byte, error) {
	w := newWriter(UserBalanceSize, DiscUserBalance)
	w.pubkey(u.Owner)
	w.u64(u.AvailableBalance)
	w.u64(u.LockedBalance)
	w.u32(u.OpenBets)
	w.i64(u.CreatedAt)
	w.i64(u.LastActivityAt)
	w.u8(u.Bump)
	return w.buf, nil
}

func DecodeUserBalance(buf []byte) (*escrow.UserBalanceAccount, error) {
	r, err := newReader(buf, DiscUserBalance, UserBalanceSize)
	if err != nil {
		return nil, err
	}
	u := &escrow.UserBalanceAccount{}
	u.Owner = r.pubkey()
	u.AvailableBalance = r.u64()
	u.LockedBalance = r.u64()
	u.OpenBets = r.u32()
	u.CreatedAt = r.i64()
	u.LastActivityAt = r.i64()
	u.Bump = r.u8()
	return u, nil
}

// --- MatchPool ---

func EncodeMatchPool(m *escrow.MatchPool) ([]byte, error) {
	if err := escrow.ValidateMatchID(m.MatchID); err != nil {
		return nil, err
	}
	w := newWriter(MatchPoolSize, DiscMatchPool)
	w.matchID(m.MatchID)
	w.u8(uint8(m.Status))
	for _, p := range m.Pools {
		w.u64(p)
	}
	w.u32(m.BetCount)
	w.u64(m.MinBet)
	w.u64(m.MaxBet)
	w.i64(m.ClosesAt)
	w.u8(uint8(m.WinningOutcome))
	w.u16(m.FeeBps)
	w.u32(m.SettleCursor)
	w.u64(m.PaidOut)
	w.u8(m.Bump)
	return w.buf, nil
}

func DecodeMatchPool(buf []byte) (*escrow.MatchPool, error) {
	r, err := newReader(buf, DiscMatchPool, MatchPoolSize)
	if err != nil {
		return nil, err
	}
	m := &escrow.MatchPool{}
	if m.MatchID, err = r.matchID(); err != nil {
		return nil, err
	}
	m.Status = escrow.PoolStatus(r.u8())
	for i := range m.Pools {
		m.Pools[i] = r.u64()
	}
	m.BetCount = r.u32()
	m.MinBet = r.u64()
	m.MaxBet = r.u64()
	m.ClosesAt = r.i64()
	m.WinningOutcome = escrow.Outcome(r.u8())
	m.FeeBps = r.u16()
	m.SettleCursor = r.u32()
	m.PaidOut = r.u64()
	m.Bump = r.u8()
	return m, nil
}

// --- BetRecord ---

func EncodeBetRecord(b *escrow.BetRecord) ([]byte, error) {
	if err := escrow.ValidateMatchID(b.MatchID); err != nil {
		return nil, err
	}
	w := newWriter(BetRecordSize, DiscBetRecord)
	w.matchID(b.MatchID)
	w.pubkey(b.Bettor)
	w.u8(uint8(b.Outcome))
	w.u64(b.Amount)
	w.u64(b.OddsAtPlacement)
	w.u64(b.Payout)
	w.u8(uint8(b.Status))
	w.u32(b.Index)
	w.i64(b.PlacedAt)
	w.u8(b.Bump)
	return w.buf, nil
}

func DecodeBetRecord(buf []byte) (*escrow.BetRecord, error) {
	r, err := newReader(buf, DiscBetRecord, BetRecordSize)
	if err != nil {
		return nil, err
	}
	b := &escrow.BetRecord{}
	if b.MatchID, err = r.matchID(); err != nil {
		return nil, err
	}
	b.Bettor = r.pubkey()
	b.Outcome = escrow.Outcome(r.u8())
	b.Amount = r.u64()
	b.OddsAtPlacement = r.u64()
	b.Payout = r.u64()
	b.Status = escrow.BetStatus(r.u8())
	b.Index = r.u32()
	b.PlacedAt = r.i64()
	b.Bump = r.u8()
	return b, nil
}

// Kind reports the account kind for a raw buffer, used by recovery and the
// operator CLI to route decoding.
func Kind(buf []byte) (string, error) {
	if len(buf) < 8 {
		return "", escrow.ErrTruncatedAccount.Wrapf("%d bytes", len(buf))
	}
	var d Discriminator
	copy(d[:], buf[:8])
	switch d {
	case DiscPlatformConfig:
		return "PlatformConfig", nil
	case DiscUserBalance:
		return "UserBalanceAccount", nil
	case DiscMatchPool:
		return "MatchPool", nil
	case DiscBetRecord:
		return "BetRecord", nil
	default:
		return "", escrow.ErrInvalidDiscriminator.Wrapf("%x", d)
	}
}
