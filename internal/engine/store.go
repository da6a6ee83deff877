package engine

import (
	"EscrowLedger/internal/escrow"
)

// Account mirrors the host chain's account model: a lamport balance plus an
// opaque data buffer. Ledger records live in Data (encoded by the codec);
// wallet, vault, and treasury accounts carry lamports only.
type Account struct {
	Lamports uint64
	Data     []byte
}

func (a *Account) clone() *Account {
	c := &Account{Lamports: a.Lamports}
	if a.Data != nil {
		c.Data = make([]byte, len(a.Data))
		copy(c.Data, a.Data)
	}
	return c
}

// Store is the in-memory account state, keyed by PDA. It is owned by the
// single-threaded engine; nothing else reads or writes it while the engine
// runs. Durable copies live in Postgres and are reloaded at boot.
type Store struct {
	accounts map[escrow.Pubkey]*Account
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[escrow.Pubkey]*Account),
	}
}

// Get returns the stored account. Callers must not mutate the result;
// mutations go through a txn.
func (s *Store) Get(addr escrow.Pubkey) (*Account, bool) {
	a, ok := s.accounts[addr]
	return a, ok
}

// Set installs an account directly, used by recovery when rebuilding state
// from the durable snapshot.
func (s *Store) Set(addr escrow.Pubkey, a *Account) {
	s.accounts[addr] = a
}

// Delete removes an account (rent reclaim).
func (s *Store) Delete(addr escrow.Pubkey) {
	delete(s.accounts, addr)
}

// Len returns the number of live accounts.
func (s *Store) Len() int {
	return len(s.accounts)
}

// ForEach visits every account. Iteration order is unspecified; callers
// needing determinism must sort.
func (s *Store) ForEach(fn func(addr escrow.Pubkey, a *Account)) {
	for addr, a := range s.accounts {
		fn(addr, a)
	}
}

// txn stages mutations against the store. Every operation runs inside one
// txn: loads see staged writes first, and nothing reaches the store until
// commit. Discarding the txn on error gives the all-or-nothing semantics the
// host's transaction engine would provide.
type txn struct {
	store  *Store
	staged map[escrow.Pubkey]*Account // nil value marks a deletion
}

func newTxn(store *Store) *txn {
	return &txn{
		store:  store,
		staged: make(map[escrow.Pubkey]*Account, 8),
	}
}

// load returns a mutable copy of the account. Mutations are not visible
// until put() stages them.
func (t *txn) load(addr escrow.Pubkey) (*Account, bool) {
	if a, ok := t.staged[addr]; ok {
		if a == nil {
			return nil, false
		}
		return a, true
	}
	if a, ok := t.store.Get(addr); ok {
		return a.clone(), true
	}
	return nil, false
}

// put stages a write.
func (t *txn) put(addr escrow.Pubkey, a *Account) {
	t.staged[addr] = a
}

// del stages a deletion.
func (t *txn) del(addr escrow.Pubkey) {
	t.staged[addr] = nil
}

// commit applies all staged writes to the store.
func (t *txn) commit() {
	for addr, a := range t.staged {
		if a == nil {
			t.store.Delete(addr)
		} else {
			t.store.Set(addr, a)
		}
	}
}

// AccountUpdate is one committed account change, emitted to persistence and
// projections.
type AccountUpdate struct {
	Address  escrow.Pubkey
	Lamports uint64
	Data     []byte
	Deleted  bool
}

// updates returns the staged writes sorted by address for deterministic
// digests and persistence order.
func (t *txn) updates() []AccountUpdate {
	out := make([]AccountUpdate, 0, len(t.staged))
	for addr, a := range t.staged {
		u := AccountUpdate{Address: addr}
		if a == nil {
			u.Deleted = true
		} else {
			u.Lamports = a.Lamports
			u.Data = a.Data
		}
		out = append(out, u)
	}
	sortUpdates(out)
	return out
}

func sortUpdates(updates []AccountUpdate) {
	// Insertion sort: update sets are small (a handful of accounts per op).
	for i := 1; i < len(updates); i++ {
		for j := i; j > 0 && lessAddr(updates[j].Address, updates[j-1].Address); j-- {
			updates[j], updates[j-1] = updates[j-1], updates[j]
		}
	}
}

func lessAddr(a, b escrow.Pubkey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
