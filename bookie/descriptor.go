package bookie

import (
	"sync"
	"sync/atomic"
)

// LedgerDescriptor is the per-ledger in-memory state: master key, fenced
// flag, and the lock the facade holds across an add-then-journal sequence
// so that two writers never interleave journal records for the same
// ledger. Grounded on stonedb's per-key locking in isolation.go, narrowed
// here to one lock per ledger rather than per row.
type LedgerDescriptor struct {
	LedgerID  int64
	masterKey []byte
	fenced    atomic.Bool

	mu sync.Mutex
}

// SetFenced transitions the descriptor to fenced, returning true only if
// this call performed the transition (spec §4.E).
func (d *LedgerDescriptor) SetFenced() bool {
	return d.fenced.CompareAndSwap(false, true)
}

// IsFenced reports the in-memory fenced flag.
func (d *LedgerDescriptor) IsFenced() bool {
	return d.fenced.Load()
}

// Lock serializes mutating operations on this ledger. The facade holds it
// across append -> cache.put -> journal.logAddEntry.
func (d *LedgerDescriptor) Lock() {
	d.mu.Lock()
}

// Unlock releases the descriptor lock.
func (d *LedgerDescriptor) Unlock() {
	d.mu.Unlock()
}

// MasterKey returns the key this descriptor was created or loaded with.
func (d *LedgerDescriptor) MasterKey() []byte {
	return d.masterKey
}

// HandleFactory interns LedgerDescriptors so that every caller addressing
// the same ledgerId shares the same lock and fenced flag, loading the
// master key from the index header on first use if it wasn't already
// resident. Grounded on stonedb's transaction handle registry pattern in
// transaction.go, adapted from per-transaction to per-ledger scope.
type HandleFactory struct {
	cache *LedgerCache

	mu      sync.Mutex
	handles map[int64]*LedgerDescriptor
}

// NewHandleFactory creates a factory backed by cache for master-key and
// fenced-state persistence.
func NewHandleFactory(cache *LedgerCache) *HandleFactory {
	return &HandleFactory{
		cache:   cache,
		handles: make(map[int64]*LedgerDescriptor),
	}
}

// GetHandle returns the descriptor for ledgerID, verifying masterKey
// matches any previously bound key. On first sight of ledgerID it loads
// (or persists, if this is a brand new ledger) the master key.
//
// newLedger reports whether this call created the descriptor's first
// in-memory sighting, so the caller can decide whether a
// METAENTRY_ID_LEDGER_KEY journal record is owed (spec §4.H).
func (hf *HandleFactory) GetHandle(ledgerID int64, masterKey []byte) (desc *LedgerDescriptor, newLedger bool, err error) {
	hf.mu.Lock()
	if d, ok := hf.handles[ledgerID]; ok {
		hf.mu.Unlock()
		if !bytesEqual(d.masterKey, masterKey) {
			return nil, false, ErrUnauthorizedAccess
		}
		return d, false, nil
	}
	hf.mu.Unlock()

	persistedKey, found, err := hf.cache.ReadMasterKey(ledgerID)
	if err != nil {
		return nil, false, err
	}

	d := &LedgerDescriptor{LedgerID: ledgerID}
	if found {
		if !bytesEqual(persistedKey, masterKey) {
			return nil, false, ErrUnauthorizedAccess
		}
		d.masterKey = persistedKey
		fenced, err := hf.cache.IsFenced(ledgerID)
		if err != nil {
			return nil, false, err
		}
		if fenced {
			d.fenced.Store(true)
		}
	} else {
		d.masterKey = append([]byte(nil), masterKey...)
	}

	hf.mu.Lock()
	if existing, ok := hf.handles[ledgerID]; ok {
		hf.mu.Unlock()
		if !bytesEqual(existing.masterKey, masterKey) {
			return nil, false, ErrUnauthorizedAccess
		}
		return existing, false, nil
	}
	hf.handles[ledgerID] = d
	hf.mu.Unlock()

	return d, !found, nil
}

// GetReadOnlyHandle returns (creating if necessary) a descriptor for
// ledgerID without checking a master key, for use by readEntry.
func (hf *HandleFactory) GetReadOnlyHandle(ledgerID int64) (*LedgerDescriptor, error) {
	hf.mu.Lock()
	if d, ok := hf.handles[ledgerID]; ok {
		hf.mu.Unlock()
		return d, nil
	}
	hf.mu.Unlock()

	persistedKey, found, err := hf.cache.ReadMasterKey(ledgerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoLedger
	}

	d := &LedgerDescriptor{LedgerID: ledgerID, masterKey: persistedKey}
	fenced, err := hf.cache.IsFenced(ledgerID)
	if err != nil {
		return nil, err
	}
	if fenced {
		d.fenced.Store(true)
	}

	hf.mu.Lock()
	if existing, ok := hf.handles[ledgerID]; ok {
		hf.mu.Unlock()
		return existing, nil
	}
	hf.handles[ledgerID] = d
	hf.mu.Unlock()
	return d, nil
}

// Forget drops ledgerID's descriptor from the interning table, used after
// deletion.
func (hf *HandleFactory) Forget(ledgerID int64) {
	hf.mu.Lock()
	delete(hf.handles, ledgerID)
	hf.mu.Unlock()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
