package bookie

import (
	"fmt"
	"os"
	"sync"
)

// MetadataClient is the subset of a hierarchical key-value store with
// ephemeral nodes the core consumes, per spec §6. It wraps an unexported
// implementation interface, so the only way to construct one is
// NewInMemoryMetadataClient; no client backed by an external coordination
// service can be plugged in from outside this package.
type MetadataClient struct {
	impl metadataImpl
}

type metadataImpl interface {
	IsLedgerLive(ledgerID int64) bool
	ReadCookie(bookieID string) ([]byte, bool, error)
	WriteCookie(bookieID string, cookie []byte) error
	RegisterAvailable(bookieID string) error
	UnregisterAvailable(bookieID string) error
	RegisterReadOnly(bookieID string) error
	WaitAvailableGone(bookieID string) error
}

// IsLedgerLive reports whether the metadata service still considers
// ledgerID to exist (i.e. it has not been explicitly deleted).
func (m MetadataClient) IsLedgerLive(ledgerID int64) bool {
	return m.impl.IsLedgerLive(ledgerID)
}

// ReadCookie returns the persisted cookie for bookieID, or !ok on first
// bring-up.
func (m MetadataClient) ReadCookie(bookieID string) ([]byte, bool, error) {
	return m.impl.ReadCookie(bookieID)
}

// WriteCookie persists the cookie for bookieID.
func (m MetadataClient) WriteCookie(bookieID string, cookie []byte) error {
	return m.impl.WriteCookie(bookieID, cookie)
}

// RegisterAvailable creates the ephemeral writable-bookie registration.
func (m MetadataClient) RegisterAvailable(bookieID string) error {
	return m.impl.RegisterAvailable(bookieID)
}

// UnregisterAvailable deletes the writable-bookie registration, used
// during the read-only transition.
func (m MetadataClient) UnregisterAvailable(bookieID string) error {
	return m.impl.UnregisterAvailable(bookieID)
}

// RegisterReadOnly creates the ephemeral read-only-bookie registration.
func (m MetadataClient) RegisterReadOnly(bookieID string) error {
	return m.impl.RegisterReadOnly(bookieID)
}

// WaitAvailableGone blocks until any prior incarnation's writable
// registration for bookieID has expired, per spec §9 ambiguity (b).
func (m MetadataClient) WaitAvailableGone(bookieID string) error {
	return m.impl.WaitAvailableGone(bookieID)
}

// NewInMemoryMetadataClient returns a MetadataClient backed by process
// memory: every ledger not explicitly marked deleted is considered live,
// and registrations are tracked in maps rather than in an external
// service. Suitable for tests and for single-process deployments where an
// external coordination service is deliberately out of scope (spec §1).
func NewInMemoryMetadataClient() MetadataClient {
	return MetadataClient{impl: &inMemoryMetadata{
		deletedLedgers: make(map[int64]bool),
		cookies:        make(map[string][]byte),
		available:      make(map[string]bool),
		readOnly:       make(map[string]bool),
	}}
}

type inMemoryMetadata struct {
	mu             sync.Mutex
	deletedLedgers map[int64]bool
	cookies        map[string][]byte
	available      map[string]bool
	readOnly       map[string]bool
}

func (m *inMemoryMetadata) IsLedgerLive(ledgerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.deletedLedgers[ledgerID]
}

// MarkLedgerDeleted is a test/operator hook with no spec-mandated
// interface shape; it exists because the in-memory fake has no external
// service to receive a real delete notification from.
func (m *inMemoryMetadata) MarkLedgerDeleted(ledgerID int64) {
	m.mu.Lock()
	m.deletedLedgers[ledgerID] = true
	m.mu.Unlock()
}

func (m *inMemoryMetadata) ReadCookie(bookieID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cookies[bookieID]
	return c, ok, nil
}

func (m *inMemoryMetadata) WriteCookie(bookieID string, cookie []byte) error {
	m.mu.Lock()
	m.cookies[bookieID] = append([]byte(nil), cookie...)
	m.mu.Unlock()
	return nil
}

func (m *inMemoryMetadata) RegisterAvailable(bookieID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[bookieID] = true
	delete(m.readOnly, bookieID)
	return nil
}

func (m *inMemoryMetadata) UnregisterAvailable(bookieID string) error {
	m.mu.Lock()
	delete(m.available, bookieID)
	m.mu.Unlock()
	return nil
}

func (m *inMemoryMetadata) RegisterReadOnly(bookieID string) error {
	m.mu.Lock()
	m.readOnly[bookieID] = true
	delete(m.available, bookieID)
	m.mu.Unlock()
	return nil
}

func (m *inMemoryMetadata) WaitAvailableGone(bookieID string) error {
	m.mu.Lock()
	delete(m.available, bookieID)
	m.mu.Unlock()
	return nil
}

// MarkLedgerDeletedForTest exposes inMemoryMetadata's delete hook through
// the exported MetadataClient wrapper for use outside this package's
// tests (the format CLI and integration harnesses use a real client; only
// the in-memory fake needs a way to simulate a ledger deletion).
func MarkLedgerDeletedForTest(m MetadataClient, ledgerID int64) error {
	mem, ok := m.impl.(*inMemoryMetadata)
	if !ok {
		return fmt.Errorf("bookie: MarkLedgerDeletedForTest requires an in-memory metadata client")
	}
	mem.MarkLedgerDeleted(ledgerID)
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fileSizeOrZero(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
