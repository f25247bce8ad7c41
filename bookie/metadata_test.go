package bookie

import "testing"

func TestInMemoryMetadataClientLedgerLiveness(t *testing.T) {
	m := NewInMemoryMetadataClient()
	if !m.IsLedgerLive(1) {
		t.Fatal("ledger should be live before deletion")
	}
	if err := MarkLedgerDeletedForTest(m, 1); err != nil {
		t.Fatalf("MarkLedgerDeletedForTest: %v", err)
	}
	if m.IsLedgerLive(1) {
		t.Fatal("ledger should not be live after deletion")
	}
}

func TestInMemoryMetadataClientCookieRoundTrip(t *testing.T) {
	m := NewInMemoryMetadataClient()
	if _, found, err := m.ReadCookie("bookie-1"); err != nil || found {
		t.Fatalf("ReadCookie before write = %v, %v", found, err)
	}
	if err := m.WriteCookie("bookie-1", []byte("fingerprint")); err != nil {
		t.Fatalf("WriteCookie: %v", err)
	}
	got, found, err := m.ReadCookie("bookie-1")
	if err != nil || !found || string(got) != "fingerprint" {
		t.Fatalf("ReadCookie after write = %q, %v, %v", got, found, err)
	}
}

func TestInMemoryMetadataClientRegistration(t *testing.T) {
	m := NewInMemoryMetadataClient()
	if err := m.RegisterAvailable("bookie-1"); err != nil {
		t.Fatalf("RegisterAvailable: %v", err)
	}
	if err := m.RegisterReadOnly("bookie-1"); err != nil {
		t.Fatalf("RegisterReadOnly: %v", err)
	}
	mem := m.impl.(*inMemoryMetadata)
	if mem.available["bookie-1"] {
		t.Fatal("RegisterReadOnly should clear the available registration")
	}
	if !mem.readOnly["bookie-1"] {
		t.Fatal("RegisterReadOnly should set the read-only registration")
	}
}
