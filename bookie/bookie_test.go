package bookie

import (
	"context"
	"errors"
	"testing"
)

func newTestOptions(t *testing.T) *Options {
	t.Helper()
	return &Options{
		BookieID:   "bookie-1",
		LedgerDirs: []string{t.TempDir()},
		JournalDir: t.TempDir(),
	}
}

// TestBookieWriteReadRestart covers spec scenario S1: write, read,
// restart, read.
func TestBookieWriteReadRestart(t *testing.T) {
	opts := newTestOptions(t)
	metadata := NewInMemoryMetadataClient()

	b, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf := mustBuf(1, 0, "hello")
	if _, err := b.AddEntry(buf, []byte("secret")); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	got, err := b.ReadEntry(1, 0)
	if err != nil {
		t.Fatalf("ReadEntry: %v", err)
	}
	if string(got) != string(buf) {
		t.Fatalf("ReadEntry = %q, want %q", got, buf)
	}

	b.Shutdown()

	b2, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	defer b2.Shutdown()

	got2, err := b2.ReadEntry(1, 0)
	if err != nil {
		t.Fatalf("ReadEntry after restart: %v", err)
	}
	if string(got2) != string(buf) {
		t.Fatalf("ReadEntry after restart = %q, want %q", got2, buf)
	}
}

// TestBookieFenceBlocksWrites covers spec scenario S2: fence blocks
// writes, stays fenced across restart.
func TestBookieFenceBlocksWrites(t *testing.T) {
	opts := newTestOptions(t)
	metadata := NewInMemoryMetadataClient()

	b, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	key := []byte("secret")
	if _, err := b.AddEntry(mustBuf(1, 0, "a"), key); err != nil {
		t.Fatalf("AddEntry(0): %v", err)
	}

	handle, err := b.FenceLedger(1, key)
	if err != nil {
		t.Fatalf("FenceLedger: %v", err)
	}
	if err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("fence handle wait: %v", err)
	}

	if _, err := b.AddEntry(mustBuf(1, 1, "b"), key); !errors.Is(err, ErrLedgerFenced) {
		t.Fatalf("AddEntry after fence = %v, want ErrLedgerFenced", err)
	}

	b.Shutdown()

	b2, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	defer b2.Shutdown()

	if _, err := b2.AddEntry(mustBuf(1, 1, "b"), key); !errors.Is(err, ErrLedgerFenced) {
		t.Fatalf("AddEntry after restart = %v, want ErrLedgerFenced", err)
	}
}

// TestBookieMasterKeyMismatch covers spec scenario S4.
func TestBookieMasterKeyMismatch(t *testing.T) {
	opts := newTestOptions(t)
	metadata := NewInMemoryMetadataClient()

	b, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown()

	if _, err := b.AddEntry(mustBuf(1, 0, "x"), []byte("a")); err != nil {
		t.Fatalf("AddEntry with key a: %v", err)
	}
	if _, err := b.AddEntry(mustBuf(1, 1, "y"), []byte("b")); !errors.Is(err, ErrUnauthorizedAccess) {
		t.Fatalf("AddEntry with wrong key = %v, want ErrUnauthorizedAccess", err)
	}
}

// TestBookieRecoveryAddEntrySkipsFenceCheck exercises recoveryAddEntry
// against a fenced ledger.
func TestBookieRecoveryAddEntrySkipsFenceCheck(t *testing.T) {
	opts := newTestOptions(t)
	metadata := NewInMemoryMetadataClient()

	b, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown()

	key := []byte("secret")
	if _, err := b.AddEntry(mustBuf(1, 0, "a"), key); err != nil {
		t.Fatalf("AddEntry(0): %v", err)
	}
	if _, err := b.FenceLedger(1, key); err != nil {
		t.Fatalf("FenceLedger: %v", err)
	}

	if _, err := b.RecoveryAddEntry(mustBuf(1, 1, "b"), key); err != nil {
		t.Fatalf("RecoveryAddEntry on fenced ledger = %v, want nil", err)
	}
}

func TestBookieReadEntryNoLedgerOrEntry(t *testing.T) {
	opts := newTestOptions(t)
	metadata := NewInMemoryMetadataClient()

	b, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown()

	if _, err := b.ReadEntry(99, 0); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("ReadEntry unknown ledger = %v, want ErrNoLedger", err)
	}

	if _, err := b.AddEntry(mustBuf(1, 0, "a"), []byte("k")); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := b.ReadEntry(1, 5); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("ReadEntry missing entry = %v, want ErrNoEntry", err)
	}
}

func TestBookieReadEntryLastKnown(t *testing.T) {
	opts := newTestOptions(t)
	metadata := NewInMemoryMetadataClient()

	b, err := Start(opts, metadata, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown()

	key := []byte("k")
	for i := int64(0); i < 3; i++ {
		if _, err := b.AddEntry(mustBuf(1, i, "x"), key); err != nil {
			t.Fatalf("AddEntry(%d): %v", i, err)
		}
	}

	got, err := b.ReadEntry(1, -1)
	if err != nil {
		t.Fatalf("ReadEntry(-1): %v", err)
	}
	_, entryID, _ := splitEntryHeader(got)
	if entryID != 2 {
		t.Fatalf("ReadEntry(-1) returned entryId %d, want 2", entryID)
	}
}
