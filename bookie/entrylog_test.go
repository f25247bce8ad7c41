package bookie

import (
	"testing"
)

func newTestLedgerDirs(t *testing.T) *LedgerDirs {
	t.Helper()
	dir := t.TempDir()
	ld, err := NewLedgerDirs([]string{dir}, nil, 0, 95, nil)
	if err != nil {
		t.Fatalf("NewLedgerDirs: %v", err)
	}
	t.Cleanup(ld.Close)
	return ld
}

func mustBuf(ledgerID, entryID int64, payload string) []byte {
	buf := make([]byte, 16+len(payload))
	putBeUint64(buf[0:8], uint64(ledgerID))
	putBeUint64(buf[8:16], uint64(entryID))
	copy(buf[16:], payload)
	return buf
}

func TestEntryLogAppendAndRead(t *testing.T) {
	dirs := newTestLedgerDirs(t)
	el, err := OpenEntryLog(dirs, 0, 10, nil)
	if err != nil {
		t.Fatalf("OpenEntryLog: %v", err)
	}
	defer el.Close()

	buf := mustBuf(1, 0, "hello")
	loc, err := el.Append(1, 0, buf)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := el.Read(1, 0, loc)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(buf) {
		t.Errorf("Read = %q, want %q", got, buf)
	}
}

func TestEntryLogReadMismatchedIDFails(t *testing.T) {
	dirs := newTestLedgerDirs(t)
	el, err := OpenEntryLog(dirs, 0, 10, nil)
	if err != nil {
		t.Fatalf("OpenEntryLog: %v", err)
	}
	defer el.Close()

	loc, err := el.Append(1, 0, mustBuf(1, 0, "hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := el.Read(2, 0, loc); err == nil {
		t.Fatal("Read with wrong ledgerId should fail")
	}
}

func TestEntryLogRotatesAndSealsSegments(t *testing.T) {
	dirs := newTestLedgerDirs(t)
	el, err := OpenEntryLog(dirs, entryLogFileHeaderSize+entryLogHeaderPrefix+8, 10, nil)
	if err != nil {
		t.Fatalf("OpenEntryLog: %v", err)
	}
	defer el.Close()

	first := el.ActiveSegmentID()
	if _, err := el.Append(1, 0, mustBuf(1, 0, "12345678")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if el.ActiveSegmentID() == first {
		t.Fatal("expected rotation after exceeding maxSize")
	}

	sealed := el.GetSealedSegmentIDs()
	if len(sealed) != 1 || sealed[0] != first {
		t.Fatalf("sealed segments = %v, want [%d]", sealed, first)
	}
}

func TestEntryLogIterateSegment(t *testing.T) {
	dirs := newTestLedgerDirs(t)
	el, err := OpenEntryLog(dirs, 0, 10, nil)
	if err != nil {
		t.Fatalf("OpenEntryLog: %v", err)
	}
	defer el.Close()

	for i := int64(0); i < 5; i++ {
		if _, err := el.Append(1, i, mustBuf(1, i, "x")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	var count int
	err = el.IterateSegment(el.ActiveSegmentID(), func(ledgerID, entryID int64, offset uint64, payload []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("IterateSegment: %v", err)
	}
	if count != 5 {
		t.Fatalf("iterated %d entries, want 5", count)
	}
}
