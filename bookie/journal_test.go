package bookie

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestJournalAppendAndReplay(t *testing.T) {
	defer leaktest.Check(t)()

	dir := t.TempDir()
	j, err := OpenJournal(dir, 0, 4, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}

	want := map[int64][]byte{
		0: []byte("hello"),
		1: []byte("world"),
		2: []byte("!"),
	}
	for entryID, payload := range want {
		if _, err := j.LogAddEntry(1, entryID, payload); err != nil {
			t.Fatalf("LogAddEntry(%d): %v", entryID, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenJournal(dir, 0, 4, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	got := make(map[int64][]byte)
	err = j2.Replay(LastLogMark{}, func(rec JournalRecord) error {
		got[rec.EntryID] = rec.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("replay returned %d records, want %d", len(got), len(want))
	}
	for id, payload := range want {
		if string(got[id]) != string(payload) {
			t.Errorf("entry %d: got %q want %q", id, got[id], payload)
		}
	}
}

func TestJournalReplayFromMarkSkipsEarlierRecords(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, 0, 1, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}

	mark0, err := j.LogAddEntry(1, 0, []byte("a"))
	if err != nil {
		t.Fatalf("append 0: %v", err)
	}
	if _, err := j.LogAddEntry(1, 1, []byte("b")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenJournal(dir, 0, 1, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	var ids []int64
	err = j2.Replay(mark0, func(rec JournalRecord) error {
		ids = append(ids, rec.EntryID)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("replay from mark0 = %v, want [1]", ids)
	}
}

func TestJournalTrimToRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, 64, 1, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	var lastMark LastLogMark
	for i := int64(0); i < 20; i++ {
		mark, err := j.LogAddEntry(1, i, []byte("0123456789"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		lastMark = mark
	}

	if err := j.TrimTo(lastMark, 0); err != nil {
		t.Fatalf("TrimTo: %v", err)
	}

	ids, err := listJournalFileIDs(dir)
	if err != nil {
		t.Fatalf("listJournalFileIDs: %v", err)
	}
	for _, id := range ids {
		if id < lastMark.TxnLogID {
			t.Errorf("file %d should have been trimmed (< %d)", id, lastMark.TxnLogID)
		}
	}
}
