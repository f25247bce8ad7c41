package bookie

import (
	"path/filepath"
	"testing"
)

func newTestGCFixture(t *testing.T) (*EntryLog, *LedgerCache, *SegmentStore, *inMemoryMetadata) {
	t.Helper()
	dirs := newTestLedgerDirs(t)

	// A tiny max segment size forces each Append to roll into a new
	// segment, so tests can seal a segment without reaching into EntryLog
	// internals.
	el, err := OpenEntryLog(dirs, entryLogFileHeaderSize+entryLogHeaderPrefix+1, 10, nil)
	if err != nil {
		t.Fatalf("OpenEntryLog: %v", err)
	}
	t.Cleanup(func() { el.Close() })

	cache := NewLedgerCache(dirs, 16)
	t.Cleanup(func() { cache.Close() })

	segPath := filepath.Join(t.TempDir(), "segments.ldb")
	segments, err := OpenSegmentStore(segPath)
	if err != nil {
		t.Fatalf("OpenSegmentStore: %v", err)
	}
	t.Cleanup(func() { segments.Close() })

	metadata := NewInMemoryMetadataClient()
	mem, ok := metadata.impl.(*inMemoryMetadata)
	if !ok {
		t.Fatal("expected in-memory metadata impl")
	}
	return el, cache, segments, mem
}

func writeAndTrack(t *testing.T, el *EntryLog, cache *LedgerCache, segments *SegmentStore, ledgerID, entryID int64, payload string) {
	t.Helper()
	buf := mustBuf(ledgerID, entryID, payload)
	loc, err := el.Append(ledgerID, entryID, buf)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := cache.Put(ledgerID, entryID, loc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := segments.RecordWrite(loc.LogID, ledgerID, uint64(len(buf))); err != nil {
		t.Fatalf("RecordWrite: %v", err)
	}
}

// TestGCDeletesEmptySegment covers spec scenario S5's deletion
// half: a segment whose only ledger was deleted is removed.
func TestGCDeletesEmptySegment(t *testing.T) {
	el, cache, segments, mem := newTestGCFixture(t)

	sealedID := el.ActiveSegmentID()
	writeAndTrack(t, el, cache, segments, 1, 0, "a")
	if el.ActiveSegmentID() == sealedID {
		t.Fatal("expected rotation after exceeding tiny maxSize")
	}

	mem.MarkLedgerDeleted(1)

	gc := NewGarbageCollector(el, cache, segments, MetadataClient{impl: mem}, nil, &Options{GCScanInterval: 0}, nil)
	if err := gc.deleteEmptySegments(); err != nil {
		t.Fatalf("deleteEmptySegments: %v", err)
	}

	empty, err := segments.IsEmpty(sealedID)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatalf("segment %d should have been forgotten", sealedID)
	}
}

func TestGCCompactionPreservesLiveEntries(t *testing.T) {
	el, cache, segments, mem := newTestGCFixture(t)

	sealedID := el.ActiveSegmentID()
	writeAndTrack(t, el, cache, segments, 1, 0, "keep-me")
	if el.ActiveSegmentID() == sealedID {
		t.Fatal("expected rotation after exceeding tiny maxSize")
	}

	mem.MarkLedgerDeleted(2)
	if err := segments.RecordStale(sealedID, 100); err != nil {
		t.Fatalf("RecordStale: %v", err)
	}

	gc := NewGarbageCollector(el, cache, segments, MetadataClient{impl: mem}, nil, &Options{}, nil)
	if err := gc.compactSegment(sealedID); err != nil {
		t.Fatalf("compactSegment: %v", err)
	}

	loc, found, err := cache.Get(1, 0)
	if err != nil || !found {
		t.Fatalf("cache.Get(1,0) after compaction = %v, %v, %v", loc, found, err)
	}
	payload, err := el.Read(1, 0, loc)
	if err != nil {
		t.Fatalf("Read after compaction: %v", err)
	}
	if string(payload) != string(mustBuf(1, 0, "keep-me")) {
		t.Fatalf("payload after compaction = %q", payload)
	}
}
