package bookie

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// SegmentStore tracks, per entry-log segment, how many bytes are stale
// (belong to entries superseded by compaction or to ledgers that were
// deleted) so the garbage collector can pick compaction victims without
// rescanning every segment on every cycle. Grounded on stonedb's
// deletedBytesByFile/sysStaleBytesPrefix bookkeeping in compaction.go,
// repurposed here from transaction garbage to ledger-segment garbage and
// backed by the same embedded KV store rather than a bespoke format,
// because this sidecar has none of the fixed-page invariants the ledger
// index itself must satisfy.
type SegmentStore struct {
	db *leveldb.DB
}

const (
	segKeyPrefixStale byte = 's' // "s" + segmentId(4) -> staleBytes(8)
	segKeyPrefixSize  byte = 'z' // "z" + segmentId(4) -> totalBytes(8)
	// "l" + segmentId(4) + ledgerId(8) -> liveBytes(8). Absence, or a value
	// of 0, means the ledger has no live bytes left in this segment.
	segKeyPrefixLive byte = 'l'
)

// OpenSegmentStore opens (creating if needed) the goleveldb database at
// path that backs segment garbage accounting.
func OpenSegmentStore(path string) (*SegmentStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("bookie: open segment store: %w", err)
	}
	return &SegmentStore{db: db}, nil
}

func segKey(prefix byte, segmentID uint32) []byte {
	k := make([]byte, 5)
	k[0] = prefix
	binary.BigEndian.PutUint32(k[1:], segmentID)
	return k
}

func segLiveKey(segmentID uint32, ledgerID int64) []byte {
	k := make([]byte, 13)
	k[0] = segKeyPrefixLive
	binary.BigEndian.PutUint32(k[1:5], segmentID)
	putBeUint64(k[5:13], uint64(ledgerID))
	return k
}

// RecordWrite registers that entrySize bytes of a live entry belonging to
// ledgerID were written into segmentID.
func (s *SegmentStore) RecordWrite(segmentID uint32, ledgerID int64, entrySize uint64) error {
	batch := new(leveldb.Batch)
	if err := s.addUint64(batch, segKey(segKeyPrefixSize, segmentID), entrySize); err != nil {
		return err
	}
	if err := s.addUint64(batch, segLiveKey(segmentID, ledgerID), entrySize); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// RecordStale marks entrySize bytes within segmentID as superseded (the
// entry was rewritten elsewhere or its ledger was deleted). It does not
// touch any per-ledger liveness accounting; callers that are retiring a
// specific ledger's bytes should go through MarkEntrySuperseded or
// MarkLedgerGone instead, which keep the two in sync.
func (s *SegmentStore) RecordStale(segmentID uint32, entrySize uint64) error {
	batch := new(leveldb.Batch)
	if err := s.addUint64(batch, segKey(segKeyPrefixStale, segmentID), entrySize); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// MarkEntrySuperseded records that an entrySize-byte entry belonging to
// ledgerID, previously live in segmentID, has been copied elsewhere by
// compaction: the bytes move from that ledger's live total into the
// segment's stale total. Used for the old copy's segment after a
// successful CAS write-back.
func (s *SegmentStore) MarkEntrySuperseded(segmentID uint32, ledgerID int64, entrySize uint64) error {
	batch := new(leveldb.Batch)
	if err := s.addUint64(batch, segKey(segKeyPrefixStale, segmentID), entrySize); err != nil {
		return err
	}
	if err := s.subUint64(batch, segLiveKey(segmentID, ledgerID), entrySize); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// MarkLedgerGone retires every live byte ledgerID still has recorded in
// segmentID: they move into the segment's stale total, and the ledger's
// liveness entry is removed.
func (s *SegmentStore) MarkLedgerGone(segmentID uint32, ledgerID int64) error {
	liveBytes, err := s.readUint64(segLiveKey(segmentID, ledgerID))
	if err != nil {
		return err
	}
	if liveBytes == 0 {
		return s.db.Delete(segLiveKey(segmentID, ledgerID), nil)
	}
	batch := new(leveldb.Batch)
	if err := s.addUint64(batch, segKey(segKeyPrefixStale, segmentID), liveBytes); err != nil {
		return err
	}
	batch.Delete(segLiveKey(segmentID, ledgerID))
	return s.db.Write(batch, nil)
}

func (s *SegmentStore) addUint64(batch *leveldb.Batch, key []byte, delta uint64) error {
	cur, err := s.readUint64(key)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur+delta)
	batch.Put(key, buf)
	return nil
}

// subUint64 subtracts delta from key's current value, clamping at zero and
// deleting the key entirely once it reaches zero (so LiveLedgers' presence
// scan stays accurate without a separate zero-check).
func (s *SegmentStore) subUint64(batch *leveldb.Batch, key []byte, delta uint64) error {
	cur, err := s.readUint64(key)
	if err != nil {
		return err
	}
	if delta >= cur {
		batch.Delete(key)
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur-delta)
	batch.Put(key, buf)
	return nil
}

func (s *SegmentStore) readUint64(key []byte) (uint64, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// GarbageRatio returns staleBytes/totalBytes for segmentID, or 0 if the
// segment has no recorded writes.
func (s *SegmentStore) GarbageRatio(segmentID uint32) (float64, error) {
	total, err := s.readUint64(segKey(segKeyPrefixSize, segmentID))
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	stale, err := s.readUint64(segKey(segKeyPrefixStale, segmentID))
	if err != nil {
		return 0, err
	}
	return float64(stale) / float64(total), nil
}

// UsageRatio returns liveBytes/totalBytes for segmentID (1 - GarbageRatio),
// used by the garbage collector's tiered thresholds. A segment with no
// recorded writes reports 1.0 (fully live) so it is never mistaken for a
// compaction victim.
func (s *SegmentStore) UsageRatio(segmentID uint32) (float64, error) {
	ratio, err := s.GarbageRatio(segmentID)
	if err != nil {
		return 0, err
	}
	return 1 - ratio, nil
}

// LiveLedgers returns every ledgerId with at least one live entry recorded
// in segmentID.
func (s *SegmentStore) LiveLedgers(segmentID uint32) ([]int64, error) {
	prefix := make([]byte, 5)
	prefix[0] = segKeyPrefixLive
	binary.BigEndian.PutUint32(prefix[1:], segmentID)

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []int64
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 13 || key[0] != segKeyPrefixLive || binary.BigEndian.Uint32(key[1:5]) != segmentID {
			break
		}
		out = append(out, int64(beUint64(key[5:13])))
	}
	return out, iter.Error()
}

// IsEmpty reports whether segmentID has zero live ledgers recorded,
// meaning its file can be deleted outright rather than compacted.
func (s *SegmentStore) IsEmpty(segmentID uint32) (bool, error) {
	live, err := s.LiveLedgers(segmentID)
	if err != nil {
		return false, err
	}
	return len(live) == 0, nil
}

// Forget drops all accounting for segmentID, used once its file has been
// deleted.
func (s *SegmentStore) Forget(segmentID uint32) error {
	batch := new(leveldb.Batch)
	batch.Delete(segKey(segKeyPrefixStale, segmentID))
	batch.Delete(segKey(segKeyPrefixSize, segmentID))
	live, err := s.LiveLedgers(segmentID)
	if err != nil {
		return err
	}
	for _, ledgerID := range live {
		batch.Delete(segLiveKey(segmentID, ledgerID))
	}
	return s.db.Write(batch, nil)
}

// Close releases the underlying database handle.
func (s *SegmentStore) Close() error {
	return s.db.Close()
}
