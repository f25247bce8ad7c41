package bookie

import (
	"bufio"
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Entry-log framing, spec §4.C:
//
//	[entryLen:4][ledgerId:8][entryId:8][payload...]
//
// entryLen counts ledgerId+entryId+payload. No per-entry checksum: the
// journal is the durability authority and already verified the bytes: the
// entry log is a compaction-friendly, sequential-write restatement of data
// the journal already made durable.
const entryLogHeaderPrefix = 4 + 8 + 8

// entryLogFileHeaderSize is the fixed preamble every segment starts with:
// [version:1][reserved:7].
const entryLogFileHeaderSize = 8

// entryLogReadHandle is one entry of the LRU of open os.File read handles
// (bounded by EntryLog.maxOpen), grounded on vlog.go's fileCache/lruOrder
// pair.
type entryLogReadHandle struct {
	id   uint32
	file *os.File
}

// EntryLog stores ledger entries in segment files shared across ledgers,
// interleaved in append order. Writers see only the active segment;
// readers may touch any sealed segment through a bounded LRU of open file
// handles.
type EntryLog struct {
	dirs   *LedgerDirs
	logger *slog.Logger

	maxSize uint32

	mu        sync.Mutex
	activeID  uint32
	activeF   *os.File
	activeBW  *bufio.Writer
	activePos uint32
	dirOfID   map[uint32]string

	rmu         sync.Mutex
	readHandles map[uint32]*list.Element
	lruList     *list.List
	maxOpen     int
}

// OpenEntryLog scans every ledger directory's current/ subfolder for
// existing .log segments, and opens (or creates) the highest-numbered one
// for append.
func OpenEntryLog(dirs *LedgerDirs, maxSize uint32, maxOpenFiles int, logger *slog.Logger) (*EntryLog, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	el := &EntryLog{
		dirs:        dirs,
		logger:      logger,
		maxSize:     maxSize,
		dirOfID:     make(map[uint32]string),
		readHandles: make(map[uint32]*list.Element),
		lruList:     list.New(),
		maxOpen:     maxOpenFiles,
	}

	var maxID uint32
	found := false
	for _, d := range dirs.AllDirs() {
		entries, err := os.ReadDir(currentDir(d))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			id, ok := parseEntryLogName(e.Name())
			if !ok {
				continue
			}
			el.dirOfID[id] = d
			if !found || id > maxID {
				maxID = id
				found = true
			}
		}
	}

	if !found {
		if err := el.createSegment(0); err != nil {
			return nil, err
		}
	} else if err := el.openActiveForAppend(maxID); err != nil {
		return nil, err
	}

	return el, nil
}

func parseEntryLogName(name string) (uint32, bool) {
	if filepath.Ext(name) != ".log" {
		return 0, false
	}
	base := name[:len(name)-4]
	var id uint32
	if _, err := fmt.Sscanf(base, "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

func entryLogFileName(id uint32) string {
	return fmt.Sprintf("%010d.log", id)
}

func (el *EntryLog) pathFor(id uint32, dir string) string {
	return filepath.Join(currentDir(dir), entryLogFileName(id))
}

func (el *EntryLog) createSegment(id uint32) error {
	dir, err := el.dirs.PickForNewFile()
	if err != nil {
		return err
	}
	path := el.pathFor(id, dir)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return fmt.Errorf("bookie: create entry log segment: %w", err)
	}
	hdr := make([]byte, entryLogFileHeaderSize)
	hdr[0] = journalVersion
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return err
	}
	el.activeID = id
	el.activeF = f
	el.activeBW = bufio.NewWriterSize(f, 256*1024)
	el.activePos = entryLogFileHeaderSize
	el.dirOfID[id] = dir
	return nil
}

func (el *EntryLog) openActiveForAppend(id uint32) error {
	dir, ok := el.dirOfID[id]
	if !ok {
		return fmt.Errorf("bookie: entry log segment %d has no known directory", id)
	}
	path := el.pathFor(id, dir)
	f, err := os.OpenFile(path, os.O_RDWR, fileMode)
	if err != nil {
		return fmt.Errorf("bookie: open active entry log segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() < entryLogFileHeaderSize {
		f.Close()
		return fmt.Errorf("bookie: truncated entry log segment header %s", path)
	}
	el.activeID = id
	el.activeF = f
	el.activeBW = bufio.NewWriterSize(f, 256*1024)
	el.activePos = uint32(pos)
	return nil
}

// Append writes one entry into the active segment and returns its
// location. It does not touch the journal; the Bookie facade appends here
// before it journals the same entry.
func (el *EntryLog) Append(ledgerID, entryID int64, payload []byte) (EntryLocation, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entryLen := uint32(16 + len(payload))
	hdr := make([]byte, entryLogHeaderPrefix)
	binary.BigEndian.PutUint32(hdr[0:4], entryLen)
	putBeUint64(hdr[4:12], uint64(ledgerID))
	putBeUint64(hdr[12:20], uint64(entryID))

	if _, err := el.activeBW.Write(hdr); err != nil {
		return EntryLocation{}, err
	}
	if len(payload) > 0 {
		if _, err := el.activeBW.Write(payload); err != nil {
			return EntryLocation{}, err
		}
	}

	loc := EntryLocation{LogID: el.activeID, Offset: uint64(el.activePos)}
	el.activePos += entryLogHeaderPrefix + uint32(len(payload))

	if el.maxSize > 0 && el.activePos >= el.maxSize {
		if err := el.rotateLocked(); err != nil {
			return loc, err
		}
	}
	return loc, nil
}

// Flush fsyncs the active segment, making previously Append-ed entries
// durable independent of the journal (used by the checkpointer).
func (el *EntryLog) Flush() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if err := el.activeBW.Flush(); err != nil {
		return err
	}
	return el.activeF.Sync()
}

func (el *EntryLog) rotateLocked() error {
	if err := el.activeBW.Flush(); err != nil {
		return err
	}
	if err := el.activeF.Sync(); err != nil {
		return err
	}
	if err := el.activeF.Close(); err != nil {
		return err
	}
	return el.createSegment(el.activeID + 1)
}

// ActiveSegmentID returns the id of the segment currently accepting writes.
func (el *EntryLog) ActiveSegmentID() uint32 {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.activeID
}

// Read fetches the payload stored at loc, verifying the ledgerId/entryId
// prefix matches what the caller expects.
func (el *EntryLog) Read(ledgerID, entryID int64, loc EntryLocation) ([]byte, error) {
	f, err := el.acquireReadHandle(loc.LogID)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, entryLogHeaderPrefix)
	if _, err := f.ReadAt(hdr, int64(loc.Offset)); err != nil {
		return nil, fmt.Errorf("bookie: read entry log header at %d:%d: %w", loc.LogID, loc.Offset, err)
	}
	entryLen := binary.BigEndian.Uint32(hdr[0:4])
	gotLedger := int64(beUint64(hdr[4:12]))
	gotEntry := int64(beUint64(hdr[12:20]))
	if gotLedger != ledgerID || gotEntry != entryID {
		return nil, fmt.Errorf("bookie: entry log index mismatch at %d:%d: want (%d,%d) got (%d,%d): %w",
			loc.LogID, loc.Offset, ledgerID, entryID, gotLedger, gotEntry, ErrCorruptEntryLog)
	}
	payloadLen := int(entryLen) - 16
	if payloadLen < 0 {
		return nil, fmt.Errorf("bookie: negative payload length at %d:%d: %w", loc.LogID, loc.Offset, ErrCorruptEntryLog)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := f.ReadAt(payload, int64(loc.Offset)+int64(entryLogHeaderPrefix)); err != nil {
			return nil, fmt.Errorf("bookie: read entry log payload at %d:%d: %w", loc.LogID, loc.Offset, err)
		}
	}
	return payload, nil
}

// acquireReadHandle returns a file handle positioned to read segment id.
// For the active segment it flushes the buffered writer first so a just
// appended entry is visible to ReadAt before any Flush()/rotation — the
// read-your-writes guarantee spec §4.C requires.
func (el *EntryLog) acquireReadHandle(id uint32) (*os.File, error) {
	el.mu.Lock()
	if id == el.activeID {
		f := el.activeF
		err := el.activeBW.Flush()
		el.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("bookie: flush active entry log segment for read: %w", err)
		}
		return f, nil
	}
	dir, ok := el.dirOfID[id]
	el.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bookie: unknown entry log segment %d", id)
	}

	el.rmu.Lock()
	defer el.rmu.Unlock()
	if elem, ok := el.readHandles[id]; ok {
		el.lruList.MoveToFront(elem)
		return elem.Value.(*entryLogReadHandle).file, nil
	}

	path := el.pathFor(id, dir)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bookie: open sealed entry log segment %d: %w", id, err)
	}
	handle := &entryLogReadHandle{id: id, file: f}
	elem := el.lruList.PushFront(handle)
	el.readHandles[id] = elem

	if el.maxOpen > 0 {
		for el.lruList.Len() > el.maxOpen {
			el.evictOldest()
		}
	}
	return f, nil
}

func (el *EntryLog) evictOldest() {
	back := el.lruList.Back()
	if back == nil {
		return
	}
	handle := back.Value.(*entryLogReadHandle)
	el.lruList.Remove(back)
	delete(el.readHandles, handle.id)
	handle.file.Close()
}

// GetSealedSegmentIDs returns every segment id that is not the active one,
// used by the garbage collector to decide what is eligible for compaction.
func (el *EntryLog) GetSealedSegmentIDs() []uint32 {
	el.mu.Lock()
	defer el.mu.Unlock()
	ids := make([]uint32, 0, len(el.dirOfID))
	for id := range el.dirOfID {
		if id != el.activeID {
			ids = append(ids, id)
		}
	}
	return ids
}

// DirOf returns the directory a segment lives in.
func (el *EntryLog) DirOf(id uint32) (string, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	dir, ok := el.dirOfID[id]
	return dir, ok
}

// RegisterSegment records a segment created out-of-band (e.g. by the
// garbage collector's compaction writer) so subsequent reads can find it.
func (el *EntryLog) RegisterSegment(id uint32, dir string) {
	el.mu.Lock()
	el.dirOfID[id] = dir
	el.mu.Unlock()
}

// IterateSegment streams every record in segment id, live or not, calling
// fn with (ledgerId, entryId, offset, payload) for each. For the active
// segment it flushes the buffered writer first so appended records are
// included. Used by compaction.
func (el *EntryLog) IterateSegment(id uint32, fn func(ledgerID, entryID int64, offset uint64, payload []byte) error) error {
	dir, ok := el.DirOf(id)
	if !ok {
		return fmt.Errorf("bookie: unknown entry log segment %d", id)
	}
	el.mu.Lock()
	if id == el.activeID {
		if err := el.activeBW.Flush(); err != nil {
			el.mu.Unlock()
			return fmt.Errorf("bookie: flush active entry log segment for iteration: %w", err)
		}
	}
	el.mu.Unlock()
	path := el.pathFor(id, dir)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 256*1024)
	hdr := make([]byte, entryLogFileHeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	pos := uint64(entryLogFileHeaderSize)
	prefix := make([]byte, entryLogHeaderPrefix)
	for {
		if _, err := io.ReadFull(br, prefix); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		entryLen := binary.BigEndian.Uint32(prefix[0:4])
		if entryLen < 16 {
			return fmt.Errorf("bookie: corrupt entry log record length in segment %d at %d", id, pos)
		}
		ledgerID := int64(beUint64(prefix[4:12]))
		entryID := int64(beUint64(prefix[12:20]))
		payloadLen := int(entryLen) - 16
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(br, payload); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return nil
				}
				return err
			}
		}
		if err := fn(ledgerID, entryID, pos, payload); err != nil {
			return err
		}
		pos += uint64(entryLogHeaderPrefix + payloadLen)
	}
}

// Close flushes and closes the active segment and every cached read handle.
func (el *EntryLog) Close() error {
	el.rmu.Lock()
	for el.lruList.Len() > 0 {
		el.evictOldest()
	}
	el.rmu.Unlock()

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.activeF == nil {
		return nil
	}
	err := el.activeBW.Flush()
	if err == nil {
		err = el.activeF.Sync()
	}
	cerr := el.activeF.Close()
	el.activeF = nil
	if err != nil {
		return err
	}
	return cerr
}

// ErrCorruptEntryLog mirrors ErrCorruptJournal for the entry log's own
// self-describing header.
var ErrCorruptEntryLog = errors.New("bookie: corrupt entry log record")
