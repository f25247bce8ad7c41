package bookie

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Journal framing, spec §4.B:
//
//	file header:   [version:1][reserved:7]
//	record:        [recordLen:4][ledgerId:8][entryId:8][payload...][crc32c:4]
//
// recordLen counts ledgerId+entryId+payload, not the trailing checksum.
const (
	journalFileHeaderSize = 8
	journalRecordPrefix   = 4 + 8 + 8
	journalRecordSuffix   = 4
	journalVersion        = 1
)

// journalWriteRequest is a single caller's append, queued for group commit
// the way stonedb's commitRequest queues a transaction for runGroupCommits.
type journalWriteRequest struct {
	ledgerID int64
	entryID  int64
	payload  []byte
	mark     LastLogMark
	done     chan error
}

// Journal is the write-ahead log: every entry and meta-record is appended
// here, fsynced in batches, before it is considered durable.
type Journal struct {
	dir         string
	maxFileSize uint32
	maxBatch    int
	maxWait     time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	file      *os.File
	bw        *bufio.Writer
	logID     uint64
	pos       uint64
	onRotate  func(oldLogID uint64)

	reqCh  chan *journalWriteRequest
	stopCh chan struct{}
	wg     sync.WaitGroup

	fatal fatalErrBox
}

// fatalErrBox guards a sticky fatal error the way stonedb's strictSync
// panics on EIO/ENOSPC: once set, every subsequent call fails fast instead
// of pretending the journal is still healthy.
type fatalErrBox struct {
	mu  sync.Mutex
	err error
}

func (a *fatalErrBox) set(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
}

func (a *fatalErrBox) get() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// OpenJournal opens (creating if needed) the journal directory, starts a
// new file numbered one past the newest existing file (so new records never
// follow a torn tail), and starts the group-commit goroutine.
func OpenJournal(dir string, maxFileSize uint32, maxBatch int, maxWait time.Duration, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("bookie: journal mkdir: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	j := &Journal{
		dir:         dir,
		maxFileSize: maxFileSize,
		maxBatch:    maxBatch,
		maxWait:     maxWait,
		logger:      logger,
		reqCh:       make(chan *journalWriteRequest, 1024),
		stopCh:      make(chan struct{}),
	}

	ids, err := listJournalFileIDs(dir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if err := j.rotateLocked(1); err != nil {
			return nil, err
		}
	} else {
		latest := ids[len(ids)-1]
		if err := j.openForAppend(latest + 1); err != nil {
			return nil, err
		}
	}

	j.wg.Add(1)
	go j.runGroupCommit()
	return j, nil
}

func journalFileName(id uint64) string {
	return fmt.Sprintf("%020d.txn", id)
}

func listJournalFileIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("bookie: list journal dir: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txn") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".txn")
		id, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (j *Journal) openForAppend(id uint64) error {
	path := filepath.Join(j.dir, journalFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		return fmt.Errorf("bookie: open journal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() == 0 {
		hdr := make([]byte, journalFileHeaderSize)
		hdr[0] = journalVersion
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return err
		}
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	j.file = f
	j.bw = bufio.NewWriterSize(f, 256*1024)
	j.logID = id
	j.pos = uint64(pos)
	return nil
}

func (j *Journal) rotateLocked(id uint64) error {
	if j.file != nil {
		if err := j.flushAndSyncLocked(); err != nil {
			return err
		}
		oldID := j.logID
		if err := j.file.Close(); err != nil {
			return err
		}
		if j.onRotate != nil {
			j.onRotate(oldID)
		}
	}
	return j.openForAppend(id)
}

// SetOnRotate registers a callback invoked with the id of the file just
// sealed by rotation, mirroring stonedb's SetOnWALRotate hook used to flush
// the value log before the WAL segment that references it disappears.
func (j *Journal) SetOnRotate(fn func(oldLogID uint64)) {
	j.mu.Lock()
	j.onRotate = fn
	j.mu.Unlock()
}

// LogAddEntry queues a record for group commit and blocks until it is
// fsynced, returning the mark it became durable at.
func (j *Journal) LogAddEntry(ledgerID, entryID int64, payload []byte) (LastLogMark, error) {
	if err := j.fatal.get(); err != nil {
		return LastLogMark{}, err
	}
	req := &journalWriteRequest{
		ledgerID: ledgerID,
		entryID:  entryID,
		payload:  payload,
		done:     make(chan error, 1),
	}
	select {
	case j.reqCh <- req:
	case <-j.stopCh:
		return LastLogMark{}, ErrBookieClosed
	}
	if err := <-req.done; err != nil {
		return LastLogMark{}, err
	}
	return req.mark, nil
}

func (j *Journal) runGroupCommit() {
	defer j.wg.Done()
	var batch []*journalWriteRequest

	for {
		batch = batch[:0]
		select {
		case req, ok := <-j.reqCh:
			if !ok {
				return
			}
			batch = append(batch, req)
		case <-j.stopCh:
			return
		}

		timer := time.NewTimer(j.maxWait)
	drain:
		for len(batch) < j.maxBatch {
			select {
			case req := <-j.reqCh:
				batch = append(batch, req)
			case <-timer.C:
				break drain
			case <-j.stopCh:
				timer.Stop()
				j.failBatch(batch, ErrBookieClosed)
				return
			}
		}
		timer.Stop()

		j.processBatch(batch)
	}
}

func (j *Journal) failBatch(batch []*journalWriteRequest, err error) {
	for _, req := range batch {
		req.done <- err
	}
}

func (j *Journal) processBatch(batch []*journalWriteRequest) {
	if len(batch) == 0 {
		return
	}

	j.mu.Lock()
	var lastErr error
	for _, req := range batch {
		if err := j.writeRecordLocked(req); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		lastErr = j.flushAndSyncLocked()
	}
	mark := LastLogMark{TxnLogID: j.logID, TxnLogPos: j.pos}
	needRotate := j.maxFileSize > 0 && j.pos >= uint64(j.maxFileSize)
	nextID := j.logID + 1
	j.mu.Unlock()

	if lastErr != nil {
		j.fatal.set(lastErr)
		j.logger.Error("journal write failed, marking fatal", "err", lastErr)
		j.failBatch(batch, lastErr)
		return
	}

	for _, req := range batch {
		req.mark = mark
		req.done <- nil
	}

	if needRotate {
		j.mu.Lock()
		if err := j.rotateLocked(nextID); err != nil {
			j.fatal.set(err)
			j.logger.Error("journal rotate failed, marking fatal", "err", err)
		}
		j.mu.Unlock()
	}
}

func (j *Journal) writeRecordLocked(req *journalWriteRequest) error {
	recLen := uint32(16 + len(req.payload))
	hdr := make([]byte, journalRecordPrefix)
	binary.BigEndian.PutUint32(hdr[0:4], recLen)
	putBeUint64(hdr[4:12], uint64(req.ledgerID))
	putBeUint64(hdr[12:20], uint64(req.entryID))

	crc := crc32.Checksum(hdr[4:20], Crc32Table)
	crc = crc32.Update(crc, Crc32Table, req.payload)

	if _, err := j.bw.Write(hdr); err != nil {
		return err
	}
	if len(req.payload) > 0 {
		if _, err := j.bw.Write(req.payload); err != nil {
			return err
		}
	}
	var trailer [journalRecordSuffix]byte
	binary.BigEndian.PutUint32(trailer[:], crc)
	if _, err := j.bw.Write(trailer[:]); err != nil {
		return err
	}

	j.pos += uint64(journalRecordPrefix + len(req.payload) + journalRecordSuffix)
	return nil
}

func (j *Journal) flushAndSyncLocked() error {
	if err := j.bw.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// JournalRecord is one decoded record handed to a Replay callback.
type JournalRecord struct {
	LogID    uint64
	Offset   uint64
	LedgerID int64
	EntryID  int64
	Payload  []byte
}

// Replay streams every record from fromMark (exclusive) forward, in file
// order, the way stonedb.ReplaySinceTx walks WAL files from a starting
// transaction id. onRecord returning an error aborts the replay.
func (j *Journal) Replay(fromMark LastLogMark, onRecord func(JournalRecord) error) error {
	ids, err := listJournalFileIDs(j.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id < fromMark.TxnLogID {
			continue
		}
		skipTo := uint64(0)
		if id == fromMark.TxnLogID {
			skipTo = fromMark.TxnLogPos
		}
		if err := j.replayFile(id, skipTo, onRecord); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replayFile(id uint64, skipTo uint64, onRecord func(JournalRecord) error) error {
	path := filepath.Join(j.dir, journalFileName(id))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 256*1024)
	hdr := make([]byte, journalFileHeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return err
	}

	pos := uint64(journalFileHeaderSize)
	prefix := make([]byte, journalRecordPrefix)
	for {
		if _, err := io.ReadFull(br, prefix); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn tail write from an unclean shutdown; stop here.
				return nil
			}
			return err
		}
		recLen := binary.BigEndian.Uint32(prefix[0:4])
		if recLen < 16 {
			return fmt.Errorf("bookie: corrupt journal record length in %s at offset %d", path, pos)
		}
		ledgerID := int64(beUint64(prefix[4:12]))
		entryID := int64(beUint64(prefix[12:20]))
		payloadLen := int(recLen) - 16

		body := make([]byte, payloadLen+journalRecordSuffix)
		if _, err := io.ReadFull(br, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		payload := body[:payloadLen]
		trailer := body[payloadLen:]
		wantCRC := binary.BigEndian.Uint32(trailer)

		crc := crc32.Checksum(prefix[4:20], Crc32Table)
		crc = crc32.Update(crc, Crc32Table, payload)
		if crc != wantCRC {
			return fmt.Errorf("bookie: journal checksum mismatch in %s at offset %d: %w", path, pos, ErrCorruptJournal)
		}

		recordEnd := pos + uint64(journalRecordPrefix+payloadLen+journalRecordSuffix)
		if recordEnd > skipTo {
			rec := JournalRecord{
				LogID:    id,
				Offset:   recordEnd,
				LedgerID: ledgerID,
				EntryID:  entryID,
				Payload:  payload,
			}
			if err := onRecord(rec); err != nil {
				return err
			}
		}
		pos = recordEnd
	}
}

// TrimTo deletes journal files that are entirely older than keepMark and,
// if retention > 0, additionally older than retention by mtime. Files
// containing or following keepMark are never removed.
func (j *Journal) TrimTo(keepMark LastLogMark, retention time.Duration) error {
	ids, err := listJournalFileIDs(j.dir)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, id := range ids {
		if id >= keepMark.TxnLogID {
			continue
		}
		path := filepath.Join(j.dir, journalFileName(id))
		if retention > 0 {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < retention {
				continue
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("journal trim failed", "path", path, "err", err)
		}
	}
	return nil
}

// currentMark returns the journal's current write position, used by the
// checkpointer as the mark to publish once flushes complete (spec §4.F
// step 1).
func (j *Journal) currentMark() LastLogMark {
	j.mu.Lock()
	defer j.mu.Unlock()
	return LastLogMark{TxnLogID: j.logID, TxnLogPos: j.pos}
}

// Close stops the group-commit goroutine and closes the active file.
func (j *Journal) Close() error {
	close(j.stopCh)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.flushAndSyncLocked()
	cerr := j.file.Close()
	j.file = nil
	if err != nil {
		return err
	}
	return cerr
}

// ErrCorruptJournal indicates a checksum mismatch was found mid-file,
// distinct from the torn-tail case (which is expected after a crash: replay
// stops at the torn record without error, and the file is not truncated).
var ErrCorruptJournal = errors.New("bookie: corrupt journal record")
