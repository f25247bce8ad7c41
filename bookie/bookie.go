package bookie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// state is the facade's coarse lifecycle, guarded by atomic CAS so the
// read-only transition and shutdown can each happen exactly once even if
// triggered concurrently from multiple goroutines (LedgerDirs callback,
// journal fatal error, explicit Shutdown call).
type state int32

const (
	stateStarting state = iota
	stateWritable
	stateReadOnly
	stateClosed
)

// Bookie is the facade described in spec §4.H: it orchestrates startup
// (cookie validation + journal replay), addEntry/recoveryAddEntry/
// readEntry/fenceLedger, the read-only transition, and shutdown. Grounded
// on stonedb's DB in db.go, which plays the identical role of wiring
// WAL+ValueLog+index together behind one façade type.
type Bookie struct {
	opts   *Options
	logger *slog.Logger

	dirs     *LedgerDirs
	journal  *Journal
	entryLog *EntryLog
	cache    *LedgerCache
	segments *SegmentStore
	handles  *HandleFactory
	checkpointer *Checkpointer
	gc           *GarbageCollector
	metadata     MetadataClient
	metrics      *Metrics

	state atomic.Int32

	closeOnce sync.Once
}

// Start performs the full startup sequence of spec §4.H steps 1-5 (cookie
// validation, component init, journal replay, background task start,
// metadata registration) and returns a running Bookie.
func Start(opts *Options, metadata MetadataClient, logger *slog.Logger) (*Bookie, error) {
	o := *opts
	o.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Bookie{
		opts:     &o,
		logger:   logger,
		metadata: metadata,
		metrics:  NewMetrics(),
	}

	dirs, err := NewLedgerDirs(o.LedgerDirs, b, o.DiskCheckInterval, o.DiskFullThresholdPercent, logger)
	if err != nil {
		return nil, err
	}
	b.dirs = dirs

	if err := b.validateOrWriteCookies(); err != nil {
		dirs.Close()
		return nil, err
	}

	journal, err := OpenJournal(o.JournalDir, o.JournalMaxSizeBytes, o.JournalGroupCommitMaxSize, o.JournalGroupCommitMaxWait, logger)
	if err != nil {
		dirs.Close()
		return nil, err
	}
	b.journal = journal

	entryLog, err := OpenEntryLog(dirs, o.EntryLogMaxSizeBytes, o.EntryLogMaxOpenFiles, logger)
	if err != nil {
		journal.Close()
		dirs.Close()
		return nil, err
	}
	b.entryLog = entryLog

	cache := NewLedgerCache(dirs, o.LedgerCacheMaxPages)
	b.cache = cache
	b.handles = NewHandleFactory(cache)

	segStorePath := o.JournalDir + "/segments.ldb"
	segments, err := OpenSegmentStore(segStorePath)
	if err != nil {
		entryLog.Close()
		journal.Close()
		dirs.Close()
		return nil, err
	}
	b.segments = segments

	startMark, err := ReadMajorityLastMark(dirs.AllDirs())
	if err != nil {
		b.closeComponents()
		return nil, err
	}

	if err := b.replay(startMark); err != nil {
		b.closeComponents()
		return nil, fmt.Errorf("bookie: replay failed: %w", err)
	}

	b.checkpointer = NewCheckpointer(journal, entryLog, cache, dirs, o.CheckpointInterval, o.JournalRetention, logger, nil)
	b.checkpointer.SetInitialMark(startMark)
	b.checkpointer.Start()

	b.gc = NewGarbageCollector(entryLog, cache, segments, metadata, b.metrics, &o, logger)
	b.gc.Start()

	journal.SetOnRotate(func(oldLogID uint64) {
		logger.Debug("journal rotated", "oldLogId", oldLogID)
	})

	if err := metadata.WaitAvailableGone(o.BookieID); err != nil {
		b.closeComponents()
		return nil, fmt.Errorf("bookie: waiting for stale registration to expire: %w", err)
	}
	if err := metadata.RegisterAvailable(o.BookieID); err != nil {
		b.closeComponents()
		return nil, fmt.Errorf("bookie: register available: %w", ErrMetadataService)
	}

	b.state.Store(int32(stateWritable))
	return b, nil
}

func (b *Bookie) validateOrWriteCookies() error {
	o := b.opts
	local := NewCookie(o.BookieID, o.MetadataRoot, o.LedgerDirs, o.JournalDir)

	remote, remoteFound, err := b.metadata.ReadCookie(o.BookieID)
	if err != nil {
		return fmt.Errorf("bookie: read metadata cookie: %w", ErrMetadataService)
	}

	var anyDiskFound bool
	for _, d := range o.LedgerDirs {
		onDisk, found, err := ReadCookieFile(d)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		anyDiskFound = true
		if diffs := local.Diff(onDisk); len(diffs) > 0 {
			return fmt.Errorf("bookie: cookie mismatch in %s: %v: %w", d, diffs, ErrInvalidCookie)
		}
	}

	if !remoteFound && !anyDiskFound {
		data, err := local.Encode()
		if err != nil {
			return err
		}
		if err := b.metadata.WriteCookie(o.BookieID, data); err != nil {
			return fmt.Errorf("bookie: write metadata cookie: %w", ErrMetadataService)
		}
		for _, d := range o.LedgerDirs {
			if err := WriteCookieFile(d, local); err != nil {
				return err
			}
		}
		return nil
	}

	if remoteFound {
		remoteCookie, err := DecodeCookie(remote)
		if err != nil {
			return fmt.Errorf("bookie: decode metadata cookie: %w", err)
		}
		if diffs := local.Diff(remoteCookie); len(diffs) > 0 {
			return fmt.Errorf("bookie: cookie mismatch against metadata service: %v: %w", diffs, ErrInvalidCookie)
		}
	}
	return nil
}

// replay implements spec §4.H step 3: walk the journal from startMark,
// applying meta records and re-adding normal entries idempotently.
func (b *Bookie) replay(startMark LastLogMark) error {
	return b.journal.Replay(startMark, func(rec JournalRecord) error {
		switch rec.EntryID {
		case MetaEntryLedgerKey:
			return b.cache.SetMasterKey(rec.LedgerID, rec.Payload)
		case MetaEntryFenceKey:
			return b.cache.SetFenced(rec.LedgerID)
		default:
			loc, err := b.entryLog.Append(rec.LedgerID, rec.EntryID, rec.Payload)
			if err != nil {
				return err
			}
			return b.cache.Put(rec.LedgerID, rec.EntryID, loc)
		}
	})
}

// AddEntry implements spec §4.H's addEntry: parses the ledgerId prefix,
// resolves/creates the descriptor, rejects fenced ledgers, journals a
// master-key record on first sighting, then appends to the entry log,
// index, and journal in that order.
func (b *Bookie) AddEntry(buf []byte, masterKey []byte) (LastLogMark, error) {
	return b.addEntry(buf, masterKey, false)
}

// RecoveryAddEntry is AddEntry without the fenced check, for client-driven
// ledger recovery (spec §4.H).
func (b *Bookie) RecoveryAddEntry(buf []byte, masterKey []byte) (LastLogMark, error) {
	return b.addEntry(buf, masterKey, true)
}

func (b *Bookie) addEntry(buf []byte, masterKey []byte, isRecovery bool) (LastLogMark, error) {
	if state(b.state.Load()) == stateReadOnly {
		return LastLogMark{}, ErrReadOnly
	}
	if state(b.state.Load()) == stateClosed {
		return LastLogMark{}, ErrBookieClosed
	}

	ledgerID, entryID, ok := splitEntryHeader(buf)
	if !ok {
		return LastLogMark{}, fmt.Errorf("bookie: entry shorter than 16-byte ledgerId/entryId prefix")
	}
	if entryID < 0 {
		return LastLogMark{}, ErrInvalidEntryID
	}

	desc, isNewLedger, err := b.handles.GetHandle(ledgerID, masterKey)
	if err != nil {
		return LastLogMark{}, err
	}

	desc.Lock()
	defer desc.Unlock()

	if !isRecovery && desc.IsFenced() {
		return LastLogMark{}, ErrLedgerFenced
	}

	if isNewLedger {
		if _, err := b.journal.LogAddEntry(ledgerID, MetaEntryLedgerKey, masterKey); err != nil {
			return LastLogMark{}, err
		}
		if err := b.cache.SetMasterKey(ledgerID, masterKey); err != nil {
			return LastLogMark{}, err
		}
	}

	loc, err := b.entryLog.Append(ledgerID, entryID, buf)
	if err != nil {
		return LastLogMark{}, err
	}
	if err := b.cache.Put(ledgerID, entryID, loc); err != nil {
		return LastLogMark{}, err
	}
	if err := b.segments.RecordWrite(loc.LogID, ledgerID, uint64(len(buf))); err != nil {
		return LastLogMark{}, err
	}

	mark, err := b.journal.LogAddEntry(ledgerID, entryID, buf)
	if err != nil {
		return LastLogMark{}, err
	}
	return mark, nil
}

// FenceLedger resolves ledgerID, sets its fenced flag, and if this call
// performed the transition journals a fence record, returning a
// CompletionHandle that resolves once that record is durable. If the
// ledger was already fenced, an already-completed handle is returned
// (spec §4.H).
func (b *Bookie) FenceLedger(ledgerID int64, masterKey []byte) (*CompletionHandle, error) {
	desc, _, err := b.handles.GetHandle(ledgerID, masterKey)
	if err != nil {
		return nil, err
	}

	desc.Lock()
	defer desc.Unlock()

	if !desc.SetFenced() {
		return CompletedHandle(nil), nil
	}
	if err := b.cache.SetFenced(ledgerID); err != nil {
		return nil, err
	}

	handle := NewCompletionHandle()
	go func() {
		_, err := b.journal.LogAddEntry(ledgerID, MetaEntryFenceKey, nil)
		handle.complete(err)
	}()
	return handle, nil
}

// ReadEntry looks up (ledgerId, entryId) via the index and reads its
// payload from the entry log. entryID == -1 means "highest known entry"
// (spec §4.E, §9 ambiguity (c): the sentinel is read-only).
func (b *Bookie) ReadEntry(ledgerID, entryID int64) ([]byte, error) {
	if _, err := b.handles.GetReadOnlyHandle(ledgerID); err != nil {
		return nil, err
	}

	if entryID == -1 {
		highest, found, err := b.cache.HighestEntryID(ledgerID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrNoEntry
		}
		entryID = highest
	}

	loc, found, err := b.cache.Get(ledgerID, entryID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoEntry
	}

	payload, err := b.entryLog.Read(ledgerID, entryID, loc)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// IsFenced reports whether ledgerID is fenced.
func (b *Bookie) IsFenced(ledgerID int64) (bool, error) {
	desc, err := b.handles.GetReadOnlyHandle(ledgerID)
	if err != nil {
		return false, err
	}
	return desc.IsFenced(), nil
}

// DirsListener implementation, driving the read-only transition and fatal
// shutdown from LedgerDirs events (spec §9's note on back-communication
// through a listener the facade owns).

// DiskFull is called when one directory crosses the full threshold.
func (b *Bookie) DiskFull(dir string) {
	b.logger.Warn("ledger directory full", "dir", dir)
}

// DiskFailed is called when one directory fails a write test or stat.
func (b *Bookie) DiskFailed(dir string, err error) {
	b.logger.Warn("ledger directory failed", "dir", dir, "err", err)
}

// AllDisksFull triggers the read-only transition, or fatal shutdown if
// read-only mode is disabled, per spec §4.H.
func (b *Bookie) AllDisksFull() {
	if !b.opts.ReadOnlyModeEnabled {
		b.FatalError(ErrNoWritableDir)
		return
	}
	if !b.transitionTo(stateReadOnly) {
		return
	}

	if err := b.metadata.RegisterReadOnly(b.opts.BookieID); err != nil {
		b.logger.Error("failed to register read-only", "err", err)
	}
	if err := b.metadata.UnregisterAvailable(b.opts.BookieID); err != nil {
		b.logger.Error("failed to unregister available", "err", err)
	}
	b.logger.Warn("all ledger directories full, transitioned to read-only")
}

// FatalError is called on an unrecoverable journal I/O error; it forces an
// immediate shutdown.
func (b *Bookie) FatalError(err error) {
	b.logger.Error("fatal error, shutting down", "err", err)
	b.Shutdown()
}

// transitionTo performs an atomic CAS-once transition away from
// stateWritable, returning true only if this call performed it.
func (b *Bookie) transitionTo(to state) bool {
	return b.state.CompareAndSwap(int32(stateWritable), int32(to))
}

// Stats summarizes the bookie's current runtime state, a supplement
// feature beyond the bare component contracts (spec §1 says the metrics
// surface is out of scope, but an in-process snapshot for operator tooling
// is not the same thing as a JMX/Prometheus endpoint).
type Stats struct {
	State           string
	WritableDirs    int
	TotalDirs       int
	ActiveSegmentID uint32
	LastLogMark     LastLogMark
}

// Stats returns a point-in-time snapshot.
func (b *Bookie) Stats() Stats {
	var s string
	switch state(b.state.Load()) {
	case stateStarting:
		s = "starting"
	case stateWritable:
		s = "writable"
	case stateReadOnly:
		s = "read_only"
	case stateClosed:
		s = "closed"
	default:
		s = "unknown"
	}
	return Stats{
		State:           s,
		WritableDirs:    len(b.dirs.WritableDirs()),
		TotalDirs:       len(b.dirs.AllDirs()),
		ActiveSegmentID: b.entryLog.ActiveSegmentID(),
		LastLogMark:     b.checkpointer.LastMark(),
	}
}

// Shutdown implements spec §4.H: idempotent, stops accepting writes,
// drains the journal, runs a final checkpoint, flushes the entry log and
// ledger cache, and closes the metadata session.
func (b *Bookie) Shutdown() {
	b.closeOnce.Do(func() {
		b.state.Store(int32(stateClosed))
		b.closeComponents()
		if err := b.metadata.UnregisterAvailable(b.opts.BookieID); err != nil {
			b.logger.Warn("unregister available during shutdown failed", "err", err)
		}
	})
}

func (b *Bookie) closeComponents() {
	if b.gc != nil {
		b.gc.Close()
	}
	if b.checkpointer != nil {
		if err := b.checkpointer.RunOnce(); err != nil {
			b.logger.Warn("final checkpoint failed", "err", err)
		}
		b.checkpointer.Close()
	}
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			b.logger.Warn("journal close failed", "err", err)
		}
	}
	if b.entryLog != nil {
		if err := b.entryLog.Close(); err != nil {
			b.logger.Warn("entry log close failed", "err", err)
		}
	}
	if b.cache != nil {
		if err := b.cache.Close(); err != nil {
			b.logger.Warn("ledger cache close failed", "err", err)
		}
	}
	if b.segments != nil {
		if err := b.segments.Close(); err != nil {
			b.logger.Warn("segment store close failed", "err", err)
		}
	}
	if b.dirs != nil {
		b.dirs.Close()
	}
}

// ForgetLedger removes a deleted ledger's state from both the cache and
// the interning table. It is exported for direct callers; the
// GarbageCollector does not call it, so a deleted ledger's index file
// stays on disk until ForgetLedger is called for it.
func (b *Bookie) ForgetLedger(ledgerID int64) error {
	if err := b.cache.DeleteLedger(ledgerID); err != nil && !errors.Is(err, ErrNoLedger) {
		return err
	}
	b.handles.Forget(ledgerID)
	return nil
}

// WaitFence blocks on handle with ctx and returns handle.Wait's result
// unchanged: the fence record's journal error, or ctx.Err() if ctx ends
// first.
func WaitFence(ctx context.Context, handle *CompletionHandle) error {
	return handle.Wait(ctx)
}
