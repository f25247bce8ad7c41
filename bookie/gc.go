package bookie

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// GarbageCollector deletes entry-log segments with no live ledgers and
// copy-compacts segments below a liveness threshold, grounded on stonedb's
// RunCompaction/deleteObsoleteFiles in compaction.go -- adapted from
// transaction-garbage accounting to ledger-liveness accounting via
// SegmentStore.
type GarbageCollector struct {
	entryLog *EntryLog
	cache    *LedgerCache
	segments *SegmentStore
	metadata MetadataClient
	metrics  *Metrics
	logger   *slog.Logger

	minorRatio    float64
	minorInterval time.Duration
	majorRatio    float64
	majorInterval time.Duration
	scanInterval  time.Duration

	mu          sync.Mutex
	lastMinor   time.Time
	lastMajor   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGarbageCollector wires a GarbageCollector to the components it scans
// and rewrites.
func NewGarbageCollector(el *EntryLog, cache *LedgerCache, segments *SegmentStore, metadata MetadataClient, metrics *Metrics, opts *Options, logger *slog.Logger) *GarbageCollector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GarbageCollector{
		entryLog:      el,
		cache:         cache,
		segments:      segments,
		metadata:      metadata,
		metrics:       metrics,
		logger:        logger,
		minorRatio:    opts.MinorCompactionRatio,
		minorInterval: opts.MinorCompactionInterval,
		majorRatio:    opts.MajorCompactionRatio,
		majorInterval: opts.MajorCompactionInterval,
		scanInterval:  opts.GCScanInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the periodic GC/compaction loop.
func (g *GarbageCollector) Start() {
	g.wg.Add(1)
	go g.run()
}

func (g *GarbageCollector) run() {
	defer g.wg.Done()
	if g.scanInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if err := g.RunOnce(); err != nil {
				g.logger.Error("gc cycle failed", "err", err)
			}
		}
	}
}

// RunOnce performs one deletion pass plus at most one compaction pass: the
// major tier if its period has elapsed, otherwise the minor tier if its
// period has elapsed.
func (g *GarbageCollector) RunOnce() error {
	if err := g.deleteEmptySegments(); err != nil {
		return err
	}

	now := time.Now()
	g.mu.Lock()
	runMinor := g.minorRatio > 0 && g.minorInterval > 0 && now.Sub(g.lastMinor) >= g.minorInterval
	runMajor := g.majorRatio > 0 && g.majorInterval > 0 && now.Sub(g.lastMajor) >= g.majorInterval
	g.mu.Unlock()

	if runMajor {
		if err := g.compactTier(g.majorRatio); err != nil {
			return err
		}
		g.mu.Lock()
		g.lastMajor = now
		g.mu.Unlock()
	} else if runMinor {
		if err := g.compactTier(g.minorRatio); err != nil {
			return err
		}
		g.mu.Lock()
		g.lastMinor = now
		g.mu.Unlock()
	}
	return nil
}

// deleteEmptySegments removes sealed segments with no live ledgers, per
// spec §4.G's GC step. A ledger still "live" in the segment's liveness set
// but reported deleted by the metadata collaborator is dropped from the
// set first.
func (g *GarbageCollector) deleteEmptySegments() error {
	for _, id := range g.entryLog.GetSealedSegmentIDs() {
		live, err := g.segments.LiveLedgers(id)
		if err != nil {
			return err
		}
		for _, ledgerID := range live {
			if !g.metadata.IsLedgerLive(ledgerID) {
				if err := g.segments.MarkLedgerGone(id, ledgerID); err != nil {
					return err
				}
			}
		}

		empty, err := g.segments.IsEmpty(id)
		if err != nil {
			return err
		}
		if !empty {
			continue
		}

		dir, ok := g.entryLog.DirOf(id)
		if !ok {
			continue
		}
		path := g.entryLog.pathFor(id, dir)
		size := fileSizeOrZero(path)
		if err := removeFile(path); err != nil {
			g.logger.Warn("gc: delete empty segment failed", "segment", id, "err", err)
			continue
		}
		if err := g.segments.Forget(id); err != nil {
			return err
		}
		if g.metrics != nil {
			g.metrics.GCSegmentsDeleted.Inc()
			g.metrics.GCBytesReclaimed.Add(float64(size))
		}
		g.logger.Info("gc: deleted empty segment", "segment", id)
	}
	return nil
}

// compactTier rewrites every sealed segment whose usage ratio (live/total
// bytes) is at or below threshold, per spec §4.G's compaction procedure.
func (g *GarbageCollector) compactTier(threshold float64) error {
	for _, id := range g.entryLog.GetSealedSegmentIDs() {
		usage, err := g.segments.UsageRatio(id)
		if err != nil {
			return err
		}
		if usage > threshold {
			continue
		}
		if err := g.compactSegment(id); err != nil {
			g.logger.Warn("gc: compaction failed", "segment", id, "err", err)
			continue
		}
	}
	return nil
}

// compactSegment rewrites every entry in segment id that still belongs to
// a live ledger, CAS-verifying the cache slot before committing the new
// location so a concurrent newer write is never clobbered. Grounded on
// compaction.go's rewriteBatch.
func (g *GarbageCollector) compactSegment(id uint32) error {
	err := g.entryLog.IterateSegment(id, func(ledgerID, entryID int64, offset uint64, payload []byte) error {
		if ledgerID < 0 {
			return nil // meta entries never appear in the entry log; defensive skip
		}
		if !g.metadata.IsLedgerLive(ledgerID) {
			return nil
		}

		newLoc, err := g.entryLog.Append(ledgerID, entryID, payload)
		if err != nil {
			return fmt.Errorf("bookie: compaction append: %w", err)
		}

		cur, found, err := g.cache.Get(ledgerID, entryID)
		if err != nil {
			return err
		}
		stillOld := found && cur.LogID == id && cur.Offset == offset
		if stillOld {
			if err := g.cache.Put(ledgerID, entryID, newLoc); err != nil {
				return err
			}
			if err := g.segments.RecordWrite(newLoc.LogID, ledgerID, uint64(16+len(payload))); err != nil {
				return err
			}
			if err := g.segments.MarkEntrySuperseded(id, ledgerID, uint64(16+len(payload))); err != nil {
				return err
			}
		}
		// If the slot no longer points at (id, offset), a newer write already
		// won; the copy we just appended is orphaned and harmless, reclaimed
		// by a future GC pass once its own segment is scanned.
		return nil
	})
	if err != nil {
		return err
	}

	if err := g.cache.Flush(); err != nil {
		return err
	}

	dir, ok := g.entryLog.DirOf(id)
	if !ok {
		return nil
	}
	path := g.entryLog.pathFor(id, dir)
	size := fileSizeOrZero(path)
	if err := removeFile(path); err != nil {
		return err
	}
	if err := g.segments.Forget(id); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.GCSegmentsCompacted.Inc()
		g.metrics.GCBytesReclaimed.Add(float64(size))
	}
	return nil
}

// Close stops the periodic loop.
func (g *GarbageCollector) Close() {
	close(g.stopCh)
	g.wg.Wait()
}
