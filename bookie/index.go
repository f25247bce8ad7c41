package bookie

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Index file layout, spec §3/§4.D/§6:
//
//	header (512 bytes): [masterKeyLen:2][masterKey:256][fenced:1][reserved:253]
//	page 0, page 1, ...  (8192 bytes each)
//
// Each page holds entriesPerPage slots of 12 bytes (logId:u32, offset:u64).
// pageId = entryId / entriesPerPage; slot = entryId % entriesPerPage.
const (
	indexPageSize      = 8192
	indexSlotSize       = 12
	indexEntriesPerPage = indexPageSize / indexSlotSize // 682, 8 bytes of trailing slack per page

	indexHeaderSize     = 512
	indexHeaderKeyLenOff = 0
	indexHeaderKeyOff    = 2
	indexHeaderMaxKeyLen = 256
	indexHeaderFencedOff = indexHeaderKeyOff + indexHeaderMaxKeyLen // 258
)

// indexPage is one fixed-size page of slots, resident in memory while
// cached.
type indexPage struct {
	ledgerID int64
	pageID   int64
	data     [indexPageSize]byte
	dirty    bool
}

func (p *indexPage) slotOffset(slot int64) int {
	return int(slot) * indexSlotSize
}

func (p *indexPage) get(slot int64) EntryLocation {
	off := p.slotOffset(slot)
	logID := binary.BigEndian.Uint32(p.data[off : off+4])
	offset := binary.BigEndian.Uint64(p.data[off+4 : off+12])
	return EntryLocation{LogID: logID, Offset: offset}
}

func (p *indexPage) set(slot int64, loc EntryLocation) {
	off := p.slotOffset(slot)
	binary.BigEndian.PutUint32(p.data[off:off+4], loc.LogID)
	binary.BigEndian.PutUint64(p.data[off+4:off+12], loc.Offset)
	p.dirty = true
}

// highestSlot returns the largest slot index with a non-zero location, or
// -1 if the page is empty.
func (p *indexPage) highestSlot() int64 {
	for slot := int64(indexEntriesPerPage - 1); slot >= 0; slot-- {
		if !p.get(slot).isZero() {
			return slot
		}
	}
	return -1
}

type pageKey struct {
	ledgerID int64
	pageID   int64
}

// ledgerIndexFile is the open file handle and header state for one
// ledger's index file.
type ledgerIndexFile struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	masterKey []byte
	fenced    bool
}

// LedgerCache maps (ledgerId, entryId) -> (logId, offset) through a bounded
// cache of fixed-size pages backed by per-ledger index files, the way
// vlog.go bounds its read-handle LRU -- here applied to index pages rather
// than file descriptors, per spec §4.D's clean-first-then-forced-dirty-flush
// eviction policy.
type LedgerCache struct {
	dirs   *LedgerDirs
	maxPages int

	mu    sync.Mutex
	pages map[pageKey]*list.Element
	lru   *list.List // front = most recently used

	filesMu sync.Mutex
	files   map[int64]*ledgerIndexFile
}

// NewLedgerCache creates a LedgerCache bounded to maxPages resident pages.
func NewLedgerCache(dirs *LedgerDirs, maxPages int) *LedgerCache {
	return &LedgerCache{
		dirs:     dirs,
		maxPages: maxPages,
		pages:    make(map[pageKey]*list.Element),
		lru:      list.New(),
		files:    make(map[int64]*ledgerIndexFile),
	}
}

func ledgerIndexPath(dir string, ledgerID int64) string {
	hi := uint32(uint64(ledgerID) >> 32)
	lo := uint32(uint64(ledgerID))
	return filepath.Join(currentDir(dir), fmt.Sprintf("%08x", hi), fmt.Sprintf("%08x.idx", lo))
}

// findExistingIndexFile looks across every configured directory for an
// existing index file for ledgerID.
func (c *LedgerCache) findExistingIndexFile(ledgerID int64) (string, bool) {
	for _, d := range c.dirs.AllDirs() {
		p := ledgerIndexPath(d, ledgerID)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func (c *LedgerCache) openOrCreate(ledgerID int64) (*ledgerIndexFile, error) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	if lf, ok := c.files[ledgerID]; ok {
		return lf, nil
	}

	path, exists := c.findExistingIndexFile(ledgerID)
	if !exists {
		dir, err := c.dirs.PickForNewFile()
		if err != nil {
			return nil, err
		}
		path = ledgerIndexPath(dir, ledgerID)
		if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		return nil, fmt.Errorf("bookie: open index file %s: %w", path, err)
	}
	lf := &ledgerIndexFile{file: f, path: path}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < indexHeaderSize {
		if err := writeIndexHeader(f, nil, false); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		key, fenced, err := readIndexHeader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		lf.masterKey = key
		lf.fenced = fenced
	}

	c.files[ledgerID] = lf
	return lf, nil
}

func writeIndexHeader(f *os.File, masterKey []byte, fenced bool) error {
	var hdr [indexHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[indexHeaderKeyLenOff:], uint16(len(masterKey)))
	copy(hdr[indexHeaderKeyOff:indexHeaderKeyOff+indexHeaderMaxKeyLen], masterKey)
	if fenced {
		hdr[indexHeaderFencedOff] = 1
	}
	_, err := f.WriteAt(hdr[:], 0)
	return err
}

func readIndexHeader(f *os.File) (masterKey []byte, fenced bool, err error) {
	var hdr [indexHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, false, err
	}
	keyLen := binary.BigEndian.Uint16(hdr[indexHeaderKeyLenOff:])
	if int(keyLen) > indexHeaderMaxKeyLen {
		return nil, false, fmt.Errorf("bookie: corrupt index header: key length %d", keyLen)
	}
	key := append([]byte(nil), hdr[indexHeaderKeyOff:indexHeaderKeyOff+keyLen]...)
	fenced = hdr[indexHeaderFencedOff] != 0
	return key, fenced, nil
}

// SetMasterKey persists ledgerID's master key into its index file header.
// Called once, the first time a ledger is seen, per spec §4.H.
func (c *LedgerCache) SetMasterKey(ledgerID int64, masterKey []byte) error {
	lf, err := c.openOrCreate(ledgerID)
	if err != nil {
		return err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.masterKey != nil {
		return nil
	}
	lf.masterKey = append([]byte(nil), masterKey...)
	return writeIndexHeader(lf.file, lf.masterKey, lf.fenced)
}

// ReadMasterKey returns the persisted master key for ledgerID, if any.
func (c *LedgerCache) ReadMasterKey(ledgerID int64) ([]byte, bool, error) {
	lf, err := c.openOrCreate(ledgerID)
	if err != nil {
		return nil, false, err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.masterKey, lf.masterKey != nil, nil
}

// SetFenced persists the fenced bit for ledgerID.
func (c *LedgerCache) SetFenced(ledgerID int64) error {
	lf, err := c.openOrCreate(ledgerID)
	if err != nil {
		return err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.fenced = true
	return writeIndexHeader(lf.file, lf.masterKey, true)
}

// IsFenced reports the persisted fenced bit for ledgerID.
func (c *LedgerCache) IsFenced(ledgerID int64) (bool, error) {
	lf, err := c.openOrCreate(ledgerID)
	if err != nil {
		return false, err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.fenced, nil
}

func entryToPage(entryID int64) (pageID, slot int64) {
	return entryID / indexEntriesPerPage, entryID % indexEntriesPerPage
}

// Put records the location of (ledgerId, entryId), marking the owning page
// dirty.
func (c *LedgerCache) Put(ledgerID, entryID int64, loc EntryLocation) error {
	pageID, slot := entryToPage(entryID)
	page, err := c.fetch(ledgerID, pageID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	page.set(slot, loc)
	c.pinLocked(pageKey{ledgerID, pageID}, page)
	c.mu.Unlock()
	return nil
}

// pinLocked ensures page is reachable from c.pages/c.lru under key, even if
// a concurrent fetch() for a different page evicted it between the caller's
// earlier fetch() and this call. Without this, a page mutated right after
// eviction would go dirty in memory but stay invisible to Flush() forever,
// silently losing the write. The eviction pinLocked runs afterwards may
// drop page itself if it is clean, so Put marks the page dirty before
// pinning it. Must be called with c.mu held.
func (c *LedgerCache) pinLocked(key pageKey, page *indexPage) {
	if elem, ok := c.pages[key]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	elem := c.lru.PushFront(page)
	c.pages[key] = elem
	c.evictIfNeededLocked()
}

// Get returns the location of (ledgerId, entryId), or !ok if absent.
func (c *LedgerCache) Get(ledgerID, entryID int64) (EntryLocation, bool, error) {
	pageID, slot := entryToPage(entryID)
	page, err := c.fetch(ledgerID, pageID)
	if err != nil {
		return EntryLocation{}, false, err
	}
	c.mu.Lock()
	c.pinLocked(pageKey{ledgerID, pageID}, page)
	loc := page.get(slot)
	c.mu.Unlock()
	return loc, !loc.isZero(), nil
}

// HighestEntryID scans backward from the last page written for ledgerID to
// find the greatest entryId ever Put, supporting readEntry(-1).
func (c *LedgerCache) HighestEntryID(ledgerID int64) (int64, bool, error) {
	lf, err := c.openOrCreate(ledgerID)
	if err != nil {
		return 0, false, err
	}
	info, err := lf.file.Stat()
	if err != nil {
		return 0, false, err
	}
	numPages := (info.Size() - indexHeaderSize) / indexPageSize

	c.mu.Lock()
	var cachedMax int64 = -1
	var cachedMaxPage int64 = -1
	for key, elem := range c.pages {
		if key.ledgerID != ledgerID {
			continue
		}
		page := elem.Value.(*indexPage)
		if hs := page.highestSlot(); hs >= 0 {
			abs := key.pageID*indexEntriesPerPage + hs
			if abs > cachedMax {
				cachedMax = abs
			}
		}
		if key.pageID > cachedMaxPage {
			cachedMaxPage = key.pageID
		}
	}
	c.mu.Unlock()

	for pageID := numPages - 1; pageID >= 0; pageID-- {
		if pageID <= cachedMaxPage && cachedMax >= pageID*indexEntriesPerPage {
			break
		}
		page, err := c.fetch(ledgerID, pageID)
		if err != nil {
			return 0, false, err
		}
		c.mu.Lock()
		hs := page.highestSlot()
		c.mu.Unlock()
		if hs >= 0 {
			abs := pageID*indexEntriesPerPage + hs
			if abs > cachedMax {
				cachedMax = abs
			}
			break
		}
	}

	if cachedMax < 0 {
		return 0, false, nil
	}
	return cachedMax, true, nil
}

func (c *LedgerCache) fetch(ledgerID, pageID int64) (*indexPage, error) {
	key := pageKey{ledgerID, pageID}

	c.mu.Lock()
	if elem, ok := c.pages[key]; ok {
		c.lru.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*indexPage), nil
	}
	c.mu.Unlock()

	page, err := c.loadPage(ledgerID, pageID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if elem, ok := c.pages[key]; ok {
		c.lru.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*indexPage), nil
	}
	elem := c.lru.PushFront(page)
	c.pages[key] = elem
	c.evictIfNeededLocked()
	c.mu.Unlock()
	return page, nil
}

func (c *LedgerCache) loadPage(ledgerID, pageID int64) (*indexPage, error) {
	lf, err := c.openOrCreate(ledgerID)
	if err != nil {
		return nil, err
	}
	page := &indexPage{ledgerID: ledgerID, pageID: pageID}

	lf.mu.Lock()
	defer lf.mu.Unlock()
	off := indexHeaderSize + pageID*indexPageSize
	n, err := lf.file.ReadAt(page.data[:], off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("bookie: read index page %d of ledger %d: %w", pageID, ledgerID, err)
	}
	_ = n // short/zero read beyond EOF just means a fresh zero-filled page
	return page, nil
}

// evictIfNeededLocked evicts clean pages first (from the LRU back), then
// force-flushes the single oldest dirty page if that's not enough, per
// spec §4.D.
func (c *LedgerCache) evictIfNeededLocked() {
	if c.maxPages <= 0 {
		return
	}
	for c.lru.Len() > c.maxPages {
		if !c.evictOneCleanLocked() {
			c.forceFlushOldestDirtyLocked()
		}
	}
}

func (c *LedgerCache) evictOneCleanLocked() bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		page := elem.Value.(*indexPage)
		if !page.dirty {
			c.lru.Remove(elem)
			delete(c.pages, pageKey{page.ledgerID, page.pageID})
			return true
		}
	}
	return false
}

func (c *LedgerCache) forceFlushOldestDirtyLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	page := elem.Value.(*indexPage)
	c.mu.Unlock()
	err := c.flushPage(page)
	c.mu.Lock()
	if err == nil {
		page.dirty = false
	}
	c.lru.Remove(elem)
	delete(c.pages, pageKey{page.ledgerID, page.pageID})
}

func (c *LedgerCache) flushPage(page *indexPage) error {
	lf, err := c.openOrCreate(page.ledgerID)
	if err != nil {
		return err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	off := indexHeaderSize + page.pageID*indexPageSize
	_, err = lf.file.WriteAt(page.data[:], off)
	return err
}

// Flush writes every dirty page to its index file and fsyncs every touched
// file, per the checkpoint contract (spec §4.D, §4.F).
func (c *LedgerCache) Flush() error {
	c.mu.Lock()
	var dirty []*indexPage
	touched := make(map[int64]bool)
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		page := elem.Value.(*indexPage)
		if page.dirty {
			dirty = append(dirty, page)
			touched[page.ledgerID] = true
		}
	}
	c.mu.Unlock()

	for _, page := range dirty {
		if err := c.flushPage(page); err != nil {
			return err
		}
	}

	c.mu.Lock()
	for _, page := range dirty {
		page.dirty = false
	}
	c.mu.Unlock()

	c.filesMu.Lock()
	var files []*ledgerIndexFile
	for ledgerID := range touched {
		if lf, ok := c.files[ledgerID]; ok {
			files = append(files, lf)
		}
	}
	c.filesMu.Unlock()

	for _, lf := range files {
		lf.mu.Lock()
		err := lf.file.Sync()
		lf.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteLedger removes every cached page and the index file for ledgerID.
func (c *LedgerCache) DeleteLedger(ledgerID int64) error {
	c.mu.Lock()
	for key, elem := range c.pages {
		if key.ledgerID == ledgerID {
			c.lru.Remove(elem)
			delete(c.pages, key)
		}
	}
	c.mu.Unlock()

	c.filesMu.Lock()
	lf, ok := c.files[ledgerID]
	delete(c.files, ledgerID)
	c.filesMu.Unlock()

	if !ok {
		path, exists := c.findExistingIndexFile(ledgerID)
		if exists {
			return os.Remove(path)
		}
		return nil
	}
	lf.mu.Lock()
	path := lf.path
	err := lf.file.Close()
	lf.mu.Unlock()
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// Close flushes and closes every open index file.
func (c *LedgerCache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	var firstErr error
	for _, lf := range c.files {
		if err := lf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
