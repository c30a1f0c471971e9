// ABOUTME: Page manager — bounded LRU page cache, disk persistence, metadata file
// ABOUTME: Two-phase fsync writeback adapted from the teacher's COW KV store

package pagemanager

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/crushdb/crushdb-core/pkg/page"
)

// metaMagic and metaVersion identify the 17-byte metadata file format:
// magic(4) + version(1) + last_page_id(8) + reserved(4).
const (
	metaMagic   uint32 = 0x43525553 // "CRUS"
	metaVersion byte   = 1
	metaSize           = 17
)

// ErrCorruptMeta is returned when the metadata file's magic or version
// does not match what this package writes.
var ErrCorruptMeta = fmt.Errorf("pagemanager: metadata file signature mismatch")

// Options configures a Manager. Exactly one of MaxPages or MaxBytes
// should be set to bound the LRU cache; if both are zero a default of
// 1024 pages is used.
type Options struct {
	DataPath     string
	MetaPath     string
	MaxPages     int
	MaxBytes     int64
	EagerLoad    bool
	AutoCompress bool
}

// Manager owns the on-disk data file and metadata file for the pages of
// every crate that shares it, plus a bounded in-memory LRU cache. Page
// retrieve/write paths may block on disk I/O (cache miss, dirty eviction,
// metadata flush) per spec.md §5; the cache mutex is released while a
// missed page is read, but held while dirty pages are written back on
// eviction and Flush.
type Manager struct {
	mu sync.Mutex

	dataFile *os.File
	metaPath string

	maxPages int
	maxBytes int64

	cache    map[uint64]*list.Element
	order    *list.List // front = most recently used
	curBytes int64

	lastPageID uint64
	autoCompress bool
}

type cacheEntry struct {
	id   uint64
	page *page.Page
}

// Open opens (creating if necessary) the data and metadata files at the
// configured paths, loading last_page_id from the metadata file. An
// empty/missing metadata file is initialized with last_page_id=0; a
// present one is validated and failed fast on magic/version mismatch.
func Open(opts Options) (*Manager, error) {
	df, err := os.OpenFile(opts.DataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagemanager: open data file: %w", err)
	}

	maxPages := opts.MaxPages
	if maxPages == 0 && opts.MaxBytes == 0 {
		maxPages = 1024
	}

	m := &Manager{
		dataFile:     df,
		metaPath:     opts.MetaPath,
		maxPages:     maxPages,
		maxBytes:     opts.MaxBytes,
		cache:        make(map[uint64]*list.Element),
		order:        list.New(),
		autoCompress: opts.AutoCompress,
	}

	if err := m.loadMeta(); err != nil {
		df.Close()
		return nil, err
	}

	if opts.EagerLoad {
		if err := m.eagerLoad(); err != nil {
			df.Close()
			return nil, err
		}
	}

	return m, nil
}

func (m *Manager) loadMeta() error {
	data, err := os.ReadFile(m.metaPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("pagemanager: read metadata file: %w", err)
		}
		m.lastPageID = 0
		return m.writeMetaLocked()
	}
	if len(data) == 0 {
		m.lastPageID = 0
		return m.writeMetaLocked()
	}
	if len(data) < metaSize {
		return ErrCorruptMeta
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	version := data[4]
	if magic != metaMagic || version != metaVersion {
		return ErrCorruptMeta
	}
	m.lastPageID = binary.BigEndian.Uint64(data[5:13])
	return nil
}

func (m *Manager) writeMetaLocked() error {
	var buf [metaSize]byte
	binary.BigEndian.PutUint32(buf[0:4], metaMagic)
	buf[4] = metaVersion
	binary.BigEndian.PutUint64(buf[5:13], m.lastPageID)
	// bytes 13:17 reserved, left zero
	return os.WriteFile(m.metaPath, buf[:], 0o644)
}

// eagerLoad scans the data file at startup and warms the cache up to
// capacity, reading pages in file order.
func (m *Manager) eagerLoad() error {
	info, err := m.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("pagemanager: stat data file: %w", err)
	}
	total := info.Size() / page.Size
	for i := int64(0); i < total; i++ {
		if m.maxPages > 0 && len(m.cache) >= m.maxPages {
			break
		}
		if m.maxBytes > 0 && m.curBytes >= m.maxBytes {
			break
		}
		buf := make([]byte, page.Size)
		if _, err := m.dataFile.ReadAt(buf, i*page.Size); err != nil {
			return fmt.Errorf("pagemanager: eager load page %d: %w", i, err)
		}
		p, err := page.Load(buf)
		if err != nil {
			return err
		}
		m.insertCacheLocked(p.ID(), p)
	}
	return nil
}

// Allocate bumps last_page_id, persists the metadata file, and returns
// the new page id. IDs are always monotonic, never random — per
// spec.md's explicit redesign flag against random-id page splits.
func (m *Manager) Allocate() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPageID++
	id := m.lastPageID
	if err := m.writeMetaLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns the page with the given id, reading it from disk on a
// cache miss and evicting (writing back if dirty) the least recently
// used page if the cache is at capacity.
func (m *Manager) Get(id uint64) (*page.Page, error) {
	m.mu.Lock()
	if elem, ok := m.cache[id]; ok {
		m.order.MoveToFront(elem)
		p := elem.Value.(*cacheEntry).page
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	buf := make([]byte, page.Size)
	if _, err := m.dataFile.ReadAt(buf, int64(id)*page.Size); err != nil {
		return nil, fmt.Errorf("pagemanager: read page %d: %w", id, err)
	}
	p, err := page.Load(buf)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.cache[id]; ok {
		m.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).page, nil
	}
	if err := m.insertCacheLocked(id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// New allocates a fresh page, installs it in the cache, and returns it.
func (m *Manager) New() (*page.Page, error) {
	id, err := m.Allocate()
	if err != nil {
		return nil, err
	}
	p := page.New(id, m.autoCompress)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertCacheLocked(id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindPageWithSpace returns a cached or newly-allocated page with at
// least bytesNeeded of available space, compacting the crate's current
// tail page first to reclaim tombstoned space before allocating a new
// one (spec.md §9: "compact() is the sole reclaimer ... triggered by
// page-split").
func (m *Manager) FindPageWithSpace(tailPageID uint64, bytesNeeded int) (*page.Page, error) {
	if tailPageID != 0 {
		tail, err := m.Get(tailPageID)
		if err != nil {
			return nil, err
		}
		if uint16(bytesNeeded) <= tail.AvailableSpace() {
			return tail, nil
		}
		if err := tail.Compact(); err != nil {
			return nil, err
		}
		if uint16(bytesNeeded) <= tail.AvailableSpace() {
			return tail, nil
		}
	}
	return m.New()
}

// insertCacheLocked must be called with m.mu held. It evicts LRU entries
// (writing dirty pages back first) until the new entry fits within
// maxPages/maxBytes.
func (m *Manager) insertCacheLocked(id uint64, p *page.Page) error {
	for m.overCapacityLocked() {
		if err := m.evictOneLocked(); err != nil {
			return err
		}
	}
	entry := &cacheEntry{id: id, page: p}
	elem := m.order.PushFront(entry)
	m.cache[id] = elem
	m.curBytes += page.Size
	return nil
}

func (m *Manager) overCapacityLocked() bool {
	if m.maxPages > 0 && len(m.cache) >= m.maxPages {
		return true
	}
	if m.maxBytes > 0 && m.curBytes+page.Size > m.maxBytes {
		return true
	}
	return false
}

func (m *Manager) evictOneLocked() error {
	back := m.order.Back()
	if back == nil {
		return nil
	}
	entry := back.Value.(*cacheEntry)
	if entry.page.IsDirty() {
		if err := m.writePageLocked(entry.page); err != nil {
			return err
		}
	}
	m.order.Remove(back)
	delete(m.cache, entry.id)
	m.curBytes -= page.Size
	return nil
}

func (m *Manager) writePageLocked(p *page.Page) error {
	buf := p.Bytes()
	if _, err := m.dataFile.WriteAt(buf, int64(p.ID())*page.Size); err != nil {
		return fmt.Errorf("pagemanager: write page %d: %w", p.ID(), err)
	}
	p.ClearDirty()
	return nil
}

// Flush writes every dirty page in the cache back to disk and fsyncs
// the data file.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*cacheEntry)
		if entry.page.IsDirty() {
			if err := m.writePageLocked(entry.page); err != nil {
				return err
			}
		}
	}
	return m.dataFile.Sync()
}

// Close flushes all dirty pages, persists the metadata file, and closes
// the underlying data file.
func (m *Manager) Close() error {
	if err := m.Flush(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeMetaLocked(); err != nil {
		return err
	}
	return m.dataFile.Close()
}
