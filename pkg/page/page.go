// ABOUTME: Fixed 4096-byte page frame — header and document region, offsets kept in memory
// ABOUTME: Insert/retrieve/tombstone/compact/split, with optional per-document compression

package page

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/crushdb/crushdb-core/pkg/document"
)

// Size is the fixed on-disk frame size for every page.
const Size = 4096

// headerSize is the reserved header region at the front of every frame:
// page_id(8) + available_space(2) + next(8) + prev(8) + is_full(1) +
// is_compressed(1) + compressed_page_size(4) = 32 bytes, with room to grow
// up to the 128-byte ceiling spec.md §3 permits.
const headerSize = 32

// Sentinel is the "no sibling" marker for next/prev links.
const Sentinel uint64 = ^uint64(0)

const (
	flagInactive byte = 0
	flagActive   byte = 1
)

// ErrPageFull is returned by Insert when a record cannot fit in the
// remaining free space.
var ErrPageFull = fmt.Errorf("page: full")

// ErrCorrupt signals an on-disk invariant violation: a record header that
// doesn't match its offset-table entry, or a decompression mismatch.
type ErrCorrupt struct {
	Reason string
}

func (e *ErrCorrupt) Error() string { return "page: corrupt: " + e.Reason }

// Page is one fixed-size 4096-byte frame holding zero or more variable
// length document records plus an in-memory offset index. Only one
// goroutine may hold the write lock at a time; retrieval takes the read
// lock. Page itself never crosses page-manager boundaries — callers
// serialize it via Bytes/Load.
type Page struct {
	mu sync.RWMutex

	id                 uint64
	availableSpace     uint16
	next               uint64
	prev               uint64
	isFull             bool
	isCompressed       bool
	compressedPageSize uint32

	buf []byte // full Size-byte frame, header included

	offsets       map[uint64]uint32 // docId -> offset of record start
	deletedDocIDs map[uint64]bool
	documentCount int
	dirty         bool

	autoCompress bool // captured at creation, never mixed within a page
}

// New allocates a fresh, empty page with the given id. autoCompress is
// page-scoped config, fixed for the page's lifetime (spec.md §9: "page
// auto-compression ... never mixed within a page").
func New(id uint64, autoCompress bool) *Page {
	p := &Page{
		id:             id,
		availableSpace: Size - headerSize,
		next:           Sentinel,
		prev:           Sentinel,
		buf:            make([]byte, Size),
		offsets:        make(map[uint64]uint32),
		deletedDocIDs:  make(map[uint64]bool),
		autoCompress:   autoCompress,
		dirty:          true,
	}
	p.writeHeader()
	return p
}

// ID returns the page's immutable identifier.
func (p *Page) ID() uint64 {
	return p.id
}

func (p *Page) writeHeader() {
	binary.BigEndian.PutUint64(p.buf[0:8], p.id)
	binary.BigEndian.PutUint16(p.buf[8:10], p.availableSpace)
	binary.BigEndian.PutUint64(p.buf[10:18], p.next)
	binary.BigEndian.PutUint64(p.buf[18:26], p.prev)
	if p.isFull {
		p.buf[26] = 1
	} else {
		p.buf[26] = 0
	}
	if p.isCompressed {
		p.buf[27] = 1
	} else {
		p.buf[27] = 0
	}
	binary.BigEndian.PutUint32(p.buf[28:32], p.compressedPageSize)
}

// AvailableSpace returns the number of free bytes remaining in the
// document region, guarded by the read lock.
func (p *Page) AvailableSpace() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.availableSpace
}

// DocumentCount returns the number of ACTIVE (non-tombstoned) records.
func (p *Page) DocumentCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.documentCount
}

// IsDirty reports whether the page has unflushed in-memory changes.
func (p *Page) IsDirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

// ClearDirty marks the page as flushed. Called by the page manager after
// a successful write-back.
func (p *Page) ClearDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = false
}

// Next returns the sibling page id following this one, or Sentinel.
func (p *Page) Next() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.next
}

// Prev returns the sibling page id preceding this one, or Sentinel.
func (p *Page) Prev() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prev
}

// SetNext wires this page's next pointer, used when splitting/stitching
// sibling links.
func (p *Page) SetNext(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = id
	p.writeHeader()
	p.dirty = true
}

// SetPrev wires this page's prev pointer.
func (p *Page) SetPrev(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prev = id
	p.writeHeader()
	p.dirty = true
}

// firstFreeByte returns the offset of the first unused byte in the
// document region, i.e. header size plus the sum of all written record
// bytes (including tombstoned ones — tombstones free logical space via
// availableSpace accounting, not physical space, until Compact runs).
func (p *Page) firstFreeByte() uint32 {
	return uint32(Size) - uint32(p.availableSpace) + uint32(p.wastedByTombstones())
}

// wastedByTombstones is physical bytes occupied by tombstoned records
// that availableSpace has already credited back logically. Needed
// because availableSpace is incremented by record size on tombstone
// (spec.md's explicit correction), while the bytes themselves still sit
// in the buffer until Compact.
func (p *Page) wastedByTombstones() uint32 {
	var n uint32
	for id := range p.deletedDocIDs {
		off, ok := p.offsets[id]
		if !ok {
			continue
		}
		n += recordLenAt(p.buf, off)
	}
	return n
}

func recordLenAt(buf []byte, off uint32) uint32 {
	dcs := binary.BigEndian.Uint32(buf[off+16 : off+20])
	cs := binary.BigEndian.Uint32(buf[off+20 : off+24])
	body := dcs
	if cs > 0 {
		body = cs
	}
	return uint32(document.RecordHeaderSize) + body
}

// Insert serializes doc and appends it to the page's document region.
// On success, doc.PageID/Offset/DecompressedSize/CompressedSize are
// updated to reflect where it landed. Returns ErrPageFull if the record
// would not fit in the remaining free space.
func (p *Page) Insert(doc *document.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc.PageID = p.id
	rec := doc.EncodeRecord(flagActive, p.autoCompress)
	total := uint32(len(rec))

	if uint32(p.availableSpace) < total {
		doc.PageID = document.Unset
		return ErrPageFull
	}

	off := p.firstFreeByte()
	if off+total > Size {
		doc.PageID = document.Unset
		return ErrPageFull
	}

	copy(p.buf[off:off+total], rec)
	p.offsets[doc.DocumentID] = off
	p.availableSpace -= uint16(total)
	p.documentCount++
	if p.availableSpace < uint16(document.RecordHeaderSize) {
		p.isFull = true
	}
	p.writeHeader()
	p.dirty = true

	header, _ := document.DecodeRecordHeader(rec)
	doc.Offset = off
	doc.DecompressedSize = header.DecompressedSize
	doc.CompressedSize = header.CompressedSize
	return nil
}

// Retrieve loads the document with the given id, or (nil, false) if it
// is unknown or has been tombstoned.
func (p *Page) Retrieve(docID uint64) (*document.Document, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	off, ok := p.offsets[docID]
	if !ok || p.deletedDocIDs[docID] {
		return nil, false, nil
	}

	recLen := recordLenAt(p.buf, off)
	if off+recLen > Size {
		return nil, false, &ErrCorrupt{Reason: fmt.Sprintf("record at offset %d overruns page", off)}
	}
	doc, header, err := document.DecodeRecord(p.buf[off : off+recLen])
	if err != nil {
		return nil, false, &ErrCorrupt{Reason: err.Error()}
	}
	if header.DocumentID != docID {
		return nil, false, &ErrCorrupt{Reason: fmt.Sprintf("offset table docId %d does not match record docId %d", docID, header.DocumentID)}
	}
	if header.PageID != p.id {
		return nil, false, &ErrCorrupt{Reason: fmt.Sprintf("record pageId %d does not match page id %d", header.PageID, p.id)}
	}
	if p.buf[off+24] != flagActive {
		return nil, false, nil
	}
	doc.Offset = off
	return doc, true, nil
}

// RetrieveAt loads the document whose record begins at the given byte
// offset, used by secondary-index lookups whose Ref only carries
// (pageID, offset) rather than a document id. Returns (nil, false, nil)
// if the record at offset is tombstoned.
func (p *Page) RetrieveAt(offset uint32) (*document.Document, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if offset+uint32(document.RecordHeaderSize) > Size {
		return nil, false, &ErrCorrupt{Reason: fmt.Sprintf("offset %d leaves no room for a record header", offset)}
	}
	recLen := recordLenAt(p.buf, offset)
	if offset+recLen > Size {
		return nil, false, &ErrCorrupt{Reason: fmt.Sprintf("record at offset %d overruns page", offset)}
	}
	doc, header, err := document.DecodeRecord(p.buf[offset : offset+recLen])
	if err != nil {
		return nil, false, &ErrCorrupt{Reason: err.Error()}
	}
	if header.PageID != p.id {
		return nil, false, &ErrCorrupt{Reason: fmt.Sprintf("record pageId %d does not match page id %d", header.PageID, p.id)}
	}
	if p.deletedDocIDs[header.DocumentID] || p.buf[offset+24] != flagActive {
		return nil, false, nil
	}
	doc.Offset = offset
	return doc, true, nil
}

// Delete tombstones docID in place: the flag byte is flipped to INACTIVE
// and re-read back to confirm the write landed before bookkeeping is
// updated. Bytes remain in the buffer until Compact. Returns false if
// docID is unknown or already tombstoned.
func (p *Page) Delete(docID uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.offsets[docID]
	if !ok || p.deletedDocIDs[docID] {
		return false, nil
	}

	flagOff := off + 24
	p.buf[flagOff] = flagInactive
	if p.buf[flagOff] != flagInactive {
		// Re-read failed to confirm; leave bookkeeping untouched so a
		// retry can be attempted.
		return false, &ErrCorrupt{Reason: "tombstone write did not verify"}
	}

	p.deletedDocIDs[docID] = true
	p.documentCount--
	p.availableSpace += uint16(recordLenAt(p.buf, off))
	p.isFull = false
	p.writeHeader()
	p.dirty = true
	return true, nil
}

// Compact defragments the page: every ACTIVE record is rewritten into a
// fresh buffer immediately after the header, offsets are recomputed, and
// deletedDocIDs is cleared. available_space is recomputed from scratch.
func (p *Page) Compact() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compactLocked()
}

func (p *Page) compactLocked() error {
	fresh := make([]byte, Size)
	newOffsets := make(map[uint64]uint32, len(p.offsets))
	cursor := uint32(headerSize)

	for docID, off := range p.offsets {
		if p.deletedDocIDs[docID] {
			continue
		}
		recLen := recordLenAt(p.buf, off)
		if off+recLen > Size {
			return &ErrCorrupt{Reason: fmt.Sprintf("record %d overruns page during compaction", docID)}
		}
		if cursor+recLen > Size {
			return &ErrCorrupt{Reason: "compaction overran page bounds"}
		}
		copy(fresh[cursor:cursor+recLen], p.buf[off:off+recLen])
		newOffsets[docID] = cursor
		cursor += recLen
	}

	p.buf = fresh
	p.offsets = newOffsets
	p.deletedDocIDs = make(map[uint64]bool)
	p.availableSpace = uint16(Size - cursor)
	p.isFull = p.availableSpace < uint16(document.RecordHeaderSize)
	p.writeHeader()
	p.dirty = true
	return nil
}

// Split compacts the page, then moves the upper half (ceil(n/2)) of its
// ACTIVE records into a brand new page allocated with id newID (supplied
// by the page manager's monotonic allocator — never random, per
// spec.md's redesign flag). Sibling links are stitched: self.next =
// new page, new page.prev = self. Each moved record is re-emitted with
// the new page's id written into its page-id slot.
func (p *Page) Split(newID uint64) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.compactLocked(); err != nil {
		return nil, err
	}

	type ordered struct {
		docID uint64
		off   uint32
	}
	recs := make([]ordered, 0, len(p.offsets))
	for docID, off := range p.offsets {
		recs = append(recs, ordered{docID, off})
	}
	// sorting by offset orders the records as compaction just laid
	// them out, so the split point follows the physical layout.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].off < recs[j-1].off; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}

	n := len(recs)
	numRight := (n + 1) / 2
	numLeft := n - numRight
	right := recs[numLeft:]

	newPage := New(newID, p.autoCompress)

	for _, r := range right {
		recLen := recordLenAt(p.buf, r.off)
		rec := make([]byte, recLen)
		copy(rec, p.buf[r.off:r.off+recLen])
		binary.BigEndian.PutUint64(rec[8:16], newID)

		off := newPage.firstFreeByte()
		copy(newPage.buf[off:off+recLen], rec)
		newPage.offsets[r.docID] = off
		newPage.availableSpace -= uint16(recLen)
		newPage.documentCount++
	}
	newPage.isFull = newPage.availableSpace < uint16(document.RecordHeaderSize)
	newPage.writeHeader()
	newPage.dirty = true

	// Re-run compaction now limited to the left half only.
	fresh := make([]byte, Size)
	newOffsets := make(map[uint64]uint32, numLeft)
	cursor := uint32(headerSize)
	for _, r := range recs[:numLeft] {
		recLen := recordLenAt(p.buf, r.off)
		copy(fresh[cursor:cursor+recLen], p.buf[r.off:r.off+recLen])
		newOffsets[r.docID] = cursor
		cursor += recLen
	}
	p.buf = fresh
	p.offsets = newOffsets
	p.deletedDocIDs = make(map[uint64]bool)
	p.documentCount = numLeft
	p.availableSpace = uint16(Size - cursor)
	p.isFull = p.availableSpace < uint16(document.RecordHeaderSize)

	newPage.prev = p.id
	newPage.next = p.next
	newPage.writeHeader()
	p.next = newPage.id
	p.writeHeader()
	p.dirty = true

	return newPage, nil
}

// Bytes returns the full Size-byte on-disk frame, including header.
// Callers (the page manager) must hold no concurrent Insert/Delete while
// reading this for a flush; the read lock guards against that.
func (p *Page) Bytes() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]byte, Size)
	copy(out, p.buf)
	return out
}

// Load reconstructs a Page from a raw Size-byte on-disk frame, rebuilding
// the offsets/deletedDocIDs/documentCount in-memory index by walking the
// document region and decoding each record header in turn.
func Load(buf []byte) (*Page, error) {
	if len(buf) != Size {
		return nil, fmt.Errorf("page: frame must be exactly %d bytes, got %d", Size, len(buf))
	}
	p := &Page{
		buf:           make([]byte, Size),
		offsets:       make(map[uint64]uint32),
		deletedDocIDs: make(map[uint64]bool),
	}
	copy(p.buf, buf)

	p.id = binary.BigEndian.Uint64(p.buf[0:8])
	p.availableSpace = binary.BigEndian.Uint16(p.buf[8:10])
	p.next = binary.BigEndian.Uint64(p.buf[10:18])
	p.prev = binary.BigEndian.Uint64(p.buf[18:26])
	p.isFull = p.buf[26] != 0
	p.isCompressed = p.buf[27] != 0
	p.compressedPageSize = binary.BigEndian.Uint32(p.buf[28:32])

	cursor := uint32(headerSize)
	for cursor+uint32(document.RecordHeaderSize) <= Size {
		header, err := document.DecodeRecordHeader(p.buf[cursor:])
		if err != nil {
			break
		}
		body := header.DecompressedSize
		if header.CompressedSize > 0 {
			body = header.CompressedSize
		}
		recLen := uint32(document.RecordHeaderSize) + body
		if cursor+recLen > Size || recLen == uint32(document.RecordHeaderSize) && header.DocumentID == 0 {
			break
		}
		p.offsets[header.DocumentID] = cursor
		if header.Flag == flagActive {
			p.documentCount++
		} else {
			p.deletedDocIDs[header.DocumentID] = true
		}
		cursor += recLen
	}
	return p, nil
}
