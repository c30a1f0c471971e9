// ABOUTME: Storage-engine façade — composes the page manager, index manager and WAL sink
// ABOUTME: behind one Engine type, grounded on the teacher's Server struct wiring in internal/server/server.go

package crushdb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crushdb/crushdb-core/internal/logger"
	"github.com/crushdb/crushdb-core/internal/metrics"
	"github.com/crushdb/crushdb-core/pkg/btree"
	"github.com/crushdb/crushdb-core/pkg/document"
	"github.com/crushdb/crushdb-core/pkg/index"
	"github.com/crushdb/crushdb-core/pkg/pagemanager"
	"github.com/crushdb/crushdb-core/pkg/value"
	"github.com/crushdb/crushdb-core/pkg/wal"
)

// idIndexName and idIndexOrder describe the implicit unique index every
// crate gets at creation time (spec.md §4.5: "every crate has a default
// unique index over _id").
const (
	idIndexName  = "_id"
	idIndexOrder = 64
)

// Engine is the storage-engine façade: one page manager shared by every
// crate (crate identity lives at the index layer, not the page layer —
// spec.md's directory layout has a single data/crushdb.db file for the
// whole engine), one index manager, and one RecordSink. It holds no
// gRPC method set, unlike the struct it's grounded on; every method
// below implements a façade operation named in spec.md §4.5.
type Engine struct {
	pages   *pagemanager.Manager
	indexes *index.Manager
	sink    RecordSink
	log     *logger.Logger
	metrics *metrics.Metrics

	walLog     *wal.WAL
	checkpoint *wal.Checkpointer

	mu        sync.Mutex
	crateTail map[string]uint64 // crate -> current insertion page id
	lastDocID uint64
}

// Options configures an Engine at construction.
type Options struct {
	Pages   *pagemanager.Manager
	Indexes *index.Manager
	Sink    RecordSink // nil defaults to a discarding sink
	WAL     *wal.WAL   // optional; enables Recover and periodic checkpointing
	Log     *logger.Logger
	Metrics *metrics.Metrics
}

// Open wires the given components into a ready Engine. The caller is
// responsible for opening Pages, Sink and WAL beforehand (and for Closing
// the returned Engine, which in turn closes them). If WAL is set, Open
// starts a background Checkpointer against it; call Recover right after
// Open, before accepting writes, to replay the log.
func Open(opts Options) *Engine {
	sink := opts.Sink
	if sink == nil {
		sink = noopSink{}
	}
	log := opts.Log
	if log == nil {
		log = logger.New(logger.Config{Level: "info"})
	}
	e := &Engine{
		pages:     opts.Pages,
		indexes:   opts.Indexes,
		sink:      sink,
		log:       log.EngineLogger(),
		metrics:   opts.Metrics,
		walLog:    opts.WAL,
		crateTail: make(map[string]uint64),
	}
	if opts.WAL != nil {
		e.checkpoint = wal.NewCheckpointer(opts.WAL, e.pages.Flush)
		e.checkpoint.SetLogger(log.WALLogger())
		e.checkpoint.Start()
	}
	return e
}

// Close stops checkpointing, flushes the page manager, and closes the
// record sink.
func (e *Engine) Close() error {
	if e.checkpoint != nil {
		e.checkpoint.Stop()
	}
	if err := e.pages.Close(); err != nil {
		return wrapErr(KindStorage, "close", err)
	}
	return wrapErr(KindWAL, "close", e.sink.Close())
}

// Recover replays every committed insert/delete entry since the last
// checkpoint back into the page and index layers (spec.md §6/9: a WAL
// exists to survive a crash between a mutation and the next checkpoint).
// Callers run it once, immediately after Open and CreateCrate/CreateIndex
// for every crate being recovered, before accepting new writes; it is a
// no-op when Options.WAL was nil. Recovery assumes the page store is
// otherwise empty for the crates being replayed: it reapplies inserts
// rather than reconciling against already-materialized records, the same
// assumption the WAL's own Recover makes about its caller.
func (e *Engine) Recover() error {
	if e.walLog == nil {
		return nil
	}
	return wal.NewRecovery(e.walLog).Recover(e.replayOp)
}

func (e *Engine) replayOp(op wal.OpType, crateName string, documentID uint64, payload []byte) error {
	switch op {
	case wal.OpInsert:
		return e.replayInsert(crateName, documentID, payload)
	case wal.OpDelete:
		return e.replayDelete(crateName, documentID)
	default:
		return nil
	}
}

// replayInsert mirrors Insert's page-write-then-index-update sequence for
// an already-logged document, reusing its original id instead of minting
// a new one and skipping the sink write (the entry being replayed is the
// sink write).
func (e *Engine) replayInsert(crate string, documentID uint64, payload []byte) error {
	doc, err := document.DecodePayload(payload)
	if err != nil {
		return fmt.Errorf("crushdb: replay insert: decode: %w", err)
	}
	doc.DocumentID = documentID
	e.bumpDocumentID(documentID)

	if _, err := e.idIndex(crate); err != nil {
		return err
	}

	needed := 25 + len(payload)
	page, err := e.pages.FindPageWithSpace(e.tailPage(crate), needed)
	if err != nil {
		return err
	}
	if err := page.Insert(doc); err != nil {
		return err
	}
	e.setTailPage(crate, page.ID())

	ref := btree.Ref{PageID: doc.PageID, Offset: doc.Offset}
	for _, idx := range e.indexes.IndexesFor(crate) {
		key, ok := doc.Get(idx.FieldName)
		if !ok {
			continue
		}
		if err := idx.Insert(key, ref); err != nil {
			return err
		}
	}
	return nil
}

// replayDelete mirrors Delete's tombstone-then-index-cleanup sequence.
// A document already absent from the _id index (e.g. its page record was
// never replayed) is treated as already-deleted rather than an error, so
// replay stays idempotent across partially-applied logs.
func (e *Engine) replayDelete(crate string, documentID uint64) error {
	idIdx, err := e.idIndex(crate)
	if err != nil {
		return err
	}
	idKey := value.I64(int64(documentID))
	refs, ok, err := idIdx.Search(idKey)
	if err != nil || !ok || len(refs) == 0 {
		return nil
	}
	ref := refs[0]

	page, err := e.pages.Get(ref.PageID)
	if err != nil {
		return err
	}
	doc, found, err := page.RetrieveAt(ref.Offset)
	if err != nil || !found {
		return nil
	}
	if _, err := page.Delete(documentID); err != nil {
		return err
	}
	if _, err := idIdx.Delete(idKey, ref); err != nil {
		e.log.Error("replay delete: _id index cleanup failed").Err(err).Uint64("doc_id", documentID).Send()
	}
	for _, idx := range e.indexes.IndexesFor(crate) {
		if idx.Name == idIndexName {
			continue
		}
		key, ok := doc.Get(idx.FieldName)
		if !ok {
			continue
		}
		if _, err := idx.Delete(key, ref); err != nil {
			e.log.Error("replay delete: secondary index cleanup failed").Err(err).Str("index", idx.Name).Send()
		}
	}
	return nil
}

// bumpDocumentID advances the id generator past id if id is ahead of it,
// so inserts issued after recovery never collide with a replayed id.
func (e *Engine) bumpDocumentID(id uint64) {
	for {
		cur := atomic.LoadUint64(&e.lastDocID)
		if id <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&e.lastDocID, cur, id) {
			return
		}
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordEngineOperation(op, status, time.Since(start))
}

// CreateCrate registers crate's implicit unique _id index (KindI64,
// ascending, per spec.md's default-index invariant). A crate must be
// created before its first Insert, which fails with ErrCrateNotFound
// otherwise; creating an existing crate fails with ErrCrateExists.
func (e *Engine) CreateCrate(crate string) error {
	start := time.Now()
	_, err := e.indexes.Create(crate, idIndexName, idIndexName, true, idIndexOrder, btree.Asc, value.KindI64)
	if err != nil {
		err = wrapErr(KindIndex, "create_crate", fmt.Errorf("%w: %v", ErrCrateExists, err))
	}
	e.observe("create_crate", start, err)
	return err
}

// CreateIndex declares a secondary index on crate over fieldName.
// Non-unique indexes hold every matching ref under one key (spec.md
// E6's non-unique ASC index over vehicleMake).
func (e *Engine) CreateIndex(crate, name, fieldName string, unique bool, order int, sortOrder btree.SortOrder, kind value.Kind) error {
	start := time.Now()
	if order <= 0 {
		order = idIndexOrder
	}
	_, err := e.indexes.Create(crate, name, fieldName, unique, order, sortOrder, kind)
	if err != nil {
		err = wrapErr(KindIndex, "create_index", err)
	}
	e.observe("create_index", start, err)
	return err
}

// nextDocumentID hands out the monotonically increasing document ids
// spec.md's C13 ID generator describes, scoped to this Engine instance.
func (e *Engine) nextDocumentID() uint64 {
	return atomic.AddUint64(&e.lastDocID, 1)
}

func (e *Engine) idIndex(crate string) (*index.Index, error) {
	idx, err := e.indexes.Get(crate, idIndexName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrateNotFound, err)
	}
	return idx, nil
}

// tailPage returns the page a crate's next document should try to land
// on. Every crate shares one page-id space; crateTail just remembers
// which page was most recently written to for this crate so inserts
// tend to cluster instead of always allocating fresh pages.
func (e *Engine) tailPage(crate string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crateTail[crate]
}

func (e *Engine) setTailPage(crate string, pageID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.crateTail[crate] = pageID
}

// Insert assigns doc a fresh id, finds a page with room for its encoded
// record, writes it, and updates every index declared on crate —
// including the implicit _id index. If any index insert fails partway
// through, the façade compensates by tombstoning the page record it
// just wrote and propagates the error, per spec.md's literal insert
// description: "if any index insert fails ... compensate by calling
// page.delete(doc.id) and propagate the error."
func (e *Engine) Insert(crate string, doc *document.Document) (uint64, error) {
	start := time.Now()
	docID := e.nextDocumentID()
	doc.DocumentID = docID

	if _, err := e.idIndex(crate); err != nil {
		werr := wrapErr(KindIndex, "insert", err)
		e.observe("insert", start, werr)
		return 0, werr
	}

	encodedLen := len(doc.EncodePayload())
	needed := 25 + encodedLen // spec.md: "must have space for 25 + |encoded doc|"

	page, err := e.pages.FindPageWithSpace(e.tailPage(crate), needed)
	if err != nil {
		werr := wrapErr(KindStorage, "insert", err)
		e.observe("insert", start, werr)
		return 0, werr
	}

	if err := page.Insert(doc); err != nil {
		werr := wrapErr(KindStorage, "insert", err)
		e.observe("insert", start, werr)
		return 0, werr
	}
	e.setTailPage(crate, page.ID())

	ref := btree.Ref{PageID: doc.PageID, Offset: doc.Offset}

	for _, idx := range e.indexes.IndexesFor(crate) {
		key, ok := doc.Get(idx.FieldName)
		if !ok {
			continue
		}
		if insErr := idx.Insert(key, ref); insErr != nil {
			if _, delErr := page.Delete(docID); delErr != nil {
				e.log.Error("insert compensation failed").Err(delErr).Uint64("doc_id", docID).Send()
			}
			werr := wrapErr(KindIndex, "insert", insErr)
			e.observe("insert", start, werr)
			return 0, werr
		}
	}

	if err := e.sink.LogInsert(crate, docID, doc.EncodePayload()); err != nil {
		werr := wrapErr(KindWAL, "insert", err)
		e.observe("insert", start, werr)
		return 0, werr
	}

	e.observe("insert", start, nil)
	return docID, nil
}

// Find looks up every document whose value in idx equals key.
func (e *Engine) Find(crate string, idxName string, key value.Value) ([]*document.Document, error) {
	start := time.Now()
	idx, err := e.indexes.Get(crate, idxName)
	if err != nil {
		werr := wrapErr(KindIndex, "find", err)
		e.observe("find", start, werr)
		return nil, werr
	}
	refs, ok, err := idx.Search(key)
	if err != nil {
		werr := wrapErr(KindIndex, "find", err)
		e.observe("find", start, werr)
		return nil, werr
	}
	if !ok {
		e.observe("find", start, nil)
		return nil, nil
	}
	docs, err := e.materialize(refs)
	e.observe("find", start, err)
	return docs, err
}

// RangeFind returns every document whose key in idx falls in [lo, hi].
func (e *Engine) RangeFind(crate, idxName string, lo, hi value.Value) ([]*document.Document, error) {
	start := time.Now()
	idx, err := e.indexes.Get(crate, idxName)
	if err != nil {
		werr := wrapErr(KindIndex, "range_find", err)
		e.observe("range_find", start, werr)
		return nil, werr
	}
	byKey, err := idx.RangeSearch(lo, hi)
	if err != nil {
		werr := wrapErr(KindIndex, "range_find", err)
		e.observe("range_find", start, werr)
		return nil, werr
	}
	var refs []btree.Ref
	for _, rs := range byKey {
		refs = append(refs, rs...)
	}
	docs, err := e.materialize(refs)
	e.observe("range_find", start, err)
	return docs, err
}

// Scan materializes every document in crate by walking its _id index in
// tree order, skipping and logging any record that fails to decode
// instead of aborting the whole scan (spec.md §9: corrupt records are
// skipped-and-logged, not fatal).
func (e *Engine) Scan(crate string) ([]*document.Document, error) {
	start := time.Now()
	idIdx, err := e.idIndex(crate)
	if err != nil {
		werr := wrapErr(KindIndex, "scan", err)
		e.observe("scan", start, werr)
		return nil, werr
	}

	var docs []*document.Document
	it := idIdx.NewIterator()
	for it.Next() {
		ref := it.Ref()
		page, err := e.pages.Get(ref.PageID)
		if err != nil {
			e.log.Error("scan: page read failed").Err(err).Uint64("page_id", ref.PageID).Send()
			continue
		}
		doc, ok, err := page.RetrieveAt(ref.Offset)
		if err != nil {
			e.log.Error("scan: corrupt record skipped").Err(err).Uint64("page_id", ref.PageID).Send()
			continue
		}
		if !ok {
			continue
		}
		docs = append(docs, doc)
	}
	if e.metrics != nil {
		e.metrics.DocumentsScannedTotal.Add(float64(len(docs)))
	}
	e.observe("scan", start, nil)
	return docs, nil
}

// Delete resolves docID through crate's _id index, reads the document's
// current field values before tombstoning (so every secondary index's
// stale entry can be removed by the key value it was actually inserted
// under), tombstones the page record, then removes the entry from every
// non-id index.
func (e *Engine) Delete(crate string, docID uint64) error {
	start := time.Now()
	idIdx, err := e.idIndex(crate)
	if err != nil {
		werr := wrapErr(KindIndex, "delete", err)
		e.observe("delete", start, werr)
		return werr
	}

	idKey := value.I64(int64(docID))
	refs, ok, err := idIdx.Search(idKey)
	if err != nil {
		werr := wrapErr(KindIndex, "delete", err)
		e.observe("delete", start, werr)
		return werr
	}
	if !ok || len(refs) == 0 {
		werr := wrapErr(KindIndex, "delete", ErrDocumentNotFound)
		e.observe("delete", start, werr)
		return werr
	}
	ref := refs[0]

	page, err := e.pages.Get(ref.PageID)
	if err != nil {
		werr := wrapErr(KindStorage, "delete", err)
		e.observe("delete", start, werr)
		return werr
	}

	doc, found, err := page.RetrieveAt(ref.Offset)
	if err != nil {
		werr := wrapErr(KindStorage, "delete", err)
		e.observe("delete", start, werr)
		return werr
	}
	if !found {
		werr := wrapErr(KindIndex, "delete", ErrDocumentNotFound)
		e.observe("delete", start, werr)
		return werr
	}

	if _, err := page.Delete(docID); err != nil {
		werr := wrapErr(KindStorage, "delete", err)
		e.observe("delete", start, werr)
		return werr
	}

	if _, err := idIdx.Delete(idKey, ref); err != nil {
		e.log.Error("delete: _id index cleanup failed").Err(err).Uint64("doc_id", docID).Send()
	}

	for _, idx := range e.indexes.IndexesFor(crate) {
		if idx.Name == idIndexName {
			continue
		}
		key, ok := doc.Get(idx.FieldName)
		if !ok {
			continue
		}
		if _, err := idx.Delete(key, ref); err != nil {
			e.log.Error("delete: secondary index cleanup failed").Err(err).Str("index", idx.Name).Send()
		}
	}

	if err := e.sink.LogDelete(crate, docID); err != nil {
		werr := wrapErr(KindWAL, "delete", err)
		e.observe("delete", start, werr)
		return werr
	}

	e.observe("delete", start, nil)
	return nil
}

// CompactPage defragments a single page on demand, the explicit admin
// call spec.md §9 allows alongside page-split as a tombstone reclaimer.
func (e *Engine) CompactPage(pageID uint64) error {
	start := time.Now()
	page, err := e.pages.Get(pageID)
	if err != nil {
		werr := wrapErr(KindStorage, "compact_page", err)
		e.observe("compact_page", start, werr)
		return werr
	}
	err = page.Compact()
	e.observe("compact_page", start, wrapErr(KindStorage, "compact_page", err))
	if err != nil {
		return wrapErr(KindStorage, "compact_page", err)
	}
	return nil
}

func (e *Engine) materialize(refs []btree.Ref) ([]*document.Document, error) {
	docs := make([]*document.Document, 0, len(refs))
	for _, ref := range refs {
		page, err := e.pages.Get(ref.PageID)
		if err != nil {
			return docs, err
		}
		doc, ok, err := page.RetrieveAt(ref.Offset)
		if err != nil {
			e.log.Error("materialize: corrupt record skipped").Err(err).Uint64("page_id", ref.PageID).Send()
			continue
		}
		if !ok {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
