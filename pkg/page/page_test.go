// ABOUTME: Tests for page round-trip, tombstone opacity, compaction, and split invariants
// ABOUTME: Covers spec.md's Testable Properties 1-4

package page

import (
	"testing"

	"github.com/crushdb/crushdb-core/pkg/document"
	"github.com/crushdb/crushdb-core/pkg/value"
)

func mustDoc(t *testing.T, id uint64, name string, v value.Value) *document.Document {
	t.Helper()
	d := document.New(id)
	if err := d.Put(name, v); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return d
}

func TestInsertRetrieveRoundTrip(t *testing.T) {
	p := New(1, false)
	doc := mustDoc(t, 42, "name", value.Str("alpha"))

	if err := p.Insert(doc); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if doc.PageID != 1 {
		t.Errorf("PageID = %d, want 1", doc.PageID)
	}

	got, ok, err := p.Retrieve(42)
	if err != nil || !ok {
		t.Fatalf("Retrieve: ok=%v err=%v", ok, err)
	}
	if got.String() != doc.String() {
		t.Errorf("retrieved doc mismatch: got %s want %s", got.String(), doc.String())
	}
}

// TestInsertRetrieveRoundTripCompressed covers a page created with
// autoCompress=true, including a short single-field document small enough
// that lz4 reports it as incompressible (CompressBlock returns 0, nil),
// the case that used to leave recordLenAt reading past the record.
func TestInsertRetrieveRoundTripCompressed(t *testing.T) {
	p := New(1, true)
	doc := mustDoc(t, 42, "x", value.Str("a"))

	if err := p.Insert(doc); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := p.Retrieve(42)
	if err != nil || !ok {
		t.Fatalf("Retrieve: ok=%v err=%v", ok, err)
	}
	if got.String() != doc.String() {
		t.Errorf("retrieved doc mismatch: got %s want %s", got.String(), doc.String())
	}
}

func TestTombstoneOpacity(t *testing.T) {
	p := New(1, false)
	doc := mustDoc(t, 1, "x", value.I32(1))
	if err := p.Insert(doc); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before := p.AvailableSpace()

	ok, err := p.Delete(1)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := p.Retrieve(1); ok {
		t.Fatal("expected tombstoned document to be invisible")
	}
	after := p.AvailableSpace()
	if after <= before {
		t.Errorf("expected available space to grow after tombstone, before=%d after=%d", before, after)
	}
}

func TestCompactionPreservesActiveSetAndReclaimsSpace(t *testing.T) {
	p := New(1, false)
	for i := uint64(1); i <= 5; i++ {
		if err := p.Insert(mustDoc(t, i, "n", value.I64(int64(i)))); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if _, err := p.Delete(2); err != nil {
		t.Fatalf("Delete(2): %v", err)
	}
	if _, err := p.Delete(4); err != nil {
		t.Fatalf("Delete(4): %v", err)
	}
	spaceBefore := p.AvailableSpace()

	if err := p.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if len(p.deletedDocIDs) != 0 {
		t.Errorf("expected deletedDocIDs empty after compaction, got %d entries", len(p.deletedDocIDs))
	}
	for _, id := range []uint64{1, 3, 5} {
		if _, ok, err := p.Retrieve(id); err != nil || !ok {
			t.Errorf("expected doc %d to survive compaction, ok=%v err=%v", id, ok, err)
		}
	}
	for _, id := range []uint64{2, 4} {
		if _, ok, _ := p.Retrieve(id); ok {
			t.Errorf("expected doc %d to remain absent after compaction", id)
		}
	}
	if p.AvailableSpace() < spaceBefore {
		t.Errorf("available space should not shrink across compaction: before=%d after=%d", spaceBefore, p.AvailableSpace())
	}
	if p.DocumentCount() != 3 {
		t.Errorf("DocumentCount = %d, want 3", p.DocumentCount())
	}
}

func TestSplitPreservesUnionAndCountInvariant(t *testing.T) {
	p := New(1, false)
	const n = 9
	for i := uint64(1); i <= n; i++ {
		if err := p.Insert(mustDoc(t, i, "n", value.I64(int64(i)))); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	right, err := p.Split(2)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	wantRight := (n + 1) / 2
	wantLeft := n - wantRight
	if p.DocumentCount() != wantLeft {
		t.Errorf("left count = %d, want %d", p.DocumentCount(), wantLeft)
	}
	if right.DocumentCount() != wantRight {
		t.Errorf("right count = %d, want %d", right.DocumentCount(), wantRight)
	}
	if p.Next() != right.ID() {
		t.Errorf("left.next = %d, want %d", p.Next(), right.ID())
	}
	if right.Prev() != p.ID() {
		t.Errorf("right.prev = %d, want %d", right.Prev(), p.ID())
	}

	seen := make(map[uint64]bool)
	for i := uint64(1); i <= n; i++ {
		if doc, ok, _ := p.Retrieve(i); ok {
			seen[doc.DocumentID] = true
			continue
		}
		if doc, ok, _ := right.Retrieve(i); ok {
			if doc.PageID != right.ID() {
				t.Errorf("doc %d on right page has PageID %d, want %d", i, doc.PageID, right.ID())
			}
			seen[doc.DocumentID] = true
		}
	}
	if len(seen) != n {
		t.Errorf("union of active docs across split = %d, want %d", len(seen), n)
	}
}

func TestInsertFailsWhenPageFull(t *testing.T) {
	p := New(1, false)
	big := document.New(1)
	bigStr := make([]byte, 3000)
	for i := range bigStr {
		bigStr[i] = 'a'
	}
	if err := big.Put("blob", value.Str(string(bigStr))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Insert(big); err != nil {
		t.Fatalf("first insert should fit: %v", err)
	}
	if err := p.Insert(document.New(2)); err == nil {
		second := document.New(2)
		if err2 := second.Put("blob", value.Str(string(bigStr))); err2 != nil {
			t.Fatalf("Put: %v", err2)
		}
		if err := p.Insert(second); err != ErrPageFull {
			t.Errorf("expected ErrPageFull, got %v", err)
		}
	}
}

func TestLoadRoundTrip(t *testing.T) {
	p := New(5, false)
	for i := uint64(1); i <= 3; i++ {
		if err := p.Insert(mustDoc(t, i, "n", value.I64(int64(i)))); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if _, err := p.Delete(2); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	loaded, err := Load(p.Bytes())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID() != 5 {
		t.Errorf("loaded id = %d, want 5", loaded.ID())
	}
	if loaded.DocumentCount() != 2 {
		t.Errorf("loaded document count = %d, want 2", loaded.DocumentCount())
	}
	if _, ok, _ := loaded.Retrieve(2); ok {
		t.Error("expected tombstone to survive reload")
	}
	if _, ok, _ := loaded.Retrieve(1); !ok {
		t.Error("expected doc 1 to survive reload")
	}
}
