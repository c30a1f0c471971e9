// ABOUTME: B+Tree tests for ordering, split, unique/non-unique, and range-search correctness
// ABOUTME: Covers spec.md's Testable Properties 5-7 and scenarios E2-E5

package btree

import (
	"math/rand"
	"testing"

	"github.com/crushdb/crushdb-core/pkg/value"
)

func TestDeepInsertAscPreservesLookup(t *testing.T) {
	tree := New(55, true, Asc)
	keys := rand.New(rand.NewSource(1)).Perm(10000)
	for _, k := range keys {
		k64 := int64(k + 1)
		if err := tree.Insert(value.I64(k64), Ref{PageID: uint64(k64), Offset: uint32(k64 + 10000)}); err != nil {
			t.Fatalf("Insert(%d): %v", k64, err)
		}
	}
	for i := int64(1); i <= 10000; i++ {
		refs, ok := tree.Search(value.I64(i))
		if !ok || len(refs) != 1 {
			t.Fatalf("Search(%d): ok=%v refs=%v", i, ok, refs)
		}
		if refs[0].PageID != uint64(i) {
			t.Errorf("Search(%d).PageID = %d, want %d", i, refs[0].PageID, i)
		}
	}
}

func TestDeepInsertDescLeafOrder(t *testing.T) {
	tree := New(55, true, Desc)
	keys := rand.New(rand.NewSource(2)).Perm(10000)
	for _, k := range keys {
		k64 := int64(k + 1)
		if err := tree.Insert(value.I64(k64), Ref{PageID: uint64(k64), Offset: uint32(k64 + 10000)}); err != nil {
			t.Fatalf("Insert(%d): %v", k64, err)
		}
	}

	leafOrder := tree.LeftmostLeafKeys()
	if len(leafOrder) != 10000 {
		t.Fatalf("leaf order length = %d, want 10000", len(leafOrder))
	}
	for i, v := range leafOrder {
		want := int64(10000 - i)
		if v.I64 != want {
			t.Fatalf("leaf order[%d] = %d, want %d", i, v.I64, want)
		}
	}
}

func TestUniqueDuplicateRejected(t *testing.T) {
	tree := New(3, true, Asc)
	fruits := []string{"Apple", "Grape", "Orange", "Banana", "Pineapple",
		"BlueBerry", "StrawBerry", "Pear", "Kiwi", "Cherry"}
	for i, f := range fruits {
		if err := tree.Insert(value.Str(f), Ref{PageID: uint64(i), Offset: uint32(i)}); err != nil {
			t.Fatalf("Insert(%s): %v", f, err)
		}
	}

	err := tree.Insert(value.Str("Pineapple"), Ref{PageID: 999})
	if err == nil {
		t.Fatal("expected ErrDuplicateKey re-inserting Pineapple")
	}
	if _, ok := err.(*ErrDuplicateKey); !ok {
		t.Fatalf("expected *ErrDuplicateKey, got %T", err)
	}

	for i, f := range fruits {
		refs, ok := tree.Search(value.Str(f))
		if !ok || len(refs) != 1 || refs[0].PageID != uint64(i) {
			t.Errorf("Search(%s): ok=%v refs=%v, want original page_id %d", f, ok, refs, i)
		}
	}
}

func TestNonUniqueRangeSearch(t *testing.T) {
	tree := New(3, false, Asc)
	countries := []string{"United States", "United Kingdom", "Kenya", "Brazil",
		"Barbados", "Chile", "Denmark", "Finland", "Germany", "Barbados", "Denmark"}
	for i, c := range countries {
		if err := tree.Insert(value.Str(c), Ref{PageID: uint64(i)}); err != nil {
			t.Fatalf("Insert(%s): %v", c, err)
		}
	}

	result := tree.RangeSearch(value.Str("B"), value.Str("H"))
	want := map[string]int{
		"Brazil": 1, "Barbados": 2, "Chile": 1, "Denmark": 2, "Finland": 1, "Germany": 1,
	}
	if len(result) != len(want) {
		t.Fatalf("range result has %d keys, want %d: %v", len(result), len(want), result)
	}
	for k, wantCount := range want {
		refs, ok := result[value.Str(k)]
		if !ok {
			t.Fatalf("missing key %q in range result", k)
		}
		if len(refs) != wantCount {
			t.Errorf("key %q has %d refs, want %d", k, len(refs), wantCount)
		}
	}
	for k := range result {
		if _, ok := want[k.Str]; !ok {
			t.Errorf("unexpected key %q in range result", k.Str)
		}
	}
}

func TestDeleteRebalancesTree(t *testing.T) {
	tree := New(4, true, Asc)
	for i := int64(1); i <= 20; i++ {
		if err := tree.Insert(value.I64(i), Ref{PageID: uint64(i)}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := int64(1); i <= 15; i++ {
		if !tree.Delete(value.I64(i), Ref{PageID: uint64(i)}) {
			t.Fatalf("Delete(%d) reported not found", i)
		}
	}
	for i := int64(1); i <= 15; i++ {
		if _, ok := tree.Search(value.I64(i)); ok {
			t.Errorf("key %d should be gone after delete", i)
		}
	}
	for i := int64(16); i <= 20; i++ {
		if _, ok := tree.Search(value.I64(i)); !ok {
			t.Errorf("key %d should survive deletion of other keys", i)
		}
	}
	leafOrder := tree.LeftmostLeafKeys()
	for i := 1; i < len(leafOrder); i++ {
		if value.Compare(leafOrder[i-1], leafOrder[i]) >= 0 {
			t.Fatalf("leaf order not strictly ascending at %d: %v", i, leafOrder)
		}
	}
}

func TestIteratorWalksAllEntriesInOrder(t *testing.T) {
	tree := New(4, false, Asc)
	for i := int64(1); i <= 50; i++ {
		if err := tree.Insert(value.I64(i%10), Ref{PageID: uint64(i)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	it := tree.NewIterator()
	count := 0
	var last value.Value
	haveLast := false
	for it.Next() {
		count++
		k := it.Key()
		if haveLast && value.Compare(last, k) > 0 {
			t.Fatalf("iterator keys out of order: %v then %v", last, k)
		}
		last = k
		haveLast = true
	}
	if count != 50 {
		t.Errorf("iterator visited %d entries, want 50", count)
	}
}
