package sptree_test

import (
	"testing"

	"github.com/bobboyms/storage-engine/pkg/sptree"
	"github.com/bobboyms/storage-engine/pkg/types"
)

func collect(it *sptree.Iterator) []int64 {
	var out []int64
	for {
		_, v, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

func TestUniqueInsertFindDelete(t *testing.T) {
	tr := sptree.New(true)

	values := []int{50, 20, 80, 10, 30, 70, 90, 5, 15}
	for _, v := range values {
		tr.InsertOrReplace(types.IntKey(v), int64(v))
	}

	if tr.Size() != len(values) {
		t.Fatalf("size = %d, want %d", tr.Size(), len(values))
	}

	for _, v := range values {
		got, ok := tr.Find(types.IntKey(v))
		if !ok || got != int64(v) {
			t.Fatalf("Find(%d) = %d, %v", v, got, ok)
		}
	}

	if _, ok := tr.Find(types.IntKey(999)); ok {
		t.Fatalf("Find(999) should miss")
	}

	if !tr.Delete(types.IntKey(20)) {
		t.Fatalf("Delete(20) should succeed")
	}
	if tr.Delete(types.IntKey(20)) {
		t.Fatalf("second Delete(20) should report absent")
	}
	if _, ok := tr.Find(types.IntKey(20)); ok {
		t.Fatalf("20 should be gone after delete")
	}
	if tr.Size() != len(values)-1 {
		t.Fatalf("size after delete = %d, want %d", tr.Size(), len(values)-1)
	}
}

func TestUniqueReplaceOverwritesValue(t *testing.T) {
	tr := sptree.New(true)
	tr.InsertOrReplace(types.IntKey(1), 100)
	tr.InsertOrReplace(types.IntKey(1), 200)

	if tr.Size() != 1 {
		t.Fatalf("size = %d, want 1", tr.Size())
	}
	got, ok := tr.Find(types.IntKey(1))
	if !ok || got != 200 {
		t.Fatalf("Find(1) = %d, %v, want 200", got, ok)
	}
}

func TestIterateIsSorted(t *testing.T) {
	tr := sptree.New(true)
	values := []int{5, 3, 8, 1, 4, 7, 9, 2, 6}
	for _, v := range values {
		tr.InsertOrReplace(types.IntKey(v), int64(v))
	}

	got := collect(tr.Iterate())
	want := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("got %d elements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNonUniqueKeepsDuplicatesAndLandsOnFirst(t *testing.T) {
	tr := sptree.New(false)
	tr.InsertOrReplace(types.IntKey(10), 1)
	tr.InsertOrReplace(types.IntKey(10), 2)
	tr.InsertOrReplace(types.IntKey(10), 3)
	tr.InsertOrReplace(types.IntKey(20), 4)

	if tr.Size() != 4 {
		t.Fatalf("size = %d, want 4", tr.Size())
	}

	got := collect(tr.IterateFrom(types.IntKey(10)))
	if len(got) != 4 {
		t.Fatalf("IterateFrom(10) returned %d remaining elements, want 4 (three 10s + trailing 20)", len(got))
	}
	seen := map[int64]bool{}
	for _, v := range got[:3] {
		seen[v] = true
	}
	for _, want := range []int64{1, 2, 3} {
		if !seen[want] {
			t.Fatalf("expected value %d among the 10-keyed duplicates, got %v", want, got)
		}
	}
}

func TestIterateFromMissingKeyLandsOnNextGreater(t *testing.T) {
	tr := sptree.New(true)
	for _, v := range []int{10, 20, 30, 40} {
		tr.InsertOrReplace(types.IntKey(v), int64(v))
	}

	got := collect(tr.IterateFrom(types.IntKey(25)))
	want := []int64{30, 40}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDeleteTwoChildrenNode(t *testing.T) {
	tr := sptree.New(true)
	for _, v := range []int{50, 30, 70, 20, 40, 60, 80} {
		tr.InsertOrReplace(types.IntKey(v), int64(v))
	}

	if !tr.Delete(types.IntKey(50)) {
		t.Fatalf("Delete(50) should succeed")
	}

	want := []int64{20, 30, 40, 60, 70, 80}
	got := collect(tr.Iterate())
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLargeSequentialInsertStaysBalanced(t *testing.T) {
	tr := sptree.New(true)
	const n = 2000
	for i := 0; i < n; i++ {
		tr.InsertOrReplace(types.IntKey(i), int64(i))
	}

	if tr.Size() != n {
		t.Fatalf("size = %d, want %d", tr.Size(), n)
	}

	got := collect(tr.Iterate())
	for i := 0; i < n; i++ {
		if got[i] != int64(i) {
			t.Fatalf("position %d: got %d, want %d", i, got[i], i)
		}
	}

	for i := 0; i < n; i += 3 {
		if !tr.Delete(types.IntKey(i)) {
			t.Fatalf("Delete(%d) should succeed", i)
		}
	}
	for i := 0; i < n; i += 3 {
		if _, ok := tr.Find(types.IntKey(i)); ok {
			t.Fatalf("%d should be gone", i)
		}
	}
}
