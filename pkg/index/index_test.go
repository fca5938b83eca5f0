package index_test

import (
	"testing"

	"github.com/bobboyms/storage-engine/pkg/index"
	"github.com/bobboyms/storage-engine/pkg/types"
)

func TestTreeIndexReplaceFindRemove(t *testing.T) {
	idx := index.New("pk", index.KindTreeU64, true)

	if err := idx.Replace(types.IntKey(1), 100); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := idx.Replace(types.IntKey(2), 200); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	v, ok := idx.FindByKey(types.IntKey(1))
	if !ok || v != 100 {
		t.Fatalf("FindByKey(1) = %d, %v", v, ok)
	}
	if idx.Size() != 2 {
		t.Fatalf("Size = %d, want 2", idx.Size())
	}
	if !idx.Remove(types.IntKey(1)) {
		t.Fatalf("Remove(1) should succeed")
	}
	if idx.Size() != 1 {
		t.Fatalf("Size after remove = %d, want 1", idx.Size())
	}
}

func TestHashIndexUniqueRejectsDuplicate(t *testing.T) {
	idx := index.New("email", index.KindHashBytes, true)
	if err := idx.Replace(types.VarcharKey("a@example.com"), 1); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := idx.Replace(types.VarcharKey("a@example.com"), 2); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestHashIndexNonUniqueAllowsMultipleValues(t *testing.T) {
	idx := index.New("status", index.KindHashBytes, false)
	if err := idx.Replace(types.VarcharKey("active"), 1); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := idx.Replace(types.VarcharKey("active"), 2); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if idx.Size() != 2 {
		t.Fatalf("Size = %d, want 2", idx.Size())
	}
}

func TestSetReplaceIsAllOrNothing(t *testing.T) {
	pk := index.New("pk", index.KindTreeU64, true)
	email := index.New("email", index.KindHashBytes, true)

	set, err := index.NewSet("pk", pk, email)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	keysA := map[string]types.Comparable{"pk": types.IntKey(1), "email": types.VarcharKey("a@example.com")}
	if err := set.Replace(1, keysA, nil); err != nil {
		t.Fatalf("Replace record 1: %v", err)
	}

	keysB := map[string]types.Comparable{"pk": types.IntKey(2), "email": types.VarcharKey("a@example.com")}
	if err := set.Replace(2, keysB, nil); err == nil {
		t.Fatalf("expected duplicate email to be rejected")
	}

	// The primary index must not have gained a stray entry for record 2
	// despite the secondary unique index rejecting the insert.
	if _, ok := pk.FindByKey(types.IntKey(2)); ok {
		t.Fatalf("primary index should not contain record 2 after rejected replace")
	}
}

func TestSetReplaceUpdatesAcrossIndexes(t *testing.T) {
	pk := index.New("pk", index.KindTreeU64, true)
	status := index.New("status", index.KindHashBytes, false)

	set, err := index.NewSet("pk", pk, status)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	keys := map[string]types.Comparable{"pk": types.IntKey(1), "status": types.VarcharKey("pending")}
	if err := set.Replace(1, keys, nil); err != nil {
		t.Fatalf("initial insert: %v", err)
	}

	newKeys := map[string]types.Comparable{"pk": types.IntKey(1), "status": types.VarcharKey("done")}
	if err := set.Replace(1, newKeys, keys); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, ok := status.FindByKey(types.VarcharKey("pending")); ok {
		t.Fatalf("old status key should be gone")
	}
	if v, ok := status.FindByKey(types.VarcharKey("done")); !ok || v != 1 {
		t.Fatalf("new status key missing, got %d, %v", v, ok)
	}
}

// TestSetReplaceSameKeyNewValueIsNotADuplicate covers the case where an
// update assigns a fresh value (e.g. a new WAL-allocated row id) to a
// row whose unique key doesn't change: this must not be mistaken for a
// conflict with the row's own prior entry.
func TestSetReplaceSameKeyNewValueIsNotADuplicate(t *testing.T) {
	pk := index.New("pk", index.KindTreeU64, true)

	set, err := index.NewSet("pk", pk)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	keys := map[string]types.Comparable{"pk": types.IntKey(5)}
	if err := set.Replace(10, keys, nil); err != nil {
		t.Fatalf("initial insert: %v", err)
	}

	if err := set.Replace(20, keys, keys); err != nil {
		t.Fatalf("update with fresh value should not conflict with its own prior entry: %v", err)
	}
	if v, ok := pk.FindByKey(types.IntKey(5)); !ok || v != 20 {
		t.Fatalf("pk should now resolve to the new value, got %d, %v", v, ok)
	}
}

// TestSetReplaceDifferentKeyStillConflicts ensures the same-row
// exemption above doesn't mask a genuine conflict with a different row.
func TestSetReplaceDifferentKeyStillConflicts(t *testing.T) {
	pk := index.New("pk", index.KindTreeU64, true)

	set, err := index.NewSet("pk", pk)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	if err := set.Replace(1, map[string]types.Comparable{"pk": types.IntKey(1)}, nil); err != nil {
		t.Fatalf("insert record 1: %v", err)
	}
	if err := set.Replace(2, map[string]types.Comparable{"pk": types.IntKey(2)}, nil); err != nil {
		t.Fatalf("insert record 2: %v", err)
	}

	oldKeys := map[string]types.Comparable{"pk": types.IntKey(2)}
	newKeys := map[string]types.Comparable{"pk": types.IntKey(1)}
	if err := set.Replace(3, newKeys, oldKeys); err == nil {
		t.Fatalf("expected conflict moving record 2 onto record 1's key")
	}
}
