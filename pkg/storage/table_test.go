package storage

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/bobboyms/storage-engine/pkg/docfmt"
	"github.com/bobboyms/storage-engine/pkg/index"
	"github.com/bobboyms/storage-engine/pkg/types"
	"github.com/bobboyms/storage-engine/pkg/walwriter"
)

// fakeWal is a walSubmitter that assigns monotonically increasing row
// ids without spawning any process, letting these tests exercise
// Table's data path without touching walwriter.Spawn's os/exec child.
type fakeWal struct {
	next   int64
	closed bool
}

func (f *fakeWal) Submit(ctx context.Context, rows [][]byte) (walwriter.WalPackReply, error) {
	id := atomic.AddInt64(&f.next, 1)
	return walwriter.WalPackReply{AssignedLSN: uint64(id)}, nil
}

func (f *fakeWal) Close() error {
	f.closed = true
	return nil
}

func usersTable(t *testing.T) *Table {
	t.Helper()
	defs := []IndexDef{
		{Name: "id", Kind: index.KindTreeU64, Unique: true, Primary: true, FieldPos: 0},
		{Name: "email", Kind: index.KindHashBytes, Unique: true, FieldPos: 1},
	}
	tb, err := newTable("users", []string{"id", "email"}, defs, 1, &fakeWal{}, nil)
	if err != nil {
		t.Fatalf("newTable: %v", err)
	}
	return tb
}

func TestTableInsertGet(t *testing.T) {
	tb := usersTable(t)
	ctx := context.Background()

	rowID, err := tb.Insert(ctx, `{"id": 1, "email": "a@example.com"}`)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rowID == 0 {
		t.Fatalf("expected a non-zero row id")
	}

	doc, found, err := tb.Get("id", types.IntKey(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("expected row to be found")
	}
	if doc == "" {
		t.Fatalf("expected a non-empty document")
	}
}

func TestTableInsertRejectsDuplicateUniqueKey(t *testing.T) {
	tb := usersTable(t)
	ctx := context.Background()

	if _, err := tb.Insert(ctx, `{"id": 1, "email": "a@example.com"}`); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := tb.Insert(ctx, `{"id": 2, "email": "a@example.com"}`); err == nil {
		t.Fatalf("expected duplicate email to be rejected")
	}
}

func TestTableUpdateKeepsPrimaryKeyAssignsFreshRowID(t *testing.T) {
	tb := usersTable(t)
	ctx := context.Background()

	firstRowID, err := tb.Insert(ctx, `{"id": 1, "email": "a@example.com"}`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	secondRowID, err := tb.Update(ctx, types.IntKey(1), `{"id": 1, "email": "b@example.com"}`)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if secondRowID == firstRowID {
		t.Fatalf("expected a fresh row id on update")
	}

	doc, found, err := tb.Get("id", types.IntKey(1))
	if err != nil || !found {
		t.Fatalf("Get after update: doc=%q found=%v err=%v", doc, found, err)
	}

	if _, found, _ := tb.Get("email", types.VarcharKey("a@example.com")); found {
		t.Fatalf("old email key should no longer resolve")
	}
}

func TestTableDeleteRemovesRow(t *testing.T) {
	tb := usersTable(t)
	ctx := context.Background()

	if _, err := tb.Insert(ctx, `{"id": 1, "email": "a@example.com"}`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tb.Delete(ctx, types.IntKey(1)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := tb.Get("id", types.IntKey(1)); found {
		t.Fatalf("row should be gone after delete")
	}
}

func TestTableScanReturnsAllRowsInKeyOrder(t *testing.T) {
	tb := usersTable(t)
	ctx := context.Background()

	if _, err := tb.Insert(ctx, `{"id": 2, "email": "b@example.com"}`); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if _, err := tb.Insert(ctx, `{"id": 1, "email": "a@example.com"}`); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	docs, err := tb.Scan("id", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}

func TestTableApplyRowReplaysInsertAndTombstone(t *testing.T) {
	tb := usersTable(t)
	ctx := context.Background()

	rowID, err := tb.Insert(ctx, `{"id": 1, "email": "a@example.com"}`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	doc, found, err := tb.Get("id", types.IntKey(1))
	if err != nil || !found {
		t.Fatalf("Get before replay: doc=%q found=%v err=%v", doc, found, err)
	}

	raw := encodedRow(t, tb, types.IntKey(1))
	if err := tb.ApplyRow(rowID, raw); err != nil {
		t.Fatalf("re-apply same row: %v", err)
	}
	if _, found, _ := tb.Get("id", types.IntKey(1)); !found {
		t.Fatalf("row should still be present after idempotent replay")
	}

	tombRowID := rowID + 100
	tombRaw := tombstoneRow(t, types.IntKey(1))
	if err := tb.ApplyRow(tombRowID, tombRaw); err != nil {
		t.Fatalf("apply tombstone: %v", err)
	}
	if _, found, _ := tb.Get("id", types.IntKey(1)); found {
		t.Fatalf("row should be gone after tombstone replay")
	}
}

func encodedRow(t *testing.T, tb *Table, key types.Comparable) []byte {
	t.Helper()
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	primaryIdx, _ := tb.Indexes.Get(tb.Primary)
	rowID, found := primaryIdx.FindByKey(key)
	if !found {
		t.Fatalf("row for key %v not found", key)
	}
	tup, ok := tb.rows[rowID]
	if !ok {
		t.Fatalf("row id %d not present in row map", rowID)
	}
	return tup.Encode()
}

func tombstoneRow(t *testing.T, key types.Comparable) []byte {
	t.Helper()
	tomb, err := docfmt.Tombstone(key)
	if err != nil {
		t.Fatalf("docfmt.Tombstone: %v", err)
	}
	return tomb.Encode()
}
