package recovery_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobboyms/storage-engine/pkg/recovery"
	"github.com/bobboyms/storage-engine/pkg/walog"
)

func writeSegment(t *testing.T, path string, shardID uint32, rows []walog.Row) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := walog.WriteHeader(f, shardID); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for i := range rows {
		if err := walog.WriteRow(f, &rows[i]); err != nil {
			t.Fatalf("write row: %v", err)
		}
	}
	if err := walog.WriteEOF(f); err != nil {
		t.Fatalf("write eof: %v", err)
	}
}

func TestOrchestratorReplaysWalFromEmptyState(t *testing.T) {
	dir := t.TempDir()

	rows := []walog.Row{
		{LSN: 1, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("a")},
		{LSN: 2, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("b")},
		{LSN: 3, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("c")},
	}
	writeSegment(t, filepath.Join(dir, walog.SegmentName(1, walog.KindWal)), 0, rows)

	var applied []string
	o := recovery.New(dir, 0, func(row *walog.Row) error {
		applied = append(applied, string(row.Data))
		return nil
	}, nil)

	if err := o.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.CurrentLSN() != 3 {
		t.Fatalf("current lsn = %d, want 3", o.CurrentLSN())
	}
	if len(applied) != 3 || applied[0] != "a" || applied[2] != "c" {
		t.Fatalf("applied = %v", applied)
	}
	if o.Degraded() {
		t.Fatalf("should not be degraded")
	}
}

func TestOrchestratorDetectsLSNGap(t *testing.T) {
	dir := t.TempDir()

	rows := []walog.Row{
		{LSN: 1, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("a")},
		{LSN: 3, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("c")},
	}
	writeSegment(t, filepath.Join(dir, walog.SegmentName(1, walog.KindWal)), 0, rows)

	o := recovery.New(dir, 0, func(row *walog.Row) error { return nil }, nil)
	if err := o.Run(); err == nil {
		t.Fatalf("expected an lsn gap error")
	}
}

func TestOrchestratorSkipsAlreadyAppliedRowsOnReplay(t *testing.T) {
	dir := t.TempDir()

	// Two WAL files: the first covers 1..2, the second re-overlaps at 2
	// and continues to 3 (simulating a restart that re-opens a segment
	// whose tail was already applied).
	rows1 := []walog.Row{
		{LSN: 1, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("a")},
		{LSN: 2, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("b")},
	}
	rows2 := []walog.Row{
		{LSN: 2, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("b")},
		{LSN: 3, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("c")},
	}
	writeSegment(t, filepath.Join(dir, walog.SegmentName(1, walog.KindWal)), 0, rows1)
	writeSegment(t, filepath.Join(dir, walog.SegmentName(2, walog.KindWal)), 0, rows2)

	var applied []string
	o := recovery.New(dir, 0, func(row *walog.Row) error {
		applied = append(applied, string(row.Data))
		return nil
	}, nil)

	if err := o.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("applied = %v, want 3 rows (no double-apply of lsn 2)", applied)
	}
}

func TestOrchestratorNoSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	o := recovery.New(dir, 0, nil, nil)
	if err := o.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.CurrentLSN() != 0 {
		t.Fatalf("current lsn = %d, want 0", o.CurrentLSN())
	}
}

func TestStateString(t *testing.T) {
	if recovery.StatePrimary.String() != "primary" {
		t.Fatalf("String() = %q", recovery.StatePrimary.String())
	}
}
