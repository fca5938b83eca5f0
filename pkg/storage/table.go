// Package storage drives the engine's tables: schema/index management,
// the insert/update/delete/scan data path, and crash recovery. It
// replaces the teacher's original pkg/btree+pkg/heap+pkg/wal pairing
// (one B+Tree per index over a flat heap file) with the newer
// pkg/index/pkg/tuple/pkg/walog/pkg/walwriter stack: every table still
// looks like the teacher's TableMetaData/Table pairing
// (pkg/storage/table.go in the original teacher tree), but a table's
// "Heap" is now a tuple map keyed by the row id the WAL writer child
// assigns, and its indexes are index.Set rather than one *btree.BPlusTree
// per index.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/bobboyms/storage-engine/pkg/docfmt"
	"github.com/bobboyms/storage-engine/pkg/errors"
	"github.com/bobboyms/storage-engine/pkg/index"
	"github.com/bobboyms/storage-engine/pkg/recovery"
	"github.com/bobboyms/storage-engine/pkg/tuple"
	"github.com/bobboyms/storage-engine/pkg/types"
	"github.com/bobboyms/storage-engine/pkg/walog"
	"github.com/bobboyms/storage-engine/pkg/walwriter"
)

// walSubmitter is the slice of *walwriter.Writer a table actually uses.
// Tests substitute a fake that assigns row ids without spawning the real
// self-re-exec child process walwriter.Spawn launches.
type walSubmitter interface {
	Submit(ctx context.Context, rows [][]byte) (walwriter.WalPackReply, error)
	Close() error
}

// IndexDef describes one index a table should carry. Exactly one
// IndexDef in a table's definition must set Primary.
type IndexDef struct {
	Name     string
	Kind     index.Kind
	Unique   bool
	Primary  bool
	FieldPos int // position of this index's key within a row's tuple fields
}

// Table is one named collection of tuples plus the index.Set covering
// it. FieldNames gives every stored field's name in tuple order, the
// way docfmt.ToJSON needs it to reconstruct a document.
type Table struct {
	Name          string
	FieldNames    []string
	IndexFieldPos map[string]int
	Primary       string
	Indexes       *index.Set

	mu      sync.RWMutex
	rows    map[int64]*tuple.Tuple
	lastLSN int64

	dir     string
	shardID uint32
	wal     walSubmitter
	logger  *zap.Logger
}

// TableMetaData is the registry of every table known to the engine,
// mirroring the teacher's TableMetaData/NewTableMenager pairing.
type TableMetaData struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewTableMetaData builds an empty table registry.
func NewTableMetaData() *TableMetaData {
	return &TableMetaData{tables: make(map[string]*Table)}
}

// CreateTable builds a table's index set, spawns its dedicated WAL
// writer child under dataDir/name, and registers it. shardID feeds the
// WAL row/recovery shard bookkeeping, so each table is its own
// replication/recovery shard.
func (tm *TableMetaData) CreateTable(dataDir, name string, fieldNames []string, defs []IndexDef, shardID uint32, logger *zap.Logger) (*Table, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, err := tm.recoverTableLocked(dataDir, name, fieldNames, defs, shardID, logger)
	if err != nil {
		return nil, err
	}

	writer, err := walwriter.Spawn(t.dir, shardID, 0)
	if err != nil {
		return nil, err
	}
	t.wal = writer

	tm.tables[name] = t
	return t, nil
}

// CreateFollowerTable is like CreateTable but never spawns a local WAL
// writer: a follower's table state is driven entirely by a
// pkg/replication.Puller calling Table.ApplyRow, and any direct write
// attempt against it fails with FollowerReadOnlyError.
func (tm *TableMetaData) CreateFollowerTable(dataDir, name string, fieldNames []string, defs []IndexDef, shardID uint32, logger *zap.Logger) (*Table, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, err := tm.recoverTableLocked(dataDir, name, fieldNames, defs, shardID, logger)
	if err != nil {
		return nil, err
	}
	t.wal = &followerWal{table: name}

	tm.tables[name] = t
	return t, nil
}

// recoverTableLocked builds a table's index set and replays any existing
// snapshot/WAL segments under dataDir/name, leaving t.wal unset for the
// caller to fill in (a real writer for a primary, a rejecting stub for a
// follower). Caller must hold tm.mu.
func (tm *TableMetaData) recoverTableLocked(dataDir, name string, fieldNames []string, defs []IndexDef, shardID uint32, logger *zap.Logger) (*Table, error) {
	if _, exists := tm.tables[name]; exists {
		return nil, errors.Wrap(&errors.TableAlreadyExistsError{Name: name}, errors.CodeIllegalParams)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t, err := newTable(name, fieldNames, defs, shardID, nil, logger)
	if err != nil {
		return nil, err
	}

	tableDir := filepath.Join(dataDir, name)
	if err := os.MkdirAll(tableDir, 0755); err != nil {
		return nil, err
	}
	t.dir = tableDir

	// Replay any existing snapshot/WAL segments in the table's own
	// directory before a writer child (or the replication puller) starts
	// appending new rows to them, rebuilding t.rows/t.Indexes exactly as
	// a fresh process restart would.
	orchestrator := recovery.New(tableDir, uint64(shardID), func(row *walog.Row) error {
		return t.ApplyRow(int64(row.LSN), row.Data)
	}, logger)
	if err := orchestrator.Run(); err != nil {
		return nil, err
	}
	return t, nil
}

// followerWal rejects every local write attempt against a table that is
// only meant to receive rows via replication replay.
type followerWal struct {
	table string
}

func (f *followerWal) Submit(ctx context.Context, rows [][]byte) (walwriter.WalPackReply, error) {
	return walwriter.WalPackReply{}, errors.Wrap(&errors.FollowerReadOnlyError{Table: f.table}, errors.CodeReadOnly)
}

func (f *followerWal) Close() error { return nil }

// newTable builds a table's index set and row map without touching the
// filesystem or spawning a WAL writer child, so tests can wire in a fake
// walSubmitter and exercise Insert/Update/Delete/Scan/ApplyRow directly.
func newTable(name string, fieldNames []string, defs []IndexDef, shardID uint32, wal walSubmitter, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	indexFieldPos := make(map[string]int, len(defs))
	indexes := make([]*index.Index, 0, len(defs))
	primary := ""
	for _, def := range defs {
		indexes = append(indexes, index.New(def.Name, def.Kind, def.Unique))
		indexFieldPos[def.Name] = def.FieldPos
		if def.Primary {
			if primary != "" {
				return nil, errors.Wrap(&errors.TwoPrimarykeysError{Total: 2}, errors.CodeIllegalParams)
			}
			primary = def.Name
		}
	}
	if primary == "" {
		return nil, errors.Wrap(&errors.PrimarykeyNotDefinedError{TableName: name}, errors.CodeIllegalParams)
	}

	idxSet, err := index.NewSet(primary, indexes...)
	if err != nil {
		return nil, err
	}

	return &Table{
		Name:          name,
		FieldNames:    fieldNames,
		IndexFieldPos: indexFieldPos,
		Primary:       primary,
		Indexes:       idxSet,
		rows:          make(map[int64]*tuple.Tuple),
		shardID:       shardID,
		wal:           wal,
		logger:        logger,
	}, nil
}

// GetTableByName looks up a registered table.
func (tm *TableMetaData) GetTableByName(name string) (*Table, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.tables[name]
	if !ok {
		return nil, errors.Wrap(&errors.TableNotFoundError{Name: name}, errors.CodeNotFound)
	}
	return t, nil
}

// Tables returns every registered table, used by Vacuum and Close to walk
// the whole engine without the caller needing to know table names.
func (tm *TableMetaData) Tables() []*Table {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*Table, 0, len(tm.tables))
	for _, t := range tm.tables {
		out = append(out, t)
	}
	return out
}

// GetIndexByName looks up one of the table's indexes by name.
func (t *Table) GetIndexByName(name string) (*index.Index, error) {
	idx, ok := t.Indexes.Get(name)
	if !ok {
		return nil, errors.Wrap(&errors.IndexNotFoundError{Name: name}, errors.CodeIndexViolation)
	}
	return idx, nil
}

// extractKeys pulls every index's key out of tup's fields, per
// IndexFieldPos.
func (t *Table) extractKeys(tup *tuple.Tuple) (map[string]types.Comparable, error) {
	keys := make(map[string]types.Comparable, len(t.IndexFieldPos))
	for name, pos := range t.IndexFieldPos {
		key, err := docfmt.Extract(tup, pos)
		if err != nil {
			return nil, err
		}
		keys[name] = key
	}
	return keys, nil
}

// Insert encodes doc as a tuple, submits it through the table's WAL
// writer for a durable row id, and applies it to every index. The
// unique-key probe happens twice by design: once here (cheaply, before
// burning a WAL row id on a doomed insert) and once more, authoritatively,
// inside index.Set.Replace at apply time.
func (t *Table) Insert(ctx context.Context, doc string) (int64, error) {
	tup, err := docfmt.FromJSON(doc)
	if err != nil {
		return 0, err
	}
	keys, err := t.extractKeys(tup)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	conflict := t.checkUnique(keys, nil)
	t.mu.RUnlock()
	if conflict != nil {
		return 0, conflict
	}

	reply, err := t.wal.Submit(ctx, [][]byte{tup.Encode()})
	if err != nil {
		return 0, err
	}
	rowID := int64(reply.AssignedLSN)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyTupleLocked(tup, rowID); err != nil {
		return 0, err
	}
	return rowID, nil
}

// Update replaces the row currently stored under primaryKey with doc,
// keeping the same primary key but assigning a fresh row id (mirroring
// a fresh WAL row rather than an in-place rewrite).
func (t *Table) Update(ctx context.Context, primaryKey types.Comparable, doc string) (int64, error) {
	tup, err := docfmt.FromJSON(doc)
	if err != nil {
		return 0, err
	}
	newKeys, err := t.extractKeys(tup)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	primaryIdx, ok := t.Indexes.Get(t.Primary)
	if !ok {
		t.mu.RUnlock()
		return 0, &errors.IndexNotFoundError{Name: t.Primary}
	}
	oldRowID, found := primaryIdx.FindByKey(primaryKey)
	if !found {
		t.mu.RUnlock()
		return 0, &errors.TableNotFoundError{Name: t.Name}
	}
	oldTup := t.rows[oldRowID]
	oldKeys, extractErr := t.extractKeys(oldTup)
	if extractErr != nil {
		t.mu.RUnlock()
		return 0, extractErr
	}
	conflict := t.checkUnique(newKeys, oldKeys)
	t.mu.RUnlock()
	if conflict != nil {
		return 0, conflict
	}

	reply, err := t.wal.Submit(ctx, [][]byte{tup.Encode()})
	if err != nil {
		return 0, err
	}
	rowID := int64(reply.AssignedLSN)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.Indexes.Replace(rowID, newKeys, oldKeys); err != nil {
		return 0, err
	}
	delete(t.rows, oldRowID)
	t.rows[rowID] = tup
	return rowID, nil
}

// Delete removes the row identified by its primary key, logging a
// tombstone row so recovery/replication reconstruct the deletion too.
func (t *Table) Delete(ctx context.Context, primaryKey types.Comparable) error {
	t.mu.RLock()
	primaryIdx, ok := t.Indexes.Get(t.Primary)
	if !ok {
		t.mu.RUnlock()
		return &errors.IndexNotFoundError{Name: t.Primary}
	}
	rowID, found := primaryIdx.FindByKey(primaryKey)
	t.mu.RUnlock()
	if !found {
		return errors.Wrap(&errors.TableNotFoundError{Name: t.Name}, errors.CodeNotFound)
	}

	tomb, err := docfmt.Tombstone(primaryKey)
	if err != nil {
		return err
	}
	if _, err := t.wal.Submit(ctx, [][]byte{tomb.Encode()}); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	oldTup, ok := t.rows[rowID]
	if !ok {
		return nil // already removed by a concurrent delete
	}
	oldKeys, err := t.extractKeys(oldTup)
	if err != nil {
		return err
	}
	t.Indexes.Remove(oldKeys)
	delete(t.rows, rowID)
	return nil
}

// Get fetches and JSON-decodes the row stored under key in the named
// index.
func (t *Table) Get(indexName string, key types.Comparable) (string, bool, error) {
	idx, err := t.GetIndexByName(indexName)
	if err != nil {
		return "", false, err
	}
	rowID, found := idx.FindByKey(key)
	if !found {
		return "", false, nil
	}

	t.mu.RLock()
	tup, ok := t.rows[rowID]
	t.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	out, err := docfmt.ToJSON(tup, t.FieldNames)
	return out, true, err
}

// Scan walks the named index in ascending key order starting at from
// (or from the beginning, if from is nil), returning each matching
// row's JSON document.
func (t *Table) Scan(indexName string, from types.Comparable) ([]string, error) {
	idx, err := t.GetIndexByName(indexName)
	if err != nil {
		return nil, err
	}

	var it index.Iterator
	if from != nil {
		it = idx.IterateFrom(from)
	} else {
		it = idx.Iterate()
	}

	var docs []string
	for {
		_, rowID, ok := it.Next()
		if !ok {
			break
		}
		t.mu.RLock()
		tup, present := t.rows[rowID]
		t.mu.RUnlock()
		if !present {
			continue
		}
		doc, err := docfmt.ToJSON(tup, t.FieldNames)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// checkUnique is the cheap pre-WAL-submit probe Insert/Update use to
// avoid burning a row id on a doomed write; the authoritative check
// still happens inside index.Set.Replace at apply time. Caller must
// hold at least a read lock.
func (t *Table) checkUnique(newKeys, oldKeys map[string]types.Comparable) error {
	for name, newKey := range newKeys {
		idx, ok := t.Indexes.Get(name)
		if !ok || !idx.Unique() {
			continue
		}
		existing, found := idx.FindByKey(newKey)
		if !found {
			continue
		}
		if oldKeys != nil {
			if oldKey, ok := oldKeys[name]; ok && oldKey.Compare(newKey) == 0 && idx.FindByObj(oldKey, existing) {
				continue
			}
		}
		return errors.Wrap(&errors.DuplicateKeyError{Key: keyString(newKey)}, errors.CodeIndexViolation)
	}
	return nil
}

// keyString renders a key for an error message, mirroring the
// unexported helper of the same name in pkg/index.
func keyString(key types.Comparable) string {
	if s, ok := key.(interface{ String() string }); ok {
		return s.String()
	}
	return "?"
}

// applyTupleLocked folds one decoded tuple into the table's indexes and
// row map. It is idempotent with respect to recovery replay: re-applying
// a row already reflected in the indexes (same rowID already present)
// simply overwrites it with identical data. Caller must hold the write
// lock.
func (t *Table) applyTupleLocked(tup *tuple.Tuple, rowID int64) error {
	if rowID > t.lastLSN {
		t.lastLSN = rowID
	}
	if tup.Deleted() {
		key, err := docfmt.Extract(tup, 0)
		if err != nil {
			return err
		}
		primaryIdx, ok := t.Indexes.Get(t.Primary)
		if !ok {
			return &errors.IndexNotFoundError{Name: t.Primary}
		}
		oldRowID, found := primaryIdx.FindByKey(key)
		if !found {
			return nil // already applied
		}
		oldTup, ok := t.rows[oldRowID]
		if !ok {
			return nil
		}
		oldKeys, err := t.extractKeys(oldTup)
		if err != nil {
			return err
		}
		t.Indexes.Remove(oldKeys)
		delete(t.rows, oldRowID)
		return nil
	}

	keys, err := t.extractKeys(tup)
	if err != nil {
		return err
	}

	var oldKeys map[string]types.Comparable
	primaryIdx, ok := t.Indexes.Get(t.Primary)
	if ok {
		if oldRowID, found := primaryIdx.FindByKey(keys[t.Primary]); found {
			if oldTup, present := t.rows[oldRowID]; present {
				oldKeys, _ = t.extractKeys(oldTup)
				if oldRowID != rowID {
					delete(t.rows, oldRowID)
				}
			}
		}
	}

	if err := t.Indexes.Replace(rowID, keys, oldKeys); err != nil {
		return err
	}
	t.rows[rowID] = tup
	return nil
}

// ApplyRow is the recovery/replication entry point: decode the row's
// tuple payload and fold it into the table's state. Safe to call with
// rows already reflected in the table (idempotent replay).
func (t *Table) ApplyRow(rowID int64, data []byte) error {
	tup, err := tuple.Decode(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyTupleLocked(tup, rowID)
}

// Close shuts down the table's WAL writer child.
func (t *Table) Close() error {
	return t.wal.Close()
}

// ShardID satisfies recovery.TableSource.
func (t *Table) ShardID() uint32 { return t.shardID }

// Rows satisfies recovery.TableSource, handing the snapshot child every
// currently-live tuple keyed by its row id, in no particular order (the
// snapshot format doesn't require key order, only that every live row
// appears once).
func (t *Table) Rows() ([]recovery.Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]recovery.Row, 0, len(t.rows))
	for rowID, tup := range t.rows {
		out = append(out, recovery.Row{Key: rowID, Data: tup.Encode()})
	}
	return out, nil
}

// LastLSN returns the highest row id applied so far, used as the
// snapshot LSN when vacuuming this table.
func (t *Table) LastLSN() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastLSN
}
