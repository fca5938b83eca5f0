package storage

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobboyms/storage-engine/pkg/recovery"
)

// GenerateKey produces a time-ordered unique id for callers that need
// one independent of a table's own primary key (e.g. idempotency
// tokens), kept from the teacher's original helper.
func GenerateKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		reportInvariantViolation(err)
		panic(err) // the entropy source failing is an unrecoverable host fault
	}
	return id.String()
}

// reportInvariantViolation sends a detected invariant violation to
// Sentry, best-effort and bounded by a short flush, before the caller
// aborts the process — this never gates the abort itself.
func reportInvariantViolation(err error) {
	sentry.CaptureException(err)
	sentry.Flush(2 * time.Second)
}

// StorageEngine is the top-level handle a node wires up: it owns the
// table registry and the data directory every table's WAL writer/
// recovery orchestrator/snapshot child operate under.
type StorageEngine struct {
	DataDir       string
	TableMetaData *TableMetaData
	logger        *zap.Logger
}

// NewStorageEngine builds an engine rooted at dataDir. Tables are added
// with CreateTable, which replays any prior snapshot/WAL state for that
// table before accepting new writes.
func NewStorageEngine(dataDir string) (*StorageEngine, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return &StorageEngine{
		DataDir:       dataDir,
		TableMetaData: NewTableMetaData(),
		logger:        logger,
	}, nil
}

// SetLogger overrides the engine's logger (nil resets to a no-op
// logger), letting cmd/kvnode inject the process-wide logger instead of
// each engine building its own sink.
func (se *StorageEngine) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	se.logger = logger
}

// CreateTable registers and recovers a new table under the engine's
// data directory.
func (se *StorageEngine) CreateTable(name string, fieldNames []string, defs []IndexDef, shardID uint32) (*Table, error) {
	t, err := se.TableMetaData.CreateTable(se.DataDir, name, fieldNames, defs, shardID, se.logger)
	if err != nil {
		return nil, err
	}
	se.logger.Info("table ready", zap.String("table", name), zap.Int64("lsn", t.LastLSN()))
	return t, nil
}

// CreateFollowerTable registers a table that is driven entirely by a
// replication puller instead of a local WAL writer.
func (se *StorageEngine) CreateFollowerTable(name string, fieldNames []string, defs []IndexDef, shardID uint32) (*Table, error) {
	t, err := se.TableMetaData.CreateFollowerTable(se.DataDir, name, fieldNames, defs, shardID, se.logger)
	if err != nil {
		return nil, err
	}
	se.logger.Info("follower table ready", zap.String("table", name), zap.Int64("lsn", t.LastLSN()))
	return t, nil
}

// Table looks up a previously created table by name.
func (se *StorageEngine) Table(name string) (*Table, error) {
	return se.TableMetaData.GetTableByName(name)
}

// Vacuum snapshots every table, forking the fork-equivalent snapshot
// child (pkg/recovery.SpawnSnapshot) per table so a crash while writing
// one table's segment can't corrupt another's.
func (se *StorageEngine) Vacuum(ctx context.Context) error {
	for _, t := range se.TableMetaData.Tables() {
		lsn := t.LastLSN()
		se.logger.Info("vacuum starting", zap.String("table", t.Name), zap.Int64("lsn", lsn))
		if err := recovery.SpawnSnapshot(t.dir, uint64(lsn), []recovery.TableSource{t}); err != nil {
			return err
		}
		se.logger.Info("vacuum complete", zap.String("table", t.Name))
	}
	return nil
}

// Close shuts down every table's WAL writer child.
func (se *StorageEngine) Close() error {
	var firstErr error
	for _, t := range se.TableMetaData.Tables() {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
