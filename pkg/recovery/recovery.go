// Package recovery drives the node startup state machine: load the
// latest snapshot, replay the WAL up to the current LSN, then hand off
// to either primary or follower operation. It also owns the
// fork-equivalent snapshot child, re-exec'd exactly like
// pkg/walwriter's writer child since Go has no portable fork().
package recovery

import (
	"bufio"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/bobboyms/storage-engine/pkg/walog"
)

// State is one node of the spec's startup state machine:
//
//	Init -> LoadingSnap -> LoadingWal -> [Primary|Follower]
//	                               \-> FoldMode (exit after snapshot)
type State int

const (
	StateInit State = iota
	StateLoadingSnap
	StateLoadingWal
	StatePrimary
	StateFollower
	StateFoldMode
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoadingSnap:
		return "loading_snap"
	case StateLoadingWal:
		return "loading_wal"
	case StatePrimary:
		return "primary"
	case StateFollower:
		return "follower"
	case StateFoldMode:
		return "fold_mode"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Applier applies one decoded WAL row to the in-memory executor. It is
// supplied by the engine's per-shard executor wiring, out of this
// package's scope.
type Applier func(row *walog.Row) error

// Orchestrator runs the recovery state machine for one shard directory.
type Orchestrator struct {
	Dir     string
	ShardID uint64
	Apply   Applier
	Logger  *zap.Logger

	state      State
	currentLSN uint64
	currentSCN uint64
	runCRC     uint32
	degraded   bool
}

// New creates an orchestrator for the WAL/snapshot directory dir.
func New(dir string, shardID uint64, apply Applier, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{Dir: dir, ShardID: shardID, Apply: apply, Logger: logger, state: StateInit}
}

func (o *Orchestrator) State() State       { return o.state }
func (o *Orchestrator) CurrentLSN() uint64 { return o.currentLSN }
func (o *Orchestrator) CurrentSCN() uint64 { return o.currentSCN }
func (o *Orchestrator) Degraded() bool     { return o.degraded }

// Run executes LoadingSnap then LoadingWal and leaves the orchestrator
// in StateLoadingWal on success (StateDegraded if a run_crc row did not
// match); the caller transitions to Primary or
// Follower afterward depending on configuration (§4.8 step 3), since
// that decision depends on feeder configuration this package doesn't own.
func (o *Orchestrator) Run() error {
	o.state = StateLoadingSnap
	if err := o.loadSnapshot(); err != nil {
		return fmt.Errorf("recovery: loading snapshot: %w", err)
	}

	o.state = StateLoadingWal
	if err := o.loadWal(); err != nil {
		return fmt.Errorf("recovery: loading wal: %w", err)
	}

	return nil
}

// loadSnapshot picks the greatest snapshot LSN and replays it through
// Apply, row by row, honoring the snap_initial/snap_data*/snap_final
// sequence. Absence of any snapshot leaves LSN at 0, per spec.
func (o *Orchestrator) loadSnapshot() error {
	segs, err := walog.ScanDir(o.Dir)
	if err != nil {
		return err
	}
	snap, found := walog.LatestSnapshot(segs)
	if !found {
		o.Logger.Info("no snapshot found, starting empty", zap.String("dir", o.Dir))
		return nil
	}

	f, err := os.Open(snap.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, _, err := walog.ReadHeader(r); err != nil {
		return fmt.Errorf("reading snapshot header: %w", err)
	}

	for {
		row, err := walog.ReadNext(r)
		if err != nil {
			break
		}
		if err := o.applyRow(row); err != nil {
			return fmt.Errorf("replaying snapshot row lsn=%d: %w", row.LSN, err)
		}
		if walog.Tag(row.Tag&0x3fff) == walog.TagSnapFinal {
			o.currentSCN = row.SCN
		}
	}
	o.Logger.Info("snapshot loaded", zap.Uint64("lsn", o.currentLSN), zap.String("path", snap.Path))
	return nil
}

// loadWal opens every WAL segment covering (snap_lsn, +inf) in order
// and replays rows with the idempotent-skip / gap-fails-recovery rule.
func (o *Orchestrator) loadWal() error {
	segs, err := walog.ScanDir(o.Dir)
	if err != nil {
		return err
	}
	wals := walog.WalsAfter(segs, o.currentLSN)
	// Segments are named by their first LSN, so the last WAL segment that
	// starts at or before currentLSN can still hold later rows; replay it
	// too and let the idempotent guard skip what is already applied.
	var covering []walog.Segment
	for _, s := range segs {
		if s.Kind == walog.KindWal && s.LSN <= o.currentLSN {
			covering = []walog.Segment{s}
		}
	}
	wals = append(covering, wals...)

	for _, seg := range wals {
		if err := o.replayWalFile(seg); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) replayWalFile(seg walog.Segment) error {
	f, err := os.Open(seg.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, _, err := walog.ReadHeader(r); err != nil {
		return fmt.Errorf("reading wal header %s: %w", seg.Path, err)
	}

	for {
		row, err := walog.ReadNext(r)
		if err != nil {
			break
		}

		if row.LSN <= o.currentLSN {
			continue // idempotent replay guard
		}
		if row.LSN != o.currentLSN+1 {
			return fmt.Errorf("recovery: lsn gap, have %d, got %d in %s", o.currentLSN, row.LSN, seg.Path)
		}

		if walog.Tag(row.Tag&0x3fff) == walog.TagRunCRC {
			o.checkRunCRC(row)
			continue
		}

		if err := o.applyRow(row); err != nil {
			return fmt.Errorf("replaying wal row lsn=%d: %w", row.LSN, err)
		}
	}
	return nil
}

func (o *Orchestrator) applyRow(row *walog.Row) error {
	if o.Apply != nil {
		if err := o.Apply(row); err != nil {
			return err
		}
	}
	o.currentLSN = row.LSN
	if walog.ScnChanger(row.Tag) {
		o.currentSCN++
	}
	o.runCRC = crcFold(o.runCRC, row.Data)
	return nil
}

// checkRunCRC compares the running hash carried by a run_crc row
// against the hash accumulated over applied payloads so far. A
// mismatch degrades the node but does not stop recovery, per spec.
func (o *Orchestrator) checkRunCRC(row *walog.Row) {
	o.currentLSN = row.LSN
	want := crcFold(0, row.Data)
	if want != o.runCRC {
		o.degraded = true
		o.state = StateDegraded
		o.Logger.Warn("run_crc mismatch during recovery",
			zap.Uint64("lsn", row.LSN), zap.Uint32("want", want), zap.Uint32("have", o.runCRC))
	}
}

func crcFold(acc uint32, data []byte) uint32 {
	h := acc
	for _, b := range data {
		h = h*31 + uint32(b)
	}
	return h
}
