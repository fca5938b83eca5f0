package recovery

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/bobboyms/storage-engine/pkg/walog"
)

// SnapshotFDFlag is the hidden flag this binary re-execs itself with to
// become a snapshot child, mirroring pkg/walwriter's -walwriter-fd=N
// trick: Go has no fork(), so the isolation boundary spec.md §9
// demands ("a crash while writing a snapshot must not corrupt the main
// process") is realized as a separate child process instead of a
// forked copy-on-write address space.
const SnapshotFDFlag = "-snapshot-fd="

// Row is one record a TableSource yields during snapshot iteration.
type Row struct {
	Key  int64
	Data []byte
}

// TableSource supplies every live row of one table, each with its row
// id, for the snapshot writer to serialize, decoupling this package from
// the engine's concrete table/index types. The order of the rows is not
// specified.
type TableSource interface {
	ShardID() uint32
	Rows() ([]Row, error)
}

// IsSnapshotChildArg reports whether arg is the hidden flag marking
// this process invocation as a snapshot child.
func IsSnapshotChildArg(arg string) bool {
	return len(arg) > len(SnapshotFDFlag) && arg[:len(SnapshotFDFlag)] == SnapshotFDFlag
}

// SpawnSnapshot re-execs the current binary as a snapshot child, feeds
// it every table's rows over a pipe, and waits for it to finalize the
// segment file at {lsn}.snap. The parent continues serving requests
// while the child writes and fsyncs, per spec.md §4.8's "parent
// continues serving" requirement.
func SpawnSnapshot(dir string, lsn uint64, sources []TableSource) error {
	parent, child, err := newPipePair()
	if err != nil {
		return err
	}

	cmd := exec.Command(os.Args[0], fmt.Sprintf("%s%d", SnapshotFDFlag, 3))
	cmd.ExtraFiles = []*os.File{child.read, child.write}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SNAPSHOT_DIR=%s", dir),
		fmt.Sprintf("SNAPSHOT_LSN=%d", lsn),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parent.Close()
		child.Close()
		return err
	}
	child.Close()

	for _, src := range sources {
		rows, err := src.Rows()
		if err != nil {
			parent.Close()
			cmd.Process.Kill()
			return err
		}
		if err := writeSnapshotRows(parent, src.ShardID(), rows); err != nil {
			parent.Close()
			cmd.Process.Kill()
			return err
		}
	}
	writeFrame(parent, []byte("done"))
	parent.Close()

	return cmd.Wait()
}

func writeSnapshotRows(w io.Writer, shardID uint32, rows []Row) error {
	for _, r := range rows {
		buf := make([]byte, 12+len(r.Data))
		binary.LittleEndian.PutUint32(buf[0:4], shardID)
		binary.LittleEndian.PutUint64(buf[4:12], uint64(r.Key))
		copy(buf[12:], r.Data)
		if err := writeFrame(w, buf); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RunSnapshotChild is the entry point cmd/kvnode calls when it detects
// IsSnapshotChildArg(os.Args[1]) at startup: it reads streamed rows
// from the inherited pipe fds, writes a snap_initial/snap_data*/
// snap_final segment, fsyncs and renames it into place, then exits.
func RunSnapshotChild(dir string, lsn uint64) error {
	readEnd := os.NewFile(3, "snapshot-read")
	writeEnd := os.NewFile(4, "snapshot-write")
	defer readEnd.Close()
	defer writeEnd.Close()

	f, _, err := walog.OpenInProgress(dir, lsn, walog.KindSnap)
	if err != nil {
		return err
	}

	if err := walog.WriteHeader(f, 0); err != nil {
		f.Close()
		return err
	}

	initialRow := snapRow(lsn, walog.TagSnapInitial, nil)
	if err := walog.WriteRow(f, &initialRow); err != nil {
		f.Close()
		return err
	}

	for {
		payload, err := readFrame(readEnd)
		if err != nil {
			f.Close()
			return fmt.Errorf("recovery: snapshot child read: %w", err)
		}
		if string(payload) == "done" {
			break
		}
		shardID := binary.LittleEndian.Uint32(payload[0:4])
		data := append([]byte(nil), payload[12:]...)

		row := snapRow(lsn, walog.TagSnapData, data)
		row.ShardID = shardID
		if err := walog.WriteRow(f, &row); err != nil {
			f.Close()
			return err
		}
	}

	finalRow := snapRow(lsn, walog.TagSnapFinal, nil)
	if err := walog.WriteRow(f, &finalRow); err != nil {
		f.Close()
		return err
	}
	if err := walog.WriteEOF(f); err != nil {
		f.Close()
		return err
	}

	return walog.Finalize(f, dir, lsn, walog.KindSnap)
}

// snapRow builds a minimal row for the snapshot tags, which carry no
// scn/remote_scn of their own — the tag's high bits already mark them
// TAG_SNAP in log_io.h's scheme.
func snapRow(lsn uint64, tag walog.Tag, data []byte) walog.Row {
	return walog.Row{LSN: lsn, Tag: walog.Encode(tag, 0x4000), Data: data}
}

type pipePair struct {
	read  *os.File
	write *os.File
}

func (p pipePair) Write(b []byte) (int, error) { return p.write.Write(b) }
func (p pipePair) Read(b []byte) (int, error)  { return p.read.Read(b) }
func (p pipePair) Close() error {
	err1 := p.read.Close()
	err2 := p.write.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// newPipePair builds a crossed pair of os.Pipe()s so the parent's
// write end feeds the child's read end and vice versa, the same
// technique pkg/walwriter uses since Go has no socketpair(2).
func newPipePair() (parent, child pipePair, err error) {
	r1, w1, err := os.Pipe() // parent -> child
	if err != nil {
		return pipePair{}, pipePair{}, err
	}
	r2, w2, err := os.Pipe() // child -> parent
	if err != nil {
		r1.Close()
		w1.Close()
		return pipePair{}, pipePair{}, err
	}
	parent = pipePair{read: r2, write: w1}
	child = pipePair{read: r1, write: w2}
	return parent, child, nil
}
