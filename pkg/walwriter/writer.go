// Package walwriter runs WAL group commit in an isolated child process,
// so a crash while writing to disk can never corrupt the parent's live
// memory state. The child is the same binary, re-exec'd via os/exec
// with a hidden flag and an inherited pipe (exec.Cmd's ExtraFiles
// stand in for the fork()+pipe() pair Go cannot express without cgo).
package walwriter

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
	"google.golang.org/protobuf/encoding/protowire"
)

// WalPackMax bounds the number of rows a single wal_pack request may
// carry, matching WAL_PACK_MAX in log_io.h.
const WalPackMax = 1024

// FDFlag is the hidden command-line flag the re-exec'd child looks for
// to discover which inherited file descriptor carries its pipe.
const FDFlag = "-walwriter-fd="

// WalPack is one group-commit request: up to WalPackMax rows awaiting a
// consecutive LSN assignment and a single fdatasync.
type WalPack struct {
	Epoch uint64
	Seq   uint64
	Rows  [][]byte // already-tagged row payloads, LSN not yet assigned
}

// WalPackReply answers a WalPack once every row in it has been assigned
// a consecutive LSN and fsynced to the segment file.
type WalPackReply struct {
	Epoch         uint64
	Seq           uint64
	AssignedLSN   uint64 // LSN of the first row in the pack
	SCN           uint64
	RowCRCHistory []uint32
	Err           string
}

// Writer is the parent-side handle to a running WAL writer child: it
// owns the pipe, assigns monotonically increasing (epoch, seq) pairs to
// outstanding packs, and paces submitted rows with a token bucket. The
// bucket refills at 1e9 tokens per second and is not refunded when a
// reply arrives, so it caps bursts at maxOutstandingRows rows but does
// not bound the number of rows awaiting a reply.
type Writer struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	pipe    pipePair
	reader  *bufio.Reader
	epoch   uint64
	nextSeq uint64
	bucket  tokenbucket.TokenBucket
	dir     string
	shardID uint32
	waiters map[uint64]chan WalPackReply
}

// Spawn launches a fresh WAL writer child for the given segment
// directory/shard, re-executing os.Args[0] with FDFlag and a pipe pair
// passed via cmd.ExtraFiles.
func Spawn(dir string, shardID uint32, maxOutstandingRows int) (*Writer, error) {
	parentSide, childSide, err := newPipePairs()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(os.Args[0], fmt.Sprintf("%s3", FDFlag))
	cmd.ExtraFiles = childExtraFiles(childSide)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("WALWRITER_DIR=%s", dir), fmt.Sprintf("WALWRITER_SHARD=%d", shardID))

	if err := cmd.Start(); err != nil {
		parentSide.Close()
		closeParentCopies(childSide)
		return nil, err
	}
	closeParentCopies(childSide)

	if maxOutstandingRows <= 0 {
		maxOutstandingRows = WalPackMax
	}

	w := &Writer{
		cmd:     cmd,
		pipe:    parentSide,
		reader:  bufio.NewReader(parentSide),
		epoch:   uint64(time.Now().UnixNano()), // monotonic enough to fence a restarted child
		dir:     dir,
		shardID: shardID,
		waiters: make(map[uint64]chan WalPackReply),
	}
	w.bucket.Init(tokenbucket.TokensPerSecond(1e9), tokenbucket.Tokens(maxOutstandingRows))

	go w.readLoop()
	return w, nil
}

// Submit sends rows as one pack, blocking until a reply (or a
// crashed-child error) is available. Before sending it waits for
// len(rows) tokens from the token bucket (see Writer); that wait does not
// depend on how many earlier packs are still awaiting replies.
func (w *Writer) Submit(ctx context.Context, rows [][]byte) (WalPackReply, error) {
	if len(rows) > WalPackMax {
		return WalPackReply{}, fmt.Errorf("walwriter: pack of %d rows exceeds WAL_PACK_MAX=%d", len(rows), WalPackMax)
	}
	if err := w.bucket.Wait(ctx, tokenbucket.Tokens(len(rows))); err != nil {
		return WalPackReply{}, err
	}

	w.mu.Lock()
	seq := w.nextSeq
	w.nextSeq++
	epoch := w.epoch
	replyCh := make(chan WalPackReply, 1)
	w.waiters[seq] = replyCh
	w.mu.Unlock()

	pack := WalPack{Epoch: epoch, Seq: seq, Rows: rows}
	if err := writeFrame(w.pipe, encodePack(pack)); err != nil {
		w.mu.Lock()
		delete(w.waiters, seq)
		w.mu.Unlock()
		return WalPackReply{}, err
	}

	select {
	case reply := <-replyCh:
		if reply.Err != "" {
			return reply, fmt.Errorf("walwriter: %s", reply.Err)
		}
		return reply, nil
	case <-ctx.Done():
		return WalPackReply{}, ctx.Err()
	}
}

// readLoop drains replies from the child and wakes the matching waiter.
// Replies whose epoch doesn't match the writer's current epoch are
// discarded, since a restarted child starts a fresh epoch and any reply
// still in flight from the old one refers to state that no longer
// exists (see Restart).
func (w *Writer) readLoop() {
	for {
		frame, err := readFrame(w.reader)
		if err != nil {
			w.failAllWaiters(err)
			return
		}
		reply, err := decodeReply(frame)
		if err != nil {
			continue
		}

		w.mu.Lock()
		if reply.Epoch != w.epoch {
			w.mu.Unlock()
			continue
		}
		ch, ok := w.waiters[reply.Seq]
		if ok {
			delete(w.waiters, reply.Seq)
		}
		w.mu.Unlock()

		if ok {
			ch <- reply
		}
	}
}

func (w *Writer) failAllWaiters(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for seq, ch := range w.waiters {
		ch <- WalPackReply{Err: err.Error()}
		delete(w.waiters, seq)
	}
}

// Restart closes the pipe to the current child and waits for it to exit,
// fails every pack still outstanding on this Writer back to its caller
// rather than retrying it, and spawns a replacement Writer whose fresh
// epoch makes it ignore any reply from the old child.
func (w *Writer) Restart() (*Writer, error) {
	w.pipe.Close()
	w.cmd.Wait()
	w.failAllWaiters(fmt.Errorf("walwriter: child process restarted"))
	return Spawn(w.dir, w.shardID, 0)
}

// Close terminates the writer child and releases its pipe.
func (w *Writer) Close() error {
	w.pipe.Close()
	return w.cmd.Wait()
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

func readFrame(r *bufio.Reader) ([]byte, error) {
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

// encodePack/decodeReply use protowire's low-level varint/tag primitives
// directly (see pkg/tuple for the rationale: no protoc-generated type
// exists in the source this module was grounded on).
func encodePack(p WalPack) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, p.Epoch)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, p.Seq)
	for _, row := range p.Rows {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, row)
	}
	return buf
}

func appendVarintField(buf []byte, field protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, field, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendBytesField(buf []byte, field protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}

func decodePack(buf []byte) (WalPack, error) {
	var p WalPack
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			p.Epoch = v
			buf = buf[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			p.Seq = v
			buf = buf[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			row := append([]byte(nil), v...)
			p.Rows = append(p.Rows, row)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return p, nil
}

func decodeReply(buf []byte) (WalPackReply, error) {
	var r WalPackReply
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			r.Epoch = v
			buf = buf[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			r.Seq = v
			buf = buf[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			r.AssignedLSN = v
			buf = buf[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			r.SCN = v
			buf = buf[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			r.Err = string(v)
			buf = buf[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			r.RowCRCHistory = append(r.RowCRCHistory, uint32(v))
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return r, nil
}
