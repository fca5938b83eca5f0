package walwriter

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/bobboyms/storage-engine/pkg/walog"
)

// IsChildArg reports whether an os.Args entry is the hidden re-exec
// flag Spawn passes, letting main() branch into RunChild before any
// normal flag parsing runs.
func IsChildArg(arg string) bool {
	return len(arg) > len(FDFlag) && arg[:len(FDFlag)] == FDFlag
}

// RunChild is the entire body of the re-exec'd writer process: it never
// returns except by exiting the process, since it owns this process's
// lifetime completely (any panic here takes down only the child, never
// the parent's in-memory state).
func RunChild(arg string) {
	fdStr := arg[len(FDFlag):]
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "walwriter child: bad fd flag %q: %v\n", arg, err)
		os.Exit(1)
	}

	readEnd := os.NewFile(uintptr(fd), "walwriter-read")
	writeEnd := os.NewFile(uintptr(fd+1), "walwriter-write")
	pipe := pipePair{read: readEnd, write: writeEnd}

	dir := os.Getenv("WALWRITER_DIR")
	shardID := uint32(0)
	if s := os.Getenv("WALWRITER_SHARD"); s != "" {
		if v, err := strconv.ParseUint(s, 10, 32); err == nil {
			shardID = uint32(v)
		}
	}

	if err := serve(pipe, dir, shardID); err != nil {
		fmt.Fprintf(os.Stderr, "walwriter child: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// serve is the child's main loop: read a pack, assign it consecutive
// LSNs, append the rows to the current segment, fdatasync once for the
// whole pack (group commit), and reply.
func serve(pipe pipePair, dir string, shardID uint32) error {
	reader := bufio.NewReader(pipe)

	segFile, segPath, err := openOrCreateSegment(dir, shardID)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer segFile.Close()

	var nextLSN uint64 = 1
	var scn uint64 = 0

	// Resume numbering after the rows already in the segment, so a
	// restarted child never hands out an LSN twice.
	if rf, err := os.Open(segPath); err == nil {
		r := bufio.NewReader(rf)
		if _, _, err := walog.ReadHeader(r); err == nil {
			for row, err := walog.ReadNext(r); err == nil; row, err = walog.ReadNext(r) {
				nextLSN, scn = row.LSN+1, row.SCN
			}
		}
		rf.Close()
	}

	for {
		frame, err := readFrame(reader)
		if err != nil {
			return nil // parent closed the pipe; clean shutdown
		}

		pack, err := decodePack(frame)
		if err != nil {
			continue
		}

		reply := WalPackReply{Epoch: pack.Epoch, Seq: pack.Seq, AssignedLSN: nextLSN}
		for _, raw := range pack.Rows {
			row := &walog.Row{LSN: nextLSN, SCN: scn, ShardID: shardID, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: raw}
			if walog.ScnChanger(row.Tag) {
				scn++
				row.SCN = scn
			}
			if err := walog.WriteRow(segFile, row); err != nil {
				reply.Err = err.Error()
				break
			}
			reply.RowCRCHistory = append(reply.RowCRCHistory, row.PayloadCRC)
			nextLSN++
		}
		reply.SCN = scn

		if reply.Err == "" {
			if err := segFile.Sync(); err != nil {
				reply.Err = err.Error()
			}
		}

		if err := writeFrame(pipe, encodeReply(reply)); err != nil {
			return err
		}
	}
}

func openOrCreateSegment(dir string, shardID uint32) (*os.File, string, error) {
	path := dir + string(os.PathSeparator) + walog.SegmentName(1, walog.KindWal)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, "", err
	}
	if info.Size() == 0 {
		if err := walog.WriteHeader(f, shardID); err != nil {
			f.Close()
			return nil, "", err
		}
	}
	return f, path, nil
}

func encodeReply(r WalPackReply) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, r.Epoch)
	buf = appendVarintField(buf, 2, r.Seq)
	buf = appendVarintField(buf, 3, r.AssignedLSN)
	buf = appendVarintField(buf, 4, r.SCN)
	if r.Err != "" {
		buf = appendBytesField(buf, 5, []byte(r.Err))
	}
	for _, crc := range r.RowCRCHistory {
		buf = appendVarintField(buf, 6, uint64(crc))
	}
	return buf
}
