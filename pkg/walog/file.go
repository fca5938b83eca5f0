package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Magic is the first line written to every segment file, snapshot or
// WAL alike.
const Magic = "KVNODE-LOG\n"

// CurrentVersion is the row format version new segments are written
// with. ReadHeader also accepts a version-11 header (no
// scn/shard_id/remote_scn), but ReadNext decodes every row in the
// version-12 layout; version-11 rows are not upconverted on read.
const CurrentVersion = 12

// rowMarker/eofMarker frame each row and the end of a finalized
// segment, mirroring the row-marker + eof-marker scheme of log_io.h so
// a reader can always tell "more rows follow" from "this segment is
// done" without relying on file size alone.
var rowMarker = [4]byte{0xba, 0xbe, 0xba, 0xbe}
var eofMarker = [4]byte{0xde, 0xad, 0xbe, 0xef}

// WriteHeader writes the magic line, version line and Shard header
// line, followed by the blank terminator line that ends a segment's
// text header before its binary row stream begins.
func WriteHeader(w io.Writer, shardID uint32) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Version: %d\n", CurrentVersion); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Shard: %d\n", shardID); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ReadHeader parses the text header from the start of a segment,
// returning the row format version and shard id, and leaving r
// positioned at the first row's bytes.
func ReadHeader(r *bufio.Reader) (version int, shardID uint32, err error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, 0, err
	}
	if string(magic) != Magic {
		return 0, 0, fmt.Errorf("walog: bad magic %q", magic)
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, 0, err
		}
		if line == "\n" {
			break
		}
		if _, err := fmt.Sscanf(line, "Version: %d", &version); err == nil {
			continue
		}
		if _, err := fmt.Sscanf(line, "Shard: %d", &shardID); err == nil {
			continue
		}
	}

	if version != 11 && version != 12 {
		return 0, 0, fmt.Errorf("walog: unsupported row version %d", version)
	}
	return version, shardID, nil
}

// WriteRow frames one row with its leading marker so a reader can
// resynchronize after a truncated prior row.
func WriteRow(w io.Writer, r *Row) error {
	if _, err := w.Write(rowMarker[:]); err != nil {
		return err
	}
	_, err := w.Write(r.Encode())
	return err
}

// WriteEOF writes the trailing marker that finalizes a segment once its
// last fsync completes.
func WriteEOF(w io.Writer) error {
	_, err := w.Write(eofMarker[:])
	return err
}

// ReadNext reads the next framed row from r. It returns io.EOF once the
// eof marker is encountered (a cleanly finalized segment) or once the
// stream is exhausted without one (an in-progress segment being
// followed).
func ReadNext(r *bufio.Reader) (*Row, error) {
	var marker [4]byte
	if _, err := io.ReadFull(r, marker[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if marker == eofMarker {
		return nil, io.EOF
	}
	if marker != rowMarker {
		return nil, fmt.Errorf("walog: bad row marker %x", marker)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, io.EOF
	}
	dataLen := binary.LittleEndian.Uint32(header[28:32])

	rest := make([]byte, int(dataLen)+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, io.EOF
	}

	full := append(header, rest...)
	row, _, err := DecodeRow(full)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// OpenInProgress creates a new segment file under its .inprogress name,
// ready for WriteHeader/WriteRow calls. The caller finalizes it with
// Finalize once every row has been fsynced.
func OpenInProgress(dir string, lsn uint64, kind Kind) (*os.File, string, error) {
	name := InProgressName(lsn, kind)
	path := dir + string(os.PathSeparator) + name
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// Finalize fsyncs f and renames it from its .inprogress name to its
// final {lsn}.{snap|xlog} name, the point at which the segment becomes
// visible to directory scans and followers.
func Finalize(f *os.File, dir string, lsn uint64, kind Kind) error {
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	oldPath := dir + string(os.PathSeparator) + InProgressName(lsn, kind)
	newPath := dir + string(os.PathSeparator) + SegmentName(lsn, kind)
	return os.Rename(oldPath, newPath)
}
