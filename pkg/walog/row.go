// Package walog implements the on-disk row format, directory naming and
// follow-mode reader shared by snapshot and WAL files, generalizing the
// teacher's pkg/wal (entry/header/checksum) from a single append-only
// file into the {lsn:020d}.{snap|xlog} segmented layout with row tags
// and SCN bookkeeping described by
// _examples/original_source/include/log_io.h.
package walog

import (
	"encoding/binary"
	"fmt"

	"github.com/bobboyms/storage-engine/pkg/wal"
)

// Tag identifies the purpose of a row, mirroring enum row_tag.
type Tag uint16

const (
	TagSnapInitial Tag = iota
	TagSnapData
	TagWalData
	TagSnapFinal
	TagWalFinal
	TagRunCRC
	TagNop
	TagPaxosPromise
	TagPaxosAccept
	TagPaxosNop
	TagShardCreate
	TagShardAlter
	TagShardFinal
	TagTLV
	TagUser Tag = 32
)

// tagMask/tagType split, matching TAG_MASK/TAG_SNAP/TAG_WAL/TAG_SYS.
const (
	tagMask = 0x3fff
	tagSnap = 0x4000
	tagWal  = 0x8000
	tagSys  = 0xc000
)

// TypeOf returns the high-bit classification of a raw on-wire tag.
func TypeOf(raw uint16) uint16 { return raw &^ tagMask }

// ValueOf returns the row_tag enum value of a raw on-wire tag.
func ValueOf(raw uint16) Tag { return Tag(raw & tagMask) }

// Encode combines a tag value and type bits into the on-wire uint16.
func Encode(t Tag, typeBits uint16) uint16 { return uint16(t) | typeBits }

// ScnChanger reports whether a row carrying this raw tag bumps the
// shard's SCN, porting scn_changer(int tag) verbatim: every TAG_WAL-type
// row bumps SCN, plus a few TAG_SYS rows that represent structural
// events rather than plain housekeeping.
func ScnChanger(raw uint16) bool {
	if TypeOf(raw) == tagWal {
		return true
	}
	switch ValueOf(raw) {
	case TagNop, TagRunCRC, TagShardCreate, TagShardAlter:
		return true
	default:
		return false
	}
}

// Row is one log record in the version-12 shape, carrying scn, shard_id
// and a 6-byte remote_scn. UpconvertV11 builds this shape from the
// fields of a version-11 row (which has no SCN/shard); DecodeRow and the
// readers built on it parse only the version-12 layout.
type Row struct {
	LSN       uint64
	SCN       uint64
	ShardID   uint32
	RemoteSCN uint64 // stored on disk in 6 bytes; upper 2 bytes are always zero
	Tag       uint16
	Data      []byte

	HeaderCRC  uint32
	PayloadCRC uint32
}

// headerSize is the fixed v12 row header: lsn(8) scn(8) shard_id(4)
// remote_scn(6) tag(2) data_len(4) header_crc(4) = 36 bytes, followed
// by the payload and its own trailing CRC32C.
const headerSize = 36

// Encode serializes a row to its on-disk bytes. The header CRC covers
// the header bytes up to (not including) itself; the payload CRC covers
// Data alone, matching the split-CRC invariant of log_io.h.
func (r *Row) Encode() []byte {
	buf := make([]byte, headerSize+len(r.Data)+4)
	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], r.SCN)
	binary.LittleEndian.PutUint32(buf[16:20], r.ShardID)
	putUint48(buf[20:26], r.RemoteSCN)
	binary.LittleEndian.PutUint16(buf[26:28], r.Tag)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(r.Data)))

	headerCRC := wal.CalculateCRC32(buf[0:32])
	binary.LittleEndian.PutUint32(buf[32:36], headerCRC)

	copy(buf[headerSize:], r.Data)
	payloadCRC := wal.CalculateCRC32(r.Data)
	binary.LittleEndian.PutUint32(buf[headerSize+len(r.Data):], payloadCRC)

	r.HeaderCRC = headerCRC
	r.PayloadCRC = payloadCRC
	return buf
}

// DecodeRow parses one row from buf, returning the row and the number
// of bytes consumed. It returns an error if either CRC fails to
// validate, so a torn write at the tail of a file is detected rather
// than silently accepted.
func DecodeRow(buf []byte) (*Row, int, error) {
	if len(buf) < headerSize {
		return nil, 0, fmt.Errorf("walog: short buffer for row header (%d bytes)", len(buf))
	}

	r := &Row{}
	r.LSN = binary.LittleEndian.Uint64(buf[0:8])
	r.SCN = binary.LittleEndian.Uint64(buf[8:16])
	r.ShardID = binary.LittleEndian.Uint32(buf[16:20])
	r.RemoteSCN = getUint48(buf[20:26])
	r.Tag = binary.LittleEndian.Uint16(buf[26:28])
	dataLen := binary.LittleEndian.Uint32(buf[28:32])
	r.HeaderCRC = binary.LittleEndian.Uint32(buf[32:36])

	if !wal.ValidateCRC32(buf[0:32], r.HeaderCRC) {
		return nil, 0, fmt.Errorf("walog: header CRC mismatch at lsn %d", r.LSN)
	}

	total := headerSize + int(dataLen) + 4
	if len(buf) < total {
		return nil, 0, fmt.Errorf("walog: short buffer for row payload (have %d, need %d)", len(buf), total)
	}

	r.Data = append([]byte(nil), buf[headerSize:headerSize+int(dataLen)]...)
	r.PayloadCRC = binary.LittleEndian.Uint32(buf[headerSize+int(dataLen) : total])
	if !wal.ValidateCRC32(r.Data, r.PayloadCRC) {
		return nil, 0, fmt.Errorf("walog: payload CRC mismatch at lsn %d", r.LSN)
	}

	return r, total, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}

// UpconvertV11 builds a version-12 row from a legacy version-11 row that
// carried no scn/shard_id/remote_scn fields, assigning the given scn and
// defaulting shard 0 / remote_scn 0 — the upconversion path log_io.h
// describes for reading old snapshots.
func UpconvertV11(lsn uint64, tag uint16, data []byte, scn uint64) *Row {
	return &Row{LSN: lsn, SCN: scn, ShardID: 0, RemoteSCN: 0, Tag: tag, Data: data}
}
