// Package iproto implements the binary request/response protocol
// framing and dispatch table described by
// _examples/original_source/include/iproto.h: a fixed {opcode, data_len,
// sync, data} request header, a reply that adds a ret_code word, and an
// open-addressed dispatch table using the original's linear-probe-with-
// odd-step scheme.
package iproto

import "encoding/binary"

// HeaderSize is the fixed request header: opcode(4) data_len(4) sync(4).
const HeaderSize = 12

// Reserved opcodes, matching msg_ping/msg_replica in iproto.h.
const (
	OpPing    uint32 = 0xff00
	OpReplica uint32 = 0xff01
)

// Data-path opcodes: insert/select/delete against one table, each
// request body starting with a length-prefixed table name.
const (
	OpInsert uint32 = 0x0001
	OpSelect uint32 = 0x0002
	OpDelete uint32 = 0x0003
)

// Request is one parsed frame: header fields plus the raw data slice
// (which aliases the connection's read buffer and must be copied by the
// handler if retained past the call).
type Request struct {
	Opcode  uint32
	DataLen uint32
	Sync    uint32
	Data    []byte
}

// Parse reads one frame from buf, mirroring iproto_parse: it returns
// (nil, 0) if buf does not yet hold a complete frame, rather than an
// error, since "not enough bytes yet" is the normal, expected case
// while a connection's read buffer is filling.
func Parse(buf []byte) (*Request, int) {
	if len(buf) < HeaderSize {
		return nil, 0
	}
	dataLen := binary.LittleEndian.Uint32(buf[4:8])
	total := HeaderSize + int(dataLen)
	if len(buf) < total {
		return nil, 0
	}

	req := &Request{
		Opcode:  binary.LittleEndian.Uint32(buf[0:4]),
		DataLen: dataLen,
		Sync:    binary.LittleEndian.Uint32(buf[8:12]),
		Data:    buf[HeaderSize:total],
	}
	return req, total
}

// EncodeRequest serializes a request frame, for clients, tests and any
// internal loopback calls.
func EncodeRequest(opcode, sync uint32, data []byte) []byte {
	buf := make([]byte, HeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], opcode)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[8:12], sync)
	copy(buf[HeaderSize:], data)
	return buf
}

// ReplyHeaderSize is the fixed reply header: the request header plus a
// 4-byte ret_code.
const ReplyHeaderSize = HeaderSize + 4

// EncodeReply serializes a full reply frame in one call, for callers
// that already know the whole body (the common case); Start/Fixup in
// reply.go cover the deferred-length-patch case where the body is
// assembled incrementally.
func EncodeReply(opcode, sync, retCode uint32, data []byte) []byte {
	buf := make([]byte, ReplyHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], opcode)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(4+len(data)))
	binary.LittleEndian.PutUint32(buf[8:12], sync)
	binary.LittleEndian.PutUint32(buf[12:16], retCode)
	copy(buf[ReplyHeaderSize:], data)
	return buf
}
