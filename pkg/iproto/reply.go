package iproto

import (
	"encoding/binary"

	"github.com/bobboyms/storage-engine/pkg/netbuf"
)

// ReplyBuilder assembles a reply into a netbuf.Queue without knowing the
// body length up front, porting iproto_reply_start/iproto_reply_fixup's
// reserve-then-patch technique: the data_len word is reserved as soon as
// the header is known and patched once the handler has finished writing
// the body.
type ReplyBuilder struct {
	q       *netbuf.Queue
	segIdx  int
	offset  int
	started int // byte count already written to the body when Start returned
}

// Start reserves space for the reply header and returns a builder that
// tracks where data_len must be patched once the body length is known.
func Start(q *netbuf.Queue, opcode, sync uint32) *ReplyBuilder {
	q.Write(leU32(opcode))
	segIdx, offset := q.Reserve(4) // data_len, patched in Fixup
	q.Write(leU32(sync))
	return &ReplyBuilder{q: q, segIdx: segIdx, offset: offset}
}

// WriteRetCode appends the ret_code word; callers that want a body
// append it to q directly after calling this.
func (b *ReplyBuilder) WriteRetCode(code uint32) {
	b.q.Write(leU32(code))
}

// Fixup patches the reserved data_len word with the actual number of
// bytes written after the sync field (ret_code + body), using
// bodyLen supplied by the caller since the queue itself doesn't track
// per-reply boundaries.
func (b *ReplyBuilder) Fixup(bodyLen int) {
	b.q.Patch(b.segIdx, b.offset, leU32(uint32(4+bodyLen)))
}

// Error writes a complete error reply in one call — iproto_error's
// direct, non-deferred counterpart, used when the handler already knows
// it's failing before writing anything.
func Error(q *netbuf.Queue, opcode, sync, retCode uint32, message string) {
	body := []byte(message)
	rb := Start(q, opcode, sync)
	rb.WriteRetCode(retCode)
	q.Write(body)
	rb.Fixup(len(body))
}

func leU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
