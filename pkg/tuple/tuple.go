// Package tuple implements the opaque, reference-counted row payload
// shared by the heap, index, and WAL layers: a type/flags byte followed
// by a count-prefixed sequence of variable-length fields. Fields are
// framed with the varint/tag primitives of the protobuf wire format
// (google.golang.org/protobuf/encoding/protowire) without requiring any
// generated message code, since the engine never needs cross-service
// schema evolution — only a stable, self-describing field tail.
package tuple

import (
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protowire"
)

// Flags carried in the tuple header byte.
type Flags uint8

const (
	FlagNone    Flags = 0
	FlagDeleted Flags = 1 << 0
)

// field numbers used purely as protowire tags; the engine has no schema
// registry, so these are positional, not semantic.
const fieldTag = protowire.Number(1)

// Tuple is an opaque, refcounted row payload. Zero value is not usable;
// construct with New or Decode.
type Tuple struct {
	flags  Flags
	fields [][]byte
	refs   int32
}

// New builds a tuple from raw field values, taking ownership of none of
// the passed slices (they are copied).
func New(flags Flags, fields ...[]byte) *Tuple {
	t := &Tuple{flags: flags, refs: 1}
	for _, f := range fields {
		cp := make([]byte, len(f))
		copy(cp, f)
		t.fields = append(t.fields, cp)
	}
	return t
}

// Ref increments the tuple's reference count, mirroring the slab+refcount
// ownership model described for tuples: callers that retain a tuple past
// the end of the call that handed it to them must Ref it, and Unref when
// done.
func (t *Tuple) Ref() { atomic.AddInt32(&t.refs, 1) }

// Unref decrements the reference count, returning true once it reaches
// zero (the caller may then discard the tuple's backing storage).
func (t *Tuple) Unref() bool {
	return atomic.AddInt32(&t.refs, -1) == 0
}

func (t *Tuple) Flags() Flags { return t.flags }
func (t *Tuple) Deleted() bool { return t.flags&FlagDeleted != 0 }
func (t *Tuple) FieldCount() int { return len(t.fields) }

// Field returns the raw bytes of field i, or nil if out of range.
func (t *Tuple) Field(i int) []byte {
	if i < 0 || i >= len(t.fields) {
		return nil
	}
	return t.fields[i]
}

// Encode serializes the tuple to its on-disk/on-wire representation:
// one header byte (flags), a varint field count, then each field as a
// protowire length-delimited record.
func (t *Tuple) Encode() []byte {
	buf := make([]byte, 0, 16+len(t.fields)*8)
	buf = append(buf, byte(t.flags))
	buf = protowire.AppendVarint(buf, uint64(len(t.fields)))
	for _, f := range t.fields {
		buf = protowire.AppendTag(buf, fieldTag, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f)
	}
	return buf
}

// Decode parses the representation written by Encode. The returned
// tuple holds copies of the field bytes, so the caller's buffer may be
// reused or released immediately afterward.
func Decode(buf []byte) (*Tuple, error) {
	if len(buf) < 1 {
		return nil, errShortBuffer
	}
	t := &Tuple{flags: Flags(buf[0]), refs: 1}
	rest := buf[1:]

	count, n := protowire.ConsumeVarint(rest)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	rest = rest[n:]

	for i := uint64(0); i < count; i++ {
		_, _, tn := protowire.ConsumeTag(rest)
		if tn < 0 {
			return nil, protowire.ParseError(tn)
		}
		rest = rest[tn:]

		field, fn := protowire.ConsumeBytes(rest)
		if fn < 0 {
			return nil, protowire.ParseError(fn)
		}
		cp := make([]byte, len(field))
		copy(cp, field)
		t.fields = append(t.fields, cp)
		rest = rest[fn:]
	}

	return t, nil
}

// errShortBuffer is returned by Decode when the buffer is too small to
// even hold the header byte.
var errShortBuffer = protowireShortBuffer{}

type protowireShortBuffer struct{}

func (protowireShortBuffer) Error() string { return "tuple: buffer too short to decode" }
