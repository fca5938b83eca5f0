package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/bobboyms/storage-engine/pkg/docfmt"
	"github.com/bobboyms/storage-engine/pkg/errors"
	"github.com/bobboyms/storage-engine/pkg/iproto"
	"github.com/bobboyms/storage-engine/pkg/netbuf"
	"github.com/bobboyms/storage-engine/pkg/storage"
)

// Request bodies for OpInsert/OpSelect/OpDelete all start with a
// length-prefixed table name (uint16 LE length + bytes), the way the
// original iproto.h frames every field: a fixed-width length prefix
// followed by that many bytes, never a delimiter.
//
// OpInsert: table name, then the remaining bytes are the JSON document.
// OpSelect: table name, then a length-prefixed index name, then the
//           remaining bytes are the BSON-typed lookup key (docfmt.EncodeKey).
// OpDelete: table name, then the remaining bytes are the BSON-typed
//           primary key.

func readPrefixed(data []byte) (field, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("handlers: short length prefix")
	}
	n := int(binary.LittleEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) < n {
		return nil, nil, fmt.Errorf("handlers: length prefix %d exceeds body", n)
	}
	return data[:n], data[n:], nil
}

// registerDataHandlers wires the insert/select/delete opcodes into
// dispatch, each routing to the named table's Insert/Get/Delete and
// replying with a ret_code classified by errors.CodeOf.
func registerDataHandlers(dispatch *iproto.Dispatch, engine *storage.StorageEngine, logger *zap.Logger) {
	dispatch.Register(iproto.OpInsert, func(req *iproto.Request, q *netbuf.Queue) {
		rb := iproto.Start(q, req.Opcode, req.Sync)

		name, doc, err := readPrefixed(req.Data)
		if err != nil {
			writeErrorReply(rb, q, errors.CodeIllegalParams, err)
			return
		}
		table, err := engine.Table(string(name))
		if err != nil {
			writeErrorReply(rb, q, errors.CodeOf(err), err)
			return
		}

		rowID, err := table.Insert(context.Background(), string(doc))
		if err != nil {
			writeErrorReply(rb, q, errors.CodeOf(err), err)
			return
		}

		rb.WriteRetCode(0)
		body := make([]byte, 8)
		binary.LittleEndian.PutUint64(body, uint64(rowID))
		q.Write(body)
		rb.Fixup(len(body))
	})

	dispatch.Register(iproto.OpSelect, func(req *iproto.Request, q *netbuf.Queue) {
		rb := iproto.Start(q, req.Opcode, req.Sync)

		name, rest, err := readPrefixed(req.Data)
		if err != nil {
			writeErrorReply(rb, q, errors.CodeIllegalParams, err)
			return
		}
		indexName, keyRaw, err := readPrefixed(rest)
		if err != nil {
			writeErrorReply(rb, q, errors.CodeIllegalParams, err)
			return
		}
		key, err := docfmt.DecodeKey(keyRaw)
		if err != nil {
			writeErrorReply(rb, q, errors.CodeIllegalParams, err)
			return
		}
		table, err := engine.Table(string(name))
		if err != nil {
			writeErrorReply(rb, q, errors.CodeOf(err), err)
			return
		}

		doc, found, err := table.Get(string(indexName), key)
		if err != nil {
			writeErrorReply(rb, q, errors.CodeOf(err), err)
			return
		}
		if !found {
			writeErrorReply(rb, q, errors.CodeNotFound, &errors.TableNotFoundError{Name: string(name)})
			return
		}

		rb.WriteRetCode(0)
		body := []byte(doc)
		q.Write(body)
		rb.Fixup(len(body))
	})

	dispatch.Register(iproto.OpDelete, func(req *iproto.Request, q *netbuf.Queue) {
		rb := iproto.Start(q, req.Opcode, req.Sync)

		name, keyRaw, err := readPrefixed(req.Data)
		if err != nil {
			writeErrorReply(rb, q, errors.CodeIllegalParams, err)
			return
		}
		key, err := docfmt.DecodeKey(keyRaw)
		if err != nil {
			writeErrorReply(rb, q, errors.CodeIllegalParams, err)
			return
		}
		table, err := engine.Table(string(name))
		if err != nil {
			writeErrorReply(rb, q, errors.CodeOf(err), err)
			return
		}

		if err := table.Delete(context.Background(), key); err != nil {
			writeErrorReply(rb, q, errors.CodeOf(err), err)
			return
		}

		rb.WriteRetCode(0)
		rb.Fixup(0)
	})
}

// writeErrorReply finishes a reply already Start-ed with a failing
// ret_code plus the error's message as the body, the way iproto.Error
// would if the handler hadn't already reserved the header itself.
func writeErrorReply(rb *iproto.ReplyBuilder, q *netbuf.Queue, code errors.Code, err error) {
	rb.WriteRetCode(uint32(code))
	body := []byte(err.Error())
	q.Write(body)
	rb.Fixup(len(body))
}
