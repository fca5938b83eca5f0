// Package ioloop realizes the cooperative single-threaded I/O core as
// one goroutine pair per connection: a reader goroutine that parses
// frames and hands them to the shared worker pool, and a flusher
// goroutine that drains completed replies onto the wire with vectored
// writes. Channels stand in for the mailbox/suspend points of the
// original scheduler.
package ioloop

import (
	"net"
	"sync/atomic"

	"github.com/bobboyms/storage-engine/pkg/iproto"
	"github.com/bobboyms/storage-engine/pkg/netbuf"
)

// State mirrors the connection lifecycle states named in the
// component's invariants: a connection is always in exactly one of
// these, and every state transition happens on the reader goroutine.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// Conn owns one client connection's read and write sides. The read
// cursor is touched only by the reader goroutine; each dispatched
// request gets its own reply queue, written by the worker that runs it
// and then drained by the flusher. Several requests of one connection
// can be in flight at once, and their replies are written in the order
// the workers finish them.
type Conn struct {
	netConn  net.Conn
	pool     *iproto.Pool
	dispatch *iproto.Dispatch
	bufPool  *netbuf.Pool

	state   int32 // atomic State
	replies chan *netbuf.Queue
	closed  chan struct{}
	refs    int32
}

// New wraps an accepted connection, ready for Serve.
func New(nc net.Conn, pool *iproto.Pool, dispatch *iproto.Dispatch, bufPool *netbuf.Pool) *Conn {
	return &Conn{
		netConn:  nc,
		pool:     pool,
		dispatch: dispatch,
		bufPool:  bufPool,
		replies:  make(chan *netbuf.Queue, 64),
		closed:   make(chan struct{}),
		refs:     1,
	}
}

func (c *Conn) State() State { return State(atomic.LoadInt32(&c.state)) }

// Ref/Unref implement the refcounted cancellation semantics: a
// connection is only torn down once every outstanding worker job
// holding a reference to it has released one.
func (c *Conn) Ref()   { atomic.AddInt32(&c.refs, 1) }
func (c *Conn) Unref() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		c.netConn.Close()
	}
}

// Serve runs the reader loop on the calling goroutine and starts the
// flusher on a new one; it returns once the connection is fully closed.
func (c *Conn) Serve() {
	go c.flushLoop()
	c.readLoop()
}

func (c *Conn) readLoop() {
	defer func() {
		atomic.StoreInt32(&c.state, int32(StateClosed))
		close(c.closed)
		c.Unref()
	}()

	cursor := netbuf.NewCursor(c.bufPool)
	defer cursor.Release()

	readBuf := make([]byte, 64*1024)
	for {
		n, err := c.netConn.Read(readBuf)
		if n > 0 {
			cursor.Append(readBuf[:n])
		}
		if err != nil {
			atomic.StoreInt32(&c.state, int32(StateClosing))
			return
		}

		for {
			peeked, peekErr := cursor.Peek(cursor.Len())
			if peekErr != nil || len(peeked) < iproto.HeaderSize {
				break
			}
			req, consumed := iproto.Parse(peeked)
			if req == nil {
				break
			}
			reqCopy := &iproto.Request{
				Opcode: req.Opcode, DataLen: req.DataLen, Sync: req.Sync,
				Data: append([]byte(nil), req.Data...),
			}
			cursor.Advance(consumed)
			c.dispatchOne(reqCopy)
		}
	}
}

// dispatchOne enqueues one parsed request on the shared worker pool and
// forwards its reply to the flusher once the worker finishes — this is
// the suspension point where a connection's reader waits on the
// processing queue without blocking any other connection.
func (c *Conn) dispatchOne(req *iproto.Request) {
	handler := c.dispatch.Lookup(req.Opcode)
	if handler == nil {
		handler = func(req *iproto.Request, q *netbuf.Queue) {
			iproto.Error(q, req.Opcode, req.Sync, 0x0202, "unknown opcode")
		}
	}

	q := netbuf.NewQueue(c.bufPool)
	done := make(chan struct{})
	c.Ref()
	c.pool.Submit(iproto.Job{Req: req, Reply: q, Done: done, Handle: handler})

	go func() {
		<-done
		c.Unref()
		select {
		case c.replies <- q:
		case <-c.closed:
		}
	}()
}

// flushLoop drains completed replies and writes them out with a single
// vectored write per reply, the Go stand-in for the original's
// writev-based netmsg flush.
func (c *Conn) flushLoop() {
	for {
		select {
		case q := <-c.replies:
			buffers := net.Buffers(append([][]byte(nil), q.Segments()...))
			if _, err := buffers.WriteTo(c.netConn); err != nil {
				q.Reset()
				return
			}
			q.Reset()
		case <-c.closed:
			return
		}
	}
}
