// Package netbuf implements the buffered byte cursor and output queue
// shared by connection I/O, WAL row staging, and snapshot writing: a
// generalized palloc-style pool (directly generalizing the teacher's
// pkg/wal/pool.go entry/buffer pools into one reusable slab pool) plus a
// Cursor for incoming bytes and a Queue of fixed-capacity segments for
// outgoing bytes.
package netbuf

import "sync"

// defaultSlabSize matches the teacher's 8KB wal buffer pool size; most
// request/reply frames and WAL rows comfortably fit one slab.
const defaultSlabSize = 8192

// Pool hands out byte slices of a fixed capacity, recycling released
// ones instead of allocating fresh each time — the same shape as
// wal.bufferPool, generalized so ioloop connection buffers and iproto
// reply staging share it too.
type Pool struct {
	slabSize int
	pool     sync.Pool
}

// NewPool creates a pool of buffers with the given slab capacity. A
// slabSize of zero uses the 8KB default.
func NewPool(slabSize int) *Pool {
	if slabSize <= 0 {
		slabSize = defaultSlabSize
	}
	p := &Pool{slabSize: slabSize}
	p.pool.New = func() any {
		buf := make([]byte, 0, p.slabSize)
		return &buf
	}
	return p
}

// Get returns a zero-length buffer with at least the pool's slab
// capacity.
func (p *Pool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put resets and returns a buffer to the pool. Buffers that grew past
// 4x the slab size are dropped instead of recycled, so one oversized
// row doesn't permanently bloat the pool's steady-state footprint.
func (p *Pool) Put(buf *[]byte) {
	if cap(*buf) > p.slabSize*4 {
		return
	}
	*buf = (*buf)[:0]
	p.pool.Put(buf)
}
