package netbuf

import "errors"

// ErrShortRead signals the cursor does not yet hold enough bytes to
// satisfy a read; the caller should read more from the connection and
// retry, mirroring the iproto frame parser's "wait for more bytes"
// suspension point.
var ErrShortRead = errors.New("netbuf: short read")

// Cursor is a growable read window over an incoming byte stream: bytes
// arrive at the tail (Append) and are consumed from the head (Peek/
// Advance), with unconsumed bytes compacted to the front only when the
// backing array would otherwise grow unboundedly.
type Cursor struct {
	buf  []byte
	pos  int
	pool *Pool
}

// NewCursor creates a cursor drawing its backing storage from pool.
func NewCursor(pool *Pool) *Cursor {
	return &Cursor{buf: *pool.Get(), pool: pool}
}

// Append adds newly read bytes to the tail of the cursor.
func (c *Cursor) Append(b []byte) {
	c.compactIfNeeded()
	c.buf = append(c.buf, b...)
}

// compactIfNeeded drops already-consumed bytes once they make up more
// than half of the backing array, keeping the cursor's footprint
// bounded for long-lived connections that read many small frames.
func (c *Cursor) compactIfNeeded() {
	if c.pos == 0 {
		return
	}
	if c.pos*2 < len(c.buf) {
		return
	}
	c.buf = append(c.buf[:0], c.buf[c.pos:]...)
	c.pos = 0
}

// Len returns the number of unconsumed bytes.
func (c *Cursor) Len() int { return len(c.buf) - c.pos }

// Peek returns the next n unconsumed bytes without advancing the
// cursor, or ErrShortRead if fewer than n bytes are buffered.
func (c *Cursor) Peek(n int) ([]byte, error) {
	if c.Len() < n {
		return nil, ErrShortRead
	}
	return c.buf[c.pos : c.pos+n], nil
}

// Advance consumes n bytes, which must already have been validated via
// Peek.
func (c *Cursor) Advance(n int) {
	c.pos += n
}

// Release returns the cursor's backing buffer to its pool. The cursor
// must not be used afterward.
func (c *Cursor) Release() {
	if c.pool == nil {
		return
	}
	buf := c.buf[:0]
	c.pool.Put(&buf)
	c.buf = nil
}
