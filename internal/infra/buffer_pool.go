package infra

import (
	"bytes"
	"sync"
)

// maxPooledBuf caps the capacity of buffers returned to the pool so a
// single oversized frame does not pin memory forever.
const maxPooledBuf = 1 << 20

// BufferPool hands out reusable byte buffers to the decode hot path and
// reclaims them on release, avoiding per-frame allocation under high
// message rates. Safe for concurrent borrow/return.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a pool whose buffers start at initialSize
// capacity.
func NewBufferPool(initialSize int) *BufferPool {
	if initialSize <= 0 {
		initialSize = 4096
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

// Get borrows a reset buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool. Oversized buffers are dropped.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuf {
		return
	}
	p.pool.Put(buf)
}
