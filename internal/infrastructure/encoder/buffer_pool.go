package encoder

import (
	"fmt"
	"sync"

	"anonstream/internal/core/domain"
	"anonstream/pkg/optimize"
)

// Buffer is one encoder input buffer.
type Buffer struct {
	data []byte
	pool *BufferPool
}

func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Size() int { return len(b.data) }

// BufferPool hands out at most count buffers of a fixed size at a time.
type BufferPool struct {
	bytes *optimize.BytePool
	count int

	mu     sync.Mutex
	inUse  int
	closed bool
}

func NewBufferPool(size, count int) *BufferPool {
	return &BufferPool{
		bytes: optimize.NewBytePool(size),
		count: count,
	}
}

// Acquire returns domain.ErrBufferUnavailable when every buffer is in use
// or size exceeds the pool's buffer size.
func (p *BufferPool) Acquire(size int) (*Buffer, error) {
	if size > p.bytes.Size() {
		return nil, fmt.Errorf("requested %d bytes, pool holds %d: %w", size, p.bytes.Size(), domain.ErrBufferUnavailable)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.ErrEncoderClosed
	}
	if p.inUse >= p.count {
		return nil, domain.ErrBufferUnavailable
	}
	p.inUse++
	return &Buffer{data: p.bytes.Get()[:size], pool: p}, nil
}

// Release returns b to the pool. Releasing a buffer twice is a no-op.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b.pool = nil
	p.inUse--
	p.bytes.Put(b.data)
	b.data = nil
}

func (p *BufferPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close makes further Acquire calls fail. Outstanding buffers may still be
// released.
func (p *BufferPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
