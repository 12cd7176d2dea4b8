package optimize

import (
	"sync"
)

// MTU is the largest RTP packet the media plane reads in one call.
const MTU = 1500

// BytePool hands out fixed-size buffers. Pointers are pooled so Put does
// not allocate.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *BytePool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:p.size]
	return b
}

// Put returns b to the pool. Buffers smaller than Size are dropped.
func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	p.pool.Put(b)
}

func (p *BytePool) Size() int { return p.size }
