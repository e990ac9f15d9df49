package bufpool

import (
	"sync"
)

// DefaultSize is the payload buffer size used by the transfer capabilities.
const DefaultSize = 64 * 1024

// Default is the process-wide payload pool.
var Default = New(DefaultSize)

// Pool hands out fixed-size payload buffers. Workers take one buffer per
// attempt and return it when the attempt ends, so a long run allocates
// roughly one buffer per worker.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of size-byte buffers. It panics if size is not positive.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly Size bytes. Contents are unspecified.
func (p *Pool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	if cap(*b) < p.size {
		nb := make([]byte, p.size)
		return &nb
	}
	*b = (*b)[:p.size]
	return b
}

// Put returns b to the pool. Undersized buffers are dropped.
func (p *Pool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	p.pool.Put(b)
}

// Size returns the buffer length handed out by Get.
func (p *Pool) Size() int {
	return p.size
}
