// Package mempool provides a block buffer pool shared by connections for
// receive buffers and pipe segments. A Pool is constructed explicitly and
// passed down to transports; it is safe for concurrent Rent and Return.
package mempool

import (
	"sync"
	"sync/atomic"
)

// DefaultBlockSize is the size of the blocks handed out by New(0).
const DefaultBlockSize = 4096

// Pool hands out fixed-size byte blocks.
type Pool struct {
	size   int
	blocks sync.Pool

	rented   atomic.Int64
	returned atomic.Int64
}

// New creates a pool of blocks of the given size. A size <= 0 selects DefaultBlockSize.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultBlockSize
	}

	p := &Pool{size: size}
	p.blocks.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// BlockSize returns the length of the blocks handed out by Rent.
func (p *Pool) BlockSize() int {
	return p.size
}

// Rent returns a block of BlockSize bytes. Its contents are undefined.
func (p *Pool) Rent() []byte {
	p.rented.Add(1)
	b := p.blocks.Get().(*[]byte)
	return (*b)[:p.size]
}

// Return gives a block back to the pool. Blocks of a foreign size are dropped.
func (p *Pool) Return(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.returned.Add(1)
	b = b[:p.size]
	p.blocks.Put(&b)
}

// Outstanding reports the number of blocks rented and not yet returned.
func (p *Pool) Outstanding() int64 {
	return p.rented.Load() - p.returned.Load()
}
