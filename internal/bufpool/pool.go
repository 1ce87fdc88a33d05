// Package bufpool implements the pooled 32 KiB block allocator described in
// spec.md §9 ("Shared ownership of pooled buffers"): single-owner semantics,
// with buffers handed off from the block packer to the stripe writer. The
// pool has a single size class of BlockSize slices, not power-of-two
// buckets, and the stripe writer does not return handed-off buffers to it;
// those are left to the garbage collector.
package bufpool

import "sync"

// BlockSize is the fixed block size used throughout AkkaraDB (§4.2, §6).
const BlockSize = 32 * 1024

// Pool hands out BlockSize byte slices and reclaims them. It is safe for
// concurrent use. The zero value is ready to use.
type Pool struct {
	pool sync.Pool
}

// Get returns a BlockSize-length slice, zeroed, owned by the caller until it
// is returned via Put.
func (p *Pool) Get() []byte {
	if v := p.pool.Get(); v != nil {
		b := v.([]byte)
		clear(b)
		return b
	}
	return make([]byte, BlockSize)
}

// Put releases ownership of b back to the pool. b must have been obtained
// from Get (or be BlockSize bytes) and the caller must not touch it again.
func (p *Pool) Put(b []byte) {
	if cap(b) != BlockSize {
		return
	}
	p.pool.Put(b[:BlockSize])
}
