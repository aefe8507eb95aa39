package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte slices, e.g. MTU-sized RTP read buffers.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a slice of length Size.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns b to the pool. Slices smaller than Size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// Size is the length of slices returned by Get.
func (p *BytePool) Size() int { return p.size }

// Clone copies b into a new slice. Used where a buffer is handed to another
// goroutine and the pooled original is put back.
func Clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
