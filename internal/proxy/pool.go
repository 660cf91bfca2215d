package proxy

import "sync"

// copyBufferSize is the per-direction buffer used for tunnels and bodies.
const copyBufferSize = 32 * 1024

// copyBuffers is shared by tunnel copies and forwarded bodies. Each active
// tunnel holds two buffers, one per direction.
var copyBuffers = newBufferPool(copyBufferSize)

// bufferPool hands out fixed-size byte slices.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns b to the pool. Slices of any other size are dropped so a
// caller that resliced its buffer cannot shrink later copies.
func (p *bufferPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
