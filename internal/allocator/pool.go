package allocator

import (
	"math/bits"
	"sync"
)

// largest pooled allocation is 1<<maxPoolClass bytes; bigger requests bypass the pool
const maxPoolClass = 28

// bytePool recycles frame-sized buffers in power-of-two size classes.
type bytePool struct {
	classes [maxPoolClass + 1]sync.Pool
}

var defaultPool = &bytePool{}

func sizeClass(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

func (p *bytePool) alloc(size int) ([]byte, any) {
	class := sizeClass(size)
	if class > maxPoolClass {
		return make([]byte, size), nil
	}
	if v := p.classes[class].Get(); v != nil {
		bp := v.(*[]byte)
		return (*bp)[:size], bp
	}
	b := make([]byte, 1<<class)
	return b[:size], &b
}

func (p *bytePool) free(_ []byte, ctx any) {
	bp, ok := ctx.(*[]byte)
	if !ok || bp == nil {
		return
	}
	class := sizeClass(cap(*bp))
	if class > maxPoolClass || cap(*bp) != 1<<class {
		return
	}
	p.classes[class].Put(bp)
}
