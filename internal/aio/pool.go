package aio

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/protostore/internal/constants"
)

// Buffer size buckets, adapted from the teacher's internal/queue/pool.go
// size-bucketed sync.Pool scheme. Unlike that pool, buffers here are
// backed by anonymous mmap rather than make([]byte, ...): direct I/O
// requires the buffer itself to be sector-aligned, a guarantee a Go slice
// allocated by the runtime allocator does not make but a page-aligned mmap
// region does (SectorSize divides the page size on every architecture this
// engine targets).
const (
	size4k   = 4 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
)

var bucketSizes = []int{size4k, size64k, size256k, size1m}

// BufferPool hands out sector-aligned buffers bucketed by power-of-two
// size, avoiding a fresh mmap per request on the common path.
type BufferPool struct {
	pools [len(bucketSizes)]sync.Pool
}

// NewBufferPool constructs a pool; each bucket lazily mmaps buffers on
// first use.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i, size := range bucketSizes {
		size := size
		p.pools[i].New = func() any {
			buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
			if err != nil {
				panic(err) // anonymous mmap failing means the process is out of address space
			}
			return &buf
		}
	}
	return p
}

// Get returns a sector-aligned buffer of at least size bytes, already
// rounded up to a SectorSize multiple as the direct-I/O path requires.
func (p *BufferPool) Get(size int) []byte {
	aligned := ceilSector(size)
	for i, bucket := range bucketSizes {
		if aligned <= bucket {
			buf := *p.pools[i].Get().(*[]byte)
			return buf[:aligned]
		}
	}
	buf, err := unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(err)
	}
	return buf
}

// Put returns buf to its bucket. Oversized buffers that didn't come from a
// bucket are munmap'd instead of pooled.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	for i, bucket := range bucketSizes {
		if c == bucket {
			full := buf[:c]
			p.pools[i].Put(&full)
			return
		}
	}
	unix.Munmap(buf)
}

func ceilSector(n int) int {
	if n <= 0 {
		return constants.SectorSize
	}
	rem := n % constants.SectorSize
	if rem == 0 {
		return n
	}
	return n + (constants.SectorSize - rem)
}
