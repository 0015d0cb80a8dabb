package allocator

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Backing selects where the heap arena memory comes from.
type Backing int

const (
	// BackingHeap allocates the arena on the Go heap.
	BackingHeap Backing = iota

	// BackingMmap maps the arena outside of the Go heap, the GC never scans it.
	BackingMmap
)

func (b Backing) String() string {
	switch b {
	case BackingHeap:
		return "heap"
	case BackingMmap:
		return "mmap"
	default:
		return "unknown"
	}
}

// arena is the flat memory region a Buddy hands out blocks from.
type arena struct {
	data    []byte
	release func() error
}

func newArena(size int, backing Backing) (arena, error) {
	switch backing {
	case BackingHeap:
		return newHeapArena(size), nil
	case BackingMmap:
		return newMmapArena(size)
	default:
		return arena{}, errors.Newf("unknown arena backing %d", int(backing))
	}
}

// newHeapArena allocates words so the arena base is 8 byte aligned.
func newHeapArena(size int) arena {
	words := make([]uint64, (size+7)>>3)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return arena{
		data:    data,
		release: func() error { return nil },
	}
}

func (a arena) base() unsafe.Pointer {
	return unsafe.Pointer(&a.data[0])
}

func (a arena) close() error {
	if a.release == nil {
		return nil
	}
	return a.release()
}
