package allocator

import "github.com/cespare/xxhash/v2"

// Diagnostic observes chunks moving between the heap, callers and free lists.
// mem always spans the chunk size of the pool making the call.
type Diagnostic interface {
	// MarkAllocated is called when a chunk fresh from the heap is handed to a caller.
	MarkAllocated(b Block, mem []byte)

	// MarkAccessible is called before a free chunk is handed back to a caller
	// or to the heap.
	MarkAccessible(b Block, mem []byte)

	// MarkInaccessible is called after a chunk was linked into a free list.
	MarkInaccessible(b Block, mem []byte)

	// MarkReleased is called after a chunk was given back to the heap.
	MarkReleased(b Block)
}

// NopDiagnostic ...
type NopDiagnostic struct{}

// MarkAllocated ...
func (NopDiagnostic) MarkAllocated(Block, []byte) {}

// MarkAccessible ...
func (NopDiagnostic) MarkAccessible(Block, []byte) {}

// MarkInaccessible ...
func (NopDiagnostic) MarkInaccessible(Block, []byte) {}

// MarkReleased ...
func (NopDiagnostic) MarkReleased(Block) {}

// PoisonByte fills the body of free chunks when poisoning is on.
const PoisonByte byte = 0xa5

type sanitizedChunk struct {
	size uint32
	free bool
	sum  uint64 // xxhash of the content while free
}

// Sanitizer poisons free chunks and checks them on the way out.
// Any write to a parked chunk, a double free, a free with the wrong size
// class or a pop of a chunk that was never parked halts the process.
type Sanitizer struct {
	chunks map[Block]sanitizedChunk
	parked int
}

var _ Diagnostic = &Sanitizer{}

// NewSanitizer ...
func NewSanitizer() *Sanitizer {
	return &Sanitizer{chunks: make(map[Block]sanitizedChunk)}
}

// MarkAllocated ...
func (s *Sanitizer) MarkAllocated(b Block, mem []byte) {
	if c, ok := s.chunks[b]; ok && c.free {
		assertf("chunk %d allocated from the heap while in a free list", uint32(b))
	}
	s.chunks[b] = sanitizedChunk{size: uint32(len(mem))}
}

// MarkInaccessible checks the chunk before poisoning it, a chunk of another
// size class must not have its neighbours overwritten.
func (s *Sanitizer) MarkInaccessible(b Block, mem []byte) {
	c, ok := s.chunks[b]
	if !ok {
		assertf("chunk %d freed but never allocated", uint32(b))
	}
	if c.free {
		assertf("chunk %d freed twice", uint32(b))
	}
	if c.size != uint32(len(mem)) {
		assertf("chunk %d of %d bytes freed into the %d byte size class", uint32(b), c.size, len(mem))
	}

	for i := LinkSize; i < len(mem); i++ {
		mem[i] = PoisonByte
	}
	s.chunks[b] = sanitizedChunk{size: c.size, free: true, sum: xxhash.Sum64(mem)}
	s.parked++
}

// MarkAccessible ...
func (s *Sanitizer) MarkAccessible(b Block, mem []byte) {
	c, ok := s.chunks[b]
	if !ok || !c.free {
		assertf("chunk %d is not in a free list", uint32(b))
	}
	if xxhash.Sum64(mem) != c.sum {
		assertf("chunk %d was written while free", uint32(b))
	}
	s.chunks[b] = sanitizedChunk{size: c.size}
	s.parked--
}

// MarkReleased ...
func (s *Sanitizer) MarkReleased(b Block) {
	delete(s.chunks, b)
}

// Parked returns the number of chunks currently poisoned.
func (s *Sanitizer) Parked() int {
	return s.parked
}

// Tracked returns the number of chunks allocated or parked.
func (s *Sanitizer) Tracked() int {
	return len(s.chunks)
}
