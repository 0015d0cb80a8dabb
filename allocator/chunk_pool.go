package allocator

import (
	"encoding/binary"
)

// LinkSize is the number of leading bytes of a free chunk used as the link
// to the next free chunk.
const LinkSize = 4

// PoolStats ...
type PoolStats struct {
	Size     uint32
	Free     int
	Hits     uint64 // allocations served from the free list
	Misses   uint64 // allocations served by the heap
	Failures uint64
	Frees    uint64
	Drained  uint64 // chunks given back to the heap
}

// ChunkPool caches free chunks of one size in a LIFO list threaded through
// the chunks themselves. It is not safe for concurrent use.
type ChunkPool struct {
	heap BlockHeap
	diag Diagnostic
	size uint32

	freeList Block
	stats    PoolStats
}

// NewChunkPool ...
func NewChunkPool(heap BlockHeap, size uint32, diag Diagnostic) *ChunkPool {
	if size < LinkSize {
		panic("chunk size must >= LinkSize")
	}
	if diag == nil {
		diag = NopDiagnostic{}
	}
	return &ChunkPool{
		heap:     heap,
		diag:     diag,
		size:     size,
		freeList: NullBlock,
		stats:    PoolStats{Size: size},
	}
}

func (p *ChunkPool) contentOfList() []Block {
	var result []Block
	n := p.freeList
	for n != NullBlock {
		result = append(result, n)
		n = Block(binary.LittleEndian.Uint32(p.heap.Bytes(n, p.size)))
	}
	return result
}

// Alloc pops the most recently freed chunk, or requests a new one from the
// heap when the free list is empty. Heap errors are returned unchanged.
func (p *ChunkPool) Alloc() (Block, error) {
	if p.freeList != NullBlock {
		b := p.freeList
		mem := p.heap.Bytes(b, p.size)
		p.diag.MarkAccessible(b, mem)

		p.freeList = Block(binary.LittleEndian.Uint32(mem))
		p.stats.Free--
		p.stats.Hits++
		return b, nil
	}

	b, err := p.heap.Request(p.size)
	if err != nil {
		p.stats.Failures++
		return NullBlock, err
	}
	p.diag.MarkAllocated(b, p.heap.Bytes(b, p.size))
	p.stats.Misses++
	return b, nil
}

// Free pushes a chunk obtained by Alloc of this pool. Freeing a chunk twice
// or a chunk of another pool corrupts the list.
func (p *ChunkPool) Free(b Block) {
	if b == NullBlock {
		assertf("free of null chunk")
	}
	mem := p.heap.Bytes(b, p.size)
	binary.LittleEndian.PutUint32(mem, uint32(p.freeList))
	p.freeList = b
	p.stats.Free++
	p.stats.Frees++

	p.diag.MarkInaccessible(b, mem)
}

// CollectEmpty gives every cached chunk back to the heap and returns how
// many were released.
func (p *ChunkPool) CollectEmpty() int {
	b := p.freeList
	p.freeList = NullBlock
	p.stats.Free = 0

	n := 0
	for b != NullBlock {
		mem := p.heap.Bytes(b, p.size)
		p.diag.MarkAccessible(b, mem)
		next := Block(binary.LittleEndian.Uint32(mem))

		p.heap.Release(b, p.size)
		p.diag.MarkReleased(b)
		b = next
		n++
	}
	p.stats.Drained += uint64(n)
	return n
}

// Finalize drains the pool and checks nothing is left in it. Chunks still
// held by callers are not tracked.
func (p *ChunkPool) Finalize() {
	p.CollectEmpty()
	if p.freeList != NullBlock {
		assertf("free list of %d byte chunks not empty after finalize", p.size)
	}
}

// Len returns the number of chunks in the free list.
func (p *ChunkPool) Len() int {
	return p.stats.Free
}

// Size ...
func (p *ChunkPool) Size() uint32 {
	return p.size
}

// Stats ...
func (p *ChunkPool) Stats() PoolStats {
	return p.stats
}
