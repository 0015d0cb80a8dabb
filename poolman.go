// Package poolman caches fixed-size chunks on top of a block heap.
//
// A Manager owns one LIFO free list per size class. Freed chunks are kept
// for reuse until a drain gives them back to the heap, either explicitly
// through CollectEmpty, at shutdown through Finalize, or when the memory
// pressure chain calls Reclaim. None of the types are safe for concurrent use.
package poolman

import (
	"log/slog"

	"github.com/QuangTung97/poolman/allocator"
	"github.com/QuangTung97/poolman/pressure"
	"github.com/cockroachdb/errors"
)

// Chunk is a fixed-size block handed out by a Manager.
type Chunk = allocator.Block

// NullChunk never refers to a chunk.
const NullChunk = allocator.NullBlock

// Manager routes allocations to the chunk pool of their size class.
type Manager struct {
	heap       allocator.BlockHeap
	notifier   pressure.Notifier
	aggressive bool
	logger     *slog.Logger

	sizes []uint32
	pools []*allocator.ChunkPool
}

// NewManager creates one empty pool per active size class. notifier may be
// nil unless AggressivePressure is set.
func NewManager(conf Config, heap allocator.BlockHeap, notifier pressure.Notifier) (*Manager, error) {
	sizes := conf.activeSizeClasses()
	if err := managerValidateConfig(sizes); err != nil {
		return nil, errors.Wrap(err, "invalid pool config")
	}
	if conf.AggressivePressure && notifier == nil {
		return nil, errors.New("invalid pool config: aggressive pressure needs a notifier")
	}

	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}

	diag := conf.diagnostic()
	pools := make([]*allocator.ChunkPool, 0, len(sizes))
	for _, size := range sizes {
		pools = append(pools, allocator.NewChunkPool(heap, size, diag))
	}

	return &Manager{
		heap:       heap,
		notifier:   notifier,
		aggressive: conf.AggressivePressure,
		logger:     logger,

		sizes: sizes,
		pools: pools,
	}, nil
}

// findPoolIndex returns the index of value in the sorted sizes, or -1.
func findPoolIndex(sizes []uint32, value uint32) int {
	first := 0
	last := len(sizes)
	for first != last {
		mid := (first + last) >> 1
		if sizes[mid] < value {
			first = mid + 1
		} else {
			last = mid
		}
	}
	if first == len(sizes) || sizes[first] != value {
		return -1
	}
	return first
}

func (m *Manager) pool(sizeClass uint32) *allocator.ChunkPool {
	index := findPoolIndex(m.sizes, sizeClass)
	if index < 0 {
		panic(errors.AssertionFailedf("size class %d is not configured", sizeClass))
	}
	return m.pools[index]
}

// Alloc returns a chunk of sizeClass bytes. Heap exhaustion is returned as an
// error wrapping allocator.ErrOutOfMemory and is never retried here.
func (m *Manager) Alloc(sizeClass uint32) (Chunk, error) {
	p := m.pool(sizeClass)
	if m.aggressive {
		m.notifier.Notify(pressure.SeverityHigh)
	}
	return p.Alloc()
}

// Free parks a chunk obtained by Alloc with the same size class.
func (m *Manager) Free(sizeClass uint32, c Chunk) {
	m.pool(sizeClass).Free(c)
}

// Bytes returns the memory of an allocated chunk.
func (m *Manager) Bytes(sizeClass uint32, c Chunk) []byte {
	return m.heap.Bytes(c, m.pool(sizeClass).Size())
}

// CollectEmpty gives every parked chunk of every pool back to the heap.
func (m *Manager) CollectEmpty() int {
	n := 0
	for _, p := range m.pools {
		n += p.CollectEmpty()
	}
	return n
}

// Finalize drains every pool. Chunks still held by callers are not detected.
func (m *Manager) Finalize() {
	for _, p := range m.pools {
		p.Finalize()
	}
}

// Reclaim is the memory pressure callback of the manager. Parked chunks are
// cheap to rebuild, so every severity drains all pools.
func (m *Manager) Reclaim(severity pressure.Severity) {
	n := m.CollectEmpty()
	m.logger.Debug("chunk pools drained", "severity", severity.String(), "chunks", n)
}

// SizeClasses returns the active size classes in increasing order.
func (m *Manager) SizeClasses() []uint32 {
	return append([]uint32(nil), m.sizes...)
}

// FreeLen returns the number of parked chunks of a size class.
func (m *Manager) FreeLen(sizeClass uint32) int {
	return m.pool(sizeClass).Len()
}

// Stats ...
func (m *Manager) Stats() []allocator.PoolStats {
	result := make([]allocator.PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		result = append(result, p.Stats())
	}
	return result
}
