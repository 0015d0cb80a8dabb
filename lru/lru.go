// Package lru implements an LRU list of hashes whose nodes live in pool chunks.
package lru

import (
	"unsafe"

	"github.com/QuangTung97/poolman/allocator"
	"github.com/QuangTung97/poolman/pressure"
	"github.com/cockroachdb/errors"
)

const nullPtr = allocator.NullBlock

// ErrZeroLimit is returned by Put when the LRU cannot hold any entry.
var ErrZeroLimit = errors.New("lru: limit is zero")

// ChunkAllocator is implemented by poolman.Manager.
type ChunkAllocator interface {
	Alloc(sizeClass uint32) (allocator.Block, error)
	Free(sizeClass uint32, b allocator.Block)
	Bytes(sizeClass uint32, b allocator.Block) []byte
}

// ListHead is the node stored in each chunk.
type ListHead struct {
	next uint32
	prev uint32
	hash uint64
}

// NodeSize is the minimum chunk size for the nodes of an LRU.
const NodeSize = uint32(unsafe.Sizeof(ListHead{}))

// Stats ...
type Stats struct {
	Size      uint32
	Evictions uint64
	Reclaimed uint64
}

// LRU ...
type LRU struct {
	alloc     ChunkAllocator
	sizeClass uint32
	limit     uint32

	// ReclaimRatio is the part of the entries evicted on low memory pressure.
	ReclaimRatio Rational

	index map[uint64]allocator.Block

	next  allocator.Block
	prev  allocator.Block
	size  uint32
	stats Stats
}

// New creates an empty LRU holding at most limit entries in chunks of sizeClass.
func New(alloc ChunkAllocator, sizeClass uint32, limit uint32) *LRU {
	if sizeClass < NodeSize {
		panic("sizeClass must >= NodeSize")
	}
	return &LRU{
		alloc:     alloc,
		sizeClass: sizeClass,
		limit:     limit,

		ReclaimRatio: NewRational(1, 2),

		index: map[uint64]allocator.Block{},

		next: nullPtr,
		prev: nullPtr,
		size: 0,
	}
}

func (l *LRU) head(addr allocator.Block) *ListHead {
	mem := l.alloc.Bytes(l.sizeClass, addr)
	return (*ListHead)(unsafe.Pointer(&mem[0]))
}

// Hashes returns the hashes from the most to the least recently used.
func (l *LRU) Hashes() []uint64 {
	var result []uint64
	n := l.next
	for n != nullPtr {
		head := l.head(n)
		result = append(result, head.hash)
		n = allocator.Block(head.next)
	}
	return result
}

func (l *LRU) pushFront(addr allocator.Block, head *ListHead) {
	if l.next != nullPtr {
		next := l.head(l.next)
		next.prev = uint32(addr)
	} else {
		l.prev = addr
	}

	head.next = uint32(l.next)
	head.prev = uint32(nullPtr)
	l.next = addr
}

func (l *LRU) unlink(head *ListHead) {
	if allocator.Block(head.next) != nullPtr {
		next := l.head(allocator.Block(head.next))
		next.prev = head.prev
	} else {
		l.prev = allocator.Block(head.prev)
	}

	if allocator.Block(head.prev) != nullPtr {
		prev := l.head(allocator.Block(head.prev))
		prev.next = head.next
	} else {
		l.next = allocator.Block(head.next)
	}
}

// Put inserts hash at the front and returns the address of its node,
// evicting the least recently used entry when the LRU is full.
// A hash already present is only touched.
func (l *LRU) Put(hash uint64) (allocator.Block, error) {
	if addr, ok := l.index[hash]; ok {
		l.Touch(addr)
		return addr, nil
	}
	if l.limit == 0 {
		return nullPtr, ErrZeroLimit
	}

	// Allocating may run the pressure chain, which can shrink this list.
	// No node address is held across this call.
	addr, err := l.alloc.Alloc(l.sizeClass)
	if err != nil {
		return nullPtr, errors.Wrapf(err, "lru put %d", hash)
	}

	for l.size >= l.limit {
		l.evictLast()
		l.stats.Evictions++
	}

	l.size++
	head := l.head(addr)
	head.hash = hash
	l.pushFront(addr, head)
	l.index[hash] = addr

	return addr, nil
}

// Get touches hash and reports whether it was present.
func (l *LRU) Get(hash uint64) bool {
	addr, ok := l.index[hash]
	if !ok {
		return false
	}
	l.Touch(addr)
	return true
}

// Last returns the least recently used node, or a null address when empty.
func (l *LRU) Last() (allocator.Block, uint64) {
	if l.prev == nullPtr {
		return nullPtr, 0
	}
	last := l.head(l.prev)
	return l.prev, last.hash
}

// Delete removes hash and gives its node back to the allocator.
func (l *LRU) Delete(hash uint64) bool {
	addr, ok := l.index[hash]
	if !ok {
		return false
	}
	l.remove(addr)
	return true
}

func (l *LRU) remove(addr allocator.Block) {
	head := l.head(addr)
	l.unlink(head)
	delete(l.index, head.hash)
	l.size--
	l.alloc.Free(l.sizeClass, addr)
}

func (l *LRU) evictLast() {
	l.remove(l.prev)
}

// Touch moves a node to the front.
func (l *LRU) Touch(addr allocator.Block) {
	head := l.head(addr)
	l.unlink(head)
	l.pushFront(addr, head)
}

// Clear removes every entry.
func (l *LRU) Clear() {
	for l.size > 0 {
		l.evictLast()
	}
}

// Reclaim is the memory pressure callback of the LRU. Low severity evicts
// ReclaimRatio of the entries, high severity evicts all of them.
func (l *LRU) Reclaim(severity pressure.Severity) {
	n := l.size
	if severity == pressure.SeverityLow {
		n = l.ReclaimRatio.MulUint32(l.size)
		if n == 0 && l.size > 0 {
			n = 1
		}
	}
	for i := uint32(0); i < n; i++ {
		l.evictLast()
	}
	l.stats.Reclaimed += uint64(n)
}

// Size ...
func (l *LRU) Size() uint32 {
	return l.size
}

// Limit ...
func (l *LRU) Limit() uint32 {
	return l.limit
}

// UpdateLimit changes the limit, entries beyond it are evicted.
func (l *LRU) UpdateLimit(newLimit uint32) {
	l.limit = newLimit
	for l.size > l.limit {
		l.evictLast()
		l.stats.Evictions++
	}
}

// Stats ...
func (l *LRU) Stats() Stats {
	s := l.stats
	s.Size = l.size
	return s
}
