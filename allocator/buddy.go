package allocator

import (
	"math"
	"unsafe"
)

const (
	buddyNullPtr uint32 = math.MaxUint32

	// buddyMinSizeLog is the smallest block order, a free block must hold a buddyListHead.
	buddyMinSizeLog uint32 = 3
)

// Buddy is a binary buddy allocator over a flat arena. Addresses are byte
// offsets from the arena base.
type Buddy struct {
	minSize      uint32
	maxSize      uint32
	sizeMultiple uint32
	data         unsafe.Pointer
	buckets      []uint32
	orders       []uint8 // bucket offset of each free block, indexed by addr >> minSize
	bitset       []uint64
}

// buddyListHead lives at the start of every free block.
type buddyListHead struct {
	next uint32
	prev uint32
}

func findSizeLogList(sizeMultiple uint32) []uint32 {
	var result []uint32
	for pos := uint32(0); sizeMultiple != 0; pos++ {
		if sizeMultiple&0x1 != 0 {
			result = append(result, pos)
		}
		sizeMultiple >>= 1
	}
	return result
}

func makeBitSet(sizeMultiple uint32) []uint64 {
	if sizeMultiple <= 64 {
		return make([]uint64, 1)
	}
	return make([]uint64, (sizeMultiple+63)>>6)
}

// BuddyInit prepares b to manage sizeMultiple blocks of 1<<minSizeLog bytes
// starting at data.
func BuddyInit(b *Buddy, minSizeLog uint32, sizeMultiple uint32, data unsafe.Pointer) {
	if minSizeLog < buddyMinSizeLog {
		panic("minSizeLog too small to hold a free list head")
	}
	if sizeMultiple == 0 {
		panic("sizeMultiple must > 0")
	}

	sizeLogList := findSizeLogList(sizeMultiple)
	last := sizeLogList[len(sizeLogList)-1]

	b.minSize = minSizeLog
	b.maxSize = last + minSizeLog
	b.sizeMultiple = sizeMultiple
	b.data = data
	b.buckets = make([]uint32, last+1)
	b.orders = make([]uint8, sizeMultiple)
	b.bitset = makeBitSet(sizeMultiple)

	for i := range b.buckets {
		b.buckets[i] = buddyNullPtr
	}

	addr := uint32(0)
	for i := len(sizeLogList) - 1; i >= 0; i-- {
		offset := sizeLogList[i]
		b.addListHead(offset, addr)
		addr += 1 << (offset + minSizeLog)
	}
}

func (b *Buddy) setBit(addr uint32) {
	index := addr >> b.minSize
	pos := index & 0x3f
	mask := uint64(1 << pos)
	b.bitset[index>>6] |= mask
}

func (b *Buddy) clearBit(addr uint32) {
	index := addr >> b.minSize
	pos := index & 0x3f
	mask := ^uint64(1 << pos)
	b.bitset[index>>6] &= mask
}

func (b *Buddy) isBitSet(addr uint32) bool {
	index := addr >> b.minSize
	pos := index & 0x3f
	mask := uint64(1 << pos)
	return b.bitset[index>>6]&mask != 0
}

func (b *Buddy) head(addr uint32) *buddyListHead {
	return (*buddyListHead)(unsafe.Add(b.data, addr))
}

// addListHead pushes the free block at addr onto bucket offset and marks it free.
func (b *Buddy) addListHead(offset uint32, addr uint32) {
	root := &b.buckets[offset]
	node := b.head(addr)
	if *root != buddyNullPtr {
		b.head(*root).prev = addr
	}

	node.next = *root
	node.prev = buddyNullPtr
	*root = addr

	b.orders[addr>>b.minSize] = uint8(offset)
	b.setBit(addr)
}

// removeListHead unlinks the free block at addr from bucket offset and marks it used.
func (b *Buddy) removeListHead(offset uint32, addr uint32) {
	node := b.head(addr)
	if node.next != buddyNullPtr {
		b.head(node.next).prev = node.prev
	}

	if node.prev != buddyNullPtr {
		b.head(node.prev).next = node.next
	} else {
		b.buckets[offset] = node.next
	}
	b.clearBit(addr)
}

func (b *Buddy) contentOfList(order uint32) []uint32 {
	var result []uint32
	offset := order - b.minSize

	addr := b.buckets[offset]
	for addr != buddyNullPtr {
		result = append(result, addr)
		addr = b.head(addr).next
	}
	return result
}

// isFreeHead reports whether addr starts a free block of the given order.
func (b *Buddy) isFreeHead(addr uint32, sizeLog uint32) bool {
	if (addr >> b.minSize) >= b.sizeMultiple {
		return false
	}
	return b.isBitSet(addr) && uint32(b.orders[addr>>b.minSize]) == sizeLog-b.minSize
}

// isFree reports whether the block lies inside any free block.
func (b *Buddy) isFree(addr uint32, sizeLog uint32) bool {
	for s := sizeLog; s <= b.maxSize; s++ {
		if b.isFreeHead(addr&^(1<<s-1), s) {
			return true
		}
	}
	return false
}

// ToRealAddr ...
func (b *Buddy) ToRealAddr(addr uint32) unsafe.Pointer {
	return unsafe.Add(b.data, addr)
}

// Capacity returns the number of bytes managed by b.
func (b *Buddy) Capacity() uint64 {
	return uint64(b.sizeMultiple) << b.minSize
}

// Allocate returns a block of 1<<sizeLog bytes, splitting larger blocks when needed.
func (b *Buddy) Allocate(sizeLog uint32) (uint32, bool) {
	if sizeLog < b.minSize {
		sizeLog = b.minSize
	}
	if sizeLog > b.maxSize {
		return 0, false
	}

	offset := sizeLog - b.minSize
	maxOffset := b.maxSize - b.minSize
	emptyOffset := offset
	for ; emptyOffset <= maxOffset && b.buckets[emptyOffset] == buddyNullPtr; emptyOffset++ {
	}
	if emptyOffset > maxOffset {
		return 0, false
	}

	addr := b.buckets[emptyOffset]
	b.removeListHead(emptyOffset, addr)

	for i := int(emptyOffset) - 1; i >= int(offset); i-- {
		p := addr + (1 << (uint32(i) + b.minSize))
		b.addListHead(uint32(i), p)
	}

	return addr, true
}

func computeRootAndNeighborAddr(addr uint32, sizeLog uint32) (uint32, uint32) {
	mask := uint32(math.MaxUint32) << (sizeLog + 1)
	maskedAddr := addr & mask
	if maskedAddr == addr {
		return maskedAddr, addr + (1 << sizeLog)
	}
	return maskedAddr, maskedAddr
}

// Deallocate returns the block at addr of 1<<sizeLog bytes, merging it with
// free buddies.
func (b *Buddy) Deallocate(addr uint32, sizeLog uint32) {
	if sizeLog < b.minSize {
		sizeLog = b.minSize
	}
	offset := sizeLog - b.minSize

	for sizeLog < b.maxSize {
		rootAddr, neighborAddr := computeRootAndNeighborAddr(addr, sizeLog)
		if !b.isFreeHead(neighborAddr, sizeLog) {
			break
		}

		b.removeListHead(offset, neighborAddr)

		addr = rootAddr
		sizeLog++
		offset++
	}

	b.addListHead(offset, addr)
}
