package allocator

import (
	"log/slog"
	"math"
	"math/bits"
	"unsafe"

	"github.com/QuangTung97/poolman/pressure"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// Block is the byte offset of a heap block inside the arena.
type Block uint32

// NullBlock never refers to a heap block.
const NullBlock Block = Block(buddyNullPtr)

// BlockHeap is the raw block provider beneath a ChunkPool.
type BlockHeap interface {
	// Request returns a block of at least size bytes.
	Request(size uint32) (Block, error)

	// Release gives back a block obtained by Request with the same size.
	Release(b Block, size uint32)

	// Bytes returns the memory of the block.
	Bytes(b Block, size uint32) []byte
}

// HeapConfig ...
type HeapConfig struct {
	// Limit is the arena size in bytes, rounded up to a multiple of the minimum block.
	Limit int

	// MinSizeLog is the order of the smallest block, 0 means 3 (8 bytes).
	MinSizeLog uint32

	Backing Backing
	Logger  *slog.Logger
}

// DefaultHeapConfig returns a Go-heap backed config of limit bytes.
func DefaultHeapConfig(limit int) HeapConfig {
	return HeapConfig{
		Limit:      limit,
		MinSizeLog: buddyMinSizeLog,
		Backing:    BackingHeap,
	}
}

// HeapStats ...
type HeapStats struct {
	Capacity  uint64
	Allocated uint64
	Requests  uint64
	Releases  uint64
	Failures  uint64
	Reclaims  uint64 // notifications delivered to the reclaimer
}

// Heap is a buddy block heap with optional reclamation on exhaustion.
// It is not safe for concurrent use.
type Heap struct {
	buddy     Buddy
	arena     arena
	reclaimer pressure.Notifier
	logger    *slog.Logger

	reclaiming bool
	closed     bool
	stats      HeapStats
}

var _ BlockHeap = &Heap{}

func findSizeMultiple(minSizeLog uint32, limit int) uint32 {
	mask := 1<<minSizeLog - 1
	return uint32((limit + mask) >> minSizeLog)
}

func heapValidateConfig(conf HeapConfig) error {
	if conf.Limit <= 0 {
		return errors.Newf("heap limit must > 0, got %d", conf.Limit)
	}
	if conf.MinSizeLog < buddyMinSizeLog || conf.MinSizeLog > 20 {
		return errors.Newf("heap min size log must be in [%d, 20], got %d", buddyMinSizeLog, conf.MinSizeLog)
	}
	if uint64(conf.Limit) >= math.MaxUint32 {
		return errors.Newf("heap limit %s exceeds 32-bit block offsets", humanize.IBytes(uint64(conf.Limit)))
	}
	return nil
}

// NewHeap ...
func NewHeap(conf HeapConfig) (*Heap, error) {
	if conf.MinSizeLog == 0 {
		conf.MinSizeLog = buddyMinSizeLog
	}
	if err := heapValidateConfig(conf); err != nil {
		return nil, err
	}

	sizeMultiple := findSizeMultiple(conf.MinSizeLog, conf.Limit)
	capacity := int(sizeMultiple) << conf.MinSizeLog

	a, err := newArena(capacity, conf.Backing)
	if err != nil {
		return nil, err
	}

	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Heap{
		arena:  a,
		logger: logger,
	}
	BuddyInit(&h.buddy, conf.MinSizeLog, sizeMultiple, a.base())
	h.stats.Capacity = h.buddy.Capacity()

	logger.Debug("heap initialized",
		"capacity", humanize.IBytes(h.stats.Capacity), "backing", conf.Backing.String())
	return h, nil
}

// SetReclaimer attaches the notifier invoked when the arena is exhausted.
func (h *Heap) SetReclaimer(r pressure.Notifier) {
	h.reclaimer = r
}

func (h *Heap) sizeLog(size uint32) uint32 {
	if size <= 1<<h.buddy.minSize {
		return h.buddy.minSize
	}
	return uint32(bits.Len32(size - 1))
}

// Request returns a block of at least size bytes or an error wrapping
// ErrOutOfMemory. On exhaustion the reclaimer is notified with increasing
// severity and the request is retried after each notification.
func (h *Heap) Request(size uint32) (Block, error) {
	if h.closed {
		assertf("request on closed heap")
	}
	if size == 0 {
		assertf("request of zero bytes")
	}
	h.stats.Requests++

	sizeLog := h.sizeLog(size)
	if sizeLog > h.buddy.maxSize {
		h.stats.Failures++
		return NullBlock, errors.Wrapf(ErrOutOfMemory, "request of %d bytes exceeds heap capacity", size)
	}

	if addr, ok := h.buddy.Allocate(sizeLog); ok {
		h.stats.Allocated += 1 << sizeLog
		return Block(addr), nil
	}

	if h.canReclaim() {
		for _, severity := range []pressure.Severity{pressure.SeverityLow, pressure.SeverityHigh} {
			h.reclaim(severity)
			if addr, ok := h.buddy.Allocate(sizeLog); ok {
				h.stats.Allocated += 1 << sizeLog
				return Block(addr), nil
			}
		}
	}

	h.stats.Failures++
	h.logger.Warn("heap exhausted",
		"request", humanize.IBytes(uint64(size)),
		"allocated", humanize.IBytes(h.stats.Allocated),
		"capacity", humanize.IBytes(h.stats.Capacity))
	return NullBlock, errors.Wrapf(ErrOutOfMemory, "request of %d bytes", size)
}

// busyNotifier is implemented by notifiers that drop nested notifications,
// such as pressure.Chain.
type busyNotifier interface {
	Notifying() bool
}

func (h *Heap) canReclaim() bool {
	if h.reclaimer == nil || h.reclaiming {
		return false
	}
	if n, ok := h.reclaimer.(busyNotifier); ok && n.Notifying() {
		return false
	}
	return true
}

func (h *Heap) reclaim(severity pressure.Severity) {
	h.reclaiming = true
	defer func() { h.reclaiming = false }()

	h.stats.Reclaims++
	h.reclaimer.Notify(severity)
}

// Release ...
func (h *Heap) Release(b Block, size uint32) {
	if h.closed {
		assertf("release on closed heap")
	}
	sizeLog := h.sizeLog(size)
	addr := uint32(b)
	if uint64(addr)+(1<<sizeLog) > h.stats.Capacity {
		assertf("release of block %d outside of heap", addr)
	}
	if addr&(1<<sizeLog-1) != 0 {
		assertf("release of misaligned block %d with size %d", addr, size)
	}
	if h.buddy.isFree(addr, sizeLog) {
		assertf("block %d released twice", addr)
	}

	h.buddy.Deallocate(addr, sizeLog)
	h.stats.Allocated -= 1 << sizeLog
	h.stats.Releases++
}

// Bytes ...
func (h *Heap) Bytes(b Block, size uint32) []byte {
	if uint64(b)+uint64(size) > h.stats.Capacity {
		assertf("block %d with size %d outside of heap", uint32(b), size)
	}
	return unsafe.Slice((*byte)(h.buddy.ToRealAddr(uint32(b))), size)
}

// Stats ...
func (h *Heap) Stats() HeapStats {
	return h.stats
}

// Close releases the arena. The heap must not be used afterwards.
func (h *Heap) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.arena.close(); err != nil {
		h.logger.Error("failed to release heap arena", "error", err)
		return errors.Wrap(err, "close heap")
	}
	return nil
}
