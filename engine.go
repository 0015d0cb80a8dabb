package poolman

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/QuangTung97/poolman/allocator"
	"github.com/QuangTung97/poolman/pressure"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

const poolsCallbackName = "chunk-pools"

// EngineConfig ...
type EngineConfig struct {
	Heap  allocator.HeapConfig
	Pools Config
}

// DefaultEngineConfig returns a config with a heap of limit bytes and the
// default size classes.
func DefaultEngineConfig(limit int) EngineConfig {
	return EngineConfig{
		Heap:  allocator.DefaultHeapConfig(limit),
		Pools: DefaultConfig(),
	}
}

// Engine is the memory context of one interpreter instance. It wires the
// heap, the pressure chain and the chunk pools together.
type Engine struct {
	Heap     *allocator.Heap
	Pressure *pressure.Chain
	Pools    *Manager

	logger *slog.Logger
	handle pressure.Handle
}

// EngineStats ...
type EngineStats struct {
	Heap          allocator.HeapStats
	Pools         []allocator.PoolStats
	Notifications uint64
}

// NewEngine creates a heap and its pools. When the heap is exhausted it
// notifies the pressure chain, on which the pools are registered first.
func NewEngine(conf EngineConfig) (*Engine, error) {
	logger := conf.Pools.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if conf.Heap.Logger == nil {
		conf.Heap.Logger = logger
	}

	heap, err := allocator.NewHeap(conf.Heap)
	if err != nil {
		return nil, errors.Wrap(err, "create engine heap")
	}

	chain := pressure.NewChain(logger)
	heap.SetReclaimer(chain)

	pools, err := NewManager(conf.Pools, heap, chain)
	if err != nil {
		_ = heap.Close()
		return nil, err
	}

	e := &Engine{
		Heap:     heap,
		Pressure: chain,
		Pools:    pools,
		logger:   logger,
	}
	e.handle = chain.Register(poolsCallbackName, pools.Reclaim)
	return e, nil
}

// Register adds a pressure callback that runs before the pools are drained,
// so chunks it frees reach the heap within the same notification.
func (e *Engine) Register(name string, cb pressure.Callback) pressure.Handle {
	e.Pressure.Unregister(e.handle)
	h := e.Pressure.Register(name, cb)
	e.handle = e.Pressure.Register(poolsCallbackName, e.Pools.Reclaim)
	return h
}

// Close drains the pools and releases the heap. Memory still allocated at
// this point is leaked by callers and only reported.
func (e *Engine) Close() error {
	e.Pressure.Unregister(e.handle)
	e.Pools.Finalize()

	if leaked := e.Heap.Stats().Allocated; leaked > 0 {
		e.logger.Warn("heap memory still allocated at close", "bytes", humanize.IBytes(leaked))
	}
	return e.Heap.Close()
}

// Stats ...
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Heap:          e.Heap.Stats(),
		Pools:         e.Pools.Stats(),
		Notifications: e.Pressure.Notifications(),
	}
}

func (s EngineStats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "heap: %s / %s allocated, %d requests, %d releases, %d failures, %d reclaims\n",
		humanize.IBytes(s.Heap.Allocated), humanize.IBytes(s.Heap.Capacity),
		s.Heap.Requests, s.Heap.Releases, s.Heap.Failures, s.Heap.Reclaims)
	for _, p := range s.Pools {
		fmt.Fprintf(&b, "pool %d: %d free (%s), %d hits, %d misses, %d failures, %d drained\n",
			p.Size, p.Free, humanize.IBytes(uint64(p.Free)*uint64(p.Size)),
			p.Hits, p.Misses, p.Failures, p.Drained)
	}
	fmt.Fprintf(&b, "pressure notifications: %s", humanize.Comma(int64(s.Notifications)))
	return b.String()
}
