// Command poolstress runs a random allocation workload against an Engine and
// prints pool, heap and pressure statistics.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/QuangTung97/poolman"
	"github.com/QuangTung97/poolman/allocator"
	"github.com/QuangTung97/poolman/lru"
	"github.com/cloudfoundry/gosigar"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

var options struct {
	heap       int
	ops        int
	seed       uint64
	lruLimit   uint
	aggressive bool
	poison     bool
	wide       bool
	mmap       bool
	verbose    bool
}

const maxDefaultHeap = 16 << 20

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	_ = mem.Get()
	return mem.Total, mem.Used, mem.Free
}

func defaultHeapSize() int {
	_, _, free := getsysmem()
	if free == 0 || free/8 > maxDefaultHeap {
		return maxDefaultHeap
	}
	return int(free / 8)
}

func argParse() {
	flag.IntVar(&options.heap, "heap", defaultHeapSize(),
		"heap arena size in bytes")
	flag.IntVar(&options.ops, "ops", 1000000,
		"number of random operations")
	flag.Uint64Var(&options.seed, "seed", 1,
		"random seed")
	flag.UintVar(&options.lruLimit, "lru", 0,
		"size of the record LRU, needs -wide, 0 disables it")
	flag.BoolVar(&options.aggressive, "aggressive", false,
		"notify memory pressure before every allocation")
	flag.BoolVar(&options.poison, "poison", false,
		"poison free chunks and verify them on reuse")
	flag.BoolVar(&options.wide, "wide", false,
		"enable the 16 byte size class")
	flag.BoolVar(&options.mmap, "mmap", false,
		"map the heap arena outside of the Go heap")
	flag.BoolVar(&options.verbose, "v", false,
		"debug logging")
	flag.Parse()
}

func main() {
	argParse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "poolstress: %+v\n", err)
		os.Exit(1)
	}
}

type liveChunk struct {
	sizeClass uint32
	chunk     poolman.Chunk
}

func newEngine() (*poolman.Engine, error) {
	level := slog.LevelInfo
	if options.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	conf := poolman.DefaultEngineConfig(options.heap)
	if options.mmap {
		conf.Heap.Backing = allocator.BackingMmap
	}
	conf.Pools.CompressedPointers = options.wide
	conf.Pools.AggressivePressure = options.aggressive
	conf.Pools.Poisoning = options.poison
	conf.Pools.Logger = logger

	logger.Info("starting workload",
		"heap", humanize.IBytes(uint64(options.heap)),
		"ops", humanize.Comma(int64(options.ops)),
		"seed", options.seed)
	return poolman.NewEngine(conf)
}

func run() error {
	if options.lruLimit > 0 && !options.wide {
		return errors.New("-lru needs -wide")
	}

	e, err := newEngine()
	if err != nil {
		return err
	}

	var records *lru.LRU
	if options.lruLimit > 0 {
		records = lru.New(e.Pools, poolman.SizeClass16, uint32(options.lruLimit))
		e.Register("records", records.Reclaim)
	}

	r := rand.New(rand.NewPCG(options.seed, options.seed))
	sizes := e.Pools.SizeClasses()

	var live []liveChunk
	var failures uint64
	for i := 0; i < options.ops; i++ {
		switch n := r.IntN(10); {
		case n < 5:
			size := sizes[r.IntN(len(sizes))]
			c, err := e.Pools.Alloc(size)
			if errors.Is(err, allocator.ErrOutOfMemory) {
				failures++
				continue
			}
			if err != nil {
				return err
			}
			mem := e.Pools.Bytes(size, c)
			for j := range mem {
				mem[j] = byte(i)
			}
			live = append(live, liveChunk{sizeClass: size, chunk: c})

		case n < 8:
			if len(live) == 0 {
				continue
			}
			k := r.IntN(len(live))
			e.Pools.Free(live[k].sizeClass, live[k].chunk)
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]

		default:
			if records == nil {
				continue
			}
			if _, err := records.Put(r.Uint64N(uint64(options.lruLimit) * 2)); err != nil {
				if !errors.Is(err, allocator.ErrOutOfMemory) {
					return err
				}
				failures++
			}
		}
	}

	fmt.Printf("live chunks: %s, failed allocations: %s\n",
		humanize.Comma(int64(len(live))), humanize.Comma(int64(failures)))
	if records != nil {
		s := records.Stats()
		fmt.Printf("records: %d entries, %d evictions, %d reclaimed\n", s.Size, s.Evictions, s.Reclaimed)
	}
	fmt.Println(e.Stats())

	for _, c := range live {
		e.Pools.Free(c.sizeClass, c.chunk)
	}
	if records != nil {
		records.Clear()
	}
	return e.Close()
}
