package poolman

import (
	"testing"

	"github.com/QuangTung97/poolman/allocator"
	"github.com/QuangTung97/poolman/pressure"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHeap struct {
	*allocator.Heap
	requests []uint32
	releases []allocator.Block
}

func newCountingHeap(t *testing.T, limit int) *countingHeap {
	h, err := allocator.NewHeap(allocator.DefaultHeapConfig(limit))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return &countingHeap{Heap: h}
}

func (h *countingHeap) Request(size uint32) (allocator.Block, error) {
	h.requests = append(h.requests, size)
	return h.Heap.Request(size)
}

func (h *countingHeap) Release(b allocator.Block, size uint32) {
	h.releases = append(h.releases, b)
	h.Heap.Release(b, size)
}

type countingNotifier struct {
	severities []pressure.Severity
}

func (n *countingNotifier) Notify(severity pressure.Severity) {
	n.severities = append(n.severities, severity)
}

func newTestManager(t *testing.T, conf Config, heap allocator.BlockHeap, notifier pressure.Notifier) *Manager {
	m, err := NewManager(conf, heap, notifier)
	require.NoError(t, err)
	return m
}

func assertInvariantPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "should panic")
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.IsAssertionFailure(err))
	}()
	fn()
}

func TestFindPoolIndex(t *testing.T) {
	table := []struct {
		name     string
		sizes    []uint32
		value    uint32
		expected int
	}{
		{name: "single", sizes: []uint32{8}, value: 8, expected: 0},
		{name: "second", sizes: []uint32{8, 16}, value: 16, expected: 1},
		{name: "between", sizes: []uint32{8, 24}, value: 16, expected: -1},
		{name: "after", sizes: []uint32{8, 16}, value: 32, expected: -1},
		{name: "before", sizes: []uint32{8, 16}, value: 4, expected: -1},
		{name: "empty", sizes: nil, value: 8, expected: -1},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			assert.Equal(t, e.expected, findPoolIndex(e.sizes, e.value))
		})
	}
}

func TestNewManager_InvalidConfig(t *testing.T) {
	heap := newCountingHeap(t, 64)

	table := []struct {
		name     string
		conf     Config
		notifier pressure.Notifier
	}{
		{name: "zero", conf: Config{SizeClasses: []uint32{0}}},
		{name: "not-multiple-of-8", conf: Config{SizeClasses: []uint32{8, 12}}},
		{name: "duplicated", conf: Config{SizeClasses: []uint32{8, 16, 8}}},
		{name: "aggressive-without-notifier", conf: Config{
			SizeClasses:        []uint32{8},
			AggressivePressure: true,
		}},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			m, err := NewManager(e.conf, heap, e.notifier)
			assert.Error(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestNewManager_SizeClasses(t *testing.T) {
	heap := newCountingHeap(t, 64)

	table := []struct {
		name     string
		conf     Config
		expected []uint32
	}{
		{name: "default", conf: DefaultConfig(), expected: []uint32{8}},
		{name: "compressed-pointers", conf: Config{
			SizeClasses:        []uint32{8},
			CompressedPointers: true,
		}, expected: []uint32{8, 16}},
		{name: "compressed-pointers-listed", conf: Config{
			SizeClasses:        []uint32{16, 8},
			CompressedPointers: true,
		}, expected: []uint32{8, 16}},
		{name: "unsorted", conf: Config{
			SizeClasses: []uint32{32, 8, 24},
		}, expected: []uint32{8, 24, 32}},
		{name: "empty", conf: Config{}, expected: []uint32{8}},
		{name: "small-class-always-active", conf: Config{
			SizeClasses: []uint32{32},
		}, expected: []uint32{8, 32}},
		{name: "compressed-pointers-only", conf: Config{
			CompressedPointers: true,
		}, expected: []uint32{8, 16}},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			m := newTestManager(t, e.conf, heap, nil)
			assert.Equal(t, e.expected, m.SizeClasses())
			assert.Equal(t, len(e.expected), len(m.Stats()))
		})
	}
}

func TestManager_UnknownSizeClass(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), newCountingHeap(t, 64), nil)

	assertInvariantPanic(t, func() {
		_, _ = m.Alloc(SizeClass16)
	})
	assertInvariantPanic(t, func() {
		m.Free(SizeClass16, 0)
	})
	assertInvariantPanic(t, func() {
		m.FreeLen(24)
	})
}

func TestManager_Scenario(t *testing.T) {
	heap := newCountingHeap(t, 64)
	m := newTestManager(t, DefaultConfig(), heap, nil)

	x, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	assert.Equal(t, []uint32{8}, heap.requests)
	assert.Equal(t, 0, m.FreeLen(SizeClass8))

	m.Free(SizeClass8, x)
	assert.Equal(t, 1, m.FreeLen(SizeClass8))

	y, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	assert.Equal(t, x, y)
	assert.Equal(t, 1, len(heap.requests))
	assert.Equal(t, 0, m.FreeLen(SizeClass8))

	m.Free(SizeClass8, y)
	assert.Equal(t, 1, m.CollectEmpty())
	assert.Equal(t, []allocator.Block{x}, heap.releases)
	assert.Equal(t, 0, m.FreeLen(SizeClass8))

	assert.NotPanics(t, m.Finalize)
	assert.Equal(t, uint64(0), heap.Stats().Allocated)
}

func TestManager_LIFO(t *testing.T) {
	heap := newCountingHeap(t, 1024)
	m := newTestManager(t, DefaultConfig(), heap, nil)

	var chunks []Chunk
	for i := 0; i < 4; i++ {
		c, err := m.Alloc(SizeClass8)
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	for _, c := range chunks {
		m.Free(SizeClass8, c)
	}

	requests := len(heap.requests)
	for i := len(chunks) - 1; i >= 0; i-- {
		c, err := m.Alloc(SizeClass8)
		require.NoError(t, err)
		assert.Equal(t, chunks[i], c)
	}
	assert.Equal(t, requests, len(heap.requests))
}

func TestManager_AggressivePressure(t *testing.T) {
	heap := newCountingHeap(t, 1024)
	notifier := &countingNotifier{}
	m := newTestManager(t, Config{
		SizeClasses:        []uint32{8, 16},
		AggressivePressure: true,
	}, heap, notifier)

	a, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	m.Free(SizeClass8, a)

	_, err = m.Alloc(SizeClass8) // from the free list
	require.NoError(t, err)
	_, err = m.Alloc(SizeClass16) // from the heap
	require.NoError(t, err)

	assert.Equal(t, []pressure.Severity{
		pressure.SeverityHigh, pressure.SeverityHigh, pressure.SeverityHigh,
	}, notifier.severities)

	m.Free(SizeClass8, a)
	m.CollectEmpty()
	assert.Equal(t, 3, len(notifier.severities), "only Alloc notifies")
}

func TestManager_AggressivePressure_Disabled(t *testing.T) {
	heap := newCountingHeap(t, 8)
	notifier := &countingNotifier{}
	m := newTestManager(t, DefaultConfig(), heap, notifier)

	a, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	_, err = m.Alloc(SizeClass8)
	assert.Error(t, err)
	m.Free(SizeClass8, a)
	_, err = m.Alloc(SizeClass8)
	require.NoError(t, err)

	assert.Equal(t, 0, len(notifier.severities))
}

func TestManager_OutOfMemory(t *testing.T) {
	heap := newCountingHeap(t, 16)
	m := newTestManager(t, DefaultConfig(), heap, nil)

	for i := 0; i < 2; i++ {
		_, err := m.Alloc(SizeClass8)
		require.NoError(t, err)
	}

	c, err := m.Alloc(SizeClass8)
	assert.True(t, errors.Is(err, allocator.ErrOutOfMemory))
	assert.Equal(t, NullChunk, c)
	assert.Equal(t, 3, len(heap.requests), "no retry")
	assert.Equal(t, uint64(1), m.Stats()[0].Failures)
}

func TestManager_RoundTrip_IndependentClasses(t *testing.T) {
	heap := newCountingHeap(t, 1024)
	m := newTestManager(t, Config{
		SizeClasses:        []uint32{SizeClass8},
		CompressedPointers: true,
	}, heap, nil)

	var wide []Chunk
	for i := 0; i < 3; i++ {
		c, err := m.Alloc(SizeClass16)
		require.NoError(t, err)
		wide = append(wide, c)
	}
	m.Free(SizeClass16, wide[0])
	m.Free(SizeClass16, wide[2])

	c, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	m.Free(SizeClass8, c)

	assert.Equal(t, 1, m.FreeLen(SizeClass8))
	assert.Equal(t, 2, m.FreeLen(SizeClass16))
}

func TestManager_Bytes(t *testing.T) {
	heap := newCountingHeap(t, 1024)
	m := newTestManager(t, Config{SizeClasses: []uint32{8, 16}}, heap, nil)

	a, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	b, err := m.Alloc(SizeClass16)
	require.NoError(t, err)

	assert.Equal(t, 8, len(m.Bytes(SizeClass8, a)))
	assert.Equal(t, 16, len(m.Bytes(SizeClass16, b)))

	copy(m.Bytes(SizeClass8, a), "12345678")
	copy(m.Bytes(SizeClass16, b), "abcdefghijklmnop")
	assert.Equal(t, "12345678", string(m.Bytes(SizeClass8, a)))
	assert.Equal(t, "abcdefghijklmnop", string(m.Bytes(SizeClass16, b)))
}

func TestManager_Reclaim(t *testing.T) {
	heap := newCountingHeap(t, 1024)
	m := newTestManager(t, Config{SizeClasses: []uint32{8, 16}}, heap, nil)

	a, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	b, err := m.Alloc(SizeClass16)
	require.NoError(t, err)
	live, err := m.Alloc(SizeClass8)
	require.NoError(t, err)

	m.Free(SizeClass8, a)
	m.Free(SizeClass16, b)

	m.Reclaim(pressure.SeverityLow)
	assert.Equal(t, 0, m.FreeLen(SizeClass8))
	assert.Equal(t, 0, m.FreeLen(SizeClass16))
	assert.ElementsMatch(t, []allocator.Block{a, b}, heap.releases)
	assert.Equal(t, uint64(8), heap.Stats().Allocated)

	m.Free(SizeClass8, live)
	assert.NotPanics(t, m.Finalize)
	assert.Equal(t, uint64(0), heap.Stats().Allocated)
}

func TestManager_Poisoning(t *testing.T) {
	heap := newCountingHeap(t, 1024)
	m := newTestManager(t, Config{
		SizeClasses: []uint32{8},
		Poisoning:   true,
	}, heap, nil)

	c, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	m.Free(SizeClass8, c)

	assert.Equal(t, allocator.PoisonByte, m.Bytes(SizeClass8, c)[7])

	m.Bytes(SizeClass8, c)[5] = 0
	assertInvariantPanic(t, func() {
		_, _ = m.Alloc(SizeClass8)
	})
}

func TestManager_CustomDiagnostic(t *testing.T) {
	san := allocator.NewSanitizer()
	m := newTestManager(t, Config{
		SizeClasses: []uint32{8},
		Diagnostic:  san,
	}, newCountingHeap(t, 1024), nil)

	c, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	m.Free(SizeClass8, c)
	assert.Equal(t, 1, san.Parked())

	assertInvariantPanic(t, func() {
		m.Free(SizeClass8, c)
	})
}

func TestManager_Poisoning_WrongSizeClass(t *testing.T) {
	heap := newCountingHeap(t, 1024)
	m := newTestManager(t, Config{
		SizeClasses: []uint32{SizeClass8, SizeClass16},
		Poisoning:   true,
	}, heap, nil)

	a, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	b, err := m.Alloc(SizeClass8)
	require.NoError(t, err)
	assert.Equal(t, a+8, b)
	copy(m.Bytes(SizeClass8, b), "livedata")

	assertInvariantPanic(t, func() {
		m.Free(SizeClass16, a)
	})
	assert.Equal(t, "livedata", string(m.Bytes(SizeClass8, b)))
}
