package allocator

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned when the heap cannot satisfy a request even
// after asking its reclaimer to free memory.
var ErrOutOfMemory = errors.New("allocator: out of memory")

// assertf halts on a broken allocator invariant. Continuing would operate on
// corrupted free lists.
func assertf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf(format, args...))
}
