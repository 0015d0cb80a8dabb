//go:build !unix

package allocator

import "github.com/cockroachdb/errors"

func newMmapArena(size int) (arena, error) {
	return arena{}, errors.Newf("mmap arena backing is not supported on this platform")
}
