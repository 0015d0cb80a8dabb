//go:build unix

package allocator

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func newMmapArena(size int) (arena, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return arena{}, errors.Wrapf(err, "cannot map %d bytes for heap arena", size)
	}
	return arena{
		data:    data,
		release: func() error { return unix.Munmap(data) },
	}, nil
}
