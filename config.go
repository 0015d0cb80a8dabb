package poolman

import (
	"log/slog"
	"sort"

	"github.com/QuangTung97/poolman/allocator"
	"github.com/cockroachdb/errors"
)

const (
	// SizeClass8 is the chunk size used for most records.
	SizeClass8 uint32 = 8

	// SizeClass16 holds records that need room for uncompressed pointers.
	SizeClass16 uint32 = 16
)

// Config ...
type Config struct {
	// SizeClasses lists extra chunk sizes, each a multiple of 8.
	// SizeClass8 is always active.
	SizeClasses []uint32

	// CompressedPointers activates SizeClass16 in addition to SizeClasses.
	CompressedPointers bool

	// AggressivePressure notifies the pressure chain with high severity
	// before every allocation.
	AggressivePressure bool

	// Poisoning installs an allocator.Sanitizer on every pool.
	Poisoning bool

	// Diagnostic overrides the diagnostic chosen by Poisoning and build tags.
	Diagnostic allocator.Diagnostic

	Logger *slog.Logger
}

// DefaultConfig returns a config with only SizeClass8 active.
func DefaultConfig() Config {
	return Config{
		SizeClasses: []uint32{SizeClass8},
	}
}

func (c Config) activeSizeClasses() []uint32 {
	sizes := make([]uint32, 0, len(c.SizeClasses)+2)
	sizes = append(sizes, c.SizeClasses...)
	if !containsSize(sizes, SizeClass8) {
		sizes = append(sizes, SizeClass8)
	}
	if c.CompressedPointers && !containsSize(sizes, SizeClass16) {
		sizes = append(sizes, SizeClass16)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}

func (c Config) diagnostic() allocator.Diagnostic {
	if c.Diagnostic != nil {
		return c.Diagnostic
	}
	if c.Poisoning {
		return allocator.NewSanitizer()
	}
	return defaultDiagnostic()
}

func containsSize(sizes []uint32, size uint32) bool {
	for _, s := range sizes {
		if s == size {
			return true
		}
	}
	return false
}

func managerValidateConfig(sizes []uint32) error {
	for i, size := range sizes {
		if size == 0 || size%8 != 0 {
			return errors.Newf("size class %d is not a positive multiple of 8", size)
		}
		if i > 0 && sizes[i-1] == size {
			return errors.Newf("size class %d is duplicated", size)
		}
	}
	return nil
}
