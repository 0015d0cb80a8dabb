//go:build debug

package poolman

import "github.com/QuangTung97/poolman/allocator"

func defaultDiagnostic() allocator.Diagnostic {
	return allocator.NewSanitizer()
}
