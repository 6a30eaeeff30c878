//go:build !cuda

package device

import "fmt"

func newCUDA() (Allocator, error) {
	return nil, fmt.Errorf("%w: cuda support is not available in this build", ErrNoAllocator)
}
