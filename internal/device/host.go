package device

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/karst-ml/karst/internal/metrics"
)

// hostAllocator backs allocations with Go byte slices. The live map pins
// each slice so the runtime cannot collect it while raw pointers to it are
// held elsewhere.
type hostAllocator struct {
	mu   sync.Mutex
	live map[uintptr][]byte
}

func newHost() *hostAllocator {
	return &hostAllocator{live: make(map[uintptr][]byte)}
}

func (h *hostAllocator) Device() Type { return CPU }

func (h *hostAllocator) Allocate(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: host alloc size must be > 0, got %d", ErrAllocation, n)
	}
	b := make([]byte, n)
	p := unsafe.Pointer(&b[0])

	h.mu.Lock()
	h.live[uintptr(p)] = b
	h.mu.Unlock()

	metrics.HostBytesAllocated.Add(float64(n))
	return p, nil
}

func (h *hostAllocator) Release(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	h.mu.Lock()
	b, ok := h.live[uintptr(p)]
	if ok {
		delete(h.live, uintptr(p))
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownPointer, uintptr(p))
	}
	metrics.HostBytesAllocated.Sub(float64(len(b)))
	return nil
}

func (h *hostAllocator) Memcpy(dst, src unsafe.Pointer, n int, dir CopyDirection) error {
	if dir != CopyHostToHost {
		return fmt.Errorf("%w: host allocator cannot perform %s", ErrDirection, dir)
	}
	if n <= 0 {
		return nil
	}
	if dst == nil || src == nil {
		return fmt.Errorf("host memcpy: nil pointer")
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
	return nil
}
