// Package devicetest provides an in-memory allocator that stands in for the
// accelerator in tests, so device-routed code paths run without hardware.
package devicetest

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/karst-ml/karst/internal/device"
)

// Fake implements device.Allocator with plain host memory. It records every
// allocate, release, and copy so tests can assert on lifecycle behavior.
type Fake struct {
	dev device.Type

	mu       sync.Mutex
	live     map[uintptr][]byte
	allocs   int
	releases int
	copies   []device.CopyDirection

	// FailAllocs makes every subsequent Allocate return an error wrapping
	// device.ErrAllocation.
	FailAllocs bool
}

func New(dev device.Type) *Fake {
	return &Fake{dev: dev, live: make(map[uintptr][]byte)}
}

func (f *Fake) Device() device.Type { return f.dev }

func (f *Fake) Allocate(n int) (unsafe.Pointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAllocs {
		return nil, fmt.Errorf("%w: fake allocator refused %d bytes", device.ErrAllocation, n)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: size must be > 0, got %d", device.ErrAllocation, n)
	}
	b := make([]byte, n)
	p := unsafe.Pointer(&b[0])
	f.live[uintptr(p)] = b
	f.allocs++
	return p, nil
}

func (f *Fake) Release(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[uintptr(p)]; !ok {
		return fmt.Errorf("%w: %#x", device.ErrUnknownPointer, uintptr(p))
	}
	delete(f.live, uintptr(p))
	f.releases++
	return nil
}

func (f *Fake) Memcpy(dst, src unsafe.Pointer, n int, dir device.CopyDirection) error {
	if n <= 0 {
		return nil
	}
	if dst == nil || src == nil {
		return fmt.Errorf("fake memcpy: nil pointer")
	}
	f.mu.Lock()
	f.copies = append(f.copies, dir)
	f.mu.Unlock()
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
	return nil
}

// Allocs reports how many allocations succeeded.
func (f *Fake) Allocs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocs
}

// Releases reports how many releases succeeded.
func (f *Fake) Releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

// Live reports how many allocations are still outstanding.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Copies returns the transfer directions seen so far, in order.
func (f *Fake) Copies() []device.CopyDirection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]device.CopyDirection, len(f.copies))
	copy(out, f.copies)
	return out
}
