package device

import (
	"errors"
	"sync"
	"unsafe"
)

var (
	ErrAllocation     = errors.New("device: allocation failed")
	ErrUnknownPointer = errors.New("device: pointer not owned by allocator")
	ErrNoAllocator    = errors.New("device: no allocator for device")
	ErrDirection      = errors.New("device: invalid copy direction")
	ErrDeviceUnset    = errors.New("device: device not set")
)

// Allocator hands out raw memory on one device and moves bytes between
// devices. Implementations must be safe for concurrent use.
type Allocator interface {
	Device() Type
	Allocate(n int) (unsafe.Pointer, error)
	Release(p unsafe.Pointer) error
	Memcpy(dst, src unsafe.Pointer, n int, dir CopyDirection) error
}

// Registry owns at most one allocator per device type. Allocators are
// constructed lazily on first request; tests may Register substitutes
// before anything asks for them.
type Registry struct {
	mu     sync.RWMutex
	allocs map[Type]Allocator
}

func NewRegistry() *Registry {
	return &Registry{allocs: make(map[Type]Allocator)}
}

// Register installs a, replacing any allocator already held for its device.
func (r *Registry) Register(a Allocator) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.allocs[a.Device()] = a
	r.mu.Unlock()
}

// For returns the allocator for t, constructing the built-in one on first
// use. Requesting a device this build cannot serve returns an error wrapping
// ErrNoAllocator.
func (r *Registry) For(t Type) (Allocator, error) {
	if t != CPU && t != CUDA {
		return nil, ErrDeviceUnset
	}
	r.mu.RLock()
	a := r.allocs[t]
	r.mu.RUnlock()
	if a != nil {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.allocs[t]; a != nil {
		return a, nil
	}
	var err error
	switch t {
	case CPU:
		a = newHost()
	case CUDA:
		a, err = newCUDA()
	}
	if err != nil {
		return nil, err
	}
	r.allocs[t] = a
	return a, nil
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry shared by everything that does
// not inject its own.
func Default() *Registry {
	return defaultRegistry
}
