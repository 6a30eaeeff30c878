// Package tensor provides the buffer and tensor types the runtime computes
// on: reference-counted device-tagged memory plus typed shaped views over it.
package tensor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/metrics"
)

var (
	ErrReleased   = errors.New("tensor: buffer already released")
	ErrNilBuffer  = errors.New("tensor: nil buffer")
	ErrBufferSize = errors.New("tensor: buffer too small")
)

// Buffer is a run of bytes on one device. An owning buffer was handed out by
// an allocator and is returned to it exactly once, when the last reference is
// released. An external buffer wraps memory the runtime does not own (a
// checkpoint mapping, a caller's slice) and is never freed here.
type Buffer struct {
	ptr      unsafe.Pointer
	size     int
	dev      device.Type
	alloc    device.Allocator
	external bool
	refs     atomic.Int32
}

// NewBuffer allocates n bytes from alloc and returns an owning buffer with a
// single reference.
func NewBuffer(n int, alloc device.Allocator) (*Buffer, error) {
	if alloc == nil {
		return nil, fmt.Errorf("tensor: owning buffer needs an allocator")
	}
	p, err := alloc.Allocate(n)
	if err != nil {
		return nil, err
	}
	b := &Buffer{ptr: p, size: n, dev: alloc.Device(), alloc: alloc}
	b.refs.Store(1)
	return b, nil
}

// Wrap returns an external buffer over memory owned elsewhere. The device is
// Unset until SetDevice is called; copies involving the buffer fail before
// that.
func Wrap(p unsafe.Pointer, n int) *Buffer {
	b := &Buffer{ptr: p, size: n, dev: device.Unset, external: true}
	b.refs.Store(1)
	return b
}

func (b *Buffer) Ptr() unsafe.Pointer { return b.ptr }

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Device() device.Type { return b.dev }

func (b *Buffer) External() bool { return b.external }

func (b *Buffer) SetDevice(d device.Type) { b.dev = d }

// Retain adds a reference. Every Retain needs a matching Release.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release drops one reference. When the last reference goes, owning memory is
// returned to its allocator; external memory is left alone.
func (b *Buffer) Release() error {
	n := b.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return ErrReleased
	}
	if b.external || b.alloc == nil {
		b.ptr = nil
		return nil
	}
	err := b.alloc.Release(b.ptr)
	b.ptr = nil
	return err
}

// Bytes returns the buffer contents as a byte slice. Only host memory can be
// viewed this way; calling it on device memory is a programming error.
func (b *Buffer) Bytes() []byte {
	if b.dev == device.CUDA {
		panic("tensor: byte view of device memory")
	}
	if b.ptr == nil || b.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// CopyFrom copies min(len(b), len(src)) bytes from src into b. The transfer
// direction follows from the two device tags; device-touching copies go
// through the accelerator's allocator.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src == nil {
		return ErrNilBuffer
	}
	n := b.size
	if src.size < n {
		n = src.size
	}
	return CopyBytes(b, 0, src, 0, n)
}

// CopyBytes copies n bytes from src at byte offset srcOff into dst at byte
// offset dstOff. Both ranges must lie inside their buffers; the transfer is
// routed the same way CopyFrom routes.
func CopyBytes(dst *Buffer, dstOff int, src *Buffer, srcOff, n int) error {
	if dst == nil || src == nil {
		return ErrNilBuffer
	}
	if dst.ptr == nil || src.ptr == nil {
		return ErrReleased
	}
	if n < 0 || dstOff < 0 || srcOff < 0 || dstOff+n > dst.size || srcOff+n > src.size {
		return fmt.Errorf("%w: %d bytes at dst+%d/%d src+%d/%d",
			ErrBufferSize, n, dstOff, dst.size, srcOff, src.size)
	}
	if n == 0 {
		return nil
	}
	dir, err := device.DirectionOf(dst.dev, src.dev)
	if err != nil {
		return err
	}
	a, err := dst.copyAllocator(src, dir)
	if err != nil {
		return err
	}
	if err := a.Memcpy(unsafe.Add(dst.ptr, dstOff), unsafe.Add(src.ptr, srcOff), n, dir); err != nil {
		return err
	}
	metrics.RecordCopy(dir.String())
	return nil
}

// copyAllocator picks who performs the transfer: the host side can only move
// host memory, so any direction touching a device routes to an allocator that
// lives there.
func (b *Buffer) copyAllocator(src *Buffer, dir device.CopyDirection) (device.Allocator, error) {
	if dir == device.CopyHostToHost {
		if b.alloc != nil {
			return b.alloc, nil
		}
		if src.alloc != nil {
			return src.alloc, nil
		}
		return device.Default().For(device.CPU)
	}
	if b.alloc != nil && b.alloc.Device() == device.CUDA {
		return b.alloc, nil
	}
	if src.alloc != nil && src.alloc.Device() == device.CUDA {
		return src.alloc, nil
	}
	return device.Default().For(device.CUDA)
}
