package tensor

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/karst-ml/karst/internal/device"
)

// Tensor is a typed, shaped view over a Buffer. The buffer reference is
// shared: binding retains it, Release and rebinding drop it.
type Tensor struct {
	dims  []int
	dtype DataType
	buf   *Buffer
}

// New builds a tensor with no backing memory. Allocate or Bind attaches some.
func New(dt DataType, dims ...int) *Tensor {
	return &Tensor{dims: dims, dtype: dt}
}

// NewAllocated builds a tensor and immediately allocates its storage.
func NewAllocated(dt DataType, alloc device.Allocator, dims ...int) (*Tensor, error) {
	t := New(dt, dims...)
	if err := t.Allocate(alloc); err != nil {
		return nil, err
	}
	return t, nil
}

// FromFloat32s wraps an existing host slice as an fp32 tensor without copying
// or taking ownership. The product of dims must not exceed len(data).
func FromFloat32s(data []float32, dims ...int) (*Tensor, error) {
	t := New(Float32, dims...)
	need := t.NumElements()
	if need > len(data) {
		return nil, fmt.Errorf("%w: need %d elements, have %d", ErrBufferSize, need, len(data))
	}
	var p unsafe.Pointer
	if len(data) > 0 {
		p = unsafe.Pointer(&data[0])
	}
	b := Wrap(p, need*Float32.Size())
	b.SetDevice(device.CPU)
	t.buf = b
	return t, nil
}

// FromInt32s wraps an existing host slice as an int32 tensor without copying
// or taking ownership.
func FromInt32s(data []int32, dims ...int) (*Tensor, error) {
	t := New(Int32, dims...)
	need := t.NumElements()
	if need > len(data) {
		return nil, fmt.Errorf("%w: need %d elements, have %d", ErrBufferSize, need, len(data))
	}
	var p unsafe.Pointer
	if len(data) > 0 {
		p = unsafe.Pointer(&data[0])
	}
	b := Wrap(p, need*Int32.Size())
	b.SetDevice(device.CPU)
	t.buf = b
	return t, nil
}

// NumElements is the product of the dims. A tensor with no dims holds
// nothing.
func (t *Tensor) NumElements() int {
	if len(t.dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// ByteSize is the storage the tensor's elements need.
func (t *Tensor) ByteSize() int {
	return t.NumElements() * t.dtype.Size()
}

// Dims returns the shape. Callers must not modify it.
func (t *Tensor) Dims() []int { return t.dims }

func (t *Tensor) Dim(i int) int { return t.dims[i] }

func (t *Tensor) DType() DataType { return t.dtype }

func (t *Tensor) Buffer() *Buffer { return t.buf }

func (t *Tensor) Device() device.Type {
	if t.buf == nil {
		return device.Unset
	}
	return t.buf.Device()
}

// SetDevice tags the backing buffer. Mandatory after binding wrapped memory
// whose residency the tensor cannot know.
func (t *Tensor) SetDevice(d device.Type) {
	if t.buf != nil {
		t.buf.SetDevice(d)
	}
}

// Allocate gives the tensor fresh owning storage from alloc, dropping any
// buffer it held before.
func (t *Tensor) Allocate(alloc device.Allocator) error {
	ne := t.NumElements()
	width := t.dtype.Size()
	if width == 0 {
		return fmt.Errorf("tensor: cannot allocate dtype %s", t.dtype)
	}
	if ne <= 0 || ne > math.MaxInt/width {
		return fmt.Errorf("%w: bad element count %d", device.ErrAllocation, ne)
	}
	b, err := NewBuffer(ne*width, alloc)
	if err != nil {
		return err
	}
	if t.buf != nil {
		if err := t.buf.Release(); err != nil {
			_ = b.Release()
			return err
		}
	}
	t.buf = b
	return nil
}

// Bind attaches an existing buffer, retaining it. The buffer must be large
// enough for the tensor's elements.
func (t *Tensor) Bind(b *Buffer) error {
	if b == nil {
		return ErrNilBuffer
	}
	if b.Size() < t.ByteSize() {
		return fmt.Errorf("%w: need %d bytes, buffer has %d", ErrBufferSize, t.ByteSize(), b.Size())
	}
	b.Retain()
	if t.buf != nil {
		if err := t.buf.Release(); err != nil {
			return err
		}
	}
	t.buf = b
	return nil
}

// Release drops the tensor's buffer reference.
func (t *Tensor) Release() error {
	if t.buf == nil {
		return nil
	}
	b := t.buf
	t.buf = nil
	return b.Release()
}

// Int32s views the elements as int32. The tensor must be host-resident and
// typed int32; anything else is a programming error.
func (t *Tensor) Int32s() []int32 {
	t.checkView(Int32)
	return unsafe.Slice((*int32)(t.buf.Ptr()), t.NumElements())
}

// Float32s views the elements as float32 under the same rules as Int32s.
func (t *Tensor) Float32s() []float32 {
	t.checkView(Float32)
	return unsafe.Slice((*float32)(t.buf.Ptr()), t.NumElements())
}

func (t *Tensor) checkView(want DataType) {
	if t.buf == nil || t.buf.Ptr() == nil {
		panic("tensor: view of unbound tensor")
	}
	if t.dtype != want {
		panic(fmt.Sprintf("tensor: %s view of %s tensor", want, t.dtype))
	}
	if t.buf.Device() == device.CUDA {
		panic("tensor: host view of device memory")
	}
}
