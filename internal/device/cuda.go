//go:build cuda

package device

/*
#cgo LDFLAGS: -lcudart

// Minimal CUDA runtime forward declarations to avoid requiring headers at compile time.
// Linker will still require libcudart when building with the cuda tag.
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaDeviceSynchronize(void);

#define KARST_CUDA_MEMCPY_HOST_TO_HOST 0
#define KARST_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define KARST_CUDA_MEMCPY_DEVICE_TO_HOST 2
#define KARST_CUDA_MEMCPY_DEVICE_TO_DEVICE 3

static const char* karstCudaGetErrorString(cudaError_t err) {
	return cudaGetErrorString(err);
}

static int karstCudaMalloc(void** ptr, unsigned long long size) {
	cudaError_t err = cudaMalloc(ptr, size);
	return (int)err;
}

static int karstCudaFree(void* ptr) {
	cudaError_t err = cudaFree(ptr);
	return (int)err;
}

static int karstCudaMemcpy(void* dst, const void* src, unsigned long long size, int kind) {
	cudaError_t err = cudaMemcpy(dst, src, size, kind);
	return (int)err;
}

static int karstCudaDeviceSynchronize(void) {
	cudaError_t err = cudaDeviceSynchronize();
	return (int)err;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/karst-ml/karst/internal/metrics"
)

type cudaAllocator struct {
	mu   sync.Mutex
	live map[uintptr]int
}

func newCUDA() (Allocator, error) {
	return &cudaAllocator{live: make(map[uintptr]int)}, nil
}

func (c *cudaAllocator) Device() Type { return CUDA }

func (c *cudaAllocator) Allocate(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: device alloc size must be > 0, got %d", ErrAllocation, n)
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.karstCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(n))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	c.mu.Lock()
	c.live[uintptr(ptr)] = n
	c.mu.Unlock()

	metrics.DeviceBytesAllocated.Add(float64(n))
	return ptr, nil
}

func (c *cudaAllocator) Release(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	c.mu.Lock()
	n, ok := c.live[uintptr(p)]
	if ok {
		delete(c.live, uintptr(p))
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownPointer, uintptr(p))
	}
	if err := cudaErr(C.karstCudaFree(p)); err != nil {
		return err
	}
	metrics.DeviceBytesAllocated.Sub(float64(n))
	return nil
}

func (c *cudaAllocator) Memcpy(dst, src unsafe.Pointer, n int, dir CopyDirection) error {
	if n <= 0 {
		return nil
	}
	if dst == nil || src == nil {
		return fmt.Errorf("cuda memcpy: nil pointer")
	}
	var kind C.int
	switch dir {
	case CopyHostToHost:
		kind = C.KARST_CUDA_MEMCPY_HOST_TO_HOST
	case CopyHostToDevice:
		kind = C.KARST_CUDA_MEMCPY_HOST_TO_DEVICE
	case CopyDeviceToHost:
		kind = C.KARST_CUDA_MEMCPY_DEVICE_TO_HOST
	case CopyDeviceToDevice:
		kind = C.KARST_CUDA_MEMCPY_DEVICE_TO_DEVICE
	default:
		return fmt.Errorf("%w: %s", ErrDirection, dir)
	}
	if err := cudaErr(C.karstCudaMemcpy(dst, src, C.ulonglong(n), kind)); err != nil {
		return err
	}
	return cudaErr(C.karstCudaDeviceSynchronize())
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.karstCudaGetErrorString(C.cudaError_t(code)))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
