// Package checkpoint reads llama2-style binary model files: a fixed header
// followed by a flat stream of fp32 weights. The payload is memory-mapped
// read-only, and every weight handed out is a slice into that mapping, so
// nothing is copied and nothing is retained beyond the mapping itself.
package checkpoint

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/karst-ml/karst/internal/metrics"
)

// File owns one mapped model file: the descriptor, the mapping, and the fp32
// view past the header. Close releases all of it exactly once.
type File struct {
	path    string
	f       *os.File
	data    []byte
	weights []float32
	cfg     Config
	catalog *Catalog
	closed  bool
}

// Open reads the header, maps the whole file, and builds the weight catalog.
// The mapping is private and read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPathNotValid, err)
	}

	cfg, err := ReadConfig(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", ErrPathNotValid, err)
	}
	size64 := stat.Size()
	if size64 < headerSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: file is %d bytes, header needs %d", ErrParse, size64, headerSize)
	}
	if size64 > int64(int(^uint(0)>>1)) {
		// cannot index this file safely as []byte on this architecture.
		_ = f.Close()
		return nil, fmt.Errorf("%w: file too large to map", ErrParse)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: mmap: %w", ErrPathNotValid, err)
	}

	var weights []float32
	if n := (size - headerSize) / 4; n > 0 {
		weights = unsafe.Slice((*float32)(unsafe.Pointer(&data[headerSize])), n)
	}

	metrics.CheckpointMappedBytes.Add(float64(size))
	return &File{
		path:    path,
		f:       f,
		data:    data,
		weights: weights,
		cfg:     cfg,
		catalog: NewCatalog(cfg),
	}, nil
}

func (f *File) Config() Config { return f.cfg }

func (f *File) Catalog() *Catalog { return f.catalog }

func (f *File) Path() string { return f.path }

// MappedBytes is the size of the live mapping, zero once closed.
func (f *File) MappedBytes() int {
	if f.closed {
		return 0
	}
	return len(f.data)
}

// Weights returns n fp32 values starting at element offset off, as a view
// into the mapping. Requests past the end of the file fail instead of
// reading whatever lies there.
func (f *File) Weights(off int64, n int) ([]float32, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off+int64(n) > int64(len(f.weights)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d elements", ErrOutOfRange, off, off+int64(n), len(f.weights))
	}
	end := off + int64(n)
	return f.weights[off:end:end], nil
}

// WeightsFor fetches a named weight through the catalog.
func (f *File) WeightsFor(name string) ([]float32, Entry, error) {
	e, ok := f.catalog.Lookup(name)
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: no weight named %q", ErrOutOfRange, name)
	}
	ws, err := f.Weights(e.Offset, e.Elements())
	if err != nil {
		return nil, Entry{}, fmt.Errorf("weight %q: %w", name, err)
	}
	return ws, e, nil
}

// Close unmaps the payload and closes the descriptor. Calling it again is a
// no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	metrics.CheckpointMappedBytes.Sub(float64(len(f.data)))
	f.weights = nil

	err := unix.Munmap(f.data)
	f.data = nil
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	return err
}
