package model

import (
	"errors"
	"fmt"

	"github.com/karst-ml/karst/internal/tensor"
)

var (
	ErrBufferExists   = errors.New("model: buffer id already registered")
	ErrBufferNotFound = errors.New("model: no buffer registered under id")
)

// BufferID names a pre-allocated activation buffer in the model's registry.
type BufferID int

const (
	BufInputTokens BufferID = iota
	BufInputEmbeddings
)

func (id BufferID) String() string {
	switch id {
	case BufInputTokens:
		return "input_tokens"
	case BufInputEmbeddings:
		return "input_embeddings"
	default:
		return fmt.Sprintf("buffer(%d)", int(id))
	}
}

// InsertBuffer registers t under id. The registry takes over one reference to
// the tensor's buffer and releases it when the model closes; callers that
// keep using the tensor independently must Retain its buffer first. Each id
// is registered at most once.
func (m *Model) InsertBuffer(id BufferID, t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("model: nil tensor for %s", id)
	}
	if _, ok := m.buffers[id]; ok {
		return fmt.Errorf("%w: %s", ErrBufferExists, id)
	}
	m.buffers[id] = t
	return nil
}

// Buffer looks up a registered activation buffer.
func (m *Model) Buffer(id BufferID) (*tensor.Tensor, error) {
	t, ok := m.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, id)
	}
	return t, nil
}
