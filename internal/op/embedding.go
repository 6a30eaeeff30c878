package op

import (
	"fmt"

	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/tensor"
)

// Embedding turns token ids into embedding rows: for each id it copies the
// matching row of the embedding table into the next row of the output.
//
// Weight 0 is the [vocab, dim] table. Input 0 holds the token ids as int32,
// input 1 is a dims-only tensor whose element count says how many of those
// ids to embed. Output 0 is the [rows, dim] destination; rows past the token
// count are left untouched. Table and output may live on different devices,
// the row copies route accordingly.
type Embedding struct {
	base
	dim       int
	seqLen    int
	vocabSize int
}

func NewEmbedding(dim, seqLen, vocabSize int) *Embedding {
	return &Embedding{
		base:      newBase("embedding", 1, 2, 1),
		dim:       dim,
		seqLen:    seqLen,
		vocabSize: vocabSize,
	}
}

func (e *Embedding) Forward() error {
	w, err := bound(e.weights, "weight", 0)
	if err != nil {
		return err
	}
	ids, err := bound(e.inputs, "input", 0)
	if err != nil {
		return err
	}
	num := e.inputs[1]
	if num == nil {
		return fmt.Errorf("%w: input 1", ErrMissingBinding)
	}
	out, err := bound(e.outputs, "output", 0)
	if err != nil {
		return err
	}

	if ids.DType() != tensor.Int32 {
		return fmt.Errorf("%w: token ids are %s, want int32", ErrInternal, ids.DType())
	}
	if ids.Device() == device.CUDA {
		return fmt.Errorf("%w: token ids must stay host resident", ErrInternal)
	}
	if w.DType() != tensor.Float32 || out.DType() != tensor.Float32 {
		return fmt.Errorf("%w: table and output must be fp32", ErrInternal)
	}
	if len(w.Dims()) != 2 || w.Dim(0) < e.vocabSize || w.Dim(1) != e.dim {
		return fmt.Errorf("%w: table shape %v, want [%d %d]", ErrInternal, w.Dims(), e.vocabSize, e.dim)
	}
	if len(out.Dims()) != 2 || out.Dim(1) != e.dim {
		return fmt.Errorf("%w: output shape %v, want rows of %d", ErrInternal, out.Dims(), e.dim)
	}

	n := num.NumElements()
	if n > ids.NumElements() || n > out.Dim(0) {
		return fmt.Errorf("%w: %d tokens exceed the bound tensors", ErrInternal, n)
	}

	rowBytes := e.dim * tensor.Float32.Size()
	tok := ids.Int32s()
	for i := 0; i < n; i++ {
		id := int(tok[i])
		if id < 0 || id >= e.vocabSize {
			return fmt.Errorf("%w: id %d at position %d, vocab %d", ErrTokenRange, id, i, e.vocabSize)
		}
		if err := tensor.CopyBytes(out.Buffer(), i*rowBytes, w.Buffer(), id*rowBytes, rowBytes); err != nil {
			return fmt.Errorf("embedding row %d: %w", i, err)
		}
	}
	return nil
}
