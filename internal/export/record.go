// Package export ships embedding batches to an Arrow Flight endpoint.
package export

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	ErrEmptyBatch = errors.New("export: empty batch")
	ErrRagged     = errors.New("export: ragged batch")
)

// Batch is one group of embedding rows headed for the sink. IDs are
// optional; when present there must be one per vector.
type Batch struct {
	IDs     []string
	Vectors [][]float32
}

func (b Batch) validate() (dim int, err error) {
	if len(b.Vectors) == 0 {
		return 0, ErrEmptyBatch
	}
	if len(b.IDs) != 0 && len(b.IDs) != len(b.Vectors) {
		return 0, fmt.Errorf("%w: %d ids for %d vectors", ErrRagged, len(b.IDs), len(b.Vectors))
	}
	dim = len(b.Vectors[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: zero-width vectors", ErrRagged)
	}
	for i, v := range b.Vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has %d values, want %d", ErrRagged, i, len(v), dim)
		}
	}
	return dim, nil
}

// Schema describes a batch on the wire: a fixed-width embedding vector plus
// a row id.
func Schema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "embedding", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		{Name: "id", Type: arrow.BinaryTypes.String},
	}, nil)
}

// NewRecord builds one Arrow record from the batch. Rows without an id get
// an empty string. The caller releases the record.
func NewRecord(mem memory.Allocator, b Batch) (arrow.Record, error) {
	dim, err := b.validate()
	if err != nil {
		return nil, err
	}

	bld := array.NewRecordBuilder(mem, Schema(dim))
	defer bld.Release()

	vecs := bld.Field(0).(*array.FixedSizeListBuilder)
	vals := vecs.ValueBuilder().(*array.Float32Builder)
	ids := bld.Field(1).(*array.StringBuilder)
	for i, v := range b.Vectors {
		vecs.Append(true)
		vals.AppendValues(v, nil)
		if len(b.IDs) > 0 {
			ids.Append(b.IDs[i])
		} else {
			ids.Append("")
		}
	}
	return bld.NewRecord(), nil
}
