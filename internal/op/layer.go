// Package op holds the forward-computation layers. A layer declares numbered
// weight, input, and output slots, gets tensors bound into them, and computes
// its outputs from its inputs on Forward.
package op

import (
	"errors"
	"fmt"

	"github.com/karst-ml/karst/internal/tensor"
)

var (
	ErrSlotRange      = errors.New("op: slot out of range")
	ErrMissingBinding = errors.New("op: missing binding")
	ErrInternal       = errors.New("op: internal error")
	ErrTokenRange     = errors.New("op: token id out of range")
)

// Layer is a single forward-computation unit.
type Layer interface {
	Name() string
	Forward() error
}

// base carries the slot bookkeeping every layer shares. Slot counts are fixed
// at construction; binding outside them is rejected, never grown over.
type base struct {
	name    string
	weights []*tensor.Tensor
	inputs  []*tensor.Tensor
	outputs []*tensor.Tensor
}

func newBase(name string, weightSlots, inputSlots, outputSlots int) base {
	return base{
		name:    name,
		weights: make([]*tensor.Tensor, weightSlots),
		inputs:  make([]*tensor.Tensor, inputSlots),
		outputs: make([]*tensor.Tensor, outputSlots),
	}
}

func (b *base) Name() string { return b.name }

func (b *base) SetWeight(i int, t *tensor.Tensor) error {
	if i < 0 || i >= len(b.weights) {
		return fmt.Errorf("%w: weight %d of %d", ErrSlotRange, i, len(b.weights))
	}
	b.weights[i] = t
	return nil
}

// SetWeightData binds weight slot i to a non-owning view over data, shaped
// dims. The data is not copied; it usually lives inside a checkpoint mapping.
func (b *base) SetWeightData(i int, data []float32, dims ...int) error {
	t, err := tensor.FromFloat32s(data, dims...)
	if err != nil {
		return err
	}
	return b.SetWeight(i, t)
}

func (b *base) Weight(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= len(b.weights) {
		return nil, fmt.Errorf("%w: weight %d of %d", ErrSlotRange, i, len(b.weights))
	}
	return b.weights[i], nil
}

func (b *base) SetInput(i int, t *tensor.Tensor) error {
	if i < 0 || i >= len(b.inputs) {
		return fmt.Errorf("%w: input %d of %d", ErrSlotRange, i, len(b.inputs))
	}
	b.inputs[i] = t
	return nil
}

func (b *base) Input(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= len(b.inputs) {
		return nil, fmt.Errorf("%w: input %d of %d", ErrSlotRange, i, len(b.inputs))
	}
	return b.inputs[i], nil
}

func (b *base) SetOutput(i int, t *tensor.Tensor) error {
	if i < 0 || i >= len(b.outputs) {
		return fmt.Errorf("%w: output %d of %d", ErrSlotRange, i, len(b.outputs))
	}
	b.outputs[i] = t
	return nil
}

func (b *base) Output(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= len(b.outputs) {
		return nil, fmt.Errorf("%w: output %d of %d", ErrSlotRange, i, len(b.outputs))
	}
	return b.outputs[i], nil
}

// bound fetches the tensor in a slot, requiring it to be present and backed
// by live memory.
func bound(ts []*tensor.Tensor, kind string, i int) (*tensor.Tensor, error) {
	t := ts[i]
	if t == nil || t.Buffer() == nil || t.Buffer().Ptr() == nil {
		return nil, fmt.Errorf("%w: %s %d", ErrMissingBinding, kind, i)
	}
	return t, nil
}
