package model

import (
	"fmt"
	"time"

	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/metrics"
	"github.com/karst-ml/karst/internal/tensor"
)

// Encode turns text into token ids through the tokenizer façade. It works as
// soon as a tokenizer is present, which Init guarantees.
func (m *Model) Encode(text string) ([]int32, error) {
	if m.tok == nil {
		return nil, ErrNotInitialized
	}
	ids, err := m.tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	metrics.RecordEncode(len(ids))
	return ids, nil
}

// Forward writes the token ids into the input buffer and runs the embedding
// layer, filling the first len(tokens) rows of the embedding buffer. The
// activation buffers are sized once at Init, so a prompt longer than the
// header's sequence length is refused rather than truncated.
func (m *Model) Forward(tokens []int32, startPos int) error {
	if !m.inited {
		return ErrNotInitialized
	}
	if startPos < 0 || startPos >= m.cfg.SeqLen {
		return fmt.Errorf("%w: start position %d outside [0, %d)", ErrCapacity, startPos, m.cfg.SeqLen)
	}
	if len(tokens) > m.cfg.SeqLen {
		return fmt.Errorf("%w: %d tokens, %d activation slots", ErrCapacity, len(tokens), m.cfg.SeqLen)
	}

	ids, err := m.Buffer(BufInputTokens)
	if err != nil {
		return err
	}
	out, err := m.Buffer(BufInputEmbeddings)
	if err != nil {
		return err
	}

	copy(ids.Int32s(), tokens)
	count := tensor.New(tensor.Int32, len(tokens))

	if err := m.embedding.SetInput(0, ids); err != nil {
		return err
	}
	if err := m.embedding.SetInput(1, count); err != nil {
		return err
	}
	if err := m.embedding.SetOutput(0, out); err != nil {
		return err
	}

	start := time.Now()
	if err := m.embedding.Forward(); err != nil {
		return fmt.Errorf("embedding forward: %w", err)
	}
	metrics.RecordForward(len(tokens), time.Since(start))
	m.log.Debug("forward pass", "tokens", len(tokens), "start_pos", startPos)
	return nil
}

// Embeddings copies the first n rows of the embedding buffer out as plain
// slices, fetching them back from the accelerator when that is where they
// live.
func (m *Model) Embeddings(n int) ([][]float32, error) {
	if !m.inited {
		return nil, ErrNotInitialized
	}
	if n < 0 || n > m.cfg.SeqLen {
		return nil, fmt.Errorf("%w: %d rows of %d", ErrCapacity, n, m.cfg.SeqLen)
	}
	if n == 0 {
		return nil, nil
	}
	out, err := m.Buffer(BufInputEmbeddings)
	if err != nil {
		return nil, err
	}

	var vals []float32
	if out.Device() == device.CUDA {
		hostAlloc, err := m.reg.For(device.CPU)
		if err != nil {
			return nil, err
		}
		scratch, err := tensor.NewAllocated(tensor.Float32, hostAlloc, n, m.cfg.Dim)
		if err != nil {
			return nil, err
		}
		defer func() { _ = scratch.Release() }()
		if err := tensor.CopyBytes(scratch.Buffer(), 0, out.Buffer(), 0, scratch.ByteSize()); err != nil {
			return nil, err
		}
		vals = scratch.Float32s()
	} else {
		vals = out.Float32s()[:n*m.cfg.Dim]
	}

	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, m.cfg.Dim)
		copy(row, vals[i*m.cfg.Dim:(i+1)*m.cfg.Dim])
		rows[i] = row
	}
	return rows, nil
}
