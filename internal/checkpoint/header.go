package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the fixed on-disk header: seven little-endian int32 fields.
const headerSize = 7 * 4

// Config is the decoded model header. VocabSize is always positive here; the
// on-disk sign trick that marks an unshared classifier is decoded once into
// SharedClassifier and never consulted again.
type Config struct {
	Dim        int
	HiddenDim  int
	NumLayers  int
	NumHeads   int
	NumKVHeads int
	VocabSize  int
	SeqLen     int

	SharedClassifier bool
}

// HeadSize is the per-head embedding width.
func (c Config) HeadSize() int {
	return c.Dim / c.NumHeads
}

func (c Config) validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"dim", c.Dim},
		{"hidden_dim", c.HiddenDim},
		{"n_layers", c.NumLayers},
		{"n_heads", c.NumHeads},
		{"n_kv_heads", c.NumKVHeads},
		{"vocab_size", c.VocabSize},
		{"seq_len", c.SeqLen},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return fmt.Errorf("%w: header field %s = %d", ErrParse, f.name, f.value)
		}
	}
	if c.Dim%c.NumHeads != 0 {
		return fmt.Errorf("%w: dim %d not divisible by n_heads %d", ErrParse, c.Dim, c.NumHeads)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("%w: n_heads %d not divisible by n_kv_heads %d", ErrParse, c.NumHeads, c.NumKVHeads)
	}
	return nil
}

// ReadConfig decodes the header from r.
func ReadConfig(r io.Reader) (Config, error) {
	var raw struct {
		Dim        int32
		HiddenDim  int32
		NumLayers  int32
		NumHeads   int32
		NumKVHeads int32
		VocabSize  int32
		SeqLen     int32
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: reading header: %w", ErrParse, err)
	}

	// A negative vocab size marks a model whose classifier weights are
	// stored separately from the token embedding table.
	shared := raw.VocabSize > 0
	if !shared {
		raw.VocabSize = -raw.VocabSize
	}

	cfg := Config{
		Dim:              int(raw.Dim),
		HiddenDim:        int(raw.HiddenDim),
		NumLayers:        int(raw.NumLayers),
		NumHeads:         int(raw.NumHeads),
		NumKVHeads:       int(raw.NumKVHeads),
		VocabSize:        int(raw.VocabSize),
		SeqLen:           int(raw.SeqLen),
		SharedClassifier: shared,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
