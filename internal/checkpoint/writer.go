package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WriteConfig encodes cfg in on-disk form. An unshared classifier is stored
// as a negated vocab size, undoing what ReadConfig decodes.
func WriteConfig(w io.Writer, cfg Config) error {
	vocab := int32(cfg.VocabSize)
	if !cfg.SharedClassifier {
		vocab = -vocab
	}
	raw := struct {
		Dim        int32
		HiddenDim  int32
		NumLayers  int32
		NumHeads   int32
		NumKVHeads int32
		VocabSize  int32
		SeqLen     int32
	}{
		Dim:        int32(cfg.Dim),
		HiddenDim:  int32(cfg.HiddenDim),
		NumLayers:  int32(cfg.NumLayers),
		NumHeads:   int32(cfg.NumHeads),
		NumKVHeads: int32(cfg.NumKVHeads),
		VocabSize:  vocab,
		SeqLen:     int32(cfg.SeqLen),
	}
	return binary.Write(w, binary.LittleEndian, &raw)
}

// Create writes a complete model file: the header followed by the raw fp32
// payload. Mostly useful for tooling and fixtures; real checkpoints come out
// of training exporters.
func Create(path string, cfg Config, weights []float32) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPathNotValid, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if err := WriteConfig(bw, cfg); err != nil {
		return err
	}
	if len(weights) > 0 {
		if err := binary.Write(bw, binary.LittleEndian, weights); err != nil {
			return err
		}
	}
	return bw.Flush()
}
