package tokenizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Piece is one vocabulary entry in writing order; its id is its position.
type Piece struct {
	Text  string
	Score float32
}

// Write encodes a vocabulary in the wire format Parse reads.
func Write(w io.Writer, maxTokenLen int32, pieces []Piece) error {
	if err := binary.Write(w, binary.LittleEndian, maxTokenLen); err != nil {
		return err
	}
	for _, p := range pieces {
		if err := binary.Write(w, binary.LittleEndian, p.Score); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(len(p.Text))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(p.Text)); err != nil {
			return err
		}
	}
	return nil
}

// Save writes a vocabulary file to disk. Mostly useful for fixtures and
// tooling.
func Save(path string, maxTokenLen int32, pieces []Piece) (err error) {
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
	if err := Write(bw, maxTokenLen, pieces); err != nil {
		return err
	}
	return bw.Flush()
}
