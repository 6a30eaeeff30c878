// Package tokenizer implements the binary vocabulary format that ships next
// to llama2-style checkpoints: a max-token-length prefix, then one record per
// piece holding its merge score, byte length, and bytes. Encoding starts from
// single bytes and greedily merges the best-scoring adjacent pair until no
// merge applies.
package tokenizer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	ErrPathNotValid = errors.New("tokenizer: path not valid")
	ErrParse        = errors.New("tokenizer: malformed vocabulary file")
	ErrEncode       = errors.New("tokenizer: unencodable input")
	ErrPieceRange   = errors.New("tokenizer: piece id out of range")
)

// Llama2 vocabularies keep their control pieces at fixed ids.
const (
	BOS int32 = 1
	EOS int32 = 2
)

// pieceLenLimit rejects nonsense record lengths in corrupt files.
const pieceLenLimit = 1 << 20

// Tokenizer is a loaded vocabulary. It is immutable after loading and safe
// for concurrent use.
type Tokenizer struct {
	pieces      []string
	scores      []float32
	index       map[string]int32
	maxTokenLen int
}

// Load reads a vocabulary file from disk.
func Load(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPathNotValid, err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads the vocabulary wire format from r. The format carries no piece
// count, so records are read until the stream ends; a record cut off halfway
// is a parse error.
func Parse(r io.Reader) (*Tokenizer, error) {
	br := bufio.NewReader(r)

	var maxTokenLen int32
	if err := binary.Read(br, binary.LittleEndian, &maxTokenLen); err != nil {
		return nil, fmt.Errorf("%w: reading max token length: %w", ErrParse, err)
	}

	t := &Tokenizer{
		index:       make(map[string]int32),
		maxTokenLen: int(maxTokenLen),
	}
	for {
		var score float32
		if err := binary.Read(br, binary.LittleEndian, &score); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: reading score: %w", ErrParse, err)
		}

		var pieceLen int32
		if err := binary.Read(br, binary.LittleEndian, &pieceLen); err != nil {
			return nil, fmt.Errorf("%w: reading piece length: %w", ErrParse, err)
		}
		if pieceLen < 0 || pieceLen > pieceLenLimit {
			return nil, fmt.Errorf("%w: piece length %d", ErrParse, pieceLen)
		}

		raw := make([]byte, pieceLen)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("%w: reading piece bytes: %w", ErrParse, err)
		}

		id := int32(len(t.pieces))
		piece := string(raw)
		t.pieces = append(t.pieces, piece)
		t.scores = append(t.scores, score)
		if _, seen := t.index[piece]; !seen {
			t.index[piece] = id
		}
	}
	return t, nil
}

// PieceCount is the number of pieces in the vocabulary.
func (t *Tokenizer) PieceCount() int {
	return len(t.pieces)
}

// MaxTokenLen is the longest piece length the file declared.
func (t *Tokenizer) MaxTokenLen() int {
	return t.maxTokenLen
}

// Piece returns the bytes behind an id.
func (t *Tokenizer) Piece(id int32) (string, error) {
	if id < 0 || int(id) >= len(t.pieces) {
		return "", fmt.Errorf("%w: %d of %d", ErrPieceRange, id, len(t.pieces))
	}
	return t.pieces[id], nil
}

// Score returns the merge score behind an id.
func (t *Tokenizer) Score(id int32) (float32, error) {
	if id < 0 || int(id) >= len(t.scores) {
		return 0, fmt.Errorf("%w: %d of %d", ErrPieceRange, id, len(t.scores))
	}
	return t.scores[id], nil
}

// Lookup finds the id of an exact piece, -1 when absent. Duplicate pieces
// resolve to the first id that carried them.
func (t *Tokenizer) Lookup(piece string) int32 {
	if id, ok := t.index[piece]; ok {
		return id
	}
	return -1
}

// Encode splits text into single-byte pieces and then repeatedly merges the
// adjacent pair whose combined piece carries the best score. Ids are always
// non-negative; a byte with no piece of its own cannot be encoded.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	tokens := make([]int32, 0, len(text))
	for i := 0; i < len(text); i++ {
		id := t.Lookup(text[i : i+1])
		if id < 0 {
			return nil, fmt.Errorf("%w: no piece for byte %#x", ErrEncode, text[i])
		}
		tokens = append(tokens, id)
	}

	for len(tokens) > 1 {
		bestScore := float32(-1e10)
		bestID, bestIdx := int32(-1), -1
		for i := 0; i < len(tokens)-1; i++ {
			merged := t.pieces[tokens[i]] + t.pieces[tokens[i+1]]
			if id := t.Lookup(merged); id >= 0 && t.scores[id] > bestScore {
				bestScore, bestID, bestIdx = t.scores[id], id, i
			}
		}
		if bestIdx < 0 {
			break
		}
		tokens[bestIdx] = bestID
		tokens = append(tokens[:bestIdx+1], tokens[bestIdx+2:]...)
	}
	return tokens, nil
}

// Decode concatenates the pieces behind ids.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		piece, err := t.Piece(id)
		if err != nil {
			return "", err
		}
		b.WriteString(piece)
	}
	return b.String(), nil
}
