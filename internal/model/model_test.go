package model

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/karst-ml/karst/internal/checkpoint"
	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/device/devicetest"
	"github.com/karst-ml/karst/internal/logger"
	"github.com/karst-ml/karst/internal/op"
	"github.com/karst-ml/karst/internal/tensor"
	"github.com/karst-ml/karst/internal/tokenizer"
)

func fixtureConfig() checkpoint.Config {
	return checkpoint.Config{
		Dim:              2,
		HiddenDim:        3,
		NumLayers:        1,
		NumHeads:         1,
		NumKVHeads:       1,
		VocabSize:        4,
		SeqLen:           8,
		SharedClassifier: true,
	}
}

// Row r of the table is [10r, 10r+1].
var fixtureTable = []float32{0, 1, 10, 11, 20, 21, 30, 31}

func vocabPieces(n int) []tokenizer.Piece {
	names := []string{"a", "b", "c", "d", "e", "f"}
	ps := make([]tokenizer.Piece, n)
	for i := range ps {
		ps[i] = tokenizer.Piece{Text: names[i]}
	}
	return ps
}

func writeFixtures(t *testing.T, pieces int) (tokPath, ckptPath string) {
	t.Helper()
	dir := t.TempDir()
	tokPath = filepath.Join(dir, "tokenizer.bin")
	ckptPath = filepath.Join(dir, "model.bin")
	if err := tokenizer.Save(tokPath, 1, vocabPieces(pieces)); err != nil {
		t.Fatalf("save tokenizer: %v", err)
	}
	if err := checkpoint.Create(ckptPath, fixtureConfig(), fixtureTable); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	return tokPath, ckptPath
}

func newTestModel(t *testing.T, tokPath, ckptPath string, opts ...Option) *Model {
	t.Helper()
	opts = append([]Option{
		WithLogger(logger.Discard()),
		WithRegistry(device.NewRegistry()),
	}, opts...)
	return New(tokPath, ckptPath, opts...)
}

func checkRows(t *testing.T, got [][]float32, want [][]float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("rows = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("row %d has %d values, want %d", i, len(got[i]), len(want[i]))
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("row %d = %v, want %v", i, got[i], want[i])
			}
		}
	}
}

func TestInitAndForwardEndToEnd(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)

	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close()

	cfg := m.Config()
	if cfg.VocabSize != 4 || cfg.Dim != 2 || cfg.SeqLen != 8 {
		t.Fatalf("config = %+v", cfg)
	}
	if m.Device() != device.CPU {
		t.Fatalf("device = %v, want CPU", m.Device())
	}

	if err := m.Forward([]int32{2, 1}, 0); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	rows, err := m.Embeddings(2)
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	checkRows(t, rows, [][]float32{{20, 21}, {10, 11}})

	ckpt := m.Checkpoint()
	if ckpt == nil || ckpt.MappedBytes() == 0 {
		t.Fatal("checkpoint not mapped after init")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ckpt.MappedBytes() != 0 {
		t.Fatal("mapping survived Close")
	}
}

func TestInitOnAcceleratorRoundTrip(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	reg := device.NewRegistry()
	cuda := devicetest.New(device.CUDA)
	reg.Register(cuda)

	m := New(tokPath, ckptPath, WithLogger(logger.Discard()), WithRegistry(reg))
	if err := m.Init(device.CUDA); err != nil {
		t.Fatalf("Init on accelerator: %v", err)
	}
	defer m.Close()

	embT, err := m.Buffer(BufInputEmbeddings)
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if embT.Device() != device.CUDA {
		t.Fatalf("embedding buffer on %v, want CUDA", embT.Device())
	}
	idsT, err := m.Buffer(BufInputTokens)
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if idsT.Device() != device.CPU {
		t.Fatalf("token buffer on %v, want CPU", idsT.Device())
	}

	if err := m.Forward([]int32{3, 0, 2}, 0); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	rows, err := m.Embeddings(3)
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	checkRows(t, rows, [][]float32{{30, 31}, {0, 1}, {20, 21}})

	h2d := 0
	for _, d := range cuda.Copies() {
		if d == device.CopyHostToDevice {
			h2d++
		}
	}
	if h2d != 3 {
		t.Fatalf("host-to-device row copies = %d, want 3", h2d)
	}
}

func TestInitVocabMismatchCleanRetry(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	if err := tokenizer.Save(tokPath, 1, vocabPieces(3)); err != nil {
		t.Fatalf("save undersized tokenizer: %v", err)
	}

	m := newTestModel(t, tokPath, ckptPath)
	err := m.Init(device.CPU)
	if !errors.Is(err, checkpoint.ErrParse) {
		t.Fatalf("Init with mismatched vocab: got %v, want ErrParse", err)
	}
	if m.Initialized() {
		t.Fatal("model claims initialized after failed Init")
	}
	if m.Checkpoint() != nil {
		t.Fatal("checkpoint still held after failed Init")
	}
	if _, err := m.Buffer(BufInputTokens); !errors.Is(err, ErrBufferNotFound) {
		t.Fatalf("buffer lookup after failed Init: got %v, want ErrBufferNotFound", err)
	}

	if err := tokenizer.Save(tokPath, 1, vocabPieces(4)); err != nil {
		t.Fatalf("save corrected tokenizer: %v", err)
	}
	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("retry Init: %v", err)
	}
	defer m.Close()

	if err := m.Forward([]int32{2, 1}, 0); err != nil {
		t.Fatalf("Forward after retry: %v", err)
	}
	rows, err := m.Embeddings(2)
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	checkRows(t, rows, [][]float32{{20, 21}, {10, 11}})
}

func TestInitMissingPaths(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)

	m := newTestModel(t, filepath.Join(t.TempDir(), "absent.bin"), ckptPath)
	if err := m.Init(device.CPU); !errors.Is(err, tokenizer.ErrPathNotValid) {
		t.Fatalf("missing tokenizer: got %v, want tokenizer.ErrPathNotValid", err)
	}

	m = newTestModel(t, tokPath, filepath.Join(t.TempDir(), "absent.bin"))
	if err := m.Init(device.CPU); !errors.Is(err, checkpoint.ErrPathNotValid) {
		t.Fatalf("missing checkpoint: got %v, want checkpoint.ErrPathNotValid", err)
	}
}

func TestInitTwice(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)

	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close()

	if err := m.Init(device.CPU); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init: got %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitUnsetDevice(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)

	if err := m.Init(device.Unset); !errors.Is(err, device.ErrDeviceUnset) {
		t.Fatalf("Init(Unset): got %v, want ErrDeviceUnset", err)
	}
}

func TestForwardBeforeInit(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)

	if err := m.Forward([]int32{0}, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Forward before Init: got %v, want ErrNotInitialized", err)
	}
	if _, err := m.Encode("a"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Encode before Init: got %v, want ErrNotInitialized", err)
	}
}

func TestForwardCapacity(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)
	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close()

	long := make([]int32, 9)
	if err := m.Forward(long, 0); !errors.Is(err, ErrCapacity) {
		t.Fatalf("forward with 9 tokens in 8 slots: got %v, want ErrCapacity", err)
	}
	if err := m.Forward([]int32{0}, -1); !errors.Is(err, ErrCapacity) {
		t.Fatalf("forward with negative start: got %v, want ErrCapacity", err)
	}
	if err := m.Forward([]int32{0}, 8); !errors.Is(err, ErrCapacity) {
		t.Fatalf("forward with start past the window: got %v, want ErrCapacity", err)
	}
}

func TestForwardTokenOutOfRange(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)
	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close()

	if err := m.Forward([]int32{9}, 0); !errors.Is(err, op.ErrTokenRange) {
		t.Fatalf("forward with id 9 of vocab 4: got %v, want ErrTokenRange", err)
	}
}

func TestBufferRegistry(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)
	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close()

	if err := m.InsertBuffer(BufInputTokens, tensor.New(tensor.Int32, 1)); !errors.Is(err, ErrBufferExists) {
		t.Fatalf("duplicate insert: got %v, want ErrBufferExists", err)
	}
	if _, err := m.Buffer(BufferID(99)); !errors.Is(err, ErrBufferNotFound) {
		t.Fatalf("unknown id: got %v, want ErrBufferNotFound", err)
	}
	if err := m.InsertBuffer(BufferID(7), tensor.New(tensor.Float32, 1)); err != nil {
		t.Fatalf("insert extra id: %v", err)
	}
	if _, err := m.Buffer(BufferID(7)); err != nil {
		t.Fatalf("lookup extra id: %v", err)
	}
}

func TestEncode(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)
	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close()

	ids, err := m.Encode("ab")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("Encode(\"ab\") = %v, want [0 1]", ids)
	}
}

func TestEmbeddingsBounds(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)
	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Close()

	if rows, err := m.Embeddings(0); err != nil || rows != nil {
		t.Fatalf("Embeddings(0) = %v, %v; want nil, nil", rows, err)
	}
	if _, err := m.Embeddings(9); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Embeddings(9) of 8: got %v, want ErrCapacity", err)
	}
	if _, err := m.Embeddings(-1); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Embeddings(-1): got %v, want ErrCapacity", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tokPath, ckptPath := writeFixtures(t, 4)
	m := newTestModel(t, tokPath, ckptPath)
	if err := m.Init(device.CPU); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := m.Forward([]int32{0}, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Forward after Close: got %v, want ErrNotInitialized", err)
	}
}
