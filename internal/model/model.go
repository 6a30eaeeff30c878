// Package model ties the runtime together: it loads the tokenizer, maps the
// checkpoint, owns the activation-buffer registry, and sequences forward
// passes through the layers.
package model

import (
	"errors"
	"fmt"

	"github.com/karst-ml/karst/internal/checkpoint"
	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/logger"
	"github.com/karst-ml/karst/internal/op"
	"github.com/karst-ml/karst/internal/tensor"
	"github.com/karst-ml/karst/internal/tokenizer"
)

var (
	ErrNotInitialized     = errors.New("model: not initialized")
	ErrAlreadyInitialized = errors.New("model: already initialized")
	ErrCapacity           = errors.New("model: capacity exceeded")
)

// Tokenizer is the slice of the tokenizer the model consumes. The model never
// looks inside pieces or scores; it encodes text and cross-checks the piece
// count against the checkpoint header.
type Tokenizer interface {
	PieceCount() int
	Encode(text string) ([]int32, error)
}

var _ Tokenizer = (*tokenizer.Tokenizer)(nil)

// Model owns the mapped checkpoint, the tokenizer, the activation-buffer
// registry, and the layers. It is not safe for concurrent use; callers
// serialize access.
type Model struct {
	tokenPath string
	modelPath string

	log logger.Logger
	reg *device.Registry

	// userTok is a tokenizer injected through WithTokenizer; it survives a
	// failed Init so a retry starts from the same state.
	userTok Tokenizer

	tok       Tokenizer
	dev       device.Type
	cfg       checkpoint.Config
	ckpt      *checkpoint.File
	embedding *op.Embedding
	buffers   map[BufferID]*tensor.Tensor
	inited    bool
}

type Option func(*Model)

func WithLogger(log logger.Logger) Option {
	return func(m *Model) { m.log = log }
}

// WithRegistry swaps the process-wide allocator registry, mainly so tests can
// route device traffic to fakes.
func WithRegistry(reg *device.Registry) Option {
	return func(m *Model) { m.reg = reg }
}

// WithTokenizer injects a pre-built tokenizer; Init then skips loading one
// from the token path.
func WithTokenizer(tok Tokenizer) Option {
	return func(m *Model) {
		m.userTok = tok
		m.tok = tok
	}
}

// New describes a model on disk. Nothing is opened until Init.
func New(tokenPath, modelPath string, opts ...Option) *Model {
	m := &Model{
		tokenPath: tokenPath,
		modelPath: modelPath,
		log:       logger.Default(),
		reg:       device.Default(),
		buffers:   make(map[BufferID]*tensor.Tensor),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init loads the tokenizer, maps the checkpoint, builds the embedding layer
// over the mapped table, and allocates the activation buffers on dev. It runs
// once; a failed Init tears everything back down so it can be retried.
func (m *Model) Init(dev device.Type) error {
	if m.inited {
		return ErrAlreadyInitialized
	}
	if dev == device.Unset {
		return fmt.Errorf("%w: model init", device.ErrDeviceUnset)
	}

	cleanup := func(err error) error {
		m.teardown()
		return err
	}

	tok := m.userTok
	if tok == nil {
		loaded, err := tokenizer.Load(m.tokenPath)
		if err != nil {
			return cleanup(fmt.Errorf("load tokenizer: %w", err))
		}
		tok = loaded
	}
	vocab := tok.PieceCount()
	if vocab <= 0 {
		return cleanup(fmt.Errorf("%w: tokenizer reports %d pieces", checkpoint.ErrParse, vocab))
	}
	m.tok = tok

	ckpt, err := checkpoint.Open(m.modelPath)
	if err != nil {
		return cleanup(fmt.Errorf("open checkpoint: %w", err))
	}
	m.ckpt = ckpt
	cfg := ckpt.Config()
	if cfg.VocabSize != vocab {
		return cleanup(fmt.Errorf("%w: checkpoint vocab size %d does not match the tokenizer's %d pieces",
			checkpoint.ErrParse, cfg.VocabSize, vocab))
	}
	m.cfg = cfg

	table, _, err := ckpt.WeightsFor(checkpoint.WeightTokenEmbedding)
	if err != nil {
		return cleanup(fmt.Errorf("map embedding table: %w", err))
	}
	emb := op.NewEmbedding(cfg.Dim, cfg.SeqLen, cfg.VocabSize)
	if err := emb.SetWeightData(0, table, cfg.VocabSize, cfg.Dim); err != nil {
		return cleanup(err)
	}
	m.embedding = emb

	// Token ids are always written from host code, so they live on the host
	// no matter where the model computes; only the activations follow dev.
	hostAlloc, err := m.reg.For(device.CPU)
	if err != nil {
		return cleanup(err)
	}
	actAlloc, err := m.reg.For(dev)
	if err != nil {
		return cleanup(fmt.Errorf("allocator for %s: %w", dev, err))
	}

	tokens, err := tensor.NewAllocated(tensor.Int32, hostAlloc, cfg.SeqLen)
	if err != nil {
		return cleanup(fmt.Errorf("allocate token ids: %w", err))
	}
	if err := m.InsertBuffer(BufInputTokens, tokens); err != nil {
		_ = tokens.Release()
		return cleanup(err)
	}
	embOut, err := tensor.NewAllocated(tensor.Float32, actAlloc, cfg.SeqLen, cfg.Dim)
	if err != nil {
		return cleanup(fmt.Errorf("allocate embeddings: %w", err))
	}
	if err := m.InsertBuffer(BufInputEmbeddings, embOut); err != nil {
		_ = embOut.Release()
		return cleanup(err)
	}

	m.dev = dev
	m.inited = true
	m.log.Info("model initialized",
		"vocab", cfg.VocabSize,
		"dim", cfg.Dim,
		"seq_len", cfg.SeqLen,
		"device", dev.String(),
		"mapped_bytes", ckpt.MappedBytes(),
	)
	return nil
}

// Config returns the parsed checkpoint header. Zero before Init.
func (m *Model) Config() checkpoint.Config { return m.cfg }

// Device is where the activations live. Unset before Init.
func (m *Model) Device() device.Type { return m.dev }

// Checkpoint exposes the mapped file, nil before Init.
func (m *Model) Checkpoint() *checkpoint.File { return m.ckpt }

func (m *Model) Initialized() bool { return m.inited }

// Close releases the activation buffers and unmaps the checkpoint. The model
// can be initialized again afterwards.
func (m *Model) Close() error {
	var errs []error
	for id, t := range m.buffers {
		if err := t.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
		delete(m.buffers, id)
	}
	if m.ckpt != nil {
		if err := m.ckpt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint: %w", err))
		}
		m.ckpt = nil
	}
	m.embedding = nil
	m.inited = false
	return errors.Join(errs...)
}

// teardown is Close plus a reset of everything Init derived, so a failed Init
// leaves the model exactly as New returned it.
func (m *Model) teardown() {
	_ = m.Close()
	m.tok = m.userTok
	m.cfg = checkpoint.Config{}
	m.dev = device.Unset
}
