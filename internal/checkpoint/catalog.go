package checkpoint

// Weight names as the catalog publishes them.
const (
	WeightTokenEmbedding = "token_embedding"
	WeightAttnNorm       = "attn_norm"
	WeightAttnQ          = "attn_q"
	WeightAttnK          = "attn_k"
	WeightAttnV          = "attn_v"
	WeightAttnOut        = "attn_out"
	WeightFFNNorm        = "ffn_norm"
	WeightFFNGate        = "ffn_gate"
	WeightFFNDown        = "ffn_down"
	WeightFFNUp          = "ffn_up"
	WeightFinalNorm      = "final_norm"
	WeightRopeReal       = "rope_real"
	WeightRopeImag       = "rope_imag"
	WeightClassifier     = "classifier"
)

// Entry locates one named weight inside the fp32 payload. Offset counts
// elements from the start of the payload, not bytes from the start of the
// file.
type Entry struct {
	Name   string
	Shape  []int
	Offset int64
}

// Elements is the number of fp32 values the entry spans.
func (e Entry) Elements() int {
	if len(e.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// Catalog lists every weight the format defines for a config, in file order.
// Entries are derived from the header alone; whether the file actually holds
// the bytes behind an entry is checked when the weight is fetched.
type Catalog struct {
	entries []Entry
	index   map[string]int
}

// NewCatalog lays out the weight table for cfg. When the classifier is
// shared it aliases the token embedding entry at offset zero.
func NewCatalog(cfg Config) *Catalog {
	head := cfg.HeadSize()
	c := &Catalog{index: make(map[string]int)}
	off := int64(0)

	add := func(name string, shape ...int) Entry {
		e := Entry{Name: name, Shape: shape, Offset: off}
		off += int64(e.Elements())
		c.index[name] = len(c.entries)
		c.entries = append(c.entries, e)
		return e
	}

	embed := add(WeightTokenEmbedding, cfg.VocabSize, cfg.Dim)
	add(WeightAttnNorm, cfg.NumLayers, cfg.Dim)
	add(WeightAttnQ, cfg.NumLayers, cfg.Dim, cfg.NumHeads*head)
	add(WeightAttnK, cfg.NumLayers, cfg.Dim, cfg.NumKVHeads*head)
	add(WeightAttnV, cfg.NumLayers, cfg.Dim, cfg.NumKVHeads*head)
	add(WeightAttnOut, cfg.NumLayers, cfg.NumHeads*head, cfg.Dim)
	add(WeightFFNNorm, cfg.NumLayers, cfg.Dim)
	add(WeightFFNGate, cfg.NumLayers, cfg.HiddenDim, cfg.Dim)
	add(WeightFFNDown, cfg.NumLayers, cfg.Dim, cfg.HiddenDim)
	add(WeightFFNUp, cfg.NumLayers, cfg.HiddenDim, cfg.Dim)
	add(WeightFinalNorm, cfg.Dim)
	add(WeightRopeReal, cfg.SeqLen, head/2)
	add(WeightRopeImag, cfg.SeqLen, head/2)

	if cfg.SharedClassifier {
		e := Entry{Name: WeightClassifier, Shape: []int{cfg.VocabSize, cfg.Dim}, Offset: embed.Offset}
		c.index[e.Name] = len(c.entries)
		c.entries = append(c.entries, e)
	} else {
		add(WeightClassifier, cfg.VocabSize, cfg.Dim)
	}
	return c
}

// Lookup finds a weight by name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	i, ok := c.index[name]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Entries returns the weights in file order. Callers must not modify it.
func (c *Catalog) Entries() []Entry {
	return c.entries
}
