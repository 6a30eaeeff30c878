package checkpoint

import (
	"bytes"
	"errors"
	"testing"
)

func headerBytes(t *testing.T, cfg Config) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteConfig(&buf, cfg); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	return buf.Bytes()
}

func TestReadConfigRoundTrip(t *testing.T) {
	want := Config{
		Dim: 64, HiddenDim: 128, NumLayers: 4, NumHeads: 8, NumKVHeads: 4,
		VocabSize: 512, SeqLen: 256, SharedClassifier: true,
	}
	got, err := ReadConfig(bytes.NewReader(headerBytes(t, want)))
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if got != want {
		t.Fatalf("config = %+v, want %+v", got, want)
	}
}

func TestReadConfigDecodesClassifierFlag(t *testing.T) {
	unshared := Config{
		Dim: 8, HiddenDim: 16, NumLayers: 2, NumHeads: 2, NumKVHeads: 2,
		VocabSize: 32, SeqLen: 16, SharedClassifier: false,
	}
	got, err := ReadConfig(bytes.NewReader(headerBytes(t, unshared)))
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if got.SharedClassifier {
		t.Fatal("negative vocab size should decode as unshared classifier")
	}
	if got.VocabSize != 32 {
		t.Fatalf("VocabSize = %d, want 32 (sign stripped)", got.VocabSize)
	}
}

func TestReadConfigShortHeader(t *testing.T) {
	_, err := ReadConfig(bytes.NewReader(make([]byte, 12)))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse", err)
	}
}

func TestReadConfigRejectsBadFields(t *testing.T) {
	bad := headerBytes(t, Config{
		Dim: 8, HiddenDim: 16, NumLayers: 2, NumHeads: 2, NumKVHeads: 2,
		VocabSize: 32, SeqLen: 16, SharedClassifier: true,
	})
	// Zero out dim.
	copy(bad[0:4], []byte{0, 0, 0, 0})

	if _, err := ReadConfig(bytes.NewReader(bad)); !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse", err)
	}
}

func testConfig(shared bool) Config {
	return Config{
		Dim: 2, HiddenDim: 3, NumLayers: 1, NumHeads: 1, NumKVHeads: 1,
		VocabSize: 4, SeqLen: 8, SharedClassifier: shared,
	}
}

func TestCatalogLayout(t *testing.T) {
	c := NewCatalog(testConfig(true))

	entries := c.Entries()
	if entries[0].Name != WeightTokenEmbedding || entries[0].Offset != 0 {
		t.Fatalf("first entry = %+v, want token embedding at offset 0", entries[0])
	}

	// Everything up to the classifier alias is laid out back to back.
	var next int64
	for _, e := range entries[:len(entries)-1] {
		if e.Offset != next {
			t.Fatalf("entry %s at offset %d, want %d", e.Name, e.Offset, next)
		}
		next += int64(e.Elements())
	}
	if next != 64 {
		t.Fatalf("payload spans %d elements, want 64", next)
	}

	cls, ok := c.Lookup(WeightClassifier)
	if !ok {
		t.Fatal("classifier missing from catalog")
	}
	if cls.Offset != 0 {
		t.Fatalf("shared classifier offset = %d, want 0 (aliases embedding)", cls.Offset)
	}
}

func TestCatalogUnsharedClassifier(t *testing.T) {
	c := NewCatalog(testConfig(false))

	cls, ok := c.Lookup(WeightClassifier)
	if !ok {
		t.Fatal("classifier missing from catalog")
	}
	if cls.Offset != 64 {
		t.Fatalf("classifier offset = %d, want 64 (after rope tables)", cls.Offset)
	}
	if got := cls.Elements(); got != 8 {
		t.Fatalf("classifier elements = %d, want 8", got)
	}
}

func TestCatalogLookupMiss(t *testing.T) {
	c := NewCatalog(testConfig(true))
	if _, ok := c.Lookup("bias"); ok {
		t.Fatal("lookup of unknown weight succeeded")
	}
}
