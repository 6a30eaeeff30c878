package api

import (
	"io"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EmbeddingsRequest carries either raw text to tokenize or pre-tokenized ids,
// never both.
type EmbeddingsRequest struct {
	Input    string  `json:"input,omitempty"`
	TokenIDs []int32 `json:"token_ids,omitempty"`
}

type EmbeddingsResponse struct {
	ID     string      `json:"id"`
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Usage  Usage       `json:"usage"`
}

type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type TokenizeRequest struct {
	Input string `json:"input"`
}

type TokenizeResponse struct {
	TokenIDs []int32 `json:"token_ids"`
	Count    int     `json:"count"`
}

type ModelInfo struct {
	VocabSize        int    `json:"vocab_size"`
	Dim              int    `json:"dim"`
	HiddenDim        int    `json:"hidden_dim"`
	NumLayers        int    `json:"n_layers"`
	NumHeads         int    `json:"n_heads"`
	NumKVHeads       int    `json:"n_kv_heads"`
	SeqLen           int    `json:"seq_len"`
	SharedClassifier bool   `json:"shared_classifier"`
	Device           string `json:"device"`
	MappedBytes      int    `json:"mapped_bytes"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ModelReady bool   `json:"model_ready"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newEmbeddingID() string {
	return "emb_" + uuid.NewString()
}
