package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/karst-ml/karst/internal/checkpoint"
	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/logger"
	"github.com/karst-ml/karst/internal/model"
	"github.com/karst-ml/karst/internal/op"
)

// fakeEngine encodes one token per byte relative to 'a', so "ab" becomes
// [0, 1]. Row id of the table is the embedding for token id.
type fakeEngine struct {
	cfg    checkpoint.Config
	dev    device.Type
	ready  bool
	encErr error
	fwdErr error
	table  [][]float32
	last   []int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		cfg: checkpoint.Config{
			Dim: 2, HiddenDim: 3, NumLayers: 1, NumHeads: 1, NumKVHeads: 1,
			VocabSize: 4, SeqLen: 8, SharedClassifier: true,
		},
		dev:   device.CPU,
		ready: true,
		table: [][]float32{{0, 1}, {10, 11}, {20, 21}, {30, 31}},
	}
}

func (e *fakeEngine) Encode(text string) ([]int32, error) {
	if !e.ready {
		return nil, model.ErrNotInitialized
	}
	if e.encErr != nil {
		return nil, e.encErr
	}
	ids := make([]int32, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, int32(text[i]-'a'))
	}
	return ids, nil
}

func (e *fakeEngine) Forward(tokens []int32, startPos int) error {
	if !e.ready {
		return model.ErrNotInitialized
	}
	if e.fwdErr != nil {
		return e.fwdErr
	}
	if len(tokens) > e.cfg.SeqLen {
		return fmt.Errorf("%w: %d tokens, %d activation slots", model.ErrCapacity, len(tokens), e.cfg.SeqLen)
	}
	for i, id := range tokens {
		if id < 0 || int(id) >= len(e.table) {
			return fmt.Errorf("%w: id %d at position %d", op.ErrTokenRange, id, i)
		}
	}
	e.last = tokens
	return nil
}

func (e *fakeEngine) Embeddings(n int) ([][]float32, error) {
	if !e.ready {
		return nil, model.ErrNotInitialized
	}
	rows := make([][]float32, n)
	for i := 0; i < n; i++ {
		rows[i] = e.table[e.last[i]]
	}
	return rows, nil
}

func (e *fakeEngine) Config() checkpoint.Config    { return e.cfg }
func (e *fakeEngine) Device() device.Type          { return e.dev }
func (e *fakeEngine) Initialized() bool            { return e.ready }
func (e *fakeEngine) Checkpoint() *checkpoint.File { return nil }

func newTestEcho(eng Engine) *echo.Echo {
	e := echo.New()
	NewServer(eng, logger.Discard()).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected status: %q", health.Status)
	}
	if !health.ModelReady {
		t.Fatalf("expected model_ready=true")
	}

	eng := newFakeEngine()
	eng.ready = false
	rec = doJSON(t, newTestEcho(eng), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status before init: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"model_ready":false`) {
		t.Fatalf("expected model_ready=false: %s", rec.Body.String())
	}
}

func TestEmbeddingsFromText(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"input":"cb"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("embeddings status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp EmbeddingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode embeddings: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "emb_") {
		t.Fatalf("unexpected id: %q", resp.ID)
	}
	if resp.Object != "list" {
		t.Fatalf("unexpected object: %q", resp.Object)
	}
	want := [][]float32{{20, 21}, {10, 11}}
	if len(resp.Data) != len(want) {
		t.Fatalf("row count: got %d want %d", len(resp.Data), len(want))
	}
	for i, row := range want {
		got := resp.Data[i]
		if got.Object != "embedding" || got.Index != i {
			t.Fatalf("row %d metadata: %+v", i, got)
		}
		if len(got.Embedding) != len(row) {
			t.Fatalf("row %d width: got %d want %d", i, len(got.Embedding), len(row))
		}
		for j, v := range row {
			if got.Embedding[j] != v {
				t.Fatalf("row %d col %d: got %g want %g", i, j, got.Embedding[j], v)
			}
		}
	}
	if resp.Usage.PromptTokens != 2 || resp.Usage.TotalTokens != 2 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestEmbeddingsFromTokenIDs(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"token_ids":[3,0]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("embeddings status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp EmbeddingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode embeddings: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("row count: got %d", len(resp.Data))
	}
	if resp.Data[0].Embedding[0] != 30 || resp.Data[1].Embedding[0] != 0 {
		t.Fatalf("unexpected rows: %+v", resp.Data)
	}
}

func TestEmbeddingsValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())

	rec := doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"input":"ab","token_ids":[1]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "mutually exclusive") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/embeddings", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty request, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "one of input or token_ids is required") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"input":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "malformed json body") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestEmbeddingsCapacity(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"token_ids":[0,1,2,3,0,1,2,3,0]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "activation slots") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestEmbeddingsTokenOutOfRange(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"token_ids":[9]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "id 9") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestEmbeddingsModelNotReady(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.ready = false
	e := newTestEcho(eng)
	rec := doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"token_ids":[1]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "model_not_ready") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodPost, "/v1/tokenize", `{"input":"abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("tokenize status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp TokenizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode tokenize: %v", err)
	}
	if resp.Count != 3 {
		t.Fatalf("unexpected count: %d", resp.Count)
	}
	for i, id := range []int32{0, 1, 2} {
		if resp.TokenIDs[i] != id {
			t.Fatalf("token %d: got %d want %d", i, resp.TokenIDs[i], id)
		}
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/tokenize", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing input, got %d", rec.Code)
	}
}

func TestModelInfo(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("model info status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var info ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode model info: %v", err)
	}
	if info.VocabSize != 4 || info.Dim != 2 || info.SeqLen != 8 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Device != "cpu" {
		t.Fatalf("unexpected device: %q", info.Device)
	}
	if !info.SharedClassifier {
		t.Fatalf("expected shared_classifier=true")
	}

	eng := newFakeEngine()
	eng.ready = false
	rec = doJSON(t, newTestEcho(eng), http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	doJSON(t, e, http.MethodGet, "/healthz", "")

	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "karst_api_requests_total") {
		t.Fatalf("expected request counter in scrape output")
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(RateLimit(rate.NewLimiter(rate.Every(time.Hour), 1)))
	NewServer(newFakeEngine(), logger.Discard()).Register(e)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}

	rec = doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}
