// Package api serves the runtime over HTTP: tokenize text, run the embedding
// pipeline, inspect the loaded model, and expose Prometheus metrics.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/karst-ml/karst/internal/checkpoint"
	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/logger"
	"github.com/karst-ml/karst/internal/metrics"
	"github.com/karst-ml/karst/internal/model"
	"github.com/karst-ml/karst/internal/op"
	"github.com/karst-ml/karst/internal/tokenizer"
	"github.com/karst-ml/karst/internal/version"
)

// Engine is the slice of the model the server drives.
type Engine interface {
	Encode(text string) ([]int32, error)
	Forward(tokens []int32, startPos int) error
	Embeddings(n int) ([][]float32, error)
	Config() checkpoint.Config
	Device() device.Type
	Initialized() bool
	Checkpoint() *checkpoint.File
}

var _ Engine = (*model.Model)(nil)

// Server owns the HTTP surface. The engine mutates shared activation buffers
// on every forward pass, so request handling serializes around it.
type Server struct {
	mu     sync.Mutex
	engine Engine
	log    logger.Logger
}

func NewServer(engine Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{engine: engine, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModelInfo)
	e.POST("/v1/tokenize", s.handleTokenize)
	e.POST("/v1/embeddings", s.handleEmbeddings)
	e.GET("/metrics", handleMetrics)
}

// RateLimit rejects requests beyond l with 429. One process-wide limiter is
// enough; the engine serializes anyway and the limiter just keeps the queue
// short.
func RateLimit(l *rate.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !l.Allow() {
				return respondError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			}
			return next(c)
		}
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return respond(c, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    version.String(),
		ModelReady: s.engine.Initialized(),
	})
}

func (s *Server) handleModelInfo(c *echo.Context) error {
	if !s.engine.Initialized() {
		return respondError(c, http.StatusServiceUnavailable, "model_not_ready", "model is not initialized")
	}
	cfg := s.engine.Config()
	info := ModelInfo{
		VocabSize:        cfg.VocabSize,
		Dim:              cfg.Dim,
		HiddenDim:        cfg.HiddenDim,
		NumLayers:        cfg.NumLayers,
		NumHeads:         cfg.NumHeads,
		NumKVHeads:       cfg.NumKVHeads,
		SeqLen:           cfg.SeqLen,
		SharedClassifier: cfg.SharedClassifier,
		Device:           s.engine.Device().String(),
	}
	if ckpt := s.engine.Checkpoint(); ckpt != nil {
		info.MappedBytes = ckpt.MappedBytes()
	}
	return respond(c, http.StatusOK, info)
}

func (s *Server) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request_error", "malformed json body")
	}
	if req.Input == "" {
		return respondError(c, http.StatusBadRequest, "invalid_request_error", "input is required")
	}
	ids, err := s.engine.Encode(req.Input)
	if err != nil {
		return s.respondEngineError(c, err)
	}
	return respond(c, http.StatusOK, TokenizeResponse{TokenIDs: ids, Count: len(ids)})
}

func (s *Server) handleEmbeddings(c *echo.Context) error {
	req, err := decodeJSON[EmbeddingsRequest](c.Request().Body)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request_error", "malformed json body")
	}

	tokens, err := s.resolveTokens(req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return respondError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		}
		return s.respondEngineError(c, err)
	}
	if len(tokens) == 0 {
		return respondError(c, http.StatusBadRequest, "invalid_request_error", "input produced no tokens")
	}

	s.mu.Lock()
	err = s.engine.Forward(tokens, 0)
	var rows [][]float32
	if err == nil {
		rows, err = s.engine.Embeddings(len(tokens))
	}
	s.mu.Unlock()
	if err != nil {
		return s.respondEngineError(c, err)
	}

	data := make([]Embedding, len(rows))
	for i, row := range rows {
		data[i] = Embedding{Object: "embedding", Index: i, Embedding: row}
	}
	return respond(c, http.StatusOK, EmbeddingsResponse{
		ID:     newEmbeddingID(),
		Object: "list",
		Data:   data,
		Usage:  Usage{PromptTokens: len(tokens), TotalTokens: len(tokens)},
	})
}

func (s *Server) resolveTokens(req EmbeddingsRequest) ([]int32, error) {
	switch {
	case len(req.TokenIDs) > 0 && req.Input != "":
		return nil, newInvalidRequest("input and token_ids are mutually exclusive")
	case len(req.TokenIDs) > 0:
		return req.TokenIDs, nil
	case req.Input != "":
		return s.engine.Encode(req.Input)
	default:
		return nil, newInvalidRequest("one of input or token_ids is required")
	}
}

func (s *Server) respondEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, model.ErrNotInitialized):
		return respondError(c, http.StatusServiceUnavailable, "model_not_ready", err.Error())
	case errors.Is(err, model.ErrCapacity),
		errors.Is(err, op.ErrTokenRange),
		errors.Is(err, tokenizer.ErrEncode):
		return respondError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		s.log.Error("request failed", "error", err)
		return respondError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// respond is the single exit point for JSON responses; the request counter
// hangs off it.
func respond(c *echo.Context, status int, v any) error {
	metrics.APIRequests.WithLabelValues(c.Request().URL.Path, statusClass(status)).Inc()
	return c.JSON(status, v)
}

func respondError(c *echo.Context, status int, errType, msg string) error {
	return respond(c, status, errorEnvelope{Error: ErrorBody{Message: msg, Type: errType}})
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
