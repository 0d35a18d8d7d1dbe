package http

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/MemForge/internal/logger"
	"github.com/Strob0t/MemForge/internal/port/tier"
	"github.com/Strob0t/MemForge/internal/service"
)

const maxBodyBytes = 4 << 20

// Handlers bundles the ops endpoints' dependencies.
type Handlers struct {
	engine *service.Engine
	facade *service.Facade
	log    *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(engine *service.Engine, facade *service.Facade, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{engine: engine, facade: facade, log: log}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats returns the engine's metrics snapshot.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

// Invalidate removes keys matching a substring pattern from every tier. An
// empty pattern clears everything, so it must be sent explicitly.
func (h *Handlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[invalidateRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	rep := h.engine.InvalidatePattern(r.Context(), req.Pattern)
	logger.RequestLogger(r.Context(), h.log).Info("cache invalidation",
		"pattern", req.Pattern,
		"removed", rep.Removed,
		"failures", len(rep.Failures),
	)
	writeJSON(w, http.StatusOK, rep)
}

// GetKey reads one key through the tier hierarchy and returns the raw value.
func (h *Handlers) GetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	val, err := h.engine.Get(r.Context(), key)
	if err != nil {
		writeCacheError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(val)
}

// PutKey writes the raw request body under the key, through all tiers.
func (h *Handlers) PutKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if err := h.engine.Set(r.Context(), key, body, tier.TargetAll); err != nil {
		writeCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteKey removes one key from all tiers.
func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.engine.Delete(r.Context(), key, tier.TargetAll); err != nil {
		writeCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search runs a cached knowledge search. Query parameters: q (required),
// limit (default 10).
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := h.facade.Search(r.Context(), query, limit, nil)
	if err != nil {
		writeCacheError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type ingestRequest struct {
	Key      string            `json:"key"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Ingest stores a document in the knowledge store and caches its content.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[ingestRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := h.facade.Ingest(r.Context(), req.Key, req.Content, req.Metadata); err != nil {
		writeCacheError(w, err)
		return
	}
	logger.RequestLogger(r.Context(), h.log).Info("document ingested",
		"key", req.Key,
		"bytes", len(req.Content),
	)
	w.WriteHeader(http.StatusCreated)
}

// GetDocument returns an ingested document's content through the cache.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	content, err := h.facade.Document(r.Context(), key)
	if err != nil {
		writeCacheError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}
