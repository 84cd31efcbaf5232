// Package httpapi exposes the question pipeline over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/db"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/pipeline"
)

const maxBodyBytes = 64 << 10

// AskHandler serves:
//
//	POST /ask
//	GET  /runs/{request_id}
type AskHandler struct {
	engine *pipeline.Engine
	runs   *db.Client
	logger *zap.Logger
}

// NewAskHandler constructs a new handler. runs may be nil.
func NewAskHandler(engine *pipeline.Engine, runs *db.Client, logger *zap.Logger) *AskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AskHandler{engine: engine, runs: runs, logger: logger}
}

// RegisterRoutes registers the endpoints on the given mux.
func (h *AskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ask", h.handleAsk)
	mux.HandleFunc("/runs/", h.handleRun)
}

func (h *AskHandler) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !authorize(w, r, auth.ScopeAsk) {
		return
	}

	var req pipeline.AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, `{"error":"question is required"}`, http.StatusBadRequest)
		return
	}

	key := strings.TrimSpace(req.ThreadID)
	if key == "" {
		key = clientIP(r)
	}
	if !h.engine.Budgets().CheckRateLimit(key) {
		h.logger.Info("Rate limited", zap.String("key", key))
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	resp, err := h.engine.Ask(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyQuestion) {
			http.Error(w, `{"error":"question is required"}`, http.StatusBadRequest)
			return
		}
		h.logger.Error("Ask failed", zap.Error(err))
		http.Error(w, `{"error":"`+sanitizeErr(err.Error())+`"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRun returns a persisted routing run.
// GET /runs/{request_id}
func (h *AskHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !authorize(w, r, auth.ScopeRunsRead) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, `{"error":"request id required"}`, http.StatusBadRequest)
		return
	}
	if h.runs == nil {
		http.Error(w, `{"error":"run history disabled"}`, http.StatusNotFound)
		return
	}

	run, err := h.runs.GetRoutingRun(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load run", zap.String("request_id", id), zap.Error(err))
		http.Error(w, `{"error":"failed to load run"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func authorize(w http.ResponseWriter, r *http.Request, scope string) bool {
	switch err := auth.RequireScopes(r.Context(), scope); {
	case errors.Is(err, auth.ErrUnauthenticated):
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return false
	case err != nil:
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	s = strings.ReplaceAll(s, `"`, `'`)
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
