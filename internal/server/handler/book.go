package handler

import (
	"log/slog"
	"net/http"

	"github.com/kychan/flowdesk/internal/domain"
	"github.com/kychan/flowdesk/internal/feed"
)

// StateSource provides the live book+metrics+portfolio snapshot used when no
// cached payload is available.
type StateSource interface {
	State() feed.StateSnapshot
}

// BookHandler serves the current depth ladder. It prefers the snapshot the
// broadcaster last published to the cache and falls back to reading live
// state directly.
type BookHandler struct {
	cache  domain.SnapshotCache
	live   StateSource
	symbol string
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler. cache may be nil when Redis is not
// configured.
func NewBookHandler(cache domain.SnapshotCache, live StateSource, symbol string, logger *slog.Logger) *BookHandler {
	return &BookHandler{
		cache:  cache,
		live:   live,
		symbol: symbol,
		logger: logger,
	}
}

// GetBook returns the latest published snapshot.
// GET /api/book
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		if payload, err := h.cache.GetLadder(r.Context(), h.symbol); err == nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return
		}
	}
	if h.live == nil {
		writeError(w, http.StatusServiceUnavailable, "no snapshot available")
		return
	}
	writeJSON(w, http.StatusOK, h.live.State())
}
