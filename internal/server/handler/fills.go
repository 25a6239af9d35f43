package handler

import (
	"log/slog"
	"net/http"

	"github.com/kychan/flowdesk/internal/domain"
)

// FillsHandler serves the persisted fill history.
type FillsHandler struct {
	fills  domain.FillStore
	logger *slog.Logger
}

// NewFillsHandler creates a FillsHandler.
func NewFillsHandler(fills domain.FillStore, logger *slog.Logger) *FillsHandler {
	return &FillsHandler{
		fills:  fills,
		logger: logger,
	}
}

// listFillsResponse wraps the fills listing.
type listFillsResponse struct {
	Fills []domain.Fill `json:"fills"`
}

// ListFills returns fills newest first, optionally filtered by order id or a
// time range.
// GET /api/fills?order_id=...&since=...&until=...&limit=50&offset=0
func (h *FillsHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	var (
		fills []domain.Fill
		err   error
	)
	if orderID := r.URL.Query().Get("order_id"); orderID != "" {
		fills, err = h.fills.ListByOrder(r.Context(), orderID)
	} else {
		fills, err = h.fills.ListRecent(r.Context(), parseListOpts(r))
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list fills failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fills")
		return
	}
	if fills == nil {
		fills = []domain.Fill{}
	}
	writeJSON(w, http.StatusOK, listFillsResponse{Fills: fills})
}
