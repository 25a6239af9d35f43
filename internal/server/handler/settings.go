package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kychan/flowdesk/internal/domain"
)

// AccountControl defines the account-level operations the settings handler
// requires from the paper exchange.
type AccountControl interface {
	SetFeesEnabled(enabled bool)
	FeesEnabled() bool
	SetLeverage(l float64) error
	Reset()
	Portfolio() domain.PortfolioSnapshot
}

// SettingsHandler serves runtime account settings and the account reset.
type SettingsHandler struct {
	account AccountControl
	logger  *slog.Logger
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(account AccountControl, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{
		account: account,
		logger:  logger,
	}
}

// updateSettingsRequest carries optional settings changes; absent fields are
// left untouched.
type updateSettingsRequest struct {
	FeesEnabled *bool    `json:"fees_enabled"`
	Leverage    *float64 `json:"leverage"`
}

// UpdateSettings toggles fee simulation and adjusts leverage.
// POST /api/settings
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Leverage != nil {
		if err := h.account.SetLeverage(*req.Leverage); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.FeesEnabled != nil {
		h.account.SetFeesEnabled(*req.FeesEnabled)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fees_enabled": h.account.FeesEnabled(),
	})
}

// ResetAccount restores the account to its starting state and cancels all
// open orders.
// POST /api/reset
func (h *SettingsHandler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	h.account.Reset()
	h.logger.InfoContext(r.Context(), "handler: account reset")
	writeJSON(w, http.StatusOK, h.account.Portfolio())
}

// GetPortfolio returns the current portfolio snapshot.
// GET /api/portfolio
func (h *SettingsHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.account.Portfolio())
}
