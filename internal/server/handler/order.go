package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kychan/flowdesk/internal/domain"
)

// OrderExchange defines the order operations the handler requires from the
// paper exchange.
type OrderExchange interface {
	PlaceOrder(side domain.OrderSide, typ domain.OrderType, qty, price float64) (domain.SimOrder, error)
	Cancel(id string) error
	CancelAll() int
	Order(id string) (domain.SimOrder, error)
	OpenOrders() []domain.SimOrder
}

// OrderHandler serves order-related HTTP endpoints against the paper exchange.
type OrderHandler struct {
	exchange OrderExchange
	logger   *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(exchange OrderExchange, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		exchange: exchange,
		logger:   logger,
	}
}

// placeOrderRequest is the JSON body for order placement.
type placeOrderRequest struct {
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// listOrdersResponse wraps the open-orders response.
type listOrdersResponse struct {
	Orders []domain.SimOrder `json:"orders"`
}

// ListOrders returns all open (or in-flight) orders.
// GET /api/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.exchange.OpenOrders()
	if orders == nil {
		orders = []domain.SimOrder{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// GetOrder returns a single order by id, terminal or not.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	order, err := h.exchange.Order(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// PlaceOrder submits a new order to the paper exchange.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	side := domain.OrderSide(req.Side)
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	typ := domain.OrderType(req.Type)
	if typ != domain.OrderTypeMarket && typ != domain.OrderTypeLimit && typ != domain.OrderTypeStop {
		writeError(w, http.StatusBadRequest, "type must be MARKET, LIMIT or STOP")
		return
	}

	order, err := h.exchange.PlaceOrder(side, typ, req.Quantity, req.Price)
	if err != nil {
		if errors.Is(err, domain.ErrRejectedOrder) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: place order failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to place order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder cancels one order by id.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if err := h.exchange.Cancel(id); err != nil {
		if errors.Is(err, domain.ErrUnknownOrder) {
			writeError(w, http.StatusNotFound, "order not found or already terminal")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"order_id": id,
	})
}

// CancelAllOrders cancels every live order.
// DELETE /api/orders
func (h *OrderHandler) CancelAllOrders(w http.ResponseWriter, r *http.Request) {
	n := h.exchange.CancelAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "cancelled",
		"cancelled": n,
	})
}
