// Package handler exposes the order and seat lock operations over HTTP.  It
// only translates: identity comes from the JWT middleware, and every rule
// lives in the order and seatlock packages.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticketing-core/internal/middleware"
	"github.com/iliyamo/ticketing-core/internal/model"
	"github.com/iliyamo/ticketing-core/internal/order"
)

// OrderService is the part of order.Service used over HTTP.
type OrderService interface {
	Create(ctx context.Context, req order.Request) (*model.Order, error)
	Get(ctx context.Context, orderID int64, holderID string) (*model.Order, error)
	Cancel(ctx context.Context, orderID int64, holderID string) (*model.Order, error)
}

var _ OrderService = (*order.Service)(nil)

// OrderHandler serves /v1/sessions/:id/orders and /v1/orders/:id.
type OrderHandler struct {
	svc OrderService
}

func NewOrderHandler(svc OrderService) *OrderHandler { return &OrderHandler{svc: svc} }

type seatsBody struct {
	SeatIDs []uint64 `json:"seat_ids"`
}

// Create handles POST /v1/sessions/:id/orders with {"seat_ids": [...]}.
func (h *OrderHandler) Create(c echo.Context) error {
	sessionID, err := parseID(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid session id")
	}
	var body seatsBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(body.SeatIDs) == 0 {
		return badRequest(c, "seat_ids is required")
	}
	o, err := h.svc.Create(c.Request().Context(), order.Request{
		SessionID: sessionID,
		SeatIDs:   body.SeatIDs,
		HolderID:  middleware.HolderID(c),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}

// Get handles GET /v1/orders/:id.
func (h *OrderHandler) Get(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return badRequest(c, "invalid order id")
	}
	o, err := h.svc.Get(c.Request().Context(), id, middleware.HolderID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

// Cancel handles DELETE /v1/orders/:id.
func (h *OrderHandler) Cancel(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return badRequest(c, "invalid order id")
	}
	o, err := h.svc.Cancel(c.Request().Context(), id, middleware.HolderID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err == nil && id == 0 {
		err = strconv.ErrRange
	}
	return id, err
}
