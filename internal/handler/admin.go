package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Sweeper runs one expiry pass.
type Sweeper interface {
	Once(ctx context.Context) int
}

// AdminHandler holds operator-only endpoints.
type AdminHandler struct {
	sweeper Sweeper
}

func NewAdminHandler(s Sweeper) *AdminHandler { return &AdminHandler{sweeper: s} }

// ExpireOrders handles POST /v1/admin/orders/expire, running the expiry
// sweep now instead of waiting for the next tick.
func (h *AdminHandler) ExpireOrders(c echo.Context) error {
	n := h.sweeper.Once(c.Request().Context())
	return c.JSON(http.StatusOK, echo.Map{"expired": n})
}
