// Package router registers the HTTP routes of the API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticketing-core/internal/admission"
	"github.com/iliyamo/ticketing-core/internal/handler"
	"github.com/iliyamo/ticketing-core/internal/middleware"
)

// Roles carried in access tokens.
const (
	RoleCustomer = "CUSTOMER"
	RoleOperator = "OPERATOR"
)

// Handlers groups everything RegisterRoutes mounts.
type Handlers struct {
	Health *handler.HealthHandler
	Orders *handler.OrderHandler
	Locks  *handler.LockHandler
	Admin  *handler.AdminHandler
}

// RegisterRoutes mounts the health check and the authenticated /v1 API.
// Order creation is admitted inside the order service (per holder and per
// session), so only lock claims, cancellations and reads are gated here.  A
// nil limiter disables admission.
func RegisterRoutes(e *echo.Echo, h Handlers, limiter *admission.Limiter, jwtSecret string) {
	e.GET("/healthz", h.Health.Health)

	v1 := e.Group("/v1", middleware.JWTAuth(jwtSecret))

	customer := v1.Group("", middleware.RequireRole(RoleCustomer, RoleOperator))
	query := gate(limiter, admission.CategoryQuery)
	booking := gate(limiter, admission.CategoryBooking)
	cancel := gate(limiter, admission.CategoryCancel)

	customer.POST("/sessions/:id/orders", h.Orders.Create)
	customer.GET("/orders/:id", h.Orders.Get, query)
	customer.DELETE("/orders/:id", h.Orders.Cancel, cancel)

	customer.GET("/sessions/:id/seats/:seat/lock", h.Locks.Inspect, query)
	customer.GET("/sessions/:id/locks", h.Locks.Held, query)
	customer.POST("/sessions/:id/locks", h.Locks.Claim, booking)
	customer.DELETE("/sessions/:id/locks", h.Locks.Release, cancel)
	customer.PATCH("/sessions/:id/locks", h.Locks.Extend, booking)

	admin := v1.Group("/admin", middleware.RequireRole(RoleOperator))
	admin.POST("/orders/expire", h.Admin.ExpireOrders)
}

func gate(l *admission.Limiter, category admission.Category) echo.MiddlewareFunc {
	if l == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return middleware.Admission(l, category, middleware.ByHolder)
}
