package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticketing-core/internal/utils"
)

// Context keys set by JWTAuth.
const (
	ctxHolderID = "holder_id"
	ctxRole     = "role"
)

// JWTAuth validates a Bearer access token and stores the holder id (the
// token subject) and role in the request context.  Handlers read them with
// HolderID and Role.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			claims, err := utils.ParseAccessToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			c.Set(ctxHolderID, claims.Subject)
			c.Set(ctxRole, claims.Role)
			return next(c)
		}
	}
}

// HolderID returns the authenticated holder, or "" outside JWTAuth.
func HolderID(c echo.Context) string {
	s, _ := c.Get(ctxHolderID).(string)
	return s
}

// Role returns the authenticated role, or "" outside JWTAuth.
func Role(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return s
}
