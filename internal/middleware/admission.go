package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticketing-core/internal/admission"
)

// SubjectFunc picks the admission subject for a request.
type SubjectFunc func(c echo.Context) string

// ByHolder keys admission on the authenticated holder, falling back to the
// client IP for anonymous calls.
func ByHolder(c echo.Context) string {
	if h := HolderID(c); h != "" {
		return "holder:" + h
	}
	return "ip:" + c.RealIP()
}

// Admission gates a route group with the limiter's budget for category.  A
// denial, including one caused by an unreachable store, is answered with 429
// and a Retry-After of one window.
func Admission(l *admission.Limiter, category admission.Category, subject SubjectFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, err := l.Allow(c.Request().Context(), category, subject(c))
			if err != nil {
				c.Logger().Errorf("admission: %v", err)
			}
			if err != nil || !ok {
				return TooManyRequests(c, l, category)
			}
			return next(c)
		}
	}
}

// TooManyRequests writes the 429 response used for every admission denial.
func TooManyRequests(c echo.Context, l *admission.Limiter, category admission.Category) error {
	secs := 1
	if p, ok := l.Policy(category); ok {
		secs = int(math.Ceil(p.Window.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("X-RateLimit-Limit", strconv.FormatInt(p.Limit, 10))
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	return c.JSON(http.StatusTooManyRequests, echo.Map{
		"error":       "too_many_requests",
		"message":     "rate limit exceeded",
		"retry_after": secs,
	})
}
