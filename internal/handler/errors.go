package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticketing-core/internal/idgen"
	"github.com/iliyamo/ticketing-core/internal/order"
	"github.com/iliyamo/ticketing-core/internal/seatlock"
	"github.com/iliyamo/ticketing-core/internal/store"
)

// writeError maps domain errors onto HTTP responses so clients can tell
// "rate limited" from "seat taken" from "try again later".
func writeError(c echo.Context, err error) error {
	var unavailable *seatlock.UnavailableError
	switch {
	case errors.Is(err, order.ErrTooManyRequests):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too_many_requests"})
	case errors.As(err, &unavailable):
		return c.JSON(http.StatusConflict, echo.Map{"error": "seat_unavailable", "seat_ids": unavailable.SeatIDs})
	case errors.Is(err, order.ErrOrderCreationAborted):
		return c.JSON(http.StatusConflict, echo.Map{"error": "order_creation_aborted"})
	case errors.Is(err, order.ErrPersistenceFailure), errors.Is(err, store.ErrBackend):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily_unavailable"})
	case errors.Is(err, seatlock.ErrLockExpiredOrStolen):
		return c.JSON(http.StatusConflict, echo.Map{"error": "lock_expired_or_stolen"})
	case errors.Is(err, seatlock.ErrLockConfirmed), errors.Is(err, order.ErrNotPending):
		return c.JSON(http.StatusConflict, echo.Map{"error": "invalid_state"})
	case errors.Is(err, order.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "order_not_found"})
	case errors.Is(err, order.ErrUnknownSeat):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "unknown_seat"})
	case errors.Is(err, order.ErrInvalidRequest),
		errors.Is(err, seatlock.ErrNoSeats),
		errors.Is(err, seatlock.ErrInvalidTTL),
		errors.Is(err, seatlock.ErrInvalidHolder):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, idgen.ErrClockRegression):
		c.Logger().Errorf("id generator unusable: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
	default:
		c.Logger().Errorf("unhandled error: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": msg})
}
