package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticketing-core/internal/middleware"
	"github.com/iliyamo/ticketing-core/internal/model"
	"github.com/iliyamo/ticketing-core/internal/seatlock"
)

// LockService is the part of seatlock.Manager used for seat selection.
type LockService interface {
	ClaimAll(ctx context.Context, seatIDs []uint64, sessionID uint64, holderID string, ttl time.Duration) ([]model.SeatLock, error)
	Release(ctx context.Context, seatID, sessionID uint64, holderID string) error
	Extend(ctx context.Context, seatID, sessionID uint64, holderID string, extra time.Duration) (model.SeatLock, error)
	Inspect(ctx context.Context, seatID, sessionID uint64) (model.SeatLock, bool, error)
	HeldBy(ctx context.Context, sessionID uint64, holderID string) ([]model.SeatLock, error)
}

var _ LockService = (*seatlock.Manager)(nil)

// LockHandler serves seat-selection locks: seats a holder is looking at
// before placing an order.
type LockHandler struct {
	locks LockService
	ttl   time.Duration
}

// NewLockHandler returns a LockHandler claiming seats for ttl.
func NewLockHandler(locks LockService, ttl time.Duration) *LockHandler {
	return &LockHandler{locks: locks, ttl: ttl}
}

// Claim handles POST /v1/sessions/:id/locks.
func (h *LockHandler) Claim(c echo.Context) error {
	sessionID, body, err := h.bind(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	locks, err := h.locks.ClaimAll(c.Request().Context(), body.SeatIDs, sessionID, middleware.HolderID(c), h.ttl)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"locks": locks})
}

// Release handles DELETE /v1/sessions/:id/locks.  Every listed seat is
// tried; seats that are already free count as released.
func (h *LockHandler) Release(c echo.Context) error {
	sessionID, body, err := h.bind(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	holder := middleware.HolderID(c)
	var errs []error
	for _, id := range seatlock.NormalizeSeatIDs(body.SeatIDs) {
		if err := h.locks.Release(c.Request().Context(), id, sessionID, holder); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Held handles GET /v1/sessions/:id/locks: the caller's live locks in the
// session.
func (h *LockHandler) Held(c echo.Context) error {
	sessionID, err := parseID(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid session id")
	}
	locks, err := h.locks.HeldBy(c.Request().Context(), sessionID, middleware.HolderID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"locks": locks})
}

// Extend handles PATCH /v1/sessions/:id/locks with {"seat_ids": [...],
// "extend_seconds": n}.
func (h *LockHandler) Extend(c echo.Context) error {
	sessionID, body, err := h.bind(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if body.ExtendSeconds <= 0 {
		return badRequest(c, "extend_seconds must be positive")
	}
	extra := time.Duration(body.ExtendSeconds) * time.Second
	holder := middleware.HolderID(c)
	out := make([]model.SeatLock, 0, len(body.SeatIDs))
	for _, id := range seatlock.NormalizeSeatIDs(body.SeatIDs) {
		lock, err := h.locks.Extend(c.Request().Context(), id, sessionID, holder, extra)
		if err != nil {
			return writeError(c, err)
		}
		out = append(out, lock)
	}
	return c.JSON(http.StatusOK, echo.Map{"locks": out})
}

// Inspect handles GET /v1/sessions/:id/seats/:seat/lock.  Only the holder
// sees lock details; everyone else learns whether the seat is free.
func (h *LockHandler) Inspect(c echo.Context) error {
	sessionID, err := parseID(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid session id")
	}
	seatID, err := parseID(c.Param("seat"))
	if err != nil {
		return badRequest(c, "invalid seat id")
	}
	lock, held, err := h.locks.Inspect(c.Request().Context(), seatID, sessionID)
	if err != nil {
		return writeError(c, err)
	}
	resp := echo.Map{"session_id": sessionID, "seat_id": seatID, "available": !held}
	if held && lock.HolderID == middleware.HolderID(c) {
		resp["lock"] = lock
	}
	return c.JSON(http.StatusOK, resp)
}

type lockBody struct {
	SeatIDs       []uint64 `json:"seat_ids"`
	ExtendSeconds int      `json:"extend_seconds"`
}

type requestError string

func (e requestError) Error() string { return string(e) }

func (h *LockHandler) bind(c echo.Context) (uint64, lockBody, error) {
	var body lockBody
	sessionID, err := parseID(c.Param("id"))
	if err != nil {
		return 0, body, requestError("invalid session id")
	}
	if err := c.Bind(&body); err != nil {
		return 0, body, requestError("invalid request body")
	}
	if len(body.SeatIDs) == 0 {
		return 0, body, requestError("seat_ids is required")
	}
	return sessionID, body, nil
}
