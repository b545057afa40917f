package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ShowSeatRepo reads the per-session seat layout and prices from
// show_seats.  The table is owned by the catalog service; this side only
// reads it.
type ShowSeatRepo struct {
	db *sqlx.DB
}

// NewShowSeatRepo constructs a ShowSeatRepo given a DB handle.
func NewShowSeatRepo(db *sqlx.DB) *ShowSeatRepo { return &ShowSeatRepo{db: db} }

// SeatPrices returns price_cents for each requested seat that exists in the
// session.  Unknown seats are simply absent from the map.
func (r *ShowSeatRepo) SeatPrices(ctx context.Context, sessionID uint64, seatIDs []uint64) (map[uint64]int64, error) {
	prices := make(map[uint64]int64, len(seatIDs))
	if len(seatIDs) == 0 {
		return prices, nil
	}
	query, args, err := sqlx.In(
		`SELECT seat_id, price_cents FROM show_seats WHERE session_id = ? AND seat_id IN (?)`,
		sessionID, seatIDs)
	if err != nil {
		return nil, errors.Wrap(err, "build seat price query")
	}
	var rows []struct {
		SeatID     uint64 `db:"seat_id"`
		PriceCents int64  `db:"price_cents"`
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrapf(err, "seat prices for session %d", sessionID)
	}
	for _, row := range rows {
		prices[row.SeatID] = row.PriceCents
	}
	return prices, nil
}
