package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/iliyamo/ticketing-core/internal/model"
)

// OrderRepo stores orders and their seats in the orders and order_seats
// tables.  All timestamps are written and read in UTC.
type OrderRepo struct {
	db *sqlx.DB
}

// NewOrderRepo returns an OrderRepo bound to db.
func NewOrderRepo(db *sqlx.DB) *OrderRepo { return &OrderRepo{db: db} }

const orderColumns = `id, order_no, holder_id, session_id, status, total_amount_cents, expires_at, created_at, updated_at`

const orderSeatColumns = `id, order_id, session_id, seat_id, price_cents, lock_expires_at, lock_token`

// SaveOrder inserts the order and all of its seats in one transaction.
func (r *OrderRepo) SaveOrder(ctx context.Context, o *model.Order) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin save order")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (:id, :order_no, :holder_id, :session_id, :status, :total_amount_cents, :expires_at, :created_at, :updated_at)`,
		o)
	if err != nil {
		if isDuplicate(err) {
			return errors.Wrapf(ErrDuplicateOrder, "order %d", o.ID)
		}
		return errors.Wrap(err, "insert order")
	}

	if err := insertOrderSeats(ctx, tx, o.Seats); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit save order")
	}
	committed = true
	return nil
}

// insertOrderSeats writes every seat row in a single multi-row INSERT.
func insertOrderSeats(ctx context.Context, tx *sqlx.Tx, seats []model.OrderSeat) error {
	if len(seats) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO order_seats (` + orderSeatColumns + `) VALUES `)
	args := make([]interface{}, 0, len(seats)*7)
	for i, s := range seats {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, s.ID, s.OrderID, s.SessionID, s.SeatID, s.PriceCents, s.LockExpiresAt, s.LockToken)
	}
	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		if isDuplicate(err) {
			return errors.Wrap(ErrDuplicateOrder, "order seats")
		}
		return errors.Wrap(err, "insert order seats")
	}
	return nil
}

// CancelOrder marks an order CANCELLED whatever its current status.
func (r *OrderRepo) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = UTC_TIMESTAMP(6) WHERE id = ?`,
		model.OrderCancelled, orderID)
	return errors.Wrapf(err, "cancel order %d", orderID)
}

// TransitionStatus moves an order from one status to another.  It reports
// false, without error, when the order is missing or not in status from.
func (r *OrderRepo) TransitionStatus(ctx context.Context, orderID int64, from, to model.OrderStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = UTC_TIMESTAMP(6) WHERE id = ? AND status = ?`,
		to, orderID, from)
	if err != nil {
		return false, errors.Wrapf(err, "transition order %d", orderID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// GetOrder loads an order with its seats.  It returns (nil, nil) when no
// order has that id.
func (r *OrderRepo) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	var o model.Order
	err := r.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %d", orderID)
	}
	if err := r.attachSeats(ctx, []*model.Order{&o}); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListExpiredPending returns up to limit PENDING_PAYMENT orders whose
// expires_at is not after now, oldest first, with their seats.
func (r *OrderRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.SelectContext(ctx, &orders,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = ? AND expires_at <= ?
		 ORDER BY expires_at, id
		 LIMIT ?`,
		model.OrderPendingPayment, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list expired orders")
	}
	if err := r.attachSeats(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachSeats loads order_seats for all orders with one IN query.
func (r *OrderRepo) attachSeats(ctx context.Context, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	byID := make(map[int64]*model.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
	}
	query, args, err := sqlx.In(`SELECT `+orderSeatColumns+` FROM order_seats WHERE order_id IN (?) ORDER BY order_id, seat_id`, ids)
	if err != nil {
		return errors.Wrap(err, "build order seats query")
	}
	var seats []model.OrderSeat
	if err := r.db.SelectContext(ctx, &seats, r.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "load order seats")
	}
	for _, s := range seats {
		if o, ok := byID[s.OrderID]; ok {
			o.Seats = append(o.Seats, s)
		}
	}
	return nil
}
