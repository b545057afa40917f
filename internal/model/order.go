package model

import "time"

// OrderStatus values stored in orders.status.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderCancelled      OrderStatus = "CANCELLED"
	OrderExpired        OrderStatus = "EXPIRED"
)

// Order records a holder's booking for one session.  It aggregates one or
// more seats claimed in a single attempt and tracks the overall status and
// total amount.
//
// Fields:
//
//	ID               – generated identifier, also the primary key.
//	OrderNo          – customer-facing order number (decimal identifier).
//	HolderID         – user who placed the order.
//	SessionID        – session being booked.
//	Status           – PENDING_PAYMENT, CANCELLED or EXPIRED.
//	TotalAmountCents – sum of the seat price snapshots.
//	ExpiresAt        – earliest seat lock expiry; unpaid orders age out with
//	                   their seats.
//	CreatedAt        – creation timestamp.
//	UpdatedAt        – last update timestamp.
type Order struct {
	ID               int64       `db:"id" json:"id,string"`
	OrderNo          string      `db:"order_no" json:"order_no"`
	HolderID         string      `db:"holder_id" json:"holder_id"`
	SessionID        uint64      `db:"session_id" json:"session_id"`
	Status           OrderStatus `db:"status" json:"status"`
	TotalAmountCents int64       `db:"total_amount_cents" json:"total_amount_cents"`
	ExpiresAt        time.Time   `db:"expires_at" json:"expires_at"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
	Seats            []OrderSeat `db:"-" json:"seats"`
}

// OrderSeat links an order to one seat with the price captured at claim time.
//
// Fields:
//
//	ID            – generated identifier.
//	OrderID       – owning order.
//	SessionID     – session in which the seat is booked.
//	SeatID        – seat that has been reserved.
//	PriceCents    – price snapshot in cents.
//	LockExpiresAt – expiry of the seat lock backing this row.
//	LockToken     – token of that lock; releasing the order frees only
//	                this claim.
type OrderSeat struct {
	ID            int64     `db:"id" json:"id,string"`
	OrderID       int64     `db:"order_id" json:"order_id,string"`
	SessionID     uint64    `db:"session_id" json:"session_id"`
	SeatID        uint64    `db:"seat_id" json:"seat_id"`
	PriceCents    int64     `db:"price_cents" json:"price_cents"`
	LockExpiresAt time.Time `db:"lock_expires_at" json:"lock_expires_at"`
	LockToken     string    `db:"lock_token" json:"-"`
}

// SeatIDs returns the seat ids of the order in stored order.
func (o *Order) SeatIDs() []uint64 {
	ids := make([]uint64, 0, len(o.Seats))
	for _, s := range o.Seats {
		ids = append(ids, s.SeatID)
	}
	return ids
}
