// Package queue carries order lifecycle events over RabbitMQ: the payload
// type, a publisher used by the order service and a consumer that appends
// every event to an audit log.
package queue

import "time"

// Event types, also used as routing keys on the order exchange.
const (
	OrderCreated   = "order.created"
	OrderCancelled = "order.cancelled"
	OrderExpired   = "order.expired"
)

// OrderEvent is published whenever an order changes state.  It contains
// enough information for downstream consumers to log, notify or trigger
// analytics without querying the primary database.
type OrderEvent struct {
	Type             string    `json:"type"`
	OrderID          int64     `json:"order_id,string"`
	OrderNo          string    `json:"order_no"`
	HolderID         string    `json:"holder_id"`
	SessionID        uint64    `json:"session_id"`
	SeatIDs          []uint64  `json:"seat_ids"`
	Status           string    `json:"status"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	ExpiresAt        time.Time `json:"expires_at"`
	OccurredAt       time.Time `json:"occurred_at"`
}
