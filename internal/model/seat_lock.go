package model

import "time"

// LockState is the lifecycle position of a seat lock.  FREE, RELEASED and
// EXPIRED are never stored: a missing record means the seat is free.
type LockState string

const (
	LockHeld      LockState = "HELD"
	LockConfirmed LockState = "CONFIRMED"
)

// SeatLock is a time-bounded claim on one seat of one session by one holder.
// It replaces the old seat_holds table: the record lives only in the shared
// store, and the store's TTL decides when it disappears.
//
// Fields:
//
//	SeatID     – seat being claimed.
//	SessionID  – show session the seat belongs to.
//	HolderID   – user id or order-in-progress token that owns the claim.
//	State      – HELD until the owning order is persisted, then CONFIRMED.
//	Token      – random per-claim value; two claims by the same holder never
//	             encode to the same record.
//	AcquiredAt – when the claim succeeded.
//	ExpiresAt  – when the store will drop the record.
type SeatLock struct {
	SeatID     uint64    `json:"seat_id"`
	SessionID  uint64    `json:"session_id"`
	HolderID   string    `json:"holder_id"`
	State      LockState `json:"state"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
