package seatlock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSeatUnavailable means a claim found the seat already held or
	// confirmed, or the store could not be asked.
	ErrSeatUnavailable = errors.New("seatlock: seat unavailable")

	// ErrLockExpiredOrStolen means the caller no longer owns the lock: it
	// expired, or another holder has it now.
	ErrLockExpiredOrStolen = errors.New("seatlock: lock expired or stolen")

	// ErrLockConfirmed is returned by Extend for a lock that is no longer HELD.
	ErrLockConfirmed = errors.New("seatlock: lock already confirmed")

	ErrInvalidTTL    = errors.New("seatlock: ttl must be positive")
	ErrInvalidHolder = errors.New("seatlock: holder id required")
	ErrNoSeats       = errors.New("seatlock: no seats requested")
)

// UnavailableError reports which seats could not be claimed.  It matches
// ErrSeatUnavailable and, when the store failed, the store error too.
type UnavailableError struct {
	SessionID uint64
	SeatIDs   []uint64
	Cause     error
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: session %d seats [%s]", ErrSeatUnavailable, e.SessionID, joinIDs(e.SeatIDs))
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *UnavailableError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSeatUnavailable}
	}
	return []error{ErrSeatUnavailable, e.Cause}
}

// LostError reports a lock the caller expected to own but does not.
type LostError struct {
	SessionID uint64
	SeatID    uint64
	Cause     error
}

func (e *LostError) Error() string {
	msg := fmt.Sprintf("%s: session %d seat %d", ErrLockExpiredOrStolen, e.SessionID, e.SeatID)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrLockExpiredOrStolen}
	}
	return []error{ErrLockExpiredOrStolen, e.Cause}
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}
