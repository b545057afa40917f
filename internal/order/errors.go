package order

import "errors"

// Errors returned by Service.  Seat-level failures come back as the
// seatlock package's errors (ErrSeatUnavailable, ErrLockExpiredOrStolen) so
// callers can match them directly.
var (
	// ErrTooManyRequests means admission control turned the request away,
	// including when the limiter's store was unreachable.
	ErrTooManyRequests = errors.New("order: too many requests")

	// ErrPersistenceFailure means the order could not be written.  Every
	// seat claimed for it has been released.
	ErrPersistenceFailure = errors.New("order: persistence failure")

	// ErrOrderCreationAborted means a seat lock was lost before it could be
	// confirmed.  The order was cancelled and its seats released; the
	// attempt is safe to retry from scratch.
	ErrOrderCreationAborted = errors.New("order: creation aborted")

	// ErrNotFound is returned for orders that do not exist or belong to
	// another holder.
	ErrNotFound = errors.New("order: not found")

	// ErrNotPending is returned when cancelling an order that is no longer
	// awaiting payment.
	ErrNotPending = errors.New("order: not pending payment")

	// ErrUnknownSeat is returned when a requested seat has no price for the
	// session, i.e. it does not exist in that session's layout.
	ErrUnknownSeat = errors.New("order: unknown seat")

	ErrInvalidRequest = errors.New("order: invalid request")
)
