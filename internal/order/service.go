// Package order composes admission control, seat locks and the identifier
// generator into the order creation flow, and owns the rest of a pending
// order's life: lookup, cancellation and expiry.
package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ticketing-core/internal/admission"
	"github.com/iliyamo/ticketing-core/internal/clock"
	"github.com/iliyamo/ticketing-core/internal/idgen"
	"github.com/iliyamo/ticketing-core/internal/model"
	"github.com/iliyamo/ticketing-core/internal/queue"
	"github.com/iliyamo/ticketing-core/internal/seatlock"
)

// Repository persists orders.  GetOrder returns (nil, nil) for an unknown id.
type Repository interface {
	SaveOrder(ctx context.Context, o *model.Order) error
	CancelOrder(ctx context.Context, orderID int64) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	// TransitionStatus moves an order from one status to another and reports
	// false when the order was not in status from.
	TransitionStatus(ctx context.Context, orderID int64, from, to model.OrderStatus) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Order, error)
}

// PriceSource returns the current price of each seat in a session.  Seats
// missing from the result do not exist in the session.
type PriceSource interface {
	SeatPrices(ctx context.Context, sessionID uint64, seatIDs []uint64) (map[uint64]int64, error)
}

// Publisher delivers order events.  Delivery is best effort.
type Publisher interface {
	PublishOrderEvent(ctx context.Context, ev queue.OrderEvent) error
}

// Admitter gates requests per category and subject.
type Admitter interface {
	Allow(ctx context.Context, c admission.Category, subject string) (bool, error)
}

// Locker is the slice of the seat lock manager the service needs.
type Locker interface {
	ClaimAll(ctx context.Context, seatIDs []uint64, sessionID uint64, holderID string, ttl time.Duration) ([]model.SeatLock, error)
	ConfirmAll(ctx context.Context, locks []model.SeatLock) ([]model.SeatLock, error)
	ReleaseAll(ctx context.Context, locks []model.SeatLock) error
}

// IDGenerator hands out unique identifiers.
type IDGenerator interface {
	Next() (idgen.ID, error)
}

var (
	_ Locker      = (*seatlock.Manager)(nil)
	_ Admitter    = (*admission.Limiter)(nil)
	_ IDGenerator = (*idgen.Generator)(nil)
)

// Request is the caller-facing input for Create.
type Request struct {
	SessionID uint64
	SeatIDs   []uint64
	HolderID  string
}

// Config tunes the service.
type Config struct {
	LockTTL      time.Duration // how long claimed seats stay HELD
	StoreTimeout time.Duration // bound on each admission/lock round-trip
	MaxSeats     int           // per order; 0 means unlimited
}

// Service implements the order flows.  It holds no per-request state and is
// safe for concurrent use.
type Service struct {
	repo   Repository
	prices PriceSource
	events Publisher
	admit  Admitter
	locks  Locker
	ids    IDGenerator
	clock  clock.Clock
	cfg    Config
	log    logrus.FieldLogger
}

// Deps groups the collaborators of a Service.  Prices and Events may be nil.
type Deps struct {
	Repo   Repository
	Prices PriceSource
	Events Publisher
	Admit  Admitter
	Locks  Locker
	IDs    IDGenerator
	Clock  clock.Clock
	Log    logrus.FieldLogger
}

// NewService wires a Service.
func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Service{
		repo:   d.Repo,
		prices: d.Prices,
		events: d.Events,
		admit:  d.Admit,
		locks:  d.Locks,
		ids:    d.IDs,
		clock:  d.Clock,
		cfg:    cfg,
		log:    d.Log.WithField("component", "order"),
	}
}

// Create runs the booking flow: admission, seat claims, id allocation,
// persistence and lock confirmation.  On success the order is
// PENDING_PAYMENT and expires with its earliest seat lock.  On any failure
// after the claims, every claimed seat is released before Create returns,
// including when ctx is cancelled part way.
func (s *Service) Create(ctx context.Context, req Request) (*model.Order, error) {
	seatIDs := seatlock.NormalizeSeatIDs(req.SeatIDs)
	if req.HolderID == "" || len(seatIDs) == 0 {
		return nil, ErrInvalidRequest
	}
	if s.cfg.MaxSeats > 0 && len(seatIDs) > s.cfg.MaxSeats {
		return nil, fmt.Errorf("%w: at most %d seats per order", ErrInvalidRequest, s.cfg.MaxSeats)
	}
	log := s.log.WithFields(logrus.Fields{"session_id": req.SessionID, "holder_id": req.HolderID})

	if err := s.admitAll(ctx, req); err != nil {
		return nil, err
	}

	claimCtx, cancel := s.bound(ctx)
	locks, err := s.locks.ClaimAll(claimCtx, seatIDs, req.SessionID, req.HolderID, s.cfg.LockTTL)
	cancel()
	if err != nil {
		return nil, err
	}

	// From here on the claims belong to this call until they are confirmed.
	confirmed := false
	defer func() {
		if confirmed {
			return
		}
		cleanup := context.WithoutCancel(ctx)
		if rerr := s.locks.ReleaseAll(cleanup, locks); rerr != nil {
			log.WithError(rerr).Error("order: release after failed creation; seat ttl will reclaim")
		}
	}()

	o, err := s.build(ctx, req, locks)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SaveOrder(ctx, o); err != nil {
		log.WithError(err).Error("order: save failed")
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	confirmCtx, cancel := s.bound(context.WithoutCancel(ctx))
	_, err = s.locks.ConfirmAll(confirmCtx, locks)
	cancel()
	if err != nil {
		log.WithError(err).WithField("order_id", o.ID).Warn("order: lock lost before confirm, aborting")
		if cerr := s.repo.CancelOrder(context.WithoutCancel(ctx), o.ID); cerr != nil {
			log.WithError(cerr).WithField("order_id", o.ID).Error("order: cancel of aborted order failed")
		}
		return nil, fmt.Errorf("%w: %w", ErrOrderCreationAborted, err)
	}
	confirmed = true

	log.WithFields(logrus.Fields{"order_id": o.ID, "seats": len(o.Seats)}).Info("order: created")
	s.publish(ctx, queue.OrderCreated, o)
	return o, nil
}

// admitAll checks the per-session and per-holder booking budgets.
func (s *Service) admitAll(ctx context.Context, req Request) error {
	if s.admit == nil {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	// Session first: a busy session turns the request away before the
	// holder's own budget is touched.  A holder denial still spends one
	// session slot.
	subjects := []string{
		"session:" + strconv.FormatUint(req.SessionID, 10),
		"holder:" + req.HolderID,
	}
	for _, subject := range subjects {
		ok, err := s.admit.Allow(ctx, admission.CategoryBooking, subject)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTooManyRequests, err)
		}
		if !ok {
			return ErrTooManyRequests
		}
	}
	return nil
}

// build allocates ids and snapshots prices for the claimed seats.
func (s *Service) build(ctx context.Context, req Request, locks []model.SeatLock) (*model.Order, error) {
	seatIDs := make([]uint64, len(locks))
	for i, l := range locks {
		seatIDs[i] = l.SeatID
	}

	var prices map[uint64]int64
	if s.prices != nil {
		var err error
		prices, err = s.prices.SeatPrices(ctx, req.SessionID, seatIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: price lookup: %w", ErrPersistenceFailure, err)
		}
	}

	orderID, err := s.ids.Next()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	o := &model.Order{
		ID:        orderID.Int64(),
		OrderNo:   orderID.String(),
		HolderID:  req.HolderID,
		SessionID: req.SessionID,
		Status:    model.OrderPendingPayment,
		CreatedAt: now,
		UpdatedAt: now,
		Seats:     make([]model.OrderSeat, 0, len(locks)),
	}
	for _, l := range locks {
		price, ok := prices[l.SeatID]
		if s.prices != nil && !ok {
			return nil, fmt.Errorf("%w: seat %d in session %d", ErrUnknownSeat, l.SeatID, req.SessionID)
		}
		seatID, err := s.ids.Next()
		if err != nil {
			return nil, err
		}
		o.Seats = append(o.Seats, model.OrderSeat{
			ID:            seatID.Int64(),
			OrderID:       o.ID,
			SessionID:     req.SessionID,
			SeatID:        l.SeatID,
			PriceCents:    price,
			LockExpiresAt: l.ExpiresAt,
			LockToken:     l.Token,
		})
		o.TotalAmountCents += price
		if o.ExpiresAt.IsZero() || l.ExpiresAt.Before(o.ExpiresAt) {
			o.ExpiresAt = l.ExpiresAt
		}
	}
	return o, nil
}

// Get returns holder's order.  Orders of other holders are reported as not
// found.
func (s *Service) Get(ctx context.Context, orderID int64, holderID string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if o == nil || o.HolderID != holderID {
		return nil, ErrNotFound
	}
	return o, nil
}

// Cancel cancels holder's pending order and frees its seats.
func (s *Service) Cancel(ctx context.Context, orderID int64, holderID string) (*model.Order, error) {
	o, err := s.Get(ctx, orderID, holderID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.OrderPendingPayment {
		return nil, ErrNotPending
	}
	ok, err := s.repo.TransitionStatus(ctx, o.ID, model.OrderPendingPayment, model.OrderCancelled)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if !ok {
		return nil, ErrNotPending
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = s.clock.Now()
	s.releaseOrderSeats(context.WithoutCancel(ctx), o)
	s.publish(ctx, queue.OrderCancelled, o)
	return o, nil
}

// ExpireDue moves up to batch pending orders whose ExpiresAt has passed to
// EXPIRED and releases their seats.  It returns how many orders it expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, batch int) (int, error) {
	due, err := s.repo.ListExpiredPending(ctx, now, batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range due {
		ok, err := s.repo.TransitionStatus(ctx, o.ID, model.OrderPendingPayment, model.OrderExpired)
		if err != nil {
			return expired, err
		}
		if !ok {
			continue
		}
		o.Status = model.OrderExpired
		o.UpdatedAt = now
		s.releaseOrderSeats(ctx, o)
		s.publish(ctx, queue.OrderExpired, o)
		expired++
	}
	return expired, nil
}

// releaseOrderSeats frees the seat locks claimed for an order, matched by
// the lock token stored on each seat row.  Newer claims on the same seats,
// including ones by the same holder, are left alone.  Failures are logged
// since the ttl is the backstop.
func (s *Service) releaseOrderSeats(ctx context.Context, o *model.Order) {
	locks := make([]model.SeatLock, 0, len(o.Seats))
	for _, seat := range o.Seats {
		locks = append(locks, model.SeatLock{
			SeatID:    seat.SeatID,
			SessionID: o.SessionID,
			HolderID:  o.HolderID,
			Token:     seat.LockToken,
		})
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.locks.ReleaseAll(ctx, locks); err != nil {
		level := logrus.ErrorLevel
		if errors.Is(err, seatlock.ErrLockExpiredOrStolen) {
			level = logrus.WarnLevel
		}
		s.log.WithError(err).WithField("order_id", o.ID).Log(level, "order: seat release incomplete")
	}
}

func (s *Service) publish(ctx context.Context, typ string, o *model.Order) {
	if s.events == nil {
		return
	}
	ev := queue.OrderEvent{
		Type:             typ,
		OrderID:          o.ID,
		OrderNo:          o.OrderNo,
		HolderID:         o.HolderID,
		SessionID:        o.SessionID,
		SeatIDs:          o.SeatIDs(),
		Status:           string(o.Status),
		TotalAmountCents: o.TotalAmountCents,
		ExpiresAt:        o.ExpiresAt,
		OccurredAt:       s.clock.Now(),
	}
	if err := s.events.PublishOrderEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"order_id": o.ID, "event": typ}).Warn("order: event publish failed")
	}
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}
