package order

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketing-core/internal/admission"
	"github.com/iliyamo/ticketing-core/internal/clock"
	"github.com/iliyamo/ticketing-core/internal/idgen"
	"github.com/iliyamo/ticketing-core/internal/model"
	"github.com/iliyamo/ticketing-core/internal/queue"
	"github.com/iliyamo/ticketing-core/internal/seatlock"
	"github.com/iliyamo/ticketing-core/internal/store"
)

type fakeRepo struct {
	mu        sync.Mutex
	orders    map[int64]*model.Order
	cancelled []int64
	onSave    func(ctx context.Context, o *model.Order) error
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo { return &fakeRepo{orders: make(map[int64]*model.Order)} }

func (r *fakeRepo) SaveOrder(ctx context.Context, o *model.Order) error {
	if r.onSave != nil {
		if err := r.onSave(ctx, o); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	cp.Seats = append([]model.OrderSeat(nil), o.Seats...)
	r.orders[o.ID] = &cp
	return nil
}

func (r *fakeRepo) CancelOrder(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
	if o, ok := r.orders[id]; ok {
		o.Status = model.OrderCancelled
	}
	return nil
}

func (r *fakeRepo) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, id int64, from, to model.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (r *fakeRepo) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Order
	for _, o := range r.orders {
		if o.Status == model.OrderPendingPayment && !o.ExpiresAt.After(now) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakePrices map[uint64]int64

func (p fakePrices) SeatPrices(_ context.Context, _ uint64, seatIDs []uint64) (map[uint64]int64, error) {
	out := make(map[uint64]int64)
	for _, id := range seatIDs {
		if price, ok := p[id]; ok {
			out[id] = price
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, ev queue.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	svc    *Service
	repo   *fakeRepo
	locks  *seatlock.Manager
	clock  *clock.Fake
	events *recordingPublisher
	store  *store.MemoryStore
}

func newFixture(t *testing.T, bookingLimit int64) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	c := clock.NewFake(time.Date(2025, 9, 12, 20, 0, 0, 0, time.UTC))
	mem := store.NewMemoryStore(c)
	locks := seatlock.NewManager(mem, seatlock.WithClock(c), seatlock.WithLogger(log))
	limiter := admission.New(mem,
		admission.WithPolicy(admission.CategoryBooking, admission.Policy{Limit: bookingLimit, Window: time.Minute}),
		admission.WithLogger(log),
	)
	gen, err := idgen.New(1, 1)
	require.NoError(t, err)

	f := &fixture{repo: newFakeRepo(), locks: locks, clock: c, events: &recordingPublisher{}, store: mem}
	f.svc = NewService(Deps{
		Repo:   f.repo,
		Prices: fakePrices{1: 1500, 2: 1500, 3: 2500, 4: 2500},
		Events: f.events,
		Admit:  limiter,
		Locks:  locks,
		IDs:    gen,
		Clock:  c,
		Log:    log,
	}, Config{LockTTL: 10 * time.Minute, StoreTimeout: time.Second, MaxSeats: 6})
	return f
}

func (f *fixture) assertFree(t *testing.T, session uint64, seats ...uint64) {
	t.Helper()
	for _, seat := range seats {
		free, err := f.locks.IsAvailable(context.Background(), seat, session)
		require.NoError(t, err)
		assert.True(t, free, "seat %d should be free", seat)
	}
}

func TestCreateSucceeds(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	o, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{3, 1, 3}, HolderID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, model.OrderPendingPayment, o.Status)
	assert.Equal(t, int64(4000), o.TotalAmountCents)
	require.Len(t, o.Seats, 2)
	assert.Equal(t, []uint64{1, 3}, o.SeatIDs())
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), o.ExpiresAt)
	assert.NotEqual(t, o.Seats[0].ID, o.Seats[1].ID)
	assert.Equal(t, o.OrderNo, idgen.ID(o.ID).String())

	for _, seat := range []uint64{1, 3} {
		lock, held, err := f.locks.Inspect(ctx, seat, 7)
		require.NoError(t, err)
		require.True(t, held)
		assert.Equal(t, model.LockConfirmed, lock.State)
	}

	saved, err := f.repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, []string{queue.OrderCreated}, f.events.types())
}

func TestCreateRejectedByAdmission(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{2}, HolderID: "u2"})
	assert.ErrorIs(t, err, ErrTooManyRequests, "per-session budget is shared across holders")
	f.assertFree(t, 7, 2)
}

func TestAdmissionDenialBySessionSparesHolderBudget(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{2}, HolderID: "u2"})
	require.ErrorIs(t, err, ErrTooManyRequests)

	_, err = f.svc.Create(ctx, Request{SessionID: 8, SeatIDs: []uint64{2}, HolderID: "u2"})
	assert.NoError(t, err, "u2's own budget was not spent by the session denial")
}

type downStore struct{ store.AtomicStore }

func (downStore) IncrementWithCeiling(context.Context, string, int64, time.Duration) (bool, error) {
	return false, store.ErrBackend
}

func TestCreateFailsClosedWhenLimiterStoreIsDown(t *testing.T) {
	f := newFixture(t, 10)
	f.svc.admit = admission.New(downStore{},
		admission.WithPolicy(admission.CategoryBooking, admission.Policy{Limit: 10, Window: time.Minute}),
		admission.WithLogger(f.svc.log),
	)
	_, err := f.svc.Create(context.Background(), Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
	assert.ErrorIs(t, err, ErrTooManyRequests)
	f.assertFree(t, 7, 1)
}

func TestCreateSeatUnavailableLeavesNoTrace(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, err := f.locks.Claim(ctx, 2, 7, "other", time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1, 2}, HolderID: "u1"})
	assert.ErrorIs(t, err, seatlock.ErrSeatUnavailable)
	f.assertFree(t, 7, 1)
	assert.Empty(t, f.repo.orders)
	assert.Empty(t, f.events.types())
}

func TestCreatePersistenceFailureReleasesSeats(t *testing.T) {
	f := newFixture(t, 10)
	f.repo.onSave = func(context.Context, *model.Order) error { return errors.New("deadlock found") }

	_, err := f.svc.Create(context.Background(), Request{SessionID: 7, SeatIDs: []uint64{1, 2}, HolderID: "u1"})
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	f.assertFree(t, 7, 1, 2)
}

func TestCreateCancelledMidwayReleasesSeats(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.repo.onSave = func(ctx context.Context, _ *model.Order) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{3, 4}, HolderID: "u1"})
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.ErrorIs(t, err, context.Canceled)
	f.assertFree(t, 7, 3, 4)
}

func TestCreateAbortsWhenLockExpiresBeforeConfirm(t *testing.T) {
	f := newFixture(t, 10)
	f.repo.onSave = func(context.Context, *model.Order) error {
		f.clock.Advance(11 * time.Minute)
		return nil
	}

	_, err := f.svc.Create(context.Background(), Request{SessionID: 7, SeatIDs: []uint64{1, 2}, HolderID: "u1"})
	assert.ErrorIs(t, err, ErrOrderCreationAborted)
	assert.ErrorIs(t, err, seatlock.ErrLockExpiredOrStolen)

	require.Len(t, f.repo.cancelled, 1)
	saved, _ := f.repo.GetOrder(context.Background(), f.repo.cancelled[0])
	require.NotNil(t, saved)
	assert.Equal(t, model.OrderCancelled, saved.Status)
	f.assertFree(t, 7, 1, 2)
}

func TestCreateStaleAttemptCannotConfirmNewerClaim(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	var (
		newer   *model.Order
		resumed bool
	)
	f.repo.onSave = func(_ context.Context, o *model.Order) error {
		if resumed || o.HolderID != "u1" {
			return nil
		}
		resumed = true
		f.clock.Advance(11 * time.Minute)
		var err error
		newer, err = f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
		return err
	}

	_, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
	assert.ErrorIs(t, err, ErrOrderCreationAborted)
	require.NotNil(t, newer)

	lock, held, err := f.locks.Inspect(ctx, 1, 7)
	require.NoError(t, err)
	require.True(t, held, "the aborted attempt leaves the newer claim in place")
	assert.Equal(t, model.LockConfirmed, lock.State)
	assert.Equal(t, newer.Seats[0].LockToken, lock.Token)

	_, err = f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u2"})
	assert.ErrorIs(t, err, seatlock.ErrSeatUnavailable)
}

func TestEndingStaleOrderKeepsNewerClaimOfSameHolder(t *testing.T) {
	end := map[string]func(f *fixture, stale *model.Order) error{
		"expire": func(f *fixture, _ *model.Order) error {
			n, err := f.svc.ExpireDue(context.Background(), f.clock.Now(), 10)
			if err == nil && n != 1 {
				return fmt.Errorf("expired %d orders", n)
			}
			return err
		},
		"cancel": func(f *fixture, stale *model.Order) error {
			_, err := f.svc.Cancel(context.Background(), stale.ID, "u1")
			return err
		},
	}
	for name, endOrder := range end {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 10)
			ctx := context.Background()

			stale, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
			require.NoError(t, err)
			f.clock.Advance(10*time.Minute + time.Second)
			fresh, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
			require.NoError(t, err)
			require.NotEqual(t, stale.Seats[0].LockToken, fresh.Seats[0].LockToken)

			require.NoError(t, endOrder(f, stale))

			lock, held, err := f.locks.Inspect(ctx, 1, 7)
			require.NoError(t, err)
			require.True(t, held)
			assert.Equal(t, fresh.Seats[0].LockToken, lock.Token)
			assert.Equal(t, model.LockConfirmed, lock.State)

			_, err = f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u2"})
			assert.ErrorIs(t, err, seatlock.ErrSeatUnavailable)
		})
	}
}

func TestCreateUnknownSeat(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.svc.Create(context.Background(), Request{SessionID: 7, SeatIDs: []uint64{1, 99}, HolderID: "u1"})
	assert.ErrorIs(t, err, ErrUnknownSeat)
	f.assertFree(t, 7, 1, 99)
}

func TestCreateValidatesRequest(t *testing.T) {
	f := newFixture(t, 10)
	cases := map[string]Request{
		"no holder": {SessionID: 7, SeatIDs: []uint64{1}},
		"no seats":  {SessionID: 7, HolderID: "u1"},
		"too many":  {SessionID: 7, SeatIDs: []uint64{1, 2, 3, 4, 5, 6, 7}, HolderID: "u1"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCreateIgnoresPublishFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.events.err = errors.New("broker down")
	o, err := f.svc.Create(context.Background(), Request{SessionID: 7, SeatIDs: []uint64{1}, HolderID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPendingPayment, o.Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1, 2}, HolderID: "u1"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, o.ID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, err := f.svc.Cancel(ctx, o.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	f.assertFree(t, 7, 1, 2)

	_, err = f.svc.Cancel(ctx, o.ID, "u1")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, []string{queue.OrderCreated, queue.OrderCancelled}, f.events.types())
}

func TestGetHidesForeignOrders(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{4}, HolderID: "u1"})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, o.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = f.svc.Get(ctx, o.ID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Get(ctx, 12345, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweeperExpiresUnpaidOrders(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o, err := f.svc.Create(ctx, Request{SessionID: 7, SeatIDs: []uint64{1, 3}, HolderID: "u1"})
	require.NoError(t, err)

	sw := NewSweeper(f.svc, time.Minute, 1, f.store)
	assert.Equal(t, 0, sw.Once(ctx), "nothing is due yet")

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, sw.Once(ctx))

	saved, err := f.repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderExpired, saved.Status)
	f.assertFree(t, 7, 1, 3)
	assert.Equal(t, []string{queue.OrderCreated, queue.OrderExpired}, f.events.types())
	assert.Equal(t, 0, f.store.Len(), "expired admission counters reclaimed")
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 10)
	sw := NewSweeper(f.svc, time.Millisecond, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
