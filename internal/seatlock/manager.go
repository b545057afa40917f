// Package seatlock implements the per-seat reservation protocol on top of
// the shared atomic store.
//
// For each (seat, session) at most one HELD or CONFIRMED record exists at a
// time.  A claim is a single conditional write, confirm and release are
// compare-and-swap / compare-and-delete against the exact record the caller
// last read, and expiry is left to the store's TTL.  The manager keeps no
// lock state of its own between calls.
package seatlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ticketing-core/internal/clock"
	"github.com/iliyamo/ticketing-core/internal/model"
	"github.com/iliyamo/ticketing-core/internal/store"
)

// casAttempts bounds re-reads when a compare step loses to a concurrent
// change made by the same holder (an Extend racing a Confirm, say).
const casAttempts = 3

// Manager owns the seat lock state machine.  It is safe for concurrent use.
type Manager struct {
	store   store.AtomicStore
	clock   clock.Clock
	prefix  string
	timeout time.Duration
	log     logrus.FieldLogger
	token   func() string
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock sets the clock used to stamp AcquiredAt/ExpiresAt.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithKeyPrefix sets the store key prefix, "seatlock" by default.
func WithKeyPrefix(p string) Option { return func(m *Manager) { m.prefix = p } }

// WithTimeout bounds every store round-trip.  Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithLogger sets the logger for rollback failures.
func WithLogger(l logrus.FieldLogger) Option { return func(m *Manager) { m.log = l } }

// NewManager returns a Manager backed by s.
func NewManager(s store.AtomicStore, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		clock:   clock.Real(),
		prefix:  "seatlock",
		timeout: 500 * time.Millisecond,
		log:     logrus.StandardLogger(),
		token:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the store key for a (session, seat) pair.
func (m *Manager) Key(sessionID, seatID uint64) string {
	return m.prefix + ":" + strconv.FormatUint(sessionID, 10) + ":" + strconv.FormatUint(seatID, 10)
}

// Claim takes the seat for holder for ttl.  Of any number of concurrent
// claims for the same seat exactly one succeeds; the rest get
// *UnavailableError.  A store failure or timeout is also a failed claim.
func (m *Manager) Claim(ctx context.Context, seatID, sessionID uint64, holderID string, ttl time.Duration) (model.SeatLock, error) {
	lock, err := m.claim(ctx, seatID, sessionID, holderID, ttl)
	if err != nil {
		return model.SeatLock{}, err
	}
	m.track(ctx, sessionID, holderID, []uint64{seatID}, lock.ExpiresAt)
	return lock, nil
}

func (m *Manager) claim(ctx context.Context, seatID, sessionID uint64, holderID string, ttl time.Duration) (model.SeatLock, error) {
	if ttl <= 0 {
		return model.SeatLock{}, ErrInvalidTTL
	}
	if holderID == "" {
		return model.SeatLock{}, ErrInvalidHolder
	}
	now := m.clock.Now()
	lock := model.SeatLock{
		SeatID:     seatID,
		SessionID:  sessionID,
		HolderID:   holderID,
		State:      model.LockHeld,
		Token:      m.token(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := encode(lock)
	if err != nil {
		return model.SeatLock{}, err
	}

	ctx, cancel := m.bound(ctx)
	defer cancel()
	ok, err := m.store.ConditionalSet(ctx, m.Key(sessionID, seatID), raw, ttl)
	if err != nil || !ok {
		return model.SeatLock{}, &UnavailableError{SessionID: sessionID, SeatIDs: []uint64{seatID}, Cause: err}
	}
	return lock, nil
}

// Confirm moves the lock returned by Claim from HELD to CONFIRMED, keeping
// its remaining TTL.  The stored record must still be that claim: same holder
// and same token.  Once a claim expires the seat may be claimed again, by the
// same holder too, and that newer lock is not the caller's to confirm.
// Confirming an already confirmed lock returns it unchanged.  Anything else,
// including a store failure, is *LostError.
func (m *Manager) Confirm(ctx context.Context, held model.SeatLock) (model.SeatLock, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	key := m.Key(held.SessionID, held.SeatID)
	lost := func(cause error) error {
		return &LostError{SessionID: held.SessionID, SeatID: held.SeatID, Cause: cause}
	}

	for i := 0; i < casAttempts; i++ {
		lock, raw, ok, err := m.read(ctx, key)
		if err != nil {
			return model.SeatLock{}, lost(err)
		}
		if !ok || !sameClaim(lock, held) {
			return model.SeatLock{}, lost(nil)
		}
		if lock.State == model.LockConfirmed {
			return lock, nil
		}

		lock.State = model.LockConfirmed
		next, err := encode(lock)
		if err != nil {
			return model.SeatLock{}, err
		}
		swapped, err := m.store.CompareAndSwap(ctx, key, raw, next)
		if err != nil {
			return model.SeatLock{}, lost(err)
		}
		if swapped {
			return lock, nil
		}
	}
	return model.SeatLock{}, lost(nil)
}

// Release drops holder's lock on a seat in either state, whichever claim
// it came from.  A lock that is already gone is not an error; a lock owned by
// someone else is *LostError and stays put.
func (m *Manager) Release(ctx context.Context, seatID, sessionID uint64, holderID string) error {
	return m.release(ctx, seatID, sessionID, holderID, "")
}

// ReleaseLock drops exactly the claim l describes.  If the seat has since
// been claimed again, by anyone, that newer lock is left alone and
// ReleaseLock reports success: the claim it was asked about no longer exists.
// A lock without a token names no claim and releases nothing.
func (m *Manager) ReleaseLock(ctx context.Context, l model.SeatLock) error {
	if l.Token == "" {
		return nil
	}
	return m.release(ctx, l.SeatID, l.SessionID, l.HolderID, l.Token)
}

// release deletes holder's lock.  A non-empty token restricts it to that
// claim.
func (m *Manager) release(ctx context.Context, seatID, sessionID uint64, holderID, token string) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	key := m.Key(sessionID, seatID)

	for i := 0; i < casAttempts; i++ {
		lock, raw, ok, err := m.read(ctx, key)
		if err != nil {
			return fmt.Errorf("seatlock: release session %d seat %d: %w", sessionID, seatID, err)
		}
		if !ok {
			return nil
		}
		if token != "" && lock.Token != token {
			return nil
		}
		if lock.HolderID != holderID {
			return &LostError{SessionID: sessionID, SeatID: seatID}
		}
		deleted, err := m.store.CompareAndDelete(ctx, key, raw)
		if err != nil {
			return fmt.Errorf("seatlock: release session %d seat %d: %w", sessionID, seatID, err)
		}
		if deleted {
			return nil
		}
	}
	return &LostError{SessionID: sessionID, SeatID: seatID}
}

// Extend pushes the expiry of holder's HELD lock out by extra.
func (m *Manager) Extend(ctx context.Context, seatID, sessionID uint64, holderID string, extra time.Duration) (model.SeatLock, error) {
	if extra <= 0 {
		return model.SeatLock{}, ErrInvalidTTL
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()
	key := m.Key(sessionID, seatID)
	lost := func(cause error) error { return &LostError{SessionID: sessionID, SeatID: seatID, Cause: cause} }

	for i := 0; i < casAttempts; i++ {
		lock, raw, ok, err := m.read(ctx, key)
		if err != nil {
			return model.SeatLock{}, lost(err)
		}
		if !ok || lock.HolderID != holderID {
			return model.SeatLock{}, lost(nil)
		}
		if lock.State != model.LockHeld {
			return model.SeatLock{}, ErrLockConfirmed
		}

		now := m.clock.Now()
		base := lock.ExpiresAt
		if base.Before(now) {
			base = now
		}
		lock.ExpiresAt = base.Add(extra)
		next, err := encode(lock)
		if err != nil {
			return model.SeatLock{}, err
		}
		swapped, err := m.store.CompareAndExpire(ctx, key, raw, next, lock.ExpiresAt.Sub(now))
		if err != nil {
			return model.SeatLock{}, lost(err)
		}
		if swapped {
			m.track(ctx, sessionID, holderID, []uint64{seatID}, lock.ExpiresAt)
			return lock, nil
		}
	}
	return model.SeatLock{}, lost(nil)
}

// Inspect returns the live lock on a seat, if any.
func (m *Manager) Inspect(ctx context.Context, seatID, sessionID uint64) (model.SeatLock, bool, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	lock, _, ok, err := m.read(ctx, m.Key(sessionID, seatID))
	return lock, ok, err
}

// IsAvailable reports whether the seat currently has no live lock.
func (m *Manager) IsAvailable(ctx context.Context, seatID, sessionID uint64) (bool, error) {
	_, held, err := m.Inspect(ctx, seatID, sessionID)
	if err != nil {
		return false, err
	}
	return !held, nil
}

// ClaimAll claims every seat or none.  Seats are deduplicated and claimed in
// ascending id order.  On the first failure every lock taken by this call is
// released, even if ctx has been cancelled, and the failure is returned.
func (m *Manager) ClaimAll(ctx context.Context, seatIDs []uint64, sessionID uint64, holderID string, ttl time.Duration) ([]model.SeatLock, error) {
	ids := NormalizeSeatIDs(seatIDs)
	if len(ids) == 0 {
		return nil, ErrNoSeats
	}
	locks := make([]model.SeatLock, 0, len(ids))
	for _, id := range ids {
		lock, err := m.claim(ctx, id, sessionID, holderID, ttl)
		if err != nil {
			if rerr := m.ReleaseAll(context.WithoutCancel(ctx), locks); rerr != nil {
				m.log.WithError(rerr).WithFields(logrus.Fields{
					"session_id": sessionID,
					"holder_id":  holderID,
				}).Error("seatlock: rollback of partial claim failed; ttl will reclaim")
			}
			return nil, err
		}
		locks = append(locks, lock)
	}
	m.track(ctx, sessionID, holderID, ids, locks[len(locks)-1].ExpiresAt)
	return locks, nil
}

// ConfirmAll confirms each lock in turn and stops at the first failure.  The
// confirmed prefix is returned alongside the error; undoing it is the
// caller's call.
func (m *Manager) ConfirmAll(ctx context.Context, locks []model.SeatLock) ([]model.SeatLock, error) {
	out := make([]model.SeatLock, 0, len(locks))
	for _, l := range locks {
		confirmed, err := m.Confirm(ctx, l)
		if err != nil {
			return out, err
		}
		out = append(out, confirmed)
	}
	return out, nil
}

// ReleaseAll releases exactly the given claims with ReleaseLock, carrying
// on past failures.  Claims already gone, or superseded by a newer claim,
// count as released.
func (m *Manager) ReleaseAll(ctx context.Context, locks []model.SeatLock) error {
	var errs []error
	for _, l := range locks {
		if err := m.ReleaseLock(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NormalizeSeatIDs returns the distinct ids in ascending order.
func NormalizeSeatIDs(ids []uint64) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func sameClaim(stored, held model.SeatLock) bool {
	return stored.HolderID == held.HolderID && stored.Token == held.Token
}

func (m *Manager) read(ctx context.Context, key string) (model.SeatLock, string, bool, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return model.SeatLock{}, "", false, err
	}
	var lock model.SeatLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return model.SeatLock{}, "", false, fmt.Errorf("seatlock: decode %q: %w", key, err)
	}
	return lock, raw, true, nil
}

func (m *Manager) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

func encode(l model.SeatLock) (string, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("seatlock: encode: %w", err)
	}
	return string(b), nil
}
