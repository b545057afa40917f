package seatlock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ticketing-core/internal/model"
)

// holderIndex lists the seats a holder has claimed in one session.  It only
// points at lock records and may be stale: released or expired seats stay
// listed until the index itself expires with the holder's latest lock.
type holderIndex struct {
	SeatIDs   []uint64  `json:"seat_ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HolderKey returns the store key of holder's seat index for a session.
func (m *Manager) HolderKey(sessionID uint64, holderID string) string {
	return m.prefix + ":holder:" + strconv.FormatUint(sessionID, 10) + ":" + holderID
}

// HeldBy returns the live locks holder has in a session, in seat order.
// Every indexed seat is re-read, so only records that still name holder are
// returned.
func (m *Manager) HeldBy(ctx context.Context, sessionID uint64, holderID string) ([]model.SeatLock, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	idx, _, ok, err := m.readIndex(ctx, m.HolderKey(sessionID, holderID))
	if err != nil {
		return nil, err
	}
	out := make([]model.SeatLock, 0, len(idx.SeatIDs))
	if !ok {
		return out, nil
	}
	for _, seatID := range idx.SeatIDs {
		lock, _, held, err := m.read(ctx, m.Key(sessionID, seatID))
		if err != nil {
			return nil, err
		}
		if held && lock.HolderID == holderID {
			out = append(out, lock)
		}
	}
	return out, nil
}

// track adds seatIDs to holder's index and stretches the index TTL to cover
// expiresAt.  The index is a lookup aid, so failures are logged and dropped.
func (m *Manager) track(ctx context.Context, sessionID uint64, holderID string, seatIDs []uint64, expiresAt time.Time) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	key := m.HolderKey(sessionID, holderID)
	log := m.log.WithFields(logrus.Fields{"session_id": sessionID, "holder_id": holderID})

	for i := 0; i < casAttempts; i++ {
		idx, raw, exists, err := m.readIndex(ctx, key)
		if err != nil {
			log.WithError(err).Warn("seatlock: holder index read failed")
			return
		}
		idx.SeatIDs = NormalizeSeatIDs(append(idx.SeatIDs, seatIDs...))
		if expiresAt.After(idx.ExpiresAt) {
			idx.ExpiresAt = expiresAt
		}
		b, err := json.Marshal(idx)
		if err != nil {
			log.WithError(err).Warn("seatlock: holder index encode failed")
			return
		}
		ttl := idx.ExpiresAt.Sub(m.clock.Now())

		var written bool
		if exists {
			written, err = m.store.CompareAndExpire(ctx, key, raw, string(b), ttl)
		} else {
			written, err = m.store.ConditionalSet(ctx, key, string(b), ttl)
		}
		if err != nil {
			log.WithError(err).Warn("seatlock: holder index write failed")
			return
		}
		if written {
			return
		}
	}
	log.Warn("seatlock: holder index contended, giving up")
}

func (m *Manager) readIndex(ctx context.Context, key string) (holderIndex, string, bool, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return holderIndex{}, "", false, err
	}
	var idx holderIndex
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		return holderIndex{}, "", false, fmt.Errorf("seatlock: decode %q: %w", key, err)
	}
	return idx, raw, true, nil
}
