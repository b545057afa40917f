// Package idgen produces cluster-unique, time-ordered 64-bit identifiers for
// orders and order seats.  Uniqueness across processes comes from the static
// (datacenter, worker) assignment; no coordination happens per call.
package idgen

import (
	"strconv"
	"sync"
	"time"
)

// Bit layout, most significant first:
//
//	0 | 41 bits ms since epoch | 5 bits datacenter | 5 bits worker | 12 bits sequence
const (
	timestampBits  = 41
	datacenterBits = 5
	workerBits     = 5
	sequenceBits   = 12

	MaxDatacenterID = -1 ^ (-1 << datacenterBits) // 31
	MaxWorkerID     = -1 ^ (-1 << workerBits)     // 31
	MaxSequence     = -1 ^ (-1 << sequenceBits)   // 4095

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits

	maxTimestampOffset = -1 ^ (-1 << timestampBits)
)

// DefaultEpoch is 2010-11-04T01:42:54.657Z in Unix milliseconds.
const DefaultEpoch int64 = 1288834974657

// DefaultRegressionTolerance is the largest backwards clock jump Next waits
// out instead of failing.
const DefaultRegressionTolerance = 5 * time.Millisecond

// ID is a generated identifier.
type ID int64

// String renders the identifier in base 10, the form used for order numbers.
func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Int64 returns the identifier as a plain integer for persistence.
func (id ID) Int64() int64 { return int64(id) }

// Parts is a decoded identifier.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

// Generator hands out identifiers for one (datacenter, worker) assignment.
// It is safe for concurrent use; a single mutex serialises Next.
type Generator struct {
	mu sync.Mutex

	datacenterID int64
	workerID     int64
	epoch        int64
	toleranceMs  int64

	now   func() int64 // wall clock in Unix milliseconds
	sleep func(time.Duration)

	lastTimestamp int64
	sequence      int64
	broken        error
}

// Option customises a Generator.
type Option func(*Generator)

// WithEpoch sets the custom epoch in Unix milliseconds.
func WithEpoch(ms int64) Option { return func(g *Generator) { g.epoch = ms } }

// WithRegressionTolerance sets how far the clock may move backwards before
// Next fails instead of waiting.
func WithRegressionTolerance(d time.Duration) Option {
	return func(g *Generator) { g.toleranceMs = d.Milliseconds() }
}

// WithClock replaces the wall clock.  now must return Unix milliseconds and
// sleep must block for roughly the given duration.
func WithClock(now func() int64, sleep func(time.Duration)) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// New validates the worker assignment and returns a ready Generator.  Both ids
// must be within [0, 31]; anything else yields ErrInvalidWorkerAssignment.
func New(datacenterID, workerID int64, opts ...Option) (*Generator, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, &AssignmentError{Field: "datacenter", Value: datacenterID}
	}
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, &AssignmentError{Field: "worker", Value: workerID}
	}
	g := &Generator{
		datacenterID:  datacenterID,
		workerID:      workerID,
		epoch:         DefaultEpoch,
		toleranceMs:   DefaultRegressionTolerance.Milliseconds(),
		now:           func() int64 { return time.Now().UnixMilli() },
		sleep:         time.Sleep,
		lastTimestamp: -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.epoch < 0 || g.epoch > g.now() {
		return nil, ErrInvalidEpoch
	}
	return g, nil
}

// DatacenterID returns the datacenter part of this generator's assignment.
func (g *Generator) DatacenterID() int64 { return g.datacenterID }

// WorkerID returns the worker part of this generator's assignment.
func (g *Generator) WorkerID() int64 { return g.workerID }

// Next returns the next identifier.  Identifiers from one Generator are
// strictly increasing.  A clock regression beyond the tolerance, or one the
// clock does not recover from within the wait, returns *ClockRegressionError
// and leaves the generator unusable.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.broken != nil {
		return 0, g.broken
	}

	t := g.now()
	if t < g.lastTimestamp {
		drift := g.lastTimestamp - t
		if drift > g.toleranceMs {
			return 0, g.fail(drift)
		}
		g.sleep(time.Duration(drift<<1) * time.Millisecond)
		t = g.now()
		if t < g.lastTimestamp {
			return 0, g.fail(g.lastTimestamp - t)
		}
	}

	var seq int64
	if t == g.lastTimestamp {
		seq = (g.sequence + 1) & MaxSequence
		if seq == 0 {
			t = g.untilNextMillis(g.lastTimestamp)
		}
	}

	// State only moves once the id is known to fit.
	offset := t - g.epoch
	if offset > maxTimestampOffset {
		return 0, ErrTimestampOverflow
	}
	g.lastTimestamp = t
	g.sequence = seq

	return ID(offset<<timestampShift |
		g.datacenterID<<datacenterShift |
		g.workerID<<workerShift |
		seq), nil
}

// Decompose splits id into its fields using this generator's epoch.
func (g *Generator) Decompose(id ID) Parts {
	v := int64(id)
	return Parts{
		Time:         time.UnixMilli((v >> timestampShift) + g.epoch).UTC(),
		DatacenterID: (v >> datacenterShift) & MaxDatacenterID,
		WorkerID:     (v >> workerShift) & MaxWorkerID,
		Sequence:     v & MaxSequence,
	}
}

// untilNextMillis busy-polls the clock until it passes last.
func (g *Generator) untilNextMillis(last int64) int64 {
	t := g.now()
	for t <= last {
		t = g.now()
	}
	return t
}

func (g *Generator) fail(drift int64) error {
	g.broken = &ClockRegressionError{Drift: time.Duration(drift) * time.Millisecond}
	return g.broken
}
