// Package admission gates booking traffic with fixed-budget counters kept in
// the shared store, so every replica sees the same count for a key.
//
// A counter's window is refreshed on every accepted request rather than
// pinned to the first one.  A key that stays hot therefore stays throttled
// until it has been quiet for a full window; callers wanting a strict rolling
// window need a different limiter.
package admission

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ticketing-core/internal/store"
)

// Category names an endpoint class with its own budget.
type Category string

const (
	CategoryBooking Category = "booking"
	CategoryCancel  Category = "cancel"
	CategoryQuery   Category = "query"
)

// ErrUnknownCategory is returned by Allow for a category without a policy.
var ErrUnknownCategory = errors.New("admission: unknown category")

// Policy is the budget for one category: at most Limit accepted requests per
// key while the key's Window is live.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// Limiter decides whether a request may proceed.  The zero value is not
// usable; build one with New.
type Limiter struct {
	store    store.AtomicStore
	prefix   string
	policies map[Category]Policy
	timeout  time.Duration
	log      logrus.FieldLogger
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithPrefix sets the key prefix, "adm" by default.
func WithPrefix(p string) Option { return func(l *Limiter) { l.prefix = p } }

// WithPolicy registers or replaces the budget for a category.
func WithPolicy(c Category, p Policy) Option {
	return func(l *Limiter) { l.policies[c] = p }
}

// WithTimeout bounds each store round-trip.  A timeout counts as a denial.
func WithTimeout(d time.Duration) Option { return func(l *Limiter) { l.timeout = d } }

// WithLogger sets the logger used for store failures.
func WithLogger(log logrus.FieldLogger) Option { return func(l *Limiter) { l.log = log } }

// New returns a Limiter backed by s.
func New(s store.AtomicStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:    s,
		prefix:   "adm",
		policies: make(map[Category]Policy),
		timeout:  250 * time.Millisecond,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire admits one request against key.  It returns false when the
// request would push the count past limit, and also when the store cannot be
// reached: the limiter fails closed.
func (l *Limiter) TryAcquire(ctx context.Context, key string, limit int64, window time.Duration) bool {
	if limit <= 0 {
		return false
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	ok, err := l.store.IncrementWithCeiling(ctx, key, limit, window)
	if err != nil {
		l.log.WithError(err).WithField("key", key).Warn("admission: store unavailable, denying")
		return false
	}
	return ok
}

// Allow applies the category's policy to subject, e.g. Allow(ctx,
// CategoryBooking, "session:7").
func (l *Limiter) Allow(ctx context.Context, c Category, subject string) (bool, error) {
	p, ok := l.policies[c]
	if !ok {
		return false, ErrUnknownCategory
	}
	return l.TryAcquire(ctx, l.Key(c, subject), p.Limit, p.Window), nil
}

// Policy returns the budget configured for c.
func (l *Limiter) Policy(c Category) (Policy, bool) {
	p, ok := l.policies[c]
	return p, ok
}

// Key builds the store key for a category and subject.
func (l *Limiter) Key(c Category, subject string) string {
	return strings.Join([]string{l.prefix, string(c), subject}, ":")
}
