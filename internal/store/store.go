// Package store defines the shared atomic key/value contract that seat locks
// and admission counters are built on, with a Redis implementation for
// production and an in-process one for development and tests.
//
// Every operation is a single atomic step on the backing store.  Expiry is
// owned by the store: a key whose TTL has elapsed is absent for every caller,
// whether or not anything has swept it yet.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrBackend wraps every failure to talk to the backing store.  Callers map
// it onto their own domain error and never surface it directly.
var ErrBackend = errors.New("store: backend failure")

// AtomicStore is the boundary contract for the shared store.
type AtomicStore interface {
	// ConditionalSet writes value under key with ttl only when key is absent
	// or expired.  It reports whether the write happened.
	ConditionalSet(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// IncrementWithCeiling increments the counter at key unless that would
	// push it past limit.  An accepted increment (re)sets the key's TTL to ttl.
	IncrementWithCeiling(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndSwap replaces expected with value, keeping the remaining TTL.
	CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error)

	// CompareAndExpire replaces expected with value and sets a new TTL.
	CompareAndExpire(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// Get returns the live value at key.  ok is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}
