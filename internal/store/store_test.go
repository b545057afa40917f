package store

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketing-core/internal/clock"
)

// harness pairs a store with a way to move its notion of time forward.
type harness struct {
	store   AtomicStore
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return harness{store: NewRedisStore(rdb), advance: mr.FastForward}
		},
		"memory": func(t *testing.T) harness {
			c := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
			return harness{store: NewMemoryStore(c), advance: c.Advance}
		},
	}
}

func TestAtomicStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("conditional set only when absent", func(t *testing.T) {
				h := mk(t)
				ok, err := h.store.ConditionalSet(ctx, "k", "a", time.Second)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = h.store.ConditionalSet(ctx, "k", "b", time.Second)
				require.NoError(t, err)
				assert.False(t, ok)

				v, found, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "a", v)
			})

			t.Run("expired key is absent and settable", func(t *testing.T) {
				h := mk(t)
				_, err := h.store.ConditionalSet(ctx, "k", "a", 30*time.Second)
				require.NoError(t, err)

				h.advance(31 * time.Second)

				_, found, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
				assert.False(t, found)

				ok, err := h.store.ConditionalSet(ctx, "k", "b", 30*time.Second)
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("increment with ceiling", func(t *testing.T) {
				h := mk(t)
				for i := 0; i < 3; i++ {
					ok, err := h.store.IncrementWithCeiling(ctx, "c", 3, time.Minute)
					require.NoError(t, err)
					assert.True(t, ok, "call %d", i+1)
				}
				ok, err := h.store.IncrementWithCeiling(ctx, "c", 3, time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				v, _, err := h.store.Get(ctx, "c")
				require.NoError(t, err)
				assert.Equal(t, "3", v, "a rejected call does not mutate the counter")

				h.advance(61 * time.Second)
				ok, err = h.store.IncrementWithCeiling(ctx, "c", 3, time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("compare and delete", func(t *testing.T) {
				h := mk(t)
				_, err := h.store.ConditionalSet(ctx, "k", "mine", time.Minute)
				require.NoError(t, err)

				ok, err := h.store.CompareAndDelete(ctx, "k", "theirs")
				require.NoError(t, err)
				assert.False(t, ok)

				ok, err = h.store.CompareAndDelete(ctx, "k", "mine")
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = h.store.CompareAndDelete(ctx, "k", "mine")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("compare and swap keeps ttl", func(t *testing.T) {
				h := mk(t)
				_, err := h.store.ConditionalSet(ctx, "k", "v1", 10*time.Second)
				require.NoError(t, err)
				h.advance(4 * time.Second)

				ok, err := h.store.CompareAndSwap(ctx, "k", "nope", "v2")
				require.NoError(t, err)
				assert.False(t, ok)

				ok, err = h.store.CompareAndSwap(ctx, "k", "v1", "v2")
				require.NoError(t, err)
				assert.True(t, ok)

				h.advance(5 * time.Second)
				v, found, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "v2", v)

				h.advance(2 * time.Second)
				_, found, err = h.store.Get(ctx, "k")
				require.NoError(t, err)
				assert.False(t, found, "swap must not extend the original deadline")
			})

			t.Run("compare and expire resets ttl", func(t *testing.T) {
				h := mk(t)
				_, err := h.store.ConditionalSet(ctx, "k", "v1", 10*time.Second)
				require.NoError(t, err)
				h.advance(8 * time.Second)

				ok, err := h.store.CompareAndExpire(ctx, "k", "v1", "v2", 10*time.Second)
				require.NoError(t, err)
				assert.True(t, ok)

				h.advance(8 * time.Second)
				v, found, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "v2", v)
			})
		})
	}
}

func TestConditionalSetSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			const contenders = 50
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := h.store.ConditionalSet(ctx, "seat", strconv.Itoa(i), time.Minute)
					if err == nil && ok {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRedisStoreWrapsTransportErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStore(rdb)
	mr.Close()

	_, err := s.ConditionalSet(context.Background(), "k", "v", time.Second)
	assert.ErrorIs(t, err, ErrBackend)

	_, err = s.IncrementWithCeiling(context.Background(), "c", 1, time.Second)
	assert.ErrorIs(t, err, ErrBackend)
}

func TestMemoryStoreSweep(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(c)
	ctx := context.Background()

	_, _ = s.ConditionalSet(ctx, "short", "x", time.Second)
	_, _ = s.ConditionalSet(ctx, "long", "y", time.Hour)
	c.Advance(2 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	s := NewMemoryStore(clock.NewFake(time.Unix(0, 0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ConditionalSet(ctx, "k", "v", time.Second)
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisStoreAcceptsAnyCommandClient(t *testing.T) {
	mr := miniredis.RunT(t)
	clients := map[string]redis.UniversalClient{
		"client":    redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		"universal": redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}}),
	}
	ctx := context.Background()
	for name, rdb := range clients {
		t.Cleanup(func() { _ = rdb.Close() })
		t.Run(name, func(t *testing.T) {
			s := NewRedisStore(rdb)
			key := "k:" + name
			ok, err := s.ConditionalSet(ctx, key, "v", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			v, found, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v", v)

			ok, err = s.CompareAndDelete(ctx, key, "v")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}
