package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketing-core/internal/clock"
	"github.com/iliyamo/ticketing-core/internal/store"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTryAcquireAdmitsUpToLimit(t *testing.T) {
	cases := []struct {
		limit  int64
		window time.Duration
	}{
		{1, time.Second},
		{5, time.Second},
		{37, time.Minute},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("limit=%d", tc.limit), func(t *testing.T) {
			l := New(store.NewMemoryStore(clock.NewFake(time.Unix(0, 0))), WithLogger(quietLogger()))
			ctx := context.Background()
			for i := int64(0); i < tc.limit; i++ {
				require.True(t, l.TryAcquire(ctx, "k", tc.limit, tc.window), "call %d", i+1)
			}
			assert.False(t, l.TryAcquire(ctx, "k", tc.limit, tc.window))
		})
	}
}

func TestTryAcquireWindowResetsOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := New(store.NewRedisStore(rdb), WithLogger(quietLogger()))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.TryAcquire(ctx, "show:42", 5, time.Second))
	}
	assert.False(t, l.TryAcquire(ctx, "show:42", 5, time.Second))

	mr.FastForward(time.Second)
	assert.True(t, l.TryAcquire(ctx, "show:42", 5, time.Second))
}

func TestTryAcquireExtendsWindowOnActivity(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	l := New(store.NewMemoryStore(c), WithLogger(quietLogger()))
	ctx := context.Background()

	require.True(t, l.TryAcquire(ctx, "k", 2, time.Second))
	c.Advance(800 * time.Millisecond)
	require.True(t, l.TryAcquire(ctx, "k", 2, time.Second))

	// The first window would have ended here, but the second accept pushed it.
	c.Advance(400 * time.Millisecond)
	assert.False(t, l.TryAcquire(ctx, "k", 2, time.Second))

	c.Advance(600 * time.Millisecond)
	assert.True(t, l.TryAcquire(ctx, "k", 2, time.Second))
}

type failingStore struct{ store.AtomicStore }

func (failingStore) IncrementWithCeiling(context.Context, string, int64, time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", store.ErrBackend)
}

func TestTryAcquireFailsClosed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := New(failingStore{}, WithLogger(logger))

	assert.False(t, l.TryAcquire(context.Background(), "k", 100, time.Minute))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "k", hook.LastEntry().Data["key"])
}

func TestTryAcquireRejectsNonPositiveLimit(t *testing.T) {
	l := New(store.NewMemoryStore(nil), WithLogger(quietLogger()))
	assert.False(t, l.TryAcquire(context.Background(), "k", 0, time.Second))
}

func TestAllowUsesCategoryPolicy(t *testing.T) {
	l := New(store.NewMemoryStore(clock.NewFake(time.Unix(0, 0))),
		WithPrefix("t"),
		WithPolicy(CategoryBooking, Policy{Limit: 2, Window: time.Minute}),
		WithLogger(quietLogger()),
	)
	ctx := context.Background()

	assert.Equal(t, "t:booking:session:7", l.Key(CategoryBooking, "session:7"))

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, CategoryBooking, "session:7")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.Allow(ctx, CategoryBooking, "session:7")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, CategoryBooking, "session:8")
	require.NoError(t, err)
	assert.True(t, ok, "budgets are per subject")

	_, err = l.Allow(ctx, CategoryQuery, "x")
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}
