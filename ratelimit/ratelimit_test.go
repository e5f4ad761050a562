// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/gatekeeper/counter"
	"go.gearno.de/gatekeeper/identity"
	"go.gearno.de/gatekeeper/policy"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type failingStore struct {
	counter.Store
}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

type ctxRecordingStore struct {
	*counter.MemoryStore

	mu   sync.Mutex
	errs []error
}

func (s *ctxRecordingStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	s.errs = append(s.errs, ctx.Err())
	s.mu.Unlock()

	return s.MemoryStore.Increment(ctx, key, ttl)
}

var (
	anon    = identity.Identity{IP: "192.168.1.2"}
	minute5 = policy.RoutePolicy{Window: time.Minute, MaxRequests: 5, KeyPrefix: "rl:"}
)

func newCounter(t *testing.T, store counter.Store, options ...Option) *FixedWindowCounter {
	t.Helper()

	return NewFixedWindowCounter(store, append([]Option{WithRegisterer(prometheus.NewRegistry())}, options...)...)
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "rl:/test-block:ip:192.168.1.2", Key(minute5, "/test-block", anon))
	assert.Equal(
		t,
		"rl:/test-block:user:u1",
		Key(minute5, "/test-block", identity.Identity{IP: "192.168.1.2", Subject: "u1"}),
	)
}

func TestCheck_AdmitThenDeny(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newCounter(t, counter.NewMemoryStore(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	previous := minute5.MaxRequests
	for i := 1; i <= minute5.MaxRequests; i++ {
		d := c.Check(ctx, anon, "/test-block", minute5)

		require.True(t, d.Allowed, "request %d", i)
		assert.Less(t, d.Remaining, previous)
		assert.Equal(t, minute5.MaxRequests-i, d.Remaining)
		assert.Equal(t, int64(i), d.Count)
		assert.Zero(t, d.RetryAfter)
		assert.Equal(t, now.Add(time.Minute), d.ResetAt)
		previous = d.Remaining
	}

	d := c.Check(ctx, anon, "/test-block", minute5)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 60, d.RetryAfter)
	assert.Equal(t, int64(6), d.Count)
	assert.Equal(t, 5, d.Limit)
}

func TestCheck_KeyIsolation(t *testing.T) {
	t.Parallel()

	c := newCounter(t, counter.NewMemoryStore())
	ctx := context.Background()
	p := policy.RoutePolicy{Window: time.Minute, MaxRequests: 2, KeyPrefix: "rl:"}

	other := identity.Identity{IP: "10.0.0.9"}
	user := identity.Identity{IP: anon.IP, Subject: "u1"}

	for range 2 {
		require.True(t, c.Check(ctx, anon, "/a", p).Allowed)
	}
	require.False(t, c.Check(ctx, anon, "/a", p).Allowed)

	for range 2 {
		assert.True(t, c.Check(ctx, other, "/a", p).Allowed, "other identity")
		assert.True(t, c.Check(ctx, anon, "/b", p).Allowed, "other route")
		assert.True(t, c.Check(ctx, user, "/a", p).Allowed, "authenticated caller from the same address")
	}
}

func TestCheck_FixedWindowBoundary(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	c := newCounter(t, counter.NewMemoryStore(counter.WithClock(clock)), WithClock(clock))
	ctx := context.Background()

	require.True(t, c.Check(ctx, anon, "/r", minute5).Allowed)

	advance(59 * time.Second)
	for range 4 {
		require.True(t, c.Check(ctx, anon, "/r", minute5).Allowed)
	}
	require.False(t, c.Check(ctx, anon, "/r", minute5).Allowed)

	// The window opened by the first request lapses: 9 requests are
	// admitted within one second across the boundary.
	advance(time.Second)
	for range 5 {
		require.True(t, c.Check(ctx, anon, "/r", minute5).Allowed)
	}

	assert.False(t, c.Check(ctx, anon, "/r", minute5).Allowed)
}

func TestCheck_FailOpen(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewFixedWindowCounter(failingStore{}, WithRegisterer(reg))

	for range 3 {
		d := c.Check(context.Background(), anon, "/r", minute5)

		assert.True(t, d.Allowed)
		assert.True(t, d.FailedOpen)
		assert.Equal(t, minute5.MaxRequests, d.Remaining)
		assert.Zero(t, d.RetryAfter)
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(c.storeErrorsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.checksTotal.WithLabelValues("true")))
}

func TestCheck_CancelledRequestConsumesSlot(t *testing.T) {
	t.Parallel()

	store := &ctxRecordingStore{MemoryStore: counter.NewMemoryStore()}
	c := newCounter(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := c.Check(ctx, anon, "/r", minute5)
	assert.True(t, d.Allowed)
	assert.False(t, d.FailedOpen)
	assert.Equal(t, int64(1), d.Count)

	require.Len(t, store.errs, 1)
	assert.NoError(t, store.errs[0])

	v, found, err := store.Get(context.Background(), Key(minute5, "/r", anon))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), v)
}

func TestCheck_Span(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	c := newCounter(t, counter.NewMemoryStore(), WithTracerProvider(tp))

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")
	c.Check(ctx, anon, "/r", minute5)
	root.End()

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"root", "ratelimit.Check"}, names)
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 60, RetryAfterSeconds(time.Minute))
	assert.Equal(t, 1, RetryAfterSeconds(500*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1001*time.Millisecond))
}
