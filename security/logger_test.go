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

package security

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/gatekeeper/log"
)

type blockingSink struct {
	started chan struct{}
	release chan struct{}
	inner   *MemorySink
}

func (s *blockingSink) Write(ctx context.Context, e *Event) error {
	s.started <- struct{}{}
	<-s.release
	return s.inner.Write(ctx, e)
}

type sinkFunc func(context.Context, *Event) error

func (f sinkFunc) Write(ctx context.Context, e *Event) error { return f(ctx, e) }

func closeLogger(t *testing.T, l *Logger) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, l.Close(ctx))
}

func TestLogger_Log(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	reg := prometheus.NewRegistry()
	l := NewLogger(sink, WithRegisterer(reg))

	id, ok := l.Log(context.Background(), Input{Type: EventRLSViolation, IPAddress: "10.0.0.1"})
	require.True(t, ok)
	require.NotEmpty(t, id)

	closeLogger(t, l)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, SeverityHigh, events[0].Severity)
	assert.Equal(t, float64(1), testutil.ToFloat64(l.eventsTotal.WithLabelValues("rls_violation", "high")))

	_, ok = l.Log(context.Background(), Input{Type: EventRLSViolation})
	assert.False(t, ok, "closed logger rejects events")
}

func TestLogger_DropsWhenFull(t *testing.T) {
	t.Parallel()

	sink := &blockingSink{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		inner:   NewMemorySink(),
	}

	var buf bytes.Buffer
	l := NewLogger(
		sink,
		WithRegisterer(prometheus.NewRegistry()),
		WithWorkers(1),
		WithQueueSize(1),
		WithLogger(log.NewLogger(log.WithOutput(&buf))),
	)

	ctx := context.Background()

	_, ok := l.Log(ctx, Input{Type: EventErrorBurst})
	require.True(t, ok)
	<-sink.started

	_, ok = l.Log(ctx, Input{Type: EventErrorBurst})
	require.True(t, ok)

	start := time.Now()
	_, ok = l.Log(ctx, Input{Type: EventErrorBurst})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second, "Log must not block")

	_, ok = l.Log(ctx, Input{Type: EventErrorBurst})
	assert.False(t, ok)

	assert.Equal(t, float64(2), testutil.ToFloat64(l.droppedTotal))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("queue full")), "warning is throttled")

	close(sink.release)
	closeLogger(t, l)

	assert.Len(t, sink.inner.Events(), 2)
}

func TestLogger_SinkFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	l := NewLogger(
		sinkFunc(func(context.Context, *Event) error {
			calls++
			if calls == 1 {
				return errors.New("database unavailable")
			}
			panic("boom")
		}),
		WithRegisterer(prometheus.NewRegistry()),
		WithWorkers(1),
	)

	for range 2 {
		_, ok := l.Log(context.Background(), Input{Type: EventAuthAnomaly})
		assert.True(t, ok)
	}

	closeLogger(t, l)

	assert.Equal(t, 2, calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(l.sinkErrorsTotal))
}

func TestLogger_SinkTimeout(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 1)
	l := NewLogger(
		sinkFunc(func(ctx context.Context, _ *Event) error {
			<-ctx.Done()
			errs <- ctx.Err()
			return ctx.Err()
		}),
		WithRegisterer(prometheus.NewRegistry()),
		WithSinkTimeout(10*time.Millisecond),
	)

	_, ok := l.Log(context.Background(), Input{Type: EventAuthAnomaly})
	require.True(t, ok)

	closeLogger(t, l)
	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
}

func TestLogger_CloseDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	l := NewLogger(
		sinkFunc(func(context.Context, *Event) error {
			<-release
			return nil
		}),
		WithRegisterer(prometheus.NewRegistry()),
	)

	_, ok := l.Log(context.Background(), Input{Type: EventAuthAnomaly})
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)
}

func TestLogger_RateLimitExceeded(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	l := NewLogger(sink, WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	l.RateLimitExceeded(ctx, RateLimitViolation{IPAddress: "192.168.1.2", Route: "/r", Attempts: 6, Limit: 5, Window: time.Minute})
	l.RateLimitExceeded(ctx, RateLimitViolation{IPAddress: "192.168.1.3", Route: "/r", Attempts: 11, Limit: 5, Window: time.Minute})

	closeLogger(t, l)

	primary := sink.ByType(EventRateLimitExceeded)
	require.Len(t, primary, 2)

	bySeverity := map[string]Severity{}
	for _, e := range primary {
		bySeverity[e.IPAddress] = e.Severity
		assert.Equal(t, "rate_limiter", e.Source)
		assert.Equal(t, int64(60000), e.Payload[PayloadWindowMs])
	}
	assert.Equal(t, SeverityMedium, bySeverity["192.168.1.2"])
	assert.Equal(t, SeverityHigh, bySeverity["192.168.1.3"])

	suspicious := sink.ByType(EventSuspiciousIP)
	require.Len(t, suspicious, 1)
	assert.Equal(t, "192.168.1.3", suspicious[0].IPAddress)
	assert.Equal(t, SeverityMedium, suspicious[0].Severity)
	assert.Equal(t, []string{IndicatorExcessiveAttempts}, suspicious[0].Payload[PayloadIndicators])
}
