// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
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
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gatekeeper/counter"
	"go.gearno.de/gatekeeper/identity"
	"go.gearno.de/gatekeeper/internal/otelutils"
	"go.gearno.de/gatekeeper/internal/promutil"
	"go.gearno.de/gatekeeper/internal/version"
	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type (
	// Option is a function that configures the FixedWindowCounter
	// during initialization.
	Option func(c *FixedWindowCounter)

	// FixedWindowCounter is a fixed window rate limiter over a
	// counter.Store.
	FixedWindowCounter struct {
		store  counter.Store
		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		storeTimeout time.Duration
		failOpenWarn rate.Sometimes

		checksTotal      *prometheus.CounterVec
		checkDuration    *prometheus.HistogramVec
		storeErrorsTotal prometheus.Counter
	}

	// Decision is the outcome of a check.
	Decision struct {
		// Allowed indicates whether the request is permitted.
		Allowed bool

		// Limit is the maximum number of requests of the window.
		Limit int

		// Remaining is max(0, Limit-Count).
		Remaining int

		// Window is the window of the applied policy.
		Window time.Duration

		// ResetAt is now plus the window, computed at check time.
		ResetAt time.Time

		// RetryAfter is the window rounded up to whole seconds when
		// the request is denied, zero otherwise.
		RetryAfter int

		// Count is the number of requests seen in the window,
		// including this one. Zero when the store failed.
		Count int64

		// FailedOpen is set when the store could not be reached and
		// the request was admitted regardless.
		FailedOpen bool
	}
)

const (
	tracerName = "go.gearno.de/gatekeeper/ratelimit"

	DefaultStoreTimeout = 2 * time.Second
)

func WithLogger(l *log.Logger) Option {
	return func(c *FixedWindowCounter) {
		c.logger = l.Named("ratelimit")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *FixedWindowCounter) {
		c.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *FixedWindowCounter) {
		c.registerMetrics(r)
	}
}

// WithStoreTimeout bounds each counter store call. Default is 2
// seconds.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *FixedWindowCounter) {
		c.storeTimeout = d
	}
}

// WithClock replaces time.Now when computing reset times.
func WithClock(now func() time.Time) Option {
	return func(c *FixedWindowCounter) {
		c.now = now
	}
}

func NewFixedWindowCounter(store counter.Store, options ...Option) *FixedWindowCounter {
	c := &FixedWindowCounter{
		store:        store,
		logger:       log.NewLogger(log.WithOutput(io.Discard)),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		now:          time.Now,
		storeTimeout: DefaultStoreTimeout,
		failOpenWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	c.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(c)
	}

	return c
}

func (c *FixedWindowCounter) registerMetrics(r prometheus.Registerer) {
	c.checksTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of rate limit checks.",
			},
			[]string{"allowed"},
		),
	)

	c.checkDuration = promutil.Register(
		r,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "ratelimit",
				Name:      "check_duration_seconds",
				Help:      "Duration of rate limit checks in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"allowed"},
		),
	)

	c.storeErrorsTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "store_errors_total",
				Help:      "Total number of counter store failures admitted by failing open.",
			},
		),
	)
}

// Key returns the counter key of a route and identity under p.
func Key(p policy.RoutePolicy, route string, id identity.Identity) string {
	return p.KeyPrefix + route + ":" + id.Key()
}

// Check counts the request against the window of its key and returns
// the decision. It never fails: store errors admit the request.
//
// The increment is detached from ctx cancellation so that a client
// disconnecting mid-check still consumes its slot; it is bounded by
// the store timeout instead.
func (c *FixedWindowCounter) Check(ctx context.Context, id identity.Identity, route string, p policy.RoutePolicy) Decision {
	var (
		start = time.Now()
		key   = Key(p, route, id)
	)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"ratelimit.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.route", route),
				attribute.Int("ratelimit.limit", p.MaxRequests),
				attribute.Int64("ratelimit.window_ms", p.Window.Milliseconds()),
				attribute.Bool("ratelimit.authenticated", id.Authenticated()),
			),
		)
		defer span.End()
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()

	n, err := c.store.Increment(storeCtx, key, p.Window)

	now := c.now()
	d := Decision{
		Limit:   p.MaxRequests,
		Window:  p.Window,
		ResetAt: now.Add(p.Window),
	}

	if err != nil {
		otelutils.RecordError(span, err)
		c.storeErrorsTotal.Inc()
		c.failOpenWarn.Do(func() {
			c.logger.WarnCtx(
				ctx,
				"counter store unavailable, failing open",
				log.String("route", route),
				log.Error(err),
			)
		})

		d.Allowed = true
		d.Remaining = p.MaxRequests
		d.FailedOpen = true
	} else {
		d.Count = n
		d.Allowed = n <= int64(p.MaxRequests)
		if n < int64(p.MaxRequests) {
			d.Remaining = p.MaxRequests - int(n)
		}
		if !d.Allowed {
			d.RetryAfter = RetryAfterSeconds(p.Window)
		}
	}

	if span.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", d.Allowed),
			attribute.Bool("ratelimit.failed_open", d.FailedOpen),
			attribute.Int64("ratelimit.count", d.Count),
			attribute.Int("ratelimit.remaining", d.Remaining),
		)
	}

	allowed := strconv.FormatBool(d.Allowed)
	c.checksTotal.WithLabelValues(allowed).Inc()
	c.checkDuration.WithLabelValues(allowed).Observe(time.Since(start).Seconds())

	return d
}

// RetryAfterSeconds rounds window up to whole seconds.
func RetryAfterSeconds(window time.Duration) int {
	return int((window + time.Second - 1) / time.Second)
}
