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
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gatekeeper/internal/otelutils"
	"go.gearno.de/gatekeeper/internal/promutil"
	"go.gearno.de/gatekeeper/internal/version"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type (
	// Sink persists events. Write is called from the logger workers
	// with a context bounded by the sink timeout.
	Sink interface {
		Write(ctx context.Context, e *Event) error
	}

	// Logger records security events without blocking its callers.
	Logger struct {
		sink   Sink
		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		queueSize   int
		workers     int
		sinkTimeout time.Duration

		mu     sync.RWMutex
		closed bool
		queue  chan queued
		wg     sync.WaitGroup

		dropWarn rate.Sometimes

		eventsTotal     *prometheus.CounterVec
		droppedTotal    prometheus.Counter
		sinkErrorsTotal prometheus.Counter
	}

	Option func(l *Logger)

	queued struct {
		event *Event
		link  trace.Link
	}
)

const (
	tracerName = "go.gearno.de/gatekeeper/security"

	DefaultQueueSize   = 1024
	DefaultWorkers     = 2
	DefaultSinkTimeout = 5 * time.Second
)

func WithLogger(l *log.Logger) Option {
	return func(s *Logger) {
		s.logger = l.Named("security")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Logger) {
		s.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Logger) {
		s.registerMetrics(r)
	}
}

// WithQueueSize sets how many events may wait for a worker before new
// ones are dropped.
func WithQueueSize(n int) Option {
	return func(s *Logger) {
		s.queueSize = n
	}
}

func WithWorkers(n int) Option {
	return func(s *Logger) {
		s.workers = n
	}
}

func WithSinkTimeout(d time.Duration) Option {
	return func(s *Logger) {
		s.sinkTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Logger) {
		s.now = now
	}
}

// NewLogger starts the workers draining events to sink. Call Close
// to flush pending events and stop them.
func NewLogger(sink Sink, options ...Option) *Logger {
	l := &Logger{
		sink:        sink,
		logger:      log.NewLogger(log.WithOutput(io.Discard)),
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
		now:         time.Now,
		queueSize:   DefaultQueueSize,
		workers:     DefaultWorkers,
		sinkTimeout: DefaultSinkTimeout,
		dropWarn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	l.workers = max(1, l.workers)
	l.queue = make(chan queued, max(0, l.queueSize))

	for range l.workers {
		l.wg.Add(1)
		go l.work()
	}

	return l
}

func (l *Logger) registerMetrics(r prometheus.Registerer) {
	l.eventsTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "security",
				Name:      "events_total",
				Help:      "Total number of security events accepted for recording.",
			},
			[]string{"type", "severity"},
		),
	)

	l.droppedTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "security",
				Name:      "events_dropped_total",
				Help:      "Total number of security events dropped because the queue was full.",
			},
		),
	)

	l.sinkErrorsTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "security",
				Name:      "sink_errors_total",
				Help:      "Total number of failed security event writes.",
			},
		),
	)
}

// Log builds the event of in and queues it for writing. It returns the
// event id, or false when the event could not be queued. It never
// blocks on the sink.
func (l *Logger) Log(ctx context.Context, in Input) (string, bool) {
	e, err := NewEvent(in, l.now())
	if err != nil {
		l.logger.ErrorCtx(ctx, "cannot build security event", log.Error(err))
		return "", false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.logger.WarnCtx(ctx, "security logger closed, dropping event", log.String("event_type", string(e.Type)))
		return "", false
	}

	select {
	case l.queue <- queued{event: e, link: trace.LinkFromContext(ctx)}:
		l.eventsTotal.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
		return e.ID, true
	default:
		l.droppedTotal.Inc()
		l.dropWarn.Do(func() {
			l.logger.WarnCtx(
				ctx,
				"security event queue full, dropping events",
				log.String("event_type", string(e.Type)),
				log.Int("queue_size", cap(l.queue)),
			)
		})
		return "", false
	}
}

// Close stops accepting events and waits for the queued ones to be
// written, or for ctx to be done.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cannot drain security events: %w", ctx.Err())
	}
}

func (l *Logger) work() {
	defer l.wg.Done()

	for q := range l.queue {
		l.write(q)
	}
}

func (l *Logger) write(q queued) {
	ctx, cancel := context.WithTimeout(context.Background(), l.sinkTimeout)
	defer cancel()

	ctx, span := l.tracer.Start(
		ctx,
		"security.Write",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithLinks(q.link),
		trace.WithAttributes(
			attribute.String("security.event_id", q.event.ID),
			attribute.String("security.event_type", string(q.event.Type)),
			attribute.String("security.severity", string(q.event.Severity)),
		),
	)
	defer span.End()

	if err := l.safeWrite(ctx, q.event); err != nil {
		otelutils.RecordError(span, err)
		l.sinkErrorsTotal.Inc()
		l.logger.ErrorCtx(
			ctx,
			"cannot write security event",
			log.String("event_id", q.event.ID),
			log.String("event_type", string(q.event.Type)),
			log.Error(err),
		)
	}
}

func (l *Logger) safeWrite(ctx context.Context, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()

	return l.sink.Write(ctx, e)
}
