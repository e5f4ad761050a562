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

package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/gatekeeper/internal/otelutils"
	"go.gearno.de/gatekeeper/internal/promutil"
	"go.gearno.de/gatekeeper/internal/version"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	// TelemetryRoundTripper wraps another http.RoundTripper and
	// records a client span, request metrics and a log line for
	// every transaction. Query strings are never logged.
	TelemetryRoundTripper struct {
		logger *log.Logger
		tracer trace.Tracer

		requestsTotal          *prometheus.CounterVec
		requestDurationSeconds *prometheus.HistogramVec

		next http.RoundTripper
	}
)

const (
	tracerName = "go.gearno.de/gatekeeper/httpclient"
)

var (
	_ http.RoundTripper = (*TelemetryRoundTripper)(nil)

	metricLabels = []string{"method", "host", "status_code"}
)

func NewTelemetryRoundTripper(
	next http.RoundTripper,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) *TelemetryRoundTripper {
	requestsTotal := promutil.Register(
		registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "http_client",
				Name:      "requests_total",
				Help:      "Total number of outbound HTTP requests.",
			},
			metricLabels,
		),
	)

	requestDurationSeconds := promutil.Register(
		registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_client",
				Name:      "request_duration_seconds",
				Help:      "Duration of outbound HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			metricLabels,
		),
	)

	return &TelemetryRoundTripper{
		next:   next,
		logger: logger.Named("http.client"),
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		),
		requestsTotal:          requestsTotal,
		requestDurationSeconds: requestDurationSeconds,
	}
}

func (rt *TelemetryRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	var (
		r2        = r.Clone(r.Context())
		ctx       = r2.Context()
		start     = time.Now()
		requestID = r2.Header.Get("x-request-id")
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("cannot generate request-id: %w", err)
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)

	logger := rt.logger.With(
		log.String("http_request_method", r2.Method),
		log.String("http_request_host", r2.URL.Host),
		log.String("http_request_path", r2.URL.Path),
		log.String("http_request_id", requestID),
	)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		ctx, span = rt.tracer.Start(
			ctx,
			fmt.Sprintf("%s %s", r2.Method, r2.URL.Host),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.NetworkPeerAddress(r2.URL.Hostname()),
				semconv.NetworkPeerPort(atoi(r2.URL.Port())),
				semconv.URLScheme(r2.URL.Scheme),
				semconv.URLPath(r2.URL.Path),
				semconv.HTTPRequestMethodKey.String(r2.Method),
				attribute.String("http.request_id", requestID),
			),
		)
		defer span.End()

		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r2.Header))
		r2 = r2.WithContext(ctx)
	}

	resp, err := rt.next.RoundTrip(r2)
	if err != nil {
		logger.ErrorCtx(ctx, "cannot execute http transaction", log.Error(err))
		otelutils.RecordError(span, err)
		rt.observe(r2, "error", start)

		return nil, err
	}

	if span.IsRecording() {
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	}

	duration := rt.observe(r2, strconv.Itoa(resp.StatusCode), start)

	level := log.LevelDebug
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		level = log.LevelError
	case resp.StatusCode >= http.StatusBadRequest:
		level = log.LevelWarn
	}

	logger.Log(
		ctx,
		level,
		fmt.Sprintf("%s %s://%s%s %d %s", r2.Method, r2.URL.Scheme, r2.URL.Host, r2.URL.Path, resp.StatusCode, duration),
		log.Int("http_response_status_code", resp.StatusCode),
	)

	return resp, nil
}

func (rt *TelemetryRoundTripper) observe(r *http.Request, status string, start time.Time) time.Duration {
	duration := time.Since(start)
	labels := prometheus.Labels{
		"method":      r.Method,
		"host":        r.URL.Host,
		"status_code": status,
	}

	rt.requestsTotal.With(labels).Inc()
	rt.requestDurationSeconds.With(labels).Observe(duration.Seconds())

	return duration
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}

	return v
}
