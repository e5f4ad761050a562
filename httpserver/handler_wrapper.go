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

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/gatekeeper/identity"
	"go.gearno.de/gatekeeper/internal/otelutils"
	"go.gearno.de/gatekeeper/internal/promutil"
	"go.gearno.de/gatekeeper/internal/version"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next            http.Handler
		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
		tracer          trace.Tracer
		logger          *log.Logger
	}
)

const (
	tracerName = "go.gearno.de/gatekeeper/httpserver"

	HealthPath = "/health"
)

var (
	internalErrorResponse = map[string]string{
		"error": "internal error",
	}
)

func newHandlerWrapper(
	next http.Handler,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) *handlerWrapper {
	metricLabels := []string{"method", "status_code", "path"}

	return &handlerWrapper{
		next:   next,
		logger: logger,
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		),
		requestsTotal: promutil.Register(
			registerer,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "http_server",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests served.",
				},
				metricLabels,
			),
		),
		requestDuration: promutil.Register(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				metricLabels,
			),
		),
		responseSize: promutil.Register(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "response_size_bytes",
					Help:      "Size of HTTP responses in bytes.",
					Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
				},
				metricLabels,
			),
		),
	}
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// OPTIONS requests skip telemetry.
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == HealthPath {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
		return
	}

	var (
		start     = time.Now()
		requestID = r.Header.Get("x-request-id")
		clientIP  = identity.ClientIP(r)
		ww        = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		logger    = hw.logger.With(
			log.String("http_request_method", r.Method),
			log.String("http_request_host", r.Host),
			log.String("http_request_path", r.URL.Path),
			log.String("http_request_flavor", r.Proto),
			log.String("http_request_user_agent", r.UserAgent()),
			log.String("http_request_client_ip", clientIP),
		)
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			logger.Error("cannot generate request id", log.Error(err))
		} else {
			requestID = id.String()
		}
	}

	r2 := r.Clone(r.Context())
	r2.Header.Set("x-request-id", requestID)
	ww.Header().Set("x-request-id", requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	ctx := otel.GetTextMapPropagator().Extract(r2.Context(), propagation.HeaderCarrier(r2.Header))
	ctx, span := hw.tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", r2.Method, r2.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r2.Method),
			semconv.URLPath(r2.URL.Path),
			semconv.ClientAddress(clientIP),
			semconv.UserAgentOriginal(r2.UserAgent()),
			attribute.String("http.request_id", requestID),
		),
	)
	defer span.End()

	// chi fills the route context while routing; it gives the
	// metrics a bounded path label.
	rctx := chi.NewRouteContext()
	ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)

	defer func() {
		duration := time.Since(start)

		rvr := recover()
		if rvr != nil {
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			if err, ok := rvr.(error); ok {
				otelutils.RecordError(span, err)
			} else {
				span.SetStatus(codes.Error, fmt.Sprintf("%v", rvr))
			}

			stack := make([]byte, 4096)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.Any("error", rvr),
				log.String("stacktrace", string(stack[:length])),
			)

			if ww.Status() == 0 || ww.BytesWritten() == 0 {
				ww.Header().Set("content-type", "application/json; charset=utf-8")
				ww.WriteHeader(http.StatusInternalServerError)
				if err := json.NewEncoder(ww).Encode(internalErrorResponse); err != nil {
					logger.ErrorCtx(ctx, "cannot write internal error", log.Error(err))
				}
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := rctx.RoutePattern()
		if path == "" {
			path = "unmatched"
		}

		labels := prometheus.Labels{
			"method":      r2.Method,
			"status_code": strconv.Itoa(status),
			"path":        path,
		}

		hw.requestsTotal.With(labels).Inc()
		hw.requestDuration.With(labels).Observe(duration.Seconds())
		hw.responseSize.With(labels).Observe(float64(ww.BytesWritten()))

		span.SetAttributes(semconv.HTTPResponseStatusCode(status))

		msg := fmt.Sprintf("%s %s %d %s %s", r2.Method, r2.URL.Path, status, formatSize(ww.BytesWritten()), duration)
		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", status),
		)

		switch {
		case rvr != nil:
			logger.ErrorCtx(ctx, msg)
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
			logger.ErrorCtx(ctx, msg)
		default:
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}
