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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTracerProvider() (trace.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)

	return tp, recorder
}

func newTestServer(t *testing.T, h http.Handler, options ...Option) (*httptest.Server, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&buf))

	options = append(
		[]Option{
			WithLogger(logger),
			WithRegisterer(prometheus.NewRegistry()),
		},
		options...,
	)

	server := NewServer(":0", h, options...)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return ts, &buf
}

func TestServer_BasicRequest(t *testing.T) {
	tp, recorder := newTracerProvider()
	registry := prometheus.NewRegistry()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	ts, logs := newTestServer(t, h, WithRegisterer(registry), WithTracerProvider(tp))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/test?token=secret", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	output := logs.String()
	assert.Contains(t, output, "http_request_method")
	assert.Contains(t, output, "/test")
	assert.Contains(t, output, "test-agent")
	assert.Contains(t, output, "203.0.113.7")
	assert.NotContains(t, output, "secret")

	n, err := testutil.GatherAndCount(registry, "http_server_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /test", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

func TestServer_KeepsIncomingRequestID(t *testing.T) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("x-request-id")
	})

	ts, _ := newTestServer(t, h)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("x-request-id", "req-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", resp.Header.Get("x-request-id"))
}

func TestServer_PanicRecovery(t *testing.T) {
	tp, recorder := newTracerProvider()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts, logs := newTestServer(t, h, WithTracerProvider(tp))

	for range 2 {
		resp, err := http.Get(ts.URL + "/panic")
		require.NoError(t, err)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "internal error", body["error"])
	}

	output := logs.String()
	assert.Contains(t, output, "/panic")
	assert.Contains(t, output, "500")
	assert.Contains(t, output, "test panic")
	assert.Contains(t, output, "stacktrace")

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestServer_PanicWithError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("boom"))
	})

	ts, logs := newTestServer(t, h)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, logs.String(), "boom")
}

func TestServer_Propagation(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	tp, recorder := newTracerProvider()

	var headers http.Header
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
	})

	ts, _ := newTestServer(t, h, WithTracerProvider(tp))

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01"

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("traceparent", traceparent)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, traceparent, headers.Get("traceparent"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
}

func TestServer_RoutePatternLabel(t *testing.T) {
	registry := prometheus.NewRegistry()

	router := chi.NewRouter()
	router.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ts, _ := newTestServer(t, router, WithRegisterer(registry))

	for _, path := range []string{"/users/1", "/users/2", "/nowhere"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	expected := `
# HELP http_server_requests_total Total number of HTTP requests served.
# TYPE http_server_requests_total counter
http_server_requests_total{method="GET",path="/users/{id}",status_code="204"} 2
http_server_requests_total{method="GET",path="unmatched",status_code="404"} 1
`
	require.NoError(
		t,
		testutil.GatherAndCompare(registry, strings.NewReader(expected), "http_server_requests_total"),
	)
}

func TestServer_ErrorStatusLogging(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/error" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ts, logs := newTestServer(t, h)

	for _, path := range []string{"/test", "/error"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	output := logs.String()
	assert.Contains(t, output, `"level":"INFO"`)
	assert.Contains(t, output, `"level":"ERROR"`)
	assert.Contains(t, output, "/error")
}

func TestServer_Health(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for the health endpoint")
	})

	ts, logs := newTestServer(t, h)

	resp, err := http.Get(ts.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))
	assert.Equal(t, "{}", string(body))
	assert.NotContains(t, logs.String(), HealthPath)
}

func TestServer_OptionsBypass(t *testing.T) {
	registry := prometheus.NewRegistry()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ts, logs := newTestServer(t, h, WithRegisterer(registry))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/anything", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("x-request-id"))
	assert.Empty(t, logs.String())

	n, err := testutil.GatherAndCount(registry, "http_server_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewServer_Timeouts(t *testing.T) {
	h := http.NotFoundHandler()

	server := NewServer(":0", h, WithRegisterer(prometheus.NewRegistry()))
	assert.Equal(t, DefaultReadHeaderTimeout, server.ReadHeaderTimeout)
	assert.Equal(t, DefaultIdleTimeout, server.IdleTimeout)

	server = NewServer(
		":0",
		h,
		WithRegisterer(prometheus.NewRegistry()),
		WithTimeouts(2*time.Second, 0),
	)
	assert.Equal(t, 2*time.Second, server.ReadHeaderTimeout)
	assert.Equal(t, DefaultIdleTimeout, server.IdleTimeout, "zero keeps the default")
}

func TestRenderError(t *testing.T) {
	rec := httptest.NewRecorder()

	RenderError(rec, http.StatusBadRequest, errors.New("missing field"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"bad_request","message":"missing field"}`, rec.Body.String())
}

func TestRenderText(t *testing.T) {
	rec := httptest.NewRecorder()

	RenderText(rec, http.StatusOK, "pong")

	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("content-type"))
	assert.Equal(t, "pong", rec.Body.String())
}
