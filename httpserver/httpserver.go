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

// Package httpserver builds the instrumented HTTP server in front of
// every gatekeeper route: request ids, panic recovery, prometheus
// metrics and an OpenTelemetry server span per request.
package httpserver

import (
	"io"
	stdlog "log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	Option func(o *Options)

	Options struct {
		tracerProvider    trace.TracerProvider
		logger            *log.Logger
		registerer        prometheus.Registerer
		readHeaderTimeout time.Duration
		idleTimeout       time.Duration
	}
)

const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultIdleTimeout       = 15 * time.Second
)

func WithLogger(l *log.Logger) Option {
	return func(o *Options) {
		o.logger = l.Named("http.server")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.tracerProvider = tp
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) {
		o.registerer = r
	}
}

// WithTimeouts overrides the header read and keep-alive idle
// timeouts. Zero values keep the defaults.
func WithTimeouts(readHeader, idle time.Duration) Option {
	return func(o *Options) {
		if readHeader > 0 {
			o.readHeaderTimeout = readHeader
		}
		if idle > 0 {
			o.idleTimeout = idle
		}
	}
}

// NewServer returns an http.Server serving h on addr behind the
// telemetry wrapper. The server is not started.
func NewServer(addr string, h http.Handler, options ...Option) *http.Server {
	opts := &Options{
		logger:            log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider:    otel.GetTracerProvider(),
		registerer:        prometheus.DefaultRegisterer,
		readHeaderTimeout: DefaultReadHeaderTimeout,
		idleTimeout:       DefaultIdleTimeout,
	}

	for _, o := range options {
		o(opts)
	}

	logger := opts.logger.With(log.String("http_server_addr", addr))
	handler := newHandlerWrapper(
		h,
		logger,
		opts.tracerProvider,
		opts.registerer,
	)

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ErrorLog:          stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		ReadHeaderTimeout: opts.readHeaderTimeout,
		IdleTimeout:       opts.idleTimeout,
	}
}
