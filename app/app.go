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

// Package app assembles the gatekeeper service: the counter store, the
// rate limiter and its gate, the security event pipeline, the CSP
// report endpoint and the reverse proxy to the protected upstream.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gatekeeper/counter"
	"go.gearno.de/gatekeeper/csp"
	"go.gearno.de/gatekeeper/gate"
	"go.gearno.de/gatekeeper/httpclient"
	"go.gearno.de/gatekeeper/httpserver"
	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/migrator"
	"go.gearno.de/gatekeeper/pg"
	"go.gearno.de/gatekeeper/policy"
	"go.gearno.de/gatekeeper/ratelimit"
	"go.gearno.de/gatekeeper/schema"
	"go.gearno.de/gatekeeper/security"
	"go.opentelemetry.io/otel/trace"
)

type (
	// App is the gatekeeper service run by a unit.
	App struct {
		cfg    Config
		getenv func(string) string
	}

	// components are the wired parts of a running App.
	components struct {
		handler  http.Handler
		resolver *policy.Resolver
		events   *security.Logger
		store    *counter.Opened
		postgres *pg.Client
	}
)

const shutdownTimeout = 15 * time.Second

func New() *App {
	return &App{
		cfg:    DefaultConfig(),
		getenv: os.Getenv,
	}
}

func (a *App) GetConfiguration() any {
	return &a.cfg
}

func (a *App) Run(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	if err := a.cfg.LoadEnv(a.getenv); err != nil {
		logger.Warn("ignoring invalid environment values", log.Error(err))
	}

	c, err := a.build(ctx, logger, registerer, tp)
	if err != nil {
		return err
	}
	defer c.close(logger)

	c.store.Start(ctx)

	go a.reloadOnHangup(ctx, logger, c.resolver)

	server := httpserver.NewServer(
		a.cfg.ListenAddr,
		c.handler,
		httpserver.WithLogger(logger),
		httpserver.WithRegisterer(registerer),
		httpserver.WithTracerProvider(tp),
		httpserver.WithTimeouts(a.cfg.Server.ReadHeaderTimeout(), a.cfg.Server.IdleTimeout()),
	)

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", server.Addr, err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info(
		"gatekeeper started",
		log.String("addr", listener.Addr().String()),
		log.String("counter_backend", string(c.store.Backend)),
		log.Bool("rate_limit_enabled", a.cfg.RateLimit.Enabled),
	)

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return nil
}

func (a *App) build(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (*components, error) {
	c := &components{}

	if a.cfg.Database.Addr != "" {
		client, err := pg.NewClient(
			pg.WithAddr(a.cfg.Database.Addr),
			pg.WithUser(a.cfg.Database.User),
			pg.WithPassword(a.cfg.Database.Password),
			pg.WithDatabase(a.cfg.Database.Name),
			pg.WithPoolSize(a.cfg.Database.PoolSize),
			pg.WithLogger(logger),
			pg.WithTracerProvider(tp),
			pg.WithRegisterer(registerer),
		)
		if err != nil {
			return nil, fmt.Errorf("cannot create postgres client: %w", err)
		}
		c.postgres = client

		m := migrator.NewMigrator(client, schema.Migrations, migrator.WithLogger(logger))
		if err := m.Run(ctx); err != nil {
			c.close(logger)
			return nil, fmt.Errorf("cannot migrate database: %w", err)
		}
	}

	httpClient := httpclient.DefaultPooledClient(
		httpclient.WithLogger(logger),
		httpclient.WithTracerProvider(tp),
		httpclient.WithRegisterer(registerer),
		httpclient.WithTimeout(a.cfg.RateLimit.StoreTimeout()),
	)

	store, err := counter.Open(
		a.cfg.Counter.counterConfig(),
		counter.Dependencies{
			Logger:     logger,
			HTTPClient: httpClient,
			Postgres:   c.postgres,
		},
	)
	if err != nil {
		c.close(logger)
		return nil, fmt.Errorf("cannot open counter store: %w", err)
	}
	c.store = store

	sinks := security.MultiSink{security.NewLogSink(logger)}
	if c.postgres != nil {
		sinks = append(sinks, security.NewPostgresSink(c.postgres))
	}

	c.events = security.NewLogger(
		sinks,
		security.WithLogger(logger),
		security.WithTracerProvider(tp),
		security.WithRegisterer(registerer),
		security.WithQueueSize(a.cfg.Security.QueueSize),
		security.WithWorkers(a.cfg.Security.Workers),
	)

	resolverOptions := []policy.ResolverOption{
		policy.WithLogger(logger),
		policy.WithRoutes(map[string]policy.RoutePolicy{csp.Route: csp.DefaultPolicy()}),
	}
	if a.cfg.RateLimit.PolicyFile != "" {
		resolverOptions = append(resolverOptions, policy.WithFile(a.cfg.RateLimit.PolicyFile))
	}
	c.resolver = policy.NewResolver(a.cfg.RateLimit.Defaults(), resolverOptions...)

	limiter := ratelimit.NewFixedWindowCounter(
		store.Store,
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithRegisterer(registerer),
		ratelimit.WithStoreTimeout(a.cfg.RateLimit.StoreTimeout()),
	)

	g := gate.New(
		limiter,
		c.resolver,
		gate.WithLogger(logger),
		gate.WithSecurityLogger(c.events),
		gate.WithEnabled(a.cfg.RateLimit.Enabled),
	)

	cspHandler := csp.NewHandler(
		c.events,
		csp.WithLogger(logger),
		csp.WithAllowedDomains(a.cfg.CSP.AllowedDomains...),
		csp.WithRegisterer(registerer),
	)

	router := chi.NewRouter()
	router.Handle(csp.Route, g.Wrap(cspHandler, gate.WithRoute(csp.Route)))

	if a.cfg.UpstreamURL != "" {
		proxy, err := newReverseProxy(a.cfg.UpstreamURL, logger, registerer, tp)
		if err != nil {
			c.close(logger)
			return nil, err
		}

		router.With(g.Middleware()).Handle("/*", proxy)
	}

	c.handler = router

	return c, nil
}

func newReverseProxy(
	upstream string,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("cannot parse upstream url: %w", err)
	}

	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("cannot use upstream url %q: scheme and host required", upstream)
	}

	logger = logger.Named("proxy")

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = httpclient.DefaultPooledTransport(
		httpclient.WithLogger(logger),
		httpclient.WithTracerProvider(tp),
		httpclient.WithRegisterer(registerer),
	)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.ErrorCtx(r.Context(), "cannot reach upstream", log.Error(err))
		httpserver.RenderError(w, http.StatusBadGateway, errors.New("upstream unavailable"))
	}

	return proxy, nil
}

func (a *App) reloadOnHangup(ctx context.Context, logger *log.Logger, resolver *policy.Resolver) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			if err := resolver.Reload(); err != nil {
				logger.Error("cannot reload route policies", log.Error(err))
				continue
			}

			logger.Info("route policies reloaded", log.Int("routes", len(resolver.Routes())))
		}
	}
}

// close drains the security events before releasing the stores they
// may be written to.
func (c *components) close(logger *log.Logger) {
	if c.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := c.events.Close(ctx); err != nil {
			logger.Warn("security events lost on shutdown", log.Error(err))
		}
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			logger.Warn("cannot close counter store", log.Error(err))
		}
	}

	if c.postgres != nil {
		c.postgres.Close()
	}
}
