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

// Package pg is the PostgreSQL access layer used for durable
// security events and for the optional Postgres counter backend.
package pg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gatekeeper/internal/otelutils"
	"go.gearno.de/gatekeeper/internal/promutil"
	"go.gearno.de/gatekeeper/internal/version"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client provides a PostgreSQL connection pool with logging and
	// tracing.
	Client struct {
		addr     string
		user     string
		password string
		database string

		poolSize int32

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		registerer     prometheus.Registerer
	}

	ExecFunc func(Conn) error

	AdvisoryLock = uint32
)

const (
	tracerName = "go.gearno.de/gatekeeper/pg"

	BaseAdvisoryLockId uint32 = 42
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg.client")
	}
}

// WithAddr specifies the database address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

func WithPoolSize(i int32) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer exports the pool statistics to r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates the connection pool. Connections are opened
// lazily, use Ping to verify the database is reachable.
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
	}

	for _, o := range options {
		o(c)
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("cannot create pool config: %w", err)
	}

	config.ConnConfig.Config.Host = host
	config.ConnConfig.Config.Port = uint16(port)
	config.ConnConfig.Config.User = c.user
	config.ConnConfig.Config.Password = c.password
	config.ConnConfig.Config.Database = c.database
	config.MinConns = 1
	config.MaxConns = c.poolSize

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
	)

	config.ConnConfig.Tracer = multitracer.New(
		&tracelog.TraceLog{
			Logger:   &logger{c.logger},
			LogLevel: tracelog.LogLevelWarn,
		},
		&queryTracer{tracer: c.tracer},
	)

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	c.pool = pool

	if c.registerer != nil {
		promutil.Register(c.registerer, newPoolCollector(pool, c.database))
	}

	return c, nil
}

// Close closes the client's connection pool, releasing all resources.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping acquires a connection and checks the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping database: %w", err)
	}

	return nil
}

// WithConn executes exec with a connection from the pool.
func (c *Client) WithConn(ctx context.Context, exec ExecFunc) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(ctx, "WithConn", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err := fmt.Errorf("cannot acquire connection: %w", err)
		otelutils.RecordError(span, err)
		return err
	}
	defer conn.Release()

	if err := exec(conn); err != nil {
		otelutils.RecordError(span, err)
		return err
	}

	return nil
}

// WithTx executes exec within a transaction, committing when exec
// returns nil and rolling back otherwise.
func (c *Client) WithTx(ctx context.Context, exec ExecFunc) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(ctx, "WithTx", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err := fmt.Errorf("cannot acquire connection: %w", err)
		otelutils.RecordError(span, err)
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		err := fmt.Errorf("cannot begin transaction: %w", err)
		otelutils.RecordError(span, err)
		return err
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(err, fmt.Errorf("cannot rollback transaction: %w", err2))
		}

		otelutils.RecordError(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		err := fmt.Errorf("cannot commit transaction: %w", err)
		otelutils.RecordError(span, err)
		return err
	}

	return nil
}

// WithAdvisoryLock runs f in a transaction holding the transaction
// scoped advisory lock id.
func (c *Client) WithAdvisoryLock(ctx context.Context, id AdvisoryLock, f ExecFunc) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"WithAdvisoryLock",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.Int("lock_id", int(id))),
		)
		defer span.End()
	}

	return c.WithTx(
		ctx,
		func(conn Conn) error {
			q := "SELECT pg_advisory_xact_lock($1, $2)"
			if _, err := conn.Exec(ctx, q, BaseAdvisoryLockId, id); err != nil {
				err = fmt.Errorf("cannot acquire advisory lock: %w", err)
				otelutils.RecordError(span, err)
				return err
			}

			if err := f(conn); err != nil {
				otelutils.RecordError(span, err)
				return err
			}

			return nil
		},
	)
}
