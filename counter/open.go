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

package counter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/pg"
)

type (
	// Config carries the settings Open chooses a backend from.
	Config struct {
		RESTURL   string
		RESTToken string

		RedisAddr     string
		RedisPassword string
		RedisDB       int

		// Backend forces the postgres backend when set to
		// "postgres" and Postgres is not nil.
		Backend string
	}

	// Dependencies are the shared clients a backend may need.
	Dependencies struct {
		Logger     *log.Logger
		HTTPClient *http.Client
		Postgres   *pg.Client
	}

	// Opened is the Store chosen by Open with its lifecycle hooks.
	Opened struct {
		Store   Store
		Backend Backend

		startFn func(context.Context)
		closeFn func() error
	}
)

// Select returns the backend Open would choose for cfg. REST wins
// over Redis, Redis over Postgres and memory is the fallback.
func Select(cfg Config, hasPostgres bool) Backend {
	switch {
	case cfg.RESTURL != "" && cfg.RESTToken != "":
		return BackendREST
	case cfg.RedisAddr != "":
		return BackendRedis
	case Backend(strings.ToLower(cfg.Backend)) == BackendPostgres && hasPostgres:
		return BackendPostgres
	default:
		return BackendMemory
	}
}

// Open builds the Store selected from cfg. It is meant to be called
// once at startup; the result is injected into the rate limiter.
func Open(cfg Config, deps Dependencies) (*Opened, error) {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(io.Discard))
	}

	backend := Select(cfg, deps.Postgres != nil)
	o := &Opened{Backend: backend}

	switch backend {
	case BackendREST:
		if deps.HTTPClient == nil {
			return nil, fmt.Errorf("cannot open %s counter store: http client required", backend)
		}

		o.Store = NewRESTStore(cfg.RESTURL, cfg.RESTToken, deps.HTTPClient)

	case BackendRedis:
		s := NewRedisStore(
			redis.NewClient(
				&redis.Options{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				},
			),
		)

		o.Store = s
		o.closeFn = s.Close

	case BackendPostgres:
		s := NewPostgresStore(deps.Postgres, WithPostgresLogger(logger))

		o.Store = s
		o.startFn = s.StartCleanup

	default:
		s := NewMemoryStore(WithMemoryLogger(logger))

		o.Store = s
		o.startFn = s.StartCleanup
	}

	logger.Info("counter store selected", log.String("backend", string(backend)))

	return o, nil
}

// Start launches the background janitor of the backend, if any, until
// ctx is cancelled.
func (o *Opened) Start(ctx context.Context) {
	if o.startFn != nil {
		o.startFn(ctx)
	}
}

// Close releases the connections owned by the store. Shared clients
// passed in Dependencies are left open.
func (o *Opened) Close() error {
	if o.closeFn != nil {
		return o.closeFn()
	}

	return nil
}
