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

// Package gate wraps HTTP handlers with route policy rate limiting.
package gate

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.gearno.de/gatekeeper/httpserver"
	"go.gearno.de/gatekeeper/identity"
	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/policy"
	"go.gearno.de/gatekeeper/ratelimit"
	"go.gearno.de/gatekeeper/security"
)

type (
	// Gate admits or rejects requests before they reach the wrapped
	// handler.
	Gate struct {
		limiter  *ratelimit.FixedWindowCounter
		resolver *policy.Resolver
		events   *security.Logger
		logger   *log.Logger
		enabled  bool
	}

	Option func(g *Gate)

	WrapOption func(o *wrapOptions)

	wrapOptions struct {
		route string
	}

	// DenialResponse is the body of a 429 response.
	DenialResponse struct {
		Error   string        `json:"error"`
		Message string        `json:"message"`
		Code    string        `json:"code"`
		Details DenialDetails `json:"details"`
	}

	DenialDetails struct {
		Limit      int   `json:"limit"`
		WindowMs   int64 `json:"windowMs"`
		RetryAfter int   `json:"retryAfter"`
	}
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"

	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

func WithLogger(l *log.Logger) Option {
	return func(g *Gate) {
		g.logger = l.Named("gate")
	}
}

// WithSecurityLogger records a rate_limit_exceeded event for every
// denied request.
func WithSecurityLogger(s *security.Logger) Option {
	return func(g *Gate) {
		g.events = s
	}
}

// WithEnabled turns rate limiting on or off. A disabled gate passes
// every request through untouched. Default is enabled.
func WithEnabled(enabled bool) Option {
	return func(g *Gate) {
		g.enabled = enabled
	}
}

// WithRoute accounts the wrapped handler under route instead of the
// request path.
func WithRoute(route string) WrapOption {
	return func(o *wrapOptions) {
		o.route = route
	}
}

func New(limiter *ratelimit.FixedWindowCounter, resolver *policy.Resolver, options ...Option) *Gate {
	g := &Gate{
		limiter:  limiter,
		resolver: resolver,
		logger:   log.NewLogger(log.WithOutput(io.Discard)),
		enabled:  true,
	}

	for _, o := range options {
		o(g)
	}

	return g
}

// Middleware returns Wrap as a router middleware.
func (g *Gate) Middleware(options ...WrapOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.Wrap(next, options...)
	}
}

// Wrap returns a handler checking every non OPTIONS request against
// its route policy. Admitted requests reach next with the quota
// headers already set; denied ones get a 429.
func (g *Gate) Wrap(next http.Handler, options ...WrapOption) http.Handler {
	var opts wrapOptions
	for _, o := range options {
		o(&opts)
	}

	if !g.enabled {
		return next
	}

	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			route := opts.route
			if route == "" {
				route = policy.CleanRoute(r.URL.Path)
			}

			var (
				ctx = r.Context()
				id  = identity.Extract(r)
				p   = g.resolver.Resolve(route, identity.Classify(r.URL.Path, id))
				d   = g.limiter.Check(ctx, id, route, p)
			)

			setHeaders(w.Header(), d)

			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			g.logger.InfoCtx(
				ctx,
				"rate limit exceeded",
				log.String("route", route),
				log.String("identity", id.Key()),
				log.Int64("attempts", d.Count),
				log.Int("limit", d.Limit),
			)

			if g.events != nil {
				g.events.RateLimitExceeded(
					ctx,
					security.RateLimitViolation{
						IPAddress: id.IP,
						UserID:    id.Subject,
						Route:     route,
						UserAgent: r.UserAgent(),
						Attempts:  d.Count,
						Limit:     d.Limit,
						Window:    d.Window,
					},
				)
			}

			httpserver.RenderJSON(
				w,
				http.StatusTooManyRequests,
				DenialResponse{
					Error:   "Too many requests",
					Message: fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", d.RetryAfter),
					Code:    CodeRateLimitExceeded,
					Details: DenialDetails{
						Limit:      d.Limit,
						WindowMs:   d.Window.Milliseconds(),
						RetryAfter: d.RetryAfter,
					},
				},
			)
		},
	)
}

func setHeaders(h http.Header, d ratelimit.Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))

	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
	}
}
