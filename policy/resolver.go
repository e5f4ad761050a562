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

package policy

import (
	"fmt"
	"io"
	"maps"
	"path"
	"sync/atomic"

	"go.gearno.de/gatekeeper/log"
)

type (
	// Resolver maps a route and a caller class to a RoutePolicy.
	// Resolve reads an immutable snapshot; Reload swaps it
	// atomically.
	Resolver struct {
		logger   *log.Logger
		path     string
		builtin  map[string]RoutePolicy
		snapshot atomic.Pointer[snapshot]
	}

	ResolverOption func(r *Resolver)

	snapshot struct {
		defaults Defaults
		routes   map[string]RoutePolicy
	}
)

func WithLogger(l *log.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l.Named("policy")
	}
}

// WithFile sets the policy file read by NewResolver and Reload.
func WithFile(path string) ResolverOption {
	return func(r *Resolver) {
		r.path = path
	}
}

// WithRoutes sets built-in route policies. Entries of the policy file
// take precedence over them.
func WithRoutes(routes map[string]RoutePolicy) ResolverOption {
	return func(r *Resolver) {
		r.builtin = validRoutes(routes)
	}
}

// NewResolver builds a Resolver with the given defaults. When a policy
// file is configured it is loaded immediately; a missing or invalid
// file is logged and leaves the defaults and built-in routes in effect.
func NewResolver(defaults Defaults, options ...ResolverOption) *Resolver {
	r := &Resolver{
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(r)
	}

	r.snapshot.Store(&snapshot{defaults: defaults.normalize(), routes: maps.Clone(r.builtin)})

	if r.path != "" {
		if err := r.Reload(); err != nil {
			r.logger.Warn("using default policies", log.Error(err))
		}
	}

	return r
}

// NewStaticResolver builds a Resolver from in-memory policies.
// Invalid policies are dropped.
func NewStaticResolver(defaults Defaults, routes map[string]RoutePolicy) *Resolver {
	r := &Resolver{
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	r.snapshot.Store(&snapshot{defaults: defaults.normalize(), routes: validRoutes(routes)})

	return r
}

func validRoutes(routes map[string]RoutePolicy) map[string]RoutePolicy {
	valid := make(map[string]RoutePolicy, len(routes))
	for route, p := range routes {
		if p.Validate() != nil {
			continue
		}

		if p.KeyPrefix == "" {
			p.KeyPrefix = DefaultKeyPrefix
		}

		valid[CleanRoute(route)] = p
	}

	return valid
}

// CleanRoute returns the canonical form of a route: rooted, without
// repeated or trailing slashes and without dot segments.
func CleanRoute(route string) string {
	return path.Clean("/" + route)
}

// Resolve returns the policy of the route when one is configured,
// else the class default. Routes are compared in their CleanRoute
// form.
func (r *Resolver) Resolve(route string, class Class) RoutePolicy {
	s := r.snapshot.Load()

	if p, ok := s.routes[CleanRoute(route)]; ok {
		return p
	}

	return RoutePolicy{
		Window:      DefaultWindow,
		MaxRequests: s.defaults.RPM(class),
		KeyPrefix:   DefaultKeyPrefix,
	}
}

// Routes returns a copy of the configured route policies.
func (r *Resolver) Routes() map[string]RoutePolicy {
	return maps.Clone(r.snapshot.Load().routes)
}

// Reload rereads the policy file and swaps the snapshot. On error the
// current snapshot is kept.
func (r *Resolver) Reload() error {
	if r.path == "" {
		return nil
	}

	routes, invalid, err := LoadFile(r.path)
	if err != nil {
		return fmt.Errorf("cannot load policies from %q: %w", r.path, err)
	}

	for _, e := range invalid {
		r.logger.Warn("dropping invalid route policy", log.String("route", e.Route), log.Error(e.Err))
	}

	merged := maps.Clone(r.builtin)
	if merged == nil {
		merged = make(map[string]RoutePolicy, len(routes))
	}
	for route, p := range routes {
		merged[CleanRoute(route)] = p
	}

	current := r.snapshot.Load()
	r.snapshot.Store(&snapshot{defaults: current.defaults, routes: merged})

	r.logger.Info(
		"route policies loaded",
		log.String("path", r.path),
		log.Int("routes", len(routes)),
		log.Int("dropped", len(invalid)),
	)

	return nil
}
