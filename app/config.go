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

package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.gearno.de/gatekeeper/counter"
	"go.gearno.de/gatekeeper/policy"
)

type (
	// Config is the "gatekeeper" section of the configuration file.
	// Environment variables override it, see LoadEnv.
	Config struct {
		ListenAddr  string          `json:"listen-addr"`
		UpstreamURL string          `json:"upstream-url"`
		Server      ServerConfig    `json:"server"`
		RateLimit   RateLimitConfig `json:"rate-limit"`
		Counter     CounterConfig   `json:"counter"`
		Database    DatabaseConfig  `json:"database"`
		CSP         CSPConfig       `json:"csp"`
		Security    SecurityConfig  `json:"security"`
	}

	// ServerConfig tunes the listening server. Zero values keep the
	// httpserver defaults.
	ServerConfig struct {
		ReadHeaderTimeoutMs int `json:"read-header-timeout-ms"`
		IdleTimeoutMs       int `json:"idle-timeout-ms"`
	}

	RateLimitConfig struct {
		Enabled            bool   `json:"enabled"`
		UnauthenticatedRPM int    `json:"unauthenticated-rpm"`
		AuthenticatedRPM   int    `json:"authenticated-rpm"`
		WebhookRPM         int    `json:"webhook-rpm"`
		PolicyFile         string `json:"policy-file"`
		StoreTimeoutMs     int    `json:"store-timeout-ms"`
	}

	CounterConfig struct {
		Backend       string `json:"backend"`
		RESTURL       string `json:"rest-url"`
		RESTToken     string `json:"rest-token"`
		RedisAddr     string `json:"redis-addr"`
		RedisPassword string `json:"redis-password"`
		RedisDB       int    `json:"redis-db"`
	}

	// DatabaseConfig enables Postgres when Addr is set. It then backs
	// security event persistence and, on request, the counter store.
	DatabaseConfig struct {
		Addr     string `json:"addr"`
		User     string `json:"user"`
		Password string `json:"password"`
		Name     string `json:"name"`
		PoolSize int32  `json:"pool-size"`
	}

	CSPConfig struct {
		AllowedDomains []string `json:"allowed-domains"`
	}

	SecurityConfig struct {
		QueueSize int `json:"queue-size"`
		Workers   int `json:"workers"`
	}

	// InvalidEnvError reports an environment variable whose value could
	// not be parsed. The configured value is kept.
	InvalidEnvError struct {
		Name  string
		Value string
		Err   error
	}
)

func (e *InvalidEnvError) Error() string {
	return fmt.Sprintf("invalid %s value %q: %v", e.Name, e.Value, e.Err)
}

func (e *InvalidEnvError) Unwrap() error { return e.Err }

// DefaultConfig returns the configuration used when neither the file
// nor the environment say otherwise.
func DefaultConfig() Config {
	defaults := policy.DefaultDefaults()

	return Config{
		ListenAddr: ":8080",
		RateLimit: RateLimitConfig{
			Enabled:            true,
			UnauthenticatedRPM: defaults.UnauthenticatedRPM,
			AuthenticatedRPM:   defaults.AuthenticatedRPM,
			WebhookRPM:         defaults.WebhookRPM,
			StoreTimeoutMs:     2000,
		},
		Database: DatabaseConfig{
			User:     "postgres",
			Name:     "postgres",
			PoolSize: 10,
		},
		Security: SecurityConfig{
			QueueSize: 1024,
			Workers:   2,
		},
	}
}

// LoadEnv overrides c with the environment variables returned by
// getenv. Empty variables are ignored. Unparsable values leave the
// field untouched and are reported in the returned error.
func (c *Config) LoadEnv(getenv func(string) string) error {
	l := envLoader{getenv: getenv}

	l.string("LISTEN_ADDR", &c.ListenAddr)
	l.string("UPSTREAM_URL", &c.UpstreamURL)
	l.positiveInt("SERVER_READ_HEADER_TIMEOUT_MS", &c.Server.ReadHeaderTimeoutMs)
	l.positiveInt("SERVER_IDLE_TIMEOUT_MS", &c.Server.IdleTimeoutMs)

	l.bool("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	l.positiveInt("RATE_LIMIT_UNAUTH_RPM", &c.RateLimit.UnauthenticatedRPM)
	l.positiveInt("RATE_LIMIT_AUTH_RPM", &c.RateLimit.AuthenticatedRPM)
	l.positiveInt("RATE_LIMIT_WEBHOOK_RPM", &c.RateLimit.WebhookRPM)
	l.string("RATE_LIMIT_POLICY_FILE", &c.RateLimit.PolicyFile)

	l.string("COUNTER_BACKEND", &c.Counter.Backend)
	l.string("UPSTASH_REDIS_REST_URL", &c.Counter.RESTURL)
	l.string("UPSTASH_REDIS_REST_TOKEN", &c.Counter.RESTToken)
	l.string("REDIS_ADDR", &c.Counter.RedisAddr)
	l.string("REDIS_PASSWORD", &c.Counter.RedisPassword)
	l.int("REDIS_DB", &c.Counter.RedisDB)

	l.string("DATABASE_ADDR", &c.Database.Addr)
	l.string("DATABASE_USER", &c.Database.User)
	l.string("DATABASE_PASSWORD", &c.Database.Password)
	l.string("DATABASE_NAME", &c.Database.Name)

	l.list("CSP_ALLOWED_DOMAINS", &c.CSP.AllowedDomains)

	return errors.Join(l.errs...)
}

// Defaults returns the per class quotas of the rate limit section.
func (c RateLimitConfig) Defaults() policy.Defaults {
	return policy.Defaults{
		UnauthenticatedRPM: c.UnauthenticatedRPM,
		AuthenticatedRPM:   c.AuthenticatedRPM,
		WebhookRPM:         c.WebhookRPM,
	}
}

func (c ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutMs) * time.Millisecond
}

func (c ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c RateLimitConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

func (c CounterConfig) counterConfig() counter.Config {
	return counter.Config{
		RESTURL:       c.RESTURL,
		RESTToken:     c.RESTToken,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		Backend:       c.Backend,
	}
}

type envLoader struct {
	getenv func(string) string
	errs   []error
}

func (l *envLoader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(l.getenv(name))
	return v, v != ""
}

func (l *envLoader) fail(name, value string, err error) {
	l.errs = append(l.errs, &InvalidEnvError{Name: name, Value: value, Err: err})
}

func (l *envLoader) string(name string, dst *string) {
	if v, ok := l.lookup(name); ok {
		*dst = v
	}
}

func (l *envLoader) bool(name string, dst *bool) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = b
}

func (l *envLoader) int(name string, dst *int) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = i
}

func (l *envLoader) positiveInt(name string, dst *int) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	i, err := strconv.Atoi(v)
	if err == nil && i <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = i
}

func (l *envLoader) list(name string, dst *[]string) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	var items []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	*dst = items
}
