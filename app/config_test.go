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
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/gatekeeper/counter"
	"go.gearno.de/gatekeeper/policy"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, policy.DefaultDefaults(), cfg.RateLimit.Defaults())
	assert.Equal(t, 2*time.Second, cfg.RateLimit.StoreTimeout())
	assert.Empty(t, cfg.Database.Addr)
}

func TestConfig_LoadEnv(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.LoadEnv(
		envMap(
			map[string]string{
				"LISTEN_ADDR":                   ":9000",
				"UPSTREAM_URL":                  "http://app:3000",
				"SERVER_READ_HEADER_TIMEOUT_MS": "2500",
				"SERVER_IDLE_TIMEOUT_MS":        "30000",
				"RATE_LIMIT_ENABLED":            "false",
				"RATE_LIMIT_UNAUTH_RPM":         "10",
				"RATE_LIMIT_AUTH_RPM":           "200",
				"RATE_LIMIT_WEBHOOK_RPM":        "5",
				"RATE_LIMIT_POLICY_FILE":        "/etc/gatekeeper/policies.yaml",
				"COUNTER_BACKEND":               "postgres",
				"UPSTASH_REDIS_REST_URL":        "https://eu1.upstash.io",
				"UPSTASH_REDIS_REST_TOKEN":      "token",
				"REDIS_ADDR":                    "redis:6379",
				"REDIS_PASSWORD":                "secret",
				"REDIS_DB":                      "3",
				"DATABASE_ADDR":                 "db:5432",
				"DATABASE_USER":                 "gatekeeper",
				"DATABASE_PASSWORD":             "pw",
				"DATABASE_NAME":                 "gatekeeper",
				"CSP_ALLOWED_DOMAINS":           " example.com, ,cdn.example.com ",
			},
		),
	)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://app:3000", cfg.UpstreamURL)
	assert.Equal(t, 2500*time.Millisecond, cfg.Server.ReadHeaderTimeout())
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout())
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(
		t,
		policy.Defaults{UnauthenticatedRPM: 10, AuthenticatedRPM: 200, WebhookRPM: 5},
		cfg.RateLimit.Defaults(),
	)
	assert.Equal(t, "/etc/gatekeeper/policies.yaml", cfg.RateLimit.PolicyFile)
	assert.Equal(
		t,
		counter.Config{
			RESTURL:       "https://eu1.upstash.io",
			RESTToken:     "token",
			RedisAddr:     "redis:6379",
			RedisPassword: "secret",
			RedisDB:       3,
			Backend:       "postgres",
		},
		cfg.Counter.counterConfig(),
	)
	assert.Equal(t, "db:5432", cfg.Database.Addr)
	assert.Equal(t, "gatekeeper", cfg.Database.User)
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, "gatekeeper", cfg.Database.Name)
	assert.Equal(t, []string{"example.com", "cdn.example.com"}, cfg.CSP.AllowedDomains)
}

func TestConfig_LoadEnvInvalidValues(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.LoadEnv(
		envMap(
			map[string]string{
				"RATE_LIMIT_ENABLED":     "maybe",
				"RATE_LIMIT_UNAUTH_RPM":  "lots",
				"RATE_LIMIT_AUTH_RPM":    "-5",
				"RATE_LIMIT_WEBHOOK_RPM": "0",
				"REDIS_DB":               "one",
				"REDIS_ADDR":             "redis:6379",
			},
		),
	)
	require.Error(t, err)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, policy.DefaultDefaults(), cfg.RateLimit.Defaults())
	assert.Equal(t, 0, cfg.Counter.RedisDB)
	assert.Equal(t, "redis:6379", cfg.Counter.RedisAddr)

	var envErr *InvalidEnvError
	require.ErrorAs(t, err, &envErr)
	assert.ErrorIs(t, err, strconv.ErrSyntax)
	assert.ErrorContains(t, err, "RATE_LIMIT_AUTH_RPM")
	assert.ErrorContains(t, err, "RATE_LIMIT_WEBHOOK_RPM")
	assert.ErrorContains(t, err, "REDIS_DB")
}

func TestConfig_LoadEnvEmpty(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.LoadEnv(envMap(nil)))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestInvalidEnvError(t *testing.T) {
	err := &InvalidEnvError{Name: "REDIS_DB", Value: "x", Err: errors.New("bad")}

	assert.Equal(t, `invalid REDIS_DB value "x": bad`, err.Error())
	assert.EqualError(t, errors.Unwrap(err), "bad")
}
