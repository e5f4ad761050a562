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

// Package counter provides the key/value counter stores backing the
// fixed window rate limiter.
//
// # Contract
//
// Increment atomically adds one to the value stored at key and
// returns the new value. When the key does not exist (or has
// expired) it is created with value 1 and the given TTL. The TTL is
// only ever applied by the increment creating the key: later
// increments within the window never extend it, so a burst late in a
// window does not postpone the reset.
//
// # Backends
//
//   - RESTStore: a Redis reachable over an Upstash-compatible REST
//     API, one HTTP round trip per operation.
//   - RedisStore: a Redis reachable over RESP through go-redis.
//   - PostgresStore: an UNLOGGED PostgreSQL table.
//   - MemoryStore: a process local map, atomic within the process
//     only.
//
// RedisStore and PostgresStore run the increment as a single server
// side script or statement. RESTStore relies on pipeline ordering and
// PEXPIRE NX, see its documentation.
//
// The backend is chosen once at startup with Open and injected into
// the rate limiter. Every backend error is returned to the caller,
// stores never panic on transport or decoding failures.
package counter

import (
	"context"
	"errors"
	"time"
)

type (
	// Store is the counter store contract.
	Store interface {
		// Get returns the current value of key. The boolean is false
		// when the key is absent or expired.
		Get(ctx context.Context, key string) (int64, bool, error)

		// Set stores value at key with the given TTL, replacing any
		// previous value and expiry.
		Set(ctx context.Context, key string, value int64, ttl time.Duration) error

		// Increment atomically increments key, creating it with ttl
		// when absent, and returns the new value.
		Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	}

	// Backend names a Store implementation.
	Backend string
)

const (
	BackendREST     Backend = "rest"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

var (
	// ErrInvalidTTL is returned when a non positive TTL is given to
	// Set or Increment.
	ErrInvalidTTL = errors.New("ttl must be positive")
)

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	return nil
}

// ttlMillis rounds ttl up to the next millisecond so that sub
// millisecond windows never produce a zero expiry.
func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if time.Duration(ms)*time.Millisecond < ttl {
		ms++
	}

	return ms
}
