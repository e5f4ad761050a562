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

package counter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/pg"
)

type (
	// PostgresStore is a Store backed by the UNLOGGED counter_entries
	// table. The table is created by the schema migrations. Each
	// operation is a single statement; concurrent increments on the
	// same key serialize on the row lock taken by the upsert.
	PostgresStore struct {
		pg     *pg.Client
		logger *log.Logger

		cleanupInterval time.Duration
		cleanupOnce     sync.Once
	}

	PostgresOption func(s *PostgresStore)
)

var (
	_ Store = (*PostgresStore)(nil)
)

func WithPostgresLogger(l *log.Logger) PostgresOption {
	return func(s *PostgresStore) {
		s.logger = l.Named("counter.postgres")
	}
}

// WithPostgresCleanupInterval sets how often expired rows are
// deleted. Default is 5 minutes.
func WithPostgresCleanupInterval(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.cleanupInterval = d
	}
}

func NewPostgresStore(client *pg.Client, options ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pg:              client,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		cleanupInterval: 5 * time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *PostgresStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var (
		count int64
		found = true
	)

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `SELECT count FROM counter_entries WHERE key = $1 AND expires_at > now()`

		if err := conn.QueryRow(ctx, q, key).Scan(&count); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				found = false
				return nil
			}

			return err
		}

		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("cannot get %q: %w", key, err)
	}

	return count, found, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO counter_entries (key, count, expires_at)
VALUES ($1, $2, now() + $3::double precision * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE SET
    count = EXCLUDED.count,
    expires_at = EXCLUDED.expires_at
`
		_, err := conn.Exec(ctx, q, key, value, float64(ttlMillis(ttl)))
		return err
	})
	if err != nil {
		return fmt.Errorf("cannot set %q: %w", key, err)
	}

	return nil
}

func (s *PostgresStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := checkTTL(ttl); err != nil {
		return 0, err
	}

	var count int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO counter_entries (key, count, expires_at)
VALUES ($1, 1, now() + $2::double precision * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE SET
    count = CASE
        WHEN counter_entries.expires_at <= now() THEN 1
        ELSE counter_entries.count + 1
    END,
    expires_at = CASE
        WHEN counter_entries.expires_at <= now() THEN EXCLUDED.expires_at
        ELSE counter_entries.expires_at
    END
RETURNING count
`
		return conn.QueryRow(ctx, q, key, float64(ttlMillis(ttl))).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("cannot increment %q: %w", key, err)
	}

	return count, nil
}

// Cleanup deletes expired rows and returns how many were deleted.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	var deleted int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM counter_entries WHERE expires_at <= now()`)
		if err != nil {
			return err
		}

		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cannot delete expired counters: %w", err)
	}

	return deleted, nil
}

// StartCleanup starts a goroutine deleting expired rows every
// cleanup interval until ctx is cancelled. Only the first call
// starts the goroutine.
func (s *PostgresStore) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go s.runCleanupLoop(ctx)
	})
}

func (s *PostgresStore) runCleanupLoop(ctx context.Context) {
	s.logger.InfoCtx(ctx, "starting counter cleanup loop", log.Duration("interval", s.cleanupInterval))

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping counter cleanup loop")
			return
		case <-ticker.C:
			deleted, err := s.Cleanup(ctx)
			if err != nil {
				s.logger.ErrorCtx(ctx, "counter cleanup failed", log.Error(err))
				continue
			}

			if deleted > 0 {
				s.logger.DebugCtx(ctx, "deleted expired counters", log.Int64("deleted", deleted))
			}
		}
	}
}
