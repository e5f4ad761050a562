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
	"io"
	"sync"
	"time"

	"go.gearno.de/gatekeeper/log"
)

type (
	// MemoryStore is the process local Store. It is used when no
	// shared backend is configured; counters are not shared between
	// instances and are lost on restart.
	MemoryStore struct {
		mu      sync.Mutex
		entries map[string]memoryEntry

		now             func() time.Time
		logger          *log.Logger
		cleanupInterval time.Duration
		cleanupOnce     sync.Once
	}

	MemoryOption func(s *MemoryStore)

	memoryEntry struct {
		count     int64
		expiresAt time.Time
	}
)

var (
	_ Store = (*MemoryStore)(nil)
)

func WithMemoryLogger(l *log.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = l.Named("counter.memory")
	}
}

// WithMemoryCleanupInterval sets how often StartCleanup removes
// expired entries. Default is one minute.
func WithMemoryCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = d
	}
}

// WithClock replaces time.Now, tests use it to cross window
// boundaries without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]memoryEntry),
		now:             time.Now,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		cleanupInterval: time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return 0, false, nil
	}

	return e.count, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{count: value, expiresAt: s.now().Add(ttl)}

	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if err := checkTTL(ttl); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = memoryEntry{expiresAt: now.Add(ttl)}
	}

	e.count++
	s.entries[key] = e

	return e.count, nil
}

// Len returns the number of entries held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Cleanup removes expired entries and returns how many were removed.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}

	return removed
}

// StartCleanup starts a goroutine removing expired entries until ctx
// is cancelled. Only the first call starts the goroutine.
func (s *MemoryStore) StartCleanup(ctx context.Context) {
	if s.cleanupInterval <= 0 {
		return
	}

	s.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(s.cleanupInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := s.Cleanup(); n > 0 {
						s.logger.DebugCtx(ctx, "removed expired counters", log.Int("removed", n))
					}
				}
			}
		}()
	})
}
