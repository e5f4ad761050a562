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

package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/pg"
)

type (
	// PostgresSink inserts events in the security_events table.
	PostgresSink struct {
		pg *pg.Client
	}

	// LogSink writes events as structured log records.
	LogSink struct {
		logger *log.Logger
	}

	// MultiSink writes every event to each of its sinks.
	MultiSink []Sink

	// MemorySink keeps events in memory.
	MemorySink struct {
		mu     sync.Mutex
		events []*Event
	}
)

var (
	_ Sink = (*PostgresSink)(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = MultiSink(nil)
	_ Sink = (*MemorySink)(nil)
)

func NewPostgresSink(client *pg.Client) *PostgresSink {
	return &PostgresSink{pg: client}
}

func (s *PostgresSink) Write(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("cannot encode payload: %w", err)
	}

	return s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO security_events (
    id, event_type, severity, source, ip_address, user_id, route,
    user_agent_hash, country_code, payload, created_at
) VALUES (
    $1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''),
    NULLIF($8, ''), NULLIF($9, ''), $10, $11
)
`
			_, err := conn.Exec(
				ctx,
				q,
				e.ID,
				string(e.Type),
				string(e.Severity),
				e.Source,
				e.IPAddress,
				e.UserID,
				e.Route,
				e.UserAgentHash,
				e.CountryCode,
				payload,
				e.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("cannot insert security event: %w", err)
			}

			return nil
		},
	)
}

func NewLogSink(l *log.Logger) *LogSink {
	return &LogSink{logger: l.Named("security.events")}
}

func (s *LogSink) Write(ctx context.Context, e *Event) error {
	level := log.LevelInfo
	if e.Severity == SeverityHigh || e.Severity == SeverityCritical {
		level = log.LevelWarn
	}

	s.logger.Log(
		ctx,
		level,
		"security event",
		log.String("event_id", e.ID),
		log.String("event_type", string(e.Type)),
		log.String("severity", string(e.Severity)),
		log.String("source", e.Source),
		log.String("ip_address", e.IPAddress),
		log.String("user_id", e.UserID),
		log.String("route", e.Route),
		log.String("user_agent_hash", e.UserAgentHash),
		log.Any("payload", e.Payload),
	)

	return nil
}

func (m MultiSink) Write(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)
	return nil
}

// Events returns the recorded events in write order.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.events)
}

// ByType returns the recorded events of type t.
func (s *MemorySink) ByType(t EventType) []*Event {
	var events []*Event
	for _, e := range s.Events() {
		if e.Type == t {
			events = append(events, e)
		}
	}

	return events
}
