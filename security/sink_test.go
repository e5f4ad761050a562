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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/migrator"
	"go.gearno.de/gatekeeper/pg"
	"go.gearno.de/gatekeeper/schema"
)

func mustEvent(t *testing.T, in Input) *Event {
	t.Helper()

	e, err := NewEvent(in, time.Now())
	require.NoError(t, err)

	return e
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewLogSink(log.NewLogger(log.WithOutput(&buf)))

	e := mustEvent(t, Input{Type: EventCSPViolation, IPAddress: "1.2.3.4", UserAgent: "UA", Payload: map[string]any{"directive": "script-src"}})
	require.NoError(t, s.Write(context.Background(), e))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "security.events", record["name"])
	assert.Equal(t, "csp_violation", record["event_type"])
	assert.Equal(t, "critical", record["severity"])
	assert.Equal(t, Fingerprint("UA"), record["user_agent_hash"])
	assert.NotContains(t, buf.String(), `"UA"`)
}

func TestMultiSink(t *testing.T) {
	t.Parallel()

	var (
		a   = NewMemorySink()
		b   = NewMemorySink()
		err = errors.New("boom")
	)

	m := MultiSink{a, sinkFunc(func(context.Context, *Event) error { return err }), b}

	e := mustEvent(t, Input{Type: EventRLSViolation})
	assert.ErrorIs(t, m.Write(context.Background(), e), err)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "later sinks still receive the event")
}

func TestPostgresSink(t *testing.T) {
	addr := os.Getenv("DATABASE_ADDR")
	if addr == "" {
		t.Skip("DATABASE_ADDR not set")
	}

	client, err := pg.NewClient(
		pg.WithAddr(addr),
		pg.WithUser(os.Getenv("DATABASE_USER")),
		pg.WithPassword(os.Getenv("DATABASE_PASSWORD")),
		pg.WithDatabase(os.Getenv("DATABASE_NAME")),
	)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, migrator.NewMigrator(client, schema.Migrations).Run(ctx))

	e := mustEvent(t, Input{Type: EventSuspiciousIP, Source: "test", IPAddress: "192.168.1.2", Payload: map[string]any{"confidence": 1.0}})
	require.NoError(t, NewPostgresSink(client).Write(ctx, e))

	var severity string
	err = client.WithConn(ctx, func(conn pg.Conn) error {
		return conn.QueryRow(ctx, `SELECT severity FROM security_events WHERE id = $1`, e.ID).Scan(&severity)
	})
	require.NoError(t, err)
	assert.Equal(t, "high", severity)
}
