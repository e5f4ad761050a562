package pg

import (
	"bytes"
	"context"
	"testing"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/stretchr/testify/assert"
	"go.gearno.de/gatekeeper/log"
)

func TestLogger_DropsQueryArguments(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{log.NewLogger(log.WithOutput(&buf), log.WithLevel(log.LevelDebug))}

	l.Log(
		context.Background(),
		tracelog.LogLevelWarn,
		"Query",
		map[string]any{
			"sql":  "INSERT INTO security_events ...",
			"args": []any{"203.0.113.7"},
		},
	)

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, "pgx_sql")
	assert.NotContains(t, out, "203.0.113.7")
}

func TestNewClient_InvalidAddr(t *testing.T) {
	_, err := NewClient(WithAddr("localhost"))
	assert.ErrorContains(t, err, "invalid address")

	_, err = NewClient(WithAddr("localhost:port"))
	assert.ErrorContains(t, err, "invalid port")
}
