package pg

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewClient_PoolMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()

	client, err := NewClient(
		WithAddr("127.0.0.1:1"),
		WithDatabase("gatekeeper"),
		WithPoolSize(4),
		WithRegisterer(registry),
	)
	require.NoError(t, err)
	defer client.Close()

	expected := `
# HELP pgxpool_max_connections Maximum size of the pool.
# TYPE pgxpool_max_connections gauge
pgxpool_max_connections{database="gatekeeper"} 4
`
	require.NoError(
		t,
		testutil.GatherAndCompare(registry, strings.NewReader(expected), "pgxpool_max_connections"),
	)

	n, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestOperationName(t *testing.T) {
	assert.Equal(t, "INSERT", operationName("  insert into security_events values ($1)"))
	assert.Equal(t, "WITH", operationName("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "UNKNOWN", operationName(" "))
}

func TestQueryTracer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	qt := &queryTracer{tracer: tp.Tracer("test")}

	t.Run("not recording", func(t *testing.T) {
		ctx := context.Background()
		got := qt.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
		qt.TraceQueryEnd(got, nil, pgx.TraceQueryEndData{})

		assert.Equal(t, ctx, got)
	})

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")
	defer root.End()

	t.Run("success", func(t *testing.T) {
		spanCtx := qt.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "DELETE FROM counter_entries"})
		qt.TraceQueryEnd(spanCtx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("DELETE 3")})
	})

	t.Run("error", func(t *testing.T) {
		spanCtx := qt.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
		qt.TraceQueryEnd(spanCtx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "42P01"}})
	})

	t.Run("no rows", func(t *testing.T) {
		spanCtx := qt.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
		qt.TraceQueryEnd(spanCtx, nil, pgx.TraceQueryEndData{Err: pgx.ErrNoRows})
	})

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "db.query DELETE", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), RowsAffectedKey.Int64(3))

	assert.Equal(t, "Error", spans[1].Status().Code.String())
	assert.Contains(t, spans[1].Attributes(), SQLStateKey.String("42P01"))

	assert.Equal(t, "Unset", spans[2].Status().Code.String())
}
