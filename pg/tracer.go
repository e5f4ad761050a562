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

package pg

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.gearno.de/gatekeeper/internal/otelutils"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	// queryTracer opens a client span per statement issued while the
	// caller's span is recording.
	queryTracer struct {
		tracer trace.Tracer
	}
)

var _ pgx.QueryTracer = (*queryTracer)(nil)

const (
	RowsAffectedKey = attribute.Key("pgx.rows_affected")
	SQLStateKey     = attribute.Key("db.response.status_code")
)

func operationName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN"
	}

	return strings.ToUpper(fields[0])
}

func (t *queryTracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx
	}

	attrs := []attribute.KeyValue{
		semconv.DBSystemPostgreSQL,
		semconv.DBOperationName(operationName(data.SQL)),
		semconv.DBQueryText(otelutils.ToValidUTF8(data.SQL)),
	}

	if conn != nil {
		cfg := conn.Config()
		attrs = append(
			attrs,
			semconv.ServerAddress(cfg.Host),
			semconv.ServerPort(int(cfg.Port)),
			semconv.DBNamespace(cfg.Database),
		)
	}

	ctx, _ = t.tracer.Start(
		ctx,
		"db.query "+operationName(data.SQL),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx
}

func (t *queryTracer) TraceQueryEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	defer span.End()

	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		otelutils.RecordError(span, data.Err)

		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			span.SetAttributes(SQLStateKey.String(pgErr.Code))
		}

		return
	}

	span.SetAttributes(RowsAffectedKey.Int64(data.CommandTag.RowsAffected()))
}
