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
	"sort"

	"github.com/jackc/pgx/v5/tracelog"
	"go.gearno.de/gatekeeper/log"
)

type (
	logger struct {
		logger *log.Logger
	}
)

var (
	_ tracelog.Logger = (*logger)(nil)
)

// Log forwards pgx trace records. Query arguments carry client
// addresses and subject ids, they are never logged.
func (l *logger) Log(
	ctx context.Context,
	level tracelog.LogLevel,
	msg string,
	data map[string]any,
) {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "args" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]log.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, log.Any("pgx_"+k, data[k]))
	}

	var lvl log.Level
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		lvl = log.LevelDebug
	case tracelog.LogLevelInfo:
		lvl = log.LevelInfo
	case tracelog.LogLevelWarn:
		lvl = log.LevelWarn
	default:
		lvl = log.LevelError
	}

	l.logger.Log(ctx, lvl, msg, attrs...)
}
