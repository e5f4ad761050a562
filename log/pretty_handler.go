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

package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type (
	// PrettyHandler is a colored slog handler meant for terminals.
	PrettyHandler struct {
		groups []string
		attrs  []slog.Attr

		level slog.Leveler

		mu  *sync.Mutex
		out io.Writer
	}
)

var (
	levelTags = map[slog.Level]string{
		slog.LevelDebug: color.New(color.FgWhite, color.Bold).Sprint("DEBUG"),
		slog.LevelInfo:  color.New(color.FgBlue, color.Bold).Sprint("INFO"),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold).Sprint("WARN"),
		slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
	}

	faint     = color.New(color.Faint)
	faintBold = color.New(color.Faint, color.Bold)
	white     = color.New(color.FgWhite)
	hiWhite   = color.New(color.FgHiWhite)
	red       = color.New(color.FgRed)

	bufPool = sync.Pool{
		New: func() any { return &bytes.Buffer{} },
	}
)

var (
	_ slog.Handler = (*PrettyHandler)(nil)
)

// NewPrettyHandler creates a PrettyHandler writing to out. A nil opts
// logs everything from LevelInfo.
func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{out: out, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}

	return h
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		groups: append([]string(nil), h.groups...),
		attrs:  append([]slog.Attr(nil), h.attrs...),
		level:  h.level,
		mu:     h.mu,
		out:    h.out,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := bufPool.Get().(*bytes.Buffer)
	bf.Reset()
	defer bufPool.Put(bf)

	fmt.Fprint(bf, faint.Sprint(r.Time.Format(time.RFC3339)), " ")

	tag, ok := levelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	fmt.Fprint(bf, tag, " ")

	var (
		name  string
		attrs = append([]slog.Attr(nil), h.attrs...)
	)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	rest := attrs[:0]
	for _, a := range attrs {
		if a.Key == "name" {
			name = a.Value.String()
			continue
		}
		rest = append(rest, a)
	}

	if name != "" {
		fmt.Fprint(bf, faintBold.Sprint(name), " ")
	}

	fmt.Fprint(bf, hiWhite.Sprint(r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range rest {
		key := prefix + a.Key
		value := white.Sprint(a.Value.String())
		if strings.Contains(a.Key, "err") {
			fmt.Fprint(bf, " ", red.Sprintf("%s=", key), value)
		} else {
			fmt.Fprint(bf, " ", faint.Sprintf("%s=", key), value)
		}
	}

	bf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.Copy(h.out, bf)
	return err
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	h2.attrs = append(h2.attrs, attrs...)
	return h2
}
