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

package promutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Name: "hits_total", Help: "Hits."}

	first := Register(reg, prometheus.NewCounterVec(opts, []string{"kind"}))
	second := Register(reg, prometheus.NewCounterVec(opts, []string{"kind"}))

	assert.Same(t, first, second)

	second.WithLabelValues("a").Inc()
	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.Len(t, families, 1)
}

func TestRegister_NilRegisterer(t *testing.T) {
	t.Parallel()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total", Help: "X."})
	assert.Same(t, c, Register[prometheus.Counter](nil, c))
}
