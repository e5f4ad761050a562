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

package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel/trace"
)

type (
	serviceConfig struct {
		Listen string `json:"listen"`
		Limit  int    `json:"limit"`
	}

	fakeService struct {
		config     serviceConfig
		run        func(ctx context.Context) error
		registerer prometheus.Registerer
		tp         trace.TracerProvider
	}
)

func (s *fakeService) GetConfiguration() any {
	return &s.config
}

func (s *fakeService) Run(ctx context.Context, _ *log.Logger, r prometheus.Registerer, tp trace.TracerProvider) error {
	s.registerer = r
	s.tp = tp

	if s.run == nil {
		<-ctx.Done()
		return nil
	}

	return s.run(ctx)
}

func newTestUnit(t *testing.T, svc Runnable) (*Unit, *bytes.Buffer) {
	t.Helper()

	var stdout bytes.Buffer
	u := NewUnit("gatekeeper", "1.2.3", "test", svc)
	u.stdout = &stdout

	return u, &stdout
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestUnit_LoadConfigurationFromFile(t *testing.T) {
	svc := &fakeService{config: serviceConfig{Limit: 1}}
	u, _ := newTestUnit(t, svc)

	path := writeConfig(t, `
unit:
  metrics:
    addr: "127.0.0.1:0"
  tracing:
    addr: "collector:4318"
    insecure: true
  log:
    format: pretty
gatekeeper:
  listen: ":8080"
  limit: 42
`)

	require.NoError(t, u.loadConfigurationFromFile(path))

	assert.Equal(t, "127.0.0.1:0", u.config.Metrics.Addr)
	assert.Equal(t, "collector:4318", u.config.Tracing.Addr)
	assert.True(t, u.config.Tracing.Insecure)
	assert.Equal(t, 1024, u.config.Tracing.MaxBatchSize)
	assert.Equal(t, "pretty", u.config.Log.Format)
	assert.Equal(t, ":8080", svc.config.Listen)
	assert.Equal(t, 42, svc.config.Limit)
}

func TestUnit_LoadConfigurationFromFileErrors(t *testing.T) {
	u, _ := newTestUnit(t, &fakeService{})

	err := u.loadConfigurationFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "gatekeeper:\n  limit: many\n")
	err = u.loadConfigurationFromFile(path)
	assert.ErrorContains(t, err, `"gatekeeper"`)
}

func TestUnit_Version(t *testing.T) {
	u, stdout := newTestUnit(t, &fakeService{})

	require.NoError(t, u.RunContext(context.Background(), []string{"-version"}))
	assert.Equal(t, "version: 1.2.3\n", stdout.String())
}

func TestUnit_PrintConfig(t *testing.T) {
	svc := &fakeService{}
	u, stdout := newTestUnit(t, svc)

	path := writeConfig(t, "gatekeeper:\n  listen: \":9000\"\n")

	require.NoError(t, u.RunContext(context.Background(), []string{"-cfg-file", path, "-print-cfg"}))

	var printed struct {
		Unit       Config        `json:"unit"`
		Gatekeeper serviceConfig `json:"gatekeeper"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &printed))

	assert.Equal(t, ":9090", printed.Unit.Metrics.Addr)
	assert.Equal(t, ":9000", printed.Gatekeeper.Listen)
}

func TestUnit_UnknownFlag(t *testing.T) {
	u, _ := newTestUnit(t, &fakeService{})

	err := u.RunContext(context.Background(), []string{"-nope"})
	assert.ErrorContains(t, err, "cannot parse flags")
}

func TestUnit_RunReturnsServiceError(t *testing.T) {
	boom := errors.New("boom")
	svc := &fakeService{
		run: func(context.Context) error { return boom },
	}
	u, _ := newTestUnit(t, svc)

	path := writeConfig(t, "unit:\n  metrics:\n    addr: \"127.0.0.1:0\"\n")

	err := u.RunContext(context.Background(), []string{"-cfg-file", path})
	assert.ErrorIs(t, err, boom)
	assert.NotNil(t, svc.registerer)
	assert.NotNil(t, svc.tp)
}

func TestUnit_RunStopsOnParentCancel(t *testing.T) {
	svc := &fakeService{}
	u, _ := newTestUnit(t, svc)

	path := writeConfig(t, "unit:\n  metrics:\n    addr: \"\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- u.RunContext(ctx, []string{"-cfg-file", path})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("unit did not stop")
	}
}

func TestUnit_MetricsListenFailure(t *testing.T) {
	u, _ := newTestUnit(t, &fakeService{})

	path := writeConfig(t, "unit:\n  metrics:\n    addr: \"127.0.0.1:99999\"\n")

	err := u.RunContext(context.Background(), []string{"-cfg-file", path})
	assert.ErrorContains(t, err, "metrics server crashed")
}

func TestLogConfig_LoadEnv(t *testing.T) {
	t.Setenv("LOG_FORMAT", "pretty")
	t.Setenv("LOG_LEVEL", "debug")

	c := LogConfig{Format: "json", Level: "info"}
	c.loadEnv()

	assert.Equal(t, "pretty", c.Format)
	assert.Equal(t, "debug", c.Level)
}
