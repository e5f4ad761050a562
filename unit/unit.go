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

// Package unit runs a service process: command line flags, the YAML
// configuration file, the prometheus metrics server, the OTLP trace
// exporter and signal driven shutdown around a Runnable.
package unit

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.gearno.de/gatekeeper/internal/otelutils"
	"go.gearno.de/gatekeeper/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"sigs.k8s.io/yaml"
)

type (
	Unit struct {
		name        string
		version     string
		environment string

		logger *log.Logger
		config *Config
		main   Runnable
		stdout io.Writer
	}

	// Runnable is the service run by a Unit. Run must return once ctx
	// is done.
	Runnable interface {
		Run(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error
	}

	// Configurable services receive the configuration file section
	// named after the unit.
	Configurable interface {
		GetConfiguration() any
	}

	Config struct {
		Metrics MetricsConfig `json:"metrics"`
		Tracing TracingConfig `json:"tracing"`
		Log     LogConfig     `json:"log"`
	}

	MetricsConfig struct {
		Addr string `json:"addr"`
	}

	// TracingConfig configures the OTLP/HTTP exporter. An empty Addr
	// disables trace export.
	TracingConfig struct {
		Addr          string `json:"addr"`
		Insecure      bool   `json:"insecure"`
		MaxBatchSize  int    `json:"max-batch-size"`
		BatchTimeout  int    `json:"batch-timeout"`
		ExportTimeout int    `json:"export-timeout"`
		MaxQueueSize  int    `json:"max-queue-size"`
	}

	LogConfig struct {
		Format string `json:"format"`
		Level  string `json:"level"`
	}
)

const shutdownTimeout = 10 * time.Second

func NewUnit(name, version, environment string, main Runnable) *Unit {
	return &Unit{
		name:        name,
		version:     version,
		environment: environment,
		main:        main,
		stdout:      os.Stdout,
		config: &Config{
			Metrics: MetricsConfig{
				Addr: ":9090",
			},
			Tracing: TracingConfig{
				MaxBatchSize:  1024,
				BatchTimeout:  10,
				ExportTimeout: 15,
				MaxQueueSize:  5000,
			},
			Log: LogConfig{
				Format: string(log.FormatJSON),
				Level:  "info",
			},
		},
	}
}

func (u *Unit) Run() error {
	return u.RunContext(context.Background(), os.Args[1:])
}

func (u *Unit) RunContext(parentCtx context.Context, args []string) error {
	flags := flag.NewFlagSet(u.name, flag.ContinueOnError)
	flags.SetOutput(u.stdout)

	filename := flags.String("cfg-file", "", "the path of the configuration file")
	printCfg := flags.Bool("print-cfg", false, "print the loaded cfg and exit")
	version := flags.Bool("version", false, "show the service version")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return fmt.Errorf("cannot parse flags: %w", err)
	}

	if *version {
		fmt.Fprintf(u.stdout, "version: %s\n", u.version)
		return nil
	}

	if *filename != "" {
		if err := u.loadConfigurationFromFile(*filename); err != nil {
			return fmt.Errorf("cannot load configuration from %q file: %w", *filename, err)
		}
	}

	u.config.Log.loadEnv()

	if *printCfg {
		config := map[string]any{"unit": u.config}
		if configurable, ok := u.main.(Configurable); ok {
			config[u.name] = configurable.GetConfiguration()
		}

		encoder := json.NewEncoder(u.stdout)
		encoder.SetIndent("", "\t")

		if err := encoder.Encode(config); err != nil {
			return fmt.Errorf("cannot encode configuration: %w", err)
		}

		return nil
	}

	u.logger = u.newLogger()
	logger := u.logger.Named("unit")

	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(context.Canceled)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		wg                 sync.WaitGroup
		metricsInitialized = make(chan prometheus.Registerer, 1)
		tracingInitialized = make(chan trace.TracerProvider, 1)
	)

	metricsServerCtx, stopMetricsServer := context.WithCancel(context.Background())
	defer stopMetricsServer()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runMetricsServer(metricsServerCtx, metricsInitialized); err != nil {
			cancel(fmt.Errorf("metrics server crashed: %w", err))
		}

		logger.Info("metrics server shutdown")
	}()

	tracingExporterCtx, stopTracingExporter := context.WithCancel(context.Background())
	defer stopTracingExporter()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runTracingExporter(tracingExporterCtx, tracingInitialized); err != nil {
			cancel(fmt.Errorf("traces exporter crashed: %w", err))
		}

		logger.Info("traces exporter shutdown")
	}()

	shutdown := func() {
		stopMetricsServer()
		stopTracingExporter()
		wg.Wait()
	}

	var registry prometheus.Registerer
	var tracerProvider trace.TracerProvider

	select {
	case registry = <-metricsInitialized:
	case <-ctx.Done():
		shutdown()
		return runError(ctx)
	}

	select {
	case tracerProvider = <-tracingInitialized:
	case <-ctx.Done():
		shutdown()
		return runError(ctx)
	}

	otel.SetErrorHandler(&otelErrorHandler{logger: logger.Named("otel"), ctx: ctx})
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	mainDone := make(chan struct{})
	go func() {
		defer close(mainDone)

		if err := u.main.Run(ctx, u.logger, registry, tracerProvider); err != nil {
			cancel(err)
			return
		}

		cancel(context.Canceled)
	}()

	<-ctx.Done()
	logger.Info("shutting down", log.String("cause", context.Cause(ctx).Error()))

	<-mainDone
	shutdown()

	return runError(ctx)
}

func runError(ctx context.Context) error {
	err := context.Cause(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (u *Unit) newLogger() *log.Logger {
	var level log.Level
	if err := level.UnmarshalText([]byte(u.config.Log.Level)); err != nil {
		level = log.LevelInfo
	}

	return log.NewLogger(
		log.WithName(u.name),
		log.WithFormat(log.ParseFormat(u.config.Log.Format)),
		log.WithLevel(level),
		log.WithAttributes(
			log.String("version", u.version),
			log.String("environment", u.environment),
		),
	)
}

func (c *LogConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		c.Format = v
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Level = v
	}
}

func (u *Unit) runMetricsServer(ctx context.Context, initialized chan<- prometheus.Registerer) error {
	logger := u.logger.Named("unit.metrics")

	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if u.config.Metrics.Addr == "" {
		logger.Info("metrics server disabled")
		initialized <- registry
		<-ctx.Done()
		return nil
	}

	metricsHandler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
			ErrorHandling:       promhttp.ContinueOnError,
			ErrorLog:            stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		},
	)

	httpServer := &http.Server{
		Addr: u.config.Metrics.Addr,
		Handler: http.TimeoutHandler(
			metricsHandler,
			5*time.Second,
			"request timed out",
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		ErrorLog:     stdlog.New(logger.NewWriter(log.LevelError), "", 0),
	}

	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	initialized <- registry

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info("metrics server started", log.String("addr", listener.Addr().String()))

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down metrics server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return nil
}

func (u *Unit) runTracingExporter(ctx context.Context, initialized chan<- trace.TracerProvider) error {
	logger := u.logger.Named("unit.tracing")
	config := u.config.Tracing

	if config.Addr == "" {
		logger.Info("traces exporter disabled")
		initialized <- noop.NewTracerProvider()
		<-ctx.Done()
		return nil
	}

	logger.Info("starting traces exporter", log.String("addr", config.Addr))

	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Addr),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithRetry(
			otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		),
		otlptracehttp.WithTimeout(15 * time.Second),
	}
	if config.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	exporter := otlptracehttp.NewUnstarted(options...)
	if err := exporter.Start(ctx); err != nil {
		return fmt.Errorf("cannot create otel exporter: %w", err)
	}

	tracerProvider := traceSdk.NewTracerProvider(
		traceSdk.WithBatcher(
			exporter,
			traceSdk.WithMaxExportBatchSize(config.MaxBatchSize),
			traceSdk.WithBatchTimeout(time.Duration(config.BatchTimeout)*time.Second),
			traceSdk.WithExportTimeout(time.Duration(config.ExportTimeout)*time.Second),
			traceSdk.WithMaxQueueSize(config.MaxQueueSize),
		),
		traceSdk.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(u.name),
				semconv.ServiceVersion(u.version),
				semconv.DeploymentEnvironment(u.environment),
			),
		),
	)

	initialized <- otelutils.WrapTracerProvider(tracerProvider)

	logger.Info("traces exporter started")

	<-ctx.Done()

	logger.Info("shutting down traces exporter")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := tracerProvider.ForceFlush(shutdownCtx); err != nil {
		return fmt.Errorf("cannot flush remaining spans: %w", err)
	}

	// Shutdown also shuts the exporter down.
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown provider: %w", err)
	}

	return nil
}

func (u *Unit) loadConfigurationFromFile(filename string) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	config := map[string]json.RawMessage{}
	if err := json.Unmarshal(blob, &config); err != nil {
		return fmt.Errorf("cannot decode file: %w", err)
	}

	if section, ok := config["unit"]; ok {
		if err := json.Unmarshal(section, u.config); err != nil {
			return fmt.Errorf("cannot decode %q config section: %w", "unit", err)
		}
	}

	if configurable, ok := u.main.(Configurable); ok {
		if section, ok := config[u.name]; ok {
			if err := json.Unmarshal(section, configurable.GetConfiguration()); err != nil {
				return fmt.Errorf("cannot decode %q config section: %w", u.name, err)
			}
		}
	}

	return nil
}
