package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"udplistener/cmd/udplistener/internal/config"
)

func setupOtelSDK(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	var err error

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		handleErr(err)
		return shutdown, err
	}

	traceProvider, err := newTracerProvider(ctx, cfg.Telemetry, res, stdout)
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	if traceProvider != nil {
		shutdownFuncs = append(shutdownFuncs, traceProvider.Shutdown)
		otel.SetTracerProvider(traceProvider)
	}

	loggerProvider, err := newLoggerProvider(cfg.Logging, res, stdout, stderr)
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	if loggerProvider != nil {
		shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
		global.SetLoggerProvider(loggerProvider)
	}

	return shutdown, err
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, stdout io.Writer) (*trace.TracerProvider, error) {
	var (
		exp trace.SpanExporter
		err error
	)
	switch cfg.Traces {
	case "", "none":
		return nil, nil
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
	case "otlp":
		exp, err = otlptracehttp.New(ctx, otlptracehttp.WithInsecure())
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Traces)
	}
	if err != nil {
		return nil, err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	return traceProvider, nil
}

func newLoggerProvider(cfg config.LoggingConfig, res *resource.Resource, stdout, stderr io.Writer) (*sdklog.LoggerProvider, error) {
	var w io.Writer
	switch cfg.Output {
	case "none":
		return nil, nil
	case "stdout":
		w = stdout
	default:
		w = stderr
	}

	opts := []stdoutlog.Option{stdoutlog.WithWriter(w)}
	if cfg.Pretty {
		opts = append(opts, stdoutlog.WithPrettyPrint())
	}
	exp, err := stdoutlog.New(opts...)
	if err != nil {
		return nil, err
	}

	processor := severityFilter{
		Processor: sdklog.NewSimpleProcessor(exp),
		min:       minSeverity(cfg.Level),
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	), nil
}

// severityFilter drops records below min before they reach the exporter.
type severityFilter struct {
	sdklog.Processor
	min log.Severity
}

func (f severityFilter) OnEmit(ctx context.Context, r *sdklog.Record) error {
	if r.Severity() < f.min {
		return nil
	}
	return f.Processor.OnEmit(ctx, r)
}

func minSeverity(level string) log.Severity {
	switch level {
	case "debug":
		return log.SeverityDebug
	case "warn":
		return log.SeverityWarn
	case "error":
		return log.SeverityError
	default:
		return log.SeverityInfo
	}
}
