package telemetry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName names the instrumentation scope before
// SetupInstrumentation runs.
const DefaultServiceName = "console-observability"

var (
	instrumentationMu sync.RWMutex
	instrumentation   = DefaultServiceName
	logger            = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// SetupInstrumentation configures OpenTelemetry tracing, metrics and logs
// for serviceName and returns a cleanup function that flushes and shuts
// down the providers.
//
// Exporters are only installed when OTEL_EXPORTER_OTLP_ENDPOINT is set;
// otherwise the global no-op providers stay in place and GetLogger keeps
// writing text to stderr.
func SetupInstrumentation(serviceName string) func() {
	instrumentationMu.Lock()
	instrumentation = serviceName
	instrumentationMu.Unlock()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		GetLogger().Info("OTLP endpoint not configured, exporting disabled", "service", serviceName)
		return func() {}
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		GetLogger().Warn("Partial OpenTelemetry resource", "error", err)
	}

	var shutdowns []func(context.Context) error

	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		GetLogger().Warn("Failed to create trace exporter", "error", err)
	} else {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		GetLogger().Warn("Failed to create metric exporter", "error", err)
	} else {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	logExporter, err := otlploghttp.New(ctx)
	if err != nil {
		GetLogger().Warn("Failed to create log exporter", "error", err)
	} else {
		lp := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
			sdklog.WithResource(res),
		)
		global.SetLoggerProvider(lp)
		shutdowns = append(shutdowns, lp.Shutdown)
		SetLogger(otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(lp)))
	}

	GetLogger().Info("OpenTelemetry initialized", "service", serviceName)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, shutdown := range shutdowns {
			if err := shutdown(ctx); err != nil {
				slog.Default().Warn("OpenTelemetry shutdown failed", "error", err)
			}
		}
	}
}

// GetLogger returns the process-wide structured logger.
func GetLogger() *slog.Logger {
	instrumentationMu.RLock()
	defer instrumentationMu.RUnlock()
	return logger
}

// SetLogger replaces the process-wide logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	instrumentationMu.Lock()
	logger = l
	instrumentationMu.Unlock()
}

// GetMeter returns a meter from the global provider.
func GetMeter() metric.Meter {
	instrumentationMu.RLock()
	defer instrumentationMu.RUnlock()
	return otel.Meter(instrumentation)
}

// GetTracer returns a tracer from the global provider.
func GetTracer() trace.Tracer {
	instrumentationMu.RLock()
	defer instrumentationMu.RUnlock()
	return otel.Tracer(instrumentation)
}
