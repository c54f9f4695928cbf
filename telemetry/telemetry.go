package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Telemetry owns the process logger and, when exporting, the otel providers.
type Telemetry struct {
	Logger *slog.Logger
	Level  *slog.LevelVar

	Exporting bool

	shutdownFuncs []func(context.Context) error
}

type Options struct {
	ServiceName string
	Level       slog.Level
	Output      io.Writer
}

// Setup builds the logger and, if OTEL_EXPORTER_OTLP_ENDPOINT is set,
// registers OTLP trace, metric and log providers globally. Without an
// endpoint the otel globals stay no-op.
func Setup(ctx context.Context, opts Options) (*Telemetry, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "ember"
	}

	telemetry := &Telemetry{Level: new(slog.LevelVar)}
	telemetry.Level.Set(opts.Level)

	var handler slog.Handler = slog.NewTextHandler(opts.Output, &slog.HandlerOptions{Level: telemetry.Level})

	if os.Getenv(EndpointEnv) != "" {
		loggerProvider, err := telemetry.setupProviders(ctx, opts.ServiceName)
		if err != nil {
			return nil, errors.Join(err, telemetry.Shutdown(ctx))
		}

		bridge := otelslog.NewHandler(opts.ServiceName, otelslog.WithLoggerProvider(loggerProvider))
		handler = fanout{handler, leveled{Handler: bridge, level: telemetry.Level}}
		telemetry.Exporting = true
	}

	telemetry.Logger = slog.New(handler)
	return telemetry, nil
}

func (telemetry *Telemetry) setupProviders(ctx context.Context, serviceName string) (*sdklog.LoggerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	telemetry.shutdownFuncs = append(telemetry.shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	telemetry.shutdownFuncs = append(telemetry.shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logExporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	telemetry.shutdownFuncs = append(telemetry.shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return loggerProvider, nil
}

// Shutdown flushes and stops the providers in reverse order.
func (telemetry *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for i := len(telemetry.shutdownFuncs) - 1; i >= 0; i-- {
		err = errors.Join(err, telemetry.shutdownFuncs[i](ctx))
	}
	telemetry.shutdownFuncs = nil
	return err
}
