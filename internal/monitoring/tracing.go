package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Tracer manages distributed tracing for the resilience layer
type Tracer struct {
	logger       *zap.Logger
	config       *TracingConfig
	tracer       trace.Tracer
	provider     *sdktrace.TracerProvider
	shutdownFunc func() error
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"` // 0.0 to 1.0
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:      false,
		ServiceName:  "resilink",
		Endpoint:     "http://localhost:14268/api/traces",
		SamplingRate: 0.1, // 10% sampling
	}
}

// NewTracer creates a new tracer instance
func NewTracer(logger *zap.Logger, config *TracingConfig) (*Tracer, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}
	if config.SamplingRate < 0 || config.SamplingRate > 1 {
		return nil, errors.New("sampling rate must be in [0, 1]")
	}

	t := &Tracer{
		logger: logger,
		config: config,
	}

	if config.Enabled {
		if err := t.initializeTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	} else {
		// No-op tracer when tracing is disabled
		t.tracer = otel.Tracer(config.ServiceName)
	}

	return t, nil
}

// initializeTracing initializes OpenTelemetry tracing
func (t *Tracer) initializeTracing() error {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.Endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(t.config.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.provider = tp
	t.tracer = tp.Tracer(t.config.ServiceName)
	t.shutdownFunc = func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}

	t.logger.Info("Tracing initialized",
		zap.String("service", t.config.ServiceName),
		zap.String("endpoint", t.config.Endpoint),
		zap.Float64("sampling_rate", t.config.SamplingRate))
	return nil
}

// Tracer returns the underlying trace.Tracer
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// StartSpan starts a new span
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// WithSpan runs fn inside a span, recording any returned error
func (t *Tracer) WithSpan(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Shutdown flushes and stops the tracer provider
func (t *Tracer) Shutdown() error {
	if t.shutdownFunc == nil {
		return nil
	}
	return t.shutdownFunc()
}
