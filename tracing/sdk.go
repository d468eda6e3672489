// Package tracing retains the teacher SDK's OpenTelemetry setup, adapted so
// agent captures (exception reports, breakpoint hits) are annotated onto the
// ambient trace when one is active in the caller's context, rather than
// existing purely as generic application spans.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aivorynet/agent-go/obslog"
)

// Config configures the tracing provider wired alongside the agent.
type Config struct {
	ServiceName        string
	ServiceVersion     string
	Environment        string
	Endpoint           string
	TracesPath         string
	UseSSL             bool
	APIKey             string
	SamplingRate       float64
	BatchTimeout       time.Duration
	ResourceAttributes map[string]string
}

// Provider wraps an OTel TracerProvider and Tracer for the agent's span
// helpers.
type Provider struct {
	config         Config
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
}

// New builds and starts a Provider, resolving defaults the way the teacher
// SDK's NewSDK does.
func New(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("tracing: ServiceName is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "app.aivory.net"
	}
	if cfg.TracesPath == "" {
		cfg.TracesPath = "/v1/traces"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "1.0.0"
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	p := &Provider{config: cfg}
	tracesEndpoint := resolveEndpoint(cfg.Endpoint, cfg.TracesPath, cfg.UseSSL)
	if err := p.initTracer(tracesEndpoint); err != nil {
		return nil, fmt.Errorf("tracing: failed to initialize tracer: %w", err)
	}
	obslog.Info("tracing provider initialized", obslog.String("service", cfg.ServiceName))
	return p, nil
}

// resolveEndpoint builds the full endpoint URL from base endpoint and path,
// kept verbatim in spirit from the teacher's handling of bare-host vs.
// full-URL endpoint configuration.
func resolveEndpoint(endpoint, path string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimSuffix(endpoint, "/")
		trimmed := strings.TrimPrefix(endpoint, "https://")
		trimmed = strings.TrimPrefix(trimmed, "http://")
		if strings.Contains(trimmed, "/") {
			base := extractBaseURL(endpoint)
			if path == "" || base == endpoint {
				return base
			}
			return base + path
		}
		return endpoint + path
	}

	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	return scheme + endpoint + path
}

func extractBaseURL(fullURL string) string {
	hasServicePath := strings.Contains(fullURL, "/v1/traces") || strings.Contains(fullURL, "/api/v1/traces")
	if !hasServicePath {
		return fullURL
	}

	var scheme string
	remaining := fullURL
	switch {
	case strings.HasPrefix(fullURL, "https://"):
		scheme = "https://"
		remaining = strings.TrimPrefix(fullURL, "https://")
	case strings.HasPrefix(fullURL, "http://"):
		scheme = "http://"
		remaining = strings.TrimPrefix(fullURL, "http://")
	default:
		return fullURL
	}

	if idx := strings.Index(remaining, "/"); idx != -1 {
		return scheme + remaining[:idx]
	}
	return scheme + remaining
}

func (p *Provider) initTracer(tracesEndpoint string) error {
	ctx := context.Background()

	var useSSL bool
	switch {
	case strings.HasPrefix(tracesEndpoint, "https://"):
		useSSL = true
		tracesEndpoint = strings.TrimPrefix(tracesEndpoint, "https://")
	case strings.HasPrefix(tracesEndpoint, "http://"):
		useSSL = false
		tracesEndpoint = strings.TrimPrefix(tracesEndpoint, "http://")
	}

	parts := strings.SplitN(tracesEndpoint, "/", 2)
	endpoint := parts[0]
	urlPath := "/v1/traces"
	if len(parts) > 1 {
		urlPath = "/" + parts[1]
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithURLPath(urlPath),
		otlptracehttp.WithHeaders(map[string]string{"X-API-Key": p.config.APIKey}),
	}
	if useSSL {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{}))
	} else {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(p.config.ServiceName),
		semconv.ServiceVersion(p.config.ServiceVersion),
	}
	if p.config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(p.config.Environment))
	}
	for k, v := range p.config.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return err
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.config.SamplingRate))

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.tracerProvider.Tracer(p.config.ServiceName)
	return nil
}

// Tracer returns the underlying OTel tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		return p.tracerProvider.Shutdown(ctx)
	}
	return nil
}

// TraceIDFromContext extracts the active trace/span IDs from ctx, used to
// annotate exception and breakpoint_hit frames; returns empty strings when ctx
// carries no valid span context.
func TraceIDFromContext(ctx context.Context) (traceID, spanID string) {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
