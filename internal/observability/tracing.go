package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoright/memoright-ops/internal/config"
)

const tracerName = "github.com/memoright/memoright-ops"

// Span attributes set by the executor, the notifier and the HTTP layer.
var (
	AttrPlanID      = attribute.Key("recovery.plan_id")
	AttrPlanKind    = attribute.Key("recovery.plan_kind")
	AttrStepID      = attribute.Key("recovery.step_id")
	AttrHandler     = attribute.Key("recovery.handler")
	AttrTriggerType = attribute.Key("recovery.trigger_type")
	AttrActor       = attribute.Key("recovery.actor")
	AttrStatus      = attribute.Key("recovery.status")
	AttrChannel     = attribute.Key("recovery.notify_channel")
)

// planIDParam is the chi URL parameter naming the plan in /plans routes.
const planIDParam = "planId"

// InitTracing installs the global TracerProvider and W3C propagators for the
// recovery daemon. The returned function flushes buffered spans; call it
// after in-flight executions have drained.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		err = fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// newSampler follows the parent's decision. Root spans for anything that
// changes a plan (a non-GET request or an executor span) are always kept;
// reads are sampled at cfg.SamplingRate, 0.1 when unset.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 0.1
	}
	reads := sdktrace.AlwaysSample()
	if rate < 1 {
		reads = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(actionSampler{reads: reads})
}

// actionSampler keeps every plan-mutating root span and delegates the rest.
type actionSampler struct {
	reads sdktrace.Sampler
}

func (s actionSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if isPlanAction(p) {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.reads.ShouldSample(p)
}

func (s actionSampler) Description() string {
	return "PlanActions{reads=" + s.reads.Description() + "}"
}

func isPlanAction(p sdktrace.SamplingParameters) bool {
	if strings.HasPrefix(p.Name, "plan.") || strings.HasPrefix(p.Name, "step.") {
		return true
	}
	for _, a := range p.Attributes {
		if a.Key == semconv.HTTPRequestMethodKey {
			m := a.Value.AsString()
			return m != http.MethodGet && m != http.MethodHead && m != http.MethodOptions
		}
	}
	return false
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err, if any, and ends span.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace ID, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the active span ID, or "" outside a span.
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware opens a server span per request, continuing any inbound
// traceparent and echoing the trace context in the response headers. Once
// the route has been matched the span is renamed to its chi pattern, e.g.
// "POST /plans/{planId}/execute", and tagged with the plan ID.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			span.SetName(r.Method + " " + routePattern(r))
			if id := rctx.URLParam(planIDParam); id != "" {
				span.SetAttributes(AttrPlanID.String(id))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders writes the trace context of ctx into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
