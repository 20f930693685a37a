// Package telemetry provides OpenTelemetry tracing for escrow operations.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with escrow-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include party identities in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a new tracer with the given name from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer bound to a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Operation Spans ---

// OpSpanOptions describes the outcome of a lifecycle operation.
type OpSpanOptions struct {
	TaskID   string
	Caller   string // Only included if debug=true
	Attempts int    // commit attempts, including the successful one
	Code     string // error code when rejected
}

// StartOpSpan starts a span for a lifecycle operation such as "claim_task".
func (t *Tracer) StartOpSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "escrow."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("escrow.op", op))
	return ctx, span
}

// EndOpSpan ends an operation span with attributes.
func (t *Tracer) EndOpSpan(span trace.Span, opts OpSpanOptions, err error) {
	var attrs []attribute.KeyValue
	if opts.TaskID != "" {
		attrs = append(attrs, attribute.String("escrow.task_id", opts.TaskID))
	}
	if opts.Attempts > 0 {
		attrs = append(attrs, attribute.Int("escrow.commit_attempts", opts.Attempts))
	}
	if opts.Code != "" {
		attrs = append(attrs, attribute.String("escrow.error_code", opts.Code))
	}
	if t.debug && opts.Caller != "" {
		attrs = append(attrs, attribute.String("escrow.caller", opts.Caller))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- RPC Spans ---

// StartRPCSpan starts a server span for an incoming JSON-RPC request.
func (t *Tracer) StartRPCSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "rpc."+method, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
	)
	return ctx, span
}

// EndRPCSpan ends an RPC span.
func (t *Tracer) EndRPCSpan(span trace.Span, err error) {
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
