package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracerFromProvider(tp, "test", debug), rec
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestGetTracer_DefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	if tr == nil {
		t.Fatal("expected a tracer")
	}
	_, span := tr.StartOpSpan(context.Background(), "claim_task")
	tr.EndOpSpan(span, OpSpanOptions{TaskID: "t1"}, nil)
}

func TestSetGlobalTracer(t *testing.T) {
	tr, _ := newRecordingTracer(false)
	SetGlobalTracer(tr)
	defer SetGlobalTracer(nil)

	if GetTracer() != tr {
		t.Error("expected global tracer to be returned")
	}
}

func TestOpSpan_Success(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartOpSpan(context.Background(), "create_task")
	tr.EndOpSpan(span, OpSpanOptions{TaskID: "t1", Caller: "abcd", Attempts: 2}, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "escrow.create_task" {
		t.Errorf("expected name escrow.create_task, got %s", s.Name())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", s.Status().Code)
	}
	if v, ok := attrValue(s.Attributes(), "escrow.task_id"); !ok || v.AsString() != "t1" {
		t.Errorf("expected task id attribute, got %v", v)
	}
	if v, ok := attrValue(s.Attributes(), "escrow.commit_attempts"); !ok || v.AsInt64() != 2 {
		t.Errorf("expected attempts attribute, got %v", v)
	}
	if _, ok := attrValue(s.Attributes(), "escrow.caller"); ok {
		t.Error("caller should be omitted outside debug mode")
	}
}

func TestOpSpan_ErrorAndDebug(t *testing.T) {
	tr, rec := newRecordingTracer(true)

	_, span := tr.StartOpSpan(context.Background(), "claim_task")
	tr.EndOpSpan(span, OpSpanOptions{TaskID: "t3", Caller: "abcd", Code: "ALREADY_CLAIMED"}, errors.New("already claimed"))

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Errorf("expected Error status, got %v", s.Status().Code)
	}
	if v, ok := attrValue(s.Attributes(), "escrow.error_code"); !ok || v.AsString() != "ALREADY_CLAIMED" {
		t.Errorf("expected error code attribute, got %v", v)
	}
	if v, ok := attrValue(s.Attributes(), "escrow.caller"); !ok || v.AsString() != "abcd" {
		t.Errorf("expected caller attribute in debug mode, got %v", v)
	}
	if len(s.Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestRPCSpan_ParentsOpSpan(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	ctx, rpc := tr.StartRPCSpan(context.Background(), "escrow.claimTask")
	_, op := tr.StartOpSpan(ctx, "claim_task")
	tr.EndOpSpan(op, OpSpanOptions{}, nil)
	tr.EndRPCSpan(rpc, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("operation span should be a child of the rpc span")
	}
}

func TestMapCarrier(t *testing.T) {
	c := MapCarrier{}
	c.Set("traceparent", "00-abc")
	if c.Get("traceparent") != "00-abc" {
		t.Errorf("unexpected value %q", c.Get("traceparent"))
	}
	if len(c.Keys()) != 1 {
		t.Errorf("expected 1 key, got %d", len(c.Keys()))
	}
}

func TestInitProvider_RequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{
		Endpoint: "localhost:4317",
		Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestInitProvider_Starts(t *testing.T) {
	for _, protocol := range []string{"grpc", "http"} {
		p, err := InitProvider(context.Background(), ProviderConfig{
			Endpoint:   "http://127.0.0.1:4318",
			Protocol:   protocol,
			Attributes: map[string]string{"escrow.store": "memory"},
		})
		if err != nil {
			t.Fatalf("%s: InitProvider() error = %v", protocol, err)
		}
		SetGlobalTracer(nil)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		p.Shutdown(ctx)
		cancel()
	}
}

func TestNewProviderWithExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProviderWithExporter(ProviderConfig{}, DefaultServiceName, exp)
	if err != nil {
		t.Fatalf("NewProviderWithExporter() error = %v", err)
	}
	defer SetGlobalTracer(nil)

	if GetTracer() != p.Tracer() {
		t.Error("provider tracer should be installed globally")
	}

	_, span := p.Tracer().StartOpSpan(context.Background(), "initialize")
	p.Tracer().EndOpSpan(span, OpSpanOptions{}, nil)

	ctx := context.Background()
	if err := p.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 exported span, got %d", len(spans))
	}
	res := spans[0].Resource
	if res.SchemaURL() != semconv.SchemaURL {
		t.Errorf("resource schema = %q, want %q", res.SchemaURL(), semconv.SchemaURL)
	}
	if v, ok := res.Set().Value(semconv.ServiceNameKey); !ok || v.AsString() != DefaultServiceName {
		t.Errorf("service.name = %v", v)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		in           string
		wantEndpoint string
		wantInsecure bool
		wantErr      bool
	}{
		{"collector:4317", "collector:4317", false, false},
		{"http://collector:4318", "collector:4318", true, false},
		{"https://otel.example.com:443", "otel.example.com:443", false, false},
		{"ftp://collector:21", "", false, true},
	}
	for _, tt := range tests {
		got, insecure, err := resolveEndpoint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("resolveEndpoint(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.wantEndpoint || insecure != tt.wantInsecure {
			t.Errorf("resolveEndpoint(%q) = %q, %v", tt.in, got, insecure)
		}
	}
}

func TestServiceName(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	if got := serviceName(ProviderConfig{}); got != DefaultServiceName {
		t.Errorf("serviceName() = %q", got)
	}
	t.Setenv("OTEL_SERVICE_NAME", "escrowd-canary")
	if got := serviceName(ProviderConfig{}); got != "escrowd-canary" {
		t.Errorf("env should be used, got %q", got)
	}
	if got := serviceName(ProviderConfig{ServiceName: "explicit"}); got != "explicit" {
		t.Errorf("config should win, got %q", got)
	}
}

func TestSampleRatio(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProviderWithExporter(ProviderConfig{SampleRatio: 0.000001}, DefaultServiceName, exp)
	if err != nil {
		t.Fatalf("NewProviderWithExporter() error = %v", err)
	}
	defer SetGlobalTracer(nil)

	ctx := context.Background()
	sampled := 0
	for i := 0; i < 50; i++ {
		_, span := p.Tracer().StartOpSpan(ctx, "claim_task")
		if span.SpanContext().IsSampled() {
			sampled++
		}
		p.Tracer().EndOpSpan(span, OpSpanOptions{}, nil)
	}
	p.ForceFlush(ctx)
	if len(exp.GetSpans()) != sampled || sampled > 5 {
		t.Errorf("sampled %d, exported %d", sampled, len(exp.GetSpans()))
	}
	p.Shutdown(ctx)
}
