package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/webpilot/config"
)

// keepGlobals 恢复测试前的全局 provider
func keepGlobals(t *testing.T) {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabledConfig(name string) config.TelemetryConfig {
	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = name
	cfg.ExportInterval = time.Hour
	return cfg
}

func shutdownQuickly(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		// 没有 collector，导出错误可以忽略
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_Disabled(t *testing.T) {
	keepGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.Enabled())
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
}

func TestInit_EnabledInstallsGlobals(t *testing.T) {
	keepGlobals(t)

	p, err := Init(enabledConfig("webpilot-test"), zaptest.NewLogger(t))
	require.NoError(t, err)
	shutdownQuickly(t, p)

	assert.True(t, p.Enabled())
	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())
}

func TestInit_TLSExporter(t *testing.T) {
	keepGlobals(t)

	cfg := enabledConfig("webpilot-tls")
	cfg.Insecure = false
	p, err := Init(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	shutdownQuickly(t, p)
	assert.True(t, p.Enabled())
}

func TestInit_ResourceAttributes(t *testing.T) {
	keepGlobals(t)

	cfg := enabledConfig("webpilot-res")
	cfg.Environment = "staging"
	p, err := Init(cfg, nil,
		WithServiceVersion("1.2.3"),
		WithServiceVersion(""), // 空值不覆盖
		WithAttributes(attribute.String("webpilot.browser.backend", "chromedp"), attribute.Int("webpilot.pool.size", 4)),
	)
	require.NoError(t, err)
	shutdownQuickly(t, p)

	values := map[attribute.Key]attribute.Value{}
	for _, kv := range p.res.Attributes() {
		values[kv.Key] = kv.Value
	}
	assert.Equal(t, "webpilot-res", values["service.name"].AsString())
	assert.Equal(t, "1.2.3", values["service.version"].AsString())
	assert.Equal(t, "staging", values["deployment.environment"].AsString())
	assert.Equal(t, "chromedp", values["webpilot.browser.backend"].AsString())
	assert.Equal(t, int64(4), values["webpilot.pool.size"].AsInt64())
}

func TestSampler(t *testing.T) {
	root := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "engine.run",
	}
	assert.Equal(t, sdktrace.Drop, sampler(0).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, sampler(-1).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, sampler(1).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, sampler(2).ShouldSample(root).Decision)

	// 已采样的父 span 优先于比例
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	child := root
	child.ParentContext = trace.ContextWithRemoteSpanContext(context.Background(), parent)
	assert.Equal(t, sdktrace.RecordAndSample, sampler(0).ShouldSample(child).Decision)
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestProviders_Tracer(t *testing.T) {
	keepGlobals(t)

	var nilProviders *Providers
	assert.NotNil(t, nilProviders.Tracer("webpilot/engine"))
	assert.False(t, nilProviders.Enabled())

	p, err := Init(config.TelemetryConfig{Enabled: false}, nil)
	require.NoError(t, err)
	_, span := p.Tracer("webpilot/engine").Start(context.Background(), "engine.run")
	assert.False(t, span.SpanContext().IsValid(), "noop tracer yields invalid span contexts")
	span.End()

	p, err = Init(enabledConfig("webpilot-tracer"), nil)
	require.NoError(t, err)
	shutdownQuickly(t, p)
	_, span = p.Tracer("webpilot/engine").Start(context.Background(), "engine.run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestProviders_ShutdownNilAndNoop(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))

	p, err := Init(config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制的构建信息是 (devel)
	assert.Equal(t, "dev", buildVersion())
}
