// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitAndShutdown(t *testing.T) {
	setup := SetupTestTelemetry(t)
	ctx := context.Background()

	require.NoError(t, setup.Telemetry.InitTelemetry(ctx, "test-service"))
	assert.True(t, setup.Telemetry.initialized)
	assert.NotNil(t, setup.Telemetry.tracerProvider)
	assert.NotNil(t, setup.Telemetry.meterProvider)

	// A second init is a no-op, not an error.
	require.NoError(t, setup.Telemetry.InitTelemetry(ctx, "different-service"))

	require.NoError(t, setup.Telemetry.ShutdownTelemetry(ctx))
	// Shutdown after shutdown is a no-op too.
	require.NoError(t, setup.Telemetry.ShutdownTelemetry(ctx))
}

func TestShutdownBeforeInit(t *testing.T) {
	setup := SetupTestTelemetry(t)
	require.NoError(t, setup.Telemetry.ShutdownTelemetry(context.Background()))
}

func TestServiceNameEnvOverride(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "custom-service-from-env")

	setup := SetupTestTelemetry(t)
	ctx := context.Background()
	require.NoError(t, setup.Telemetry.InitTelemetry(ctx, "default-service"))
	assert.True(t, setup.Telemetry.initialized)
	require.NoError(t, setup.Telemetry.ShutdownTelemetry(ctx))
}

func TestProvidersBecomeGlobal(t *testing.T) {
	setup := SetupTestTelemetry(t)
	ctx := context.Background()

	before := setup.Telemetry.GetTracerProvider()
	require.NotNil(t, before)

	require.NoError(t, setup.Telemetry.InitTelemetry(ctx, "test-service"))
	t.Cleanup(func() {
		require.NoError(t, setup.Telemetry.ShutdownTelemetry(context.Background()))
	})

	after := setup.Telemetry.GetTracerProvider()
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, otel.GetTracerProvider(),
		"global tracer provider should match Telemetry's")
	assert.Equal(t, setup.Telemetry.GetMeterProvider(), otel.GetMeterProvider(),
		"global meter provider should match Telemetry's")

	// Spans created through the global tracer land in the test exporter.
	_, span := otel.Tracer("test").Start(ctx, "test-span")
	span.End()
	assert.NotEmpty(t, setup.SpanExporter.GetSpans())
}

func TestWrapSlogHandlerInjectsTraceContext(t *testing.T) {
	setup := SetupTestTelemetry(t)
	ctx := context.Background()

	require.NoError(t, setup.Telemetry.InitTelemetry(ctx, "test-service"))
	t.Cleanup(func() {
		require.NoError(t, setup.Telemetry.ShutdownTelemetry(context.Background()))
	})

	var traceID, spanID string
	base := &captureHandler{
		onHandle: func(_ context.Context, r slog.Record) error {
			traceID, spanID = "", ""
			r.Attrs(func(a slog.Attr) bool {
				switch a.Key {
				case "trace_id":
					traceID = a.Value.String()
				case "span_id":
					spanID = a.Value.String()
				}
				return true
			})
			return nil
		},
	}
	logger := slog.New(setup.Telemetry.WrapSlogHandler(base))

	// Without a span in the context, nothing is injected.
	logger.InfoContext(ctx, "no span")
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)

	spanCtx, span := otel.Tracer("test").Start(ctx, "test-span")
	defer span.End()
	logger.InfoContext(spanCtx, "with span")

	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), spanID)
}

// captureHandler routes records to a test callback.
type captureHandler struct {
	onHandle func(context.Context, slog.Record) error
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.onHandle != nil {
		return h.onHandle(ctx, r)
	}
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
