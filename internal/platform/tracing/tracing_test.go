package tracing

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/mediagen/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupRequiresEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true}, testLogger())
	assert.Error(t, err)
	assert.NotNil(t, shutdown)
}

func TestProviderSampling(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		ratio float64
		want  int
	}{
		{"always", 1, 1},
		{"never", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := tracetest.NewSpanRecorder()
			tp := newProvider(ctx, config.TracingConfig{SampleRatio: tt.ratio, ServiceName: "mediagen-test"},
				sdktrace.WithSpanProcessor(recorder), testLogger())
			defer func() { _ = tp.Shutdown(ctx) }()

			_, span := tp.Tracer("test").Start(ctx, "task.execute")
			span.End()

			ended := recorder.Ended()
			require.Len(t, ended, tt.want)
			if tt.want > 0 {
				var found bool
				for _, kv := range ended[0].Resource().Attributes() {
					if string(kv.Key) == "service.name" {
						found = true
						assert.Equal(t, "mediagen-test", kv.Value.AsString())
					}
				}
				assert.True(t, found)
			}
		})
	}
}

func TestServiceNameDefault(t *testing.T) {
	assert.Equal(t, "mediagen", serviceName(config.TracingConfig{}))
	assert.Equal(t, "renderer", serviceName(config.TracingConfig{ServiceName: "renderer"}))
}
