package tracing

import (
	"context"
	"testing"

	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/logging"
)

func TestSetup(t *testing.T) {
	logger := logging.FallbackLogger()

	t.Run("none leaves tracing disabled", func(t *testing.T) {
		shutdown, err := Setup(context.Background(), &config.TracingConfig{Exporter: ExporterNone}, "test", logger)
		if err != nil {
			t.Fatalf("Failed to set up tracing: %v", err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("Failed to shut down tracing: %v", err)
		}
	})

	t.Run("stdout installs a provider", func(t *testing.T) {
		shutdown, err := Setup(context.Background(), &config.TracingConfig{Exporter: ExporterStdout}, "test", logger)
		if err != nil {
			t.Fatalf("Failed to set up tracing: %v", err)
		}
		_, span := Tracer().Start(context.Background(), "test")
		span.End()
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("Failed to shut down tracing: %v", err)
		}
	})

	t.Run("unknown exporters are rejected", func(t *testing.T) {
		if _, err := Setup(context.Background(), &config.TracingConfig{Exporter: "zipkin"}, "test", logger); err == nil {
			t.Fatalf("Expected an error for an unknown exporter")
		}
	})
}
