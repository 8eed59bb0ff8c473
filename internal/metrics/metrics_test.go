package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	t.Run("counters are labelled", func(t *testing.T) {
		before := testutil.ToFloat64(IterationStops.WithLabelValues("converged"))
		IterationStops.WithLabelValues("converged").Inc()
		after := testutil.ToFloat64(IterationStops.WithLabelValues("converged"))
		if after != before+1 {
			t.Fatalf("Expected the counter to increase by one, got %v -> %v", before, after)
		}
	})

	t.Run("token counters accumulate", func(t *testing.T) {
		before := testutil.ToFloat64(LLMTokens.WithLabelValues(PurposeExecution))
		LLMTokens.WithLabelValues(PurposeExecution).Add(40)
		if got := testutil.ToFloat64(LLMTokens.WithLabelValues(PurposeExecution)); got != before+40 {
			t.Fatalf("Expected %v, got %v", before+40, got)
		}
	})
}
