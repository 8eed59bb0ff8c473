package orchestrator

import (
	"errors"
	"testing"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

func TestTransitions(t *testing.T) {
	allowed := [][2]api.IterationStatus{
		{api.IterationStatusExecuting, api.IterationStatusSafetyChecking},
		{api.IterationStatusExecuting, api.IterationStatusFailed},
		{api.IterationStatusSafetyChecking, api.IterationStatusJudging},
		{api.IterationStatusJudging, api.IterationStatusAggregating},
		{api.IterationStatusAggregating, api.IterationStatusRefining},
		{api.IterationStatusAggregating, api.IterationStatusCompleted},
		{api.IterationStatusRefining, api.IterationStatusReviewing},
	}
	for _, pair := range allowed {
		if err := Transition(pair[0], pair[1]); err != nil {
			t.Fatalf("Expected %s -> %s to be allowed: %v", pair[0], pair[1], err)
		}
	}

	rejected := [][2]api.IterationStatus{
		{api.IterationStatusSafetyChecking, api.IterationStatusRefining},
		{api.IterationStatusExecuting, api.IterationStatusJudging},
		{api.IterationStatusJudging, api.IterationStatusFailed},
		{api.IterationStatusCompleted, api.IterationStatusReviewing},
		{api.IterationStatusFailed, api.IterationStatusSafetyChecking},
		{api.IterationStatusReviewing, api.IterationStatusExecuting},
	}
	for _, pair := range rejected {
		if err := Transition(pair[0], pair[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Expected %s -> %s to be rejected, got %v", pair[0], pair[1], err)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		from api.IterationStatus
		to   api.IterationStatus
		want transitionKind
	}{
		{api.IterationStatusExecuting, api.IterationStatusSafetyChecking, transitionApply},
		{api.IterationStatusJudging, api.IterationStatusJudging, transitionStale},
		{api.IterationStatusAggregating, api.IterationStatusJudging, transitionStale},
		{api.IterationStatusFailed, api.IterationStatusSafetyChecking, transitionStale},
		{api.IterationStatusCompleted, api.IterationStatusRefining, transitionStale},
		{api.IterationStatusExecuting, api.IterationStatusAggregating, transitionInvalid},
		{api.IterationStatusSafetyChecking, api.IterationStatusRefining, transitionInvalid},
	}
	for _, c := range cases {
		if got := classify(c.from, c.to); got != c.want {
			t.Fatalf("classify(%s, %s) = %d, want %d", c.from, c.to, got, c.want)
		}
	}
}
