package orchestrator

import (
	"errors"
	"fmt"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

var ErrInvalidTransition = errors.New("invalid iteration transition")

var transitions = map[api.IterationStatus][]api.IterationStatus{
	api.IterationStatusExecuting:      {api.IterationStatusSafetyChecking, api.IterationStatusFailed},
	api.IterationStatusSafetyChecking: {api.IterationStatusJudging},
	api.IterationStatusJudging:        {api.IterationStatusAggregating},
	api.IterationStatusAggregating:    {api.IterationStatusRefining, api.IterationStatusCompleted},
	api.IterationStatusRefining:       {api.IterationStatusReviewing},
}

// stageRank orders the stages of the pipeline, REFINING and COMPLETED are alternatives.
var stageRank = map[api.IterationStatus]int{
	api.IterationStatusExecuting:      0,
	api.IterationStatusSafetyChecking: 1,
	api.IterationStatusJudging:        2,
	api.IterationStatusAggregating:    3,
	api.IterationStatusRefining:       4,
	api.IterationStatusCompleted:      4,
	api.IterationStatusReviewing:      5,
	api.IterationStatusFailed:         6,
}

type transitionKind int

const (
	transitionApply transitionKind = iota
	// transitionStale is a replayed or late event for a stage already reached or passed
	transitionStale
	transitionInvalid
)

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from api.IterationStatus, to api.IterationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns ErrInvalidTransition when from -> to is not allowed.
func Transition(from api.IterationStatus, to api.IterationStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s to %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

func classify(from api.IterationStatus, to api.IterationStatus) transitionKind {
	if CanTransition(from, to) {
		return transitionApply
	}
	if from.IsTerminal() || stageRank[to] <= stageRank[from] {
		return transitionStale
	}
	return transitionInvalid
}
