package orchestrator

import "github.com/eval-hub/iteration-hub/pkg/api"

// StopInput is everything the stop rules look at.
type StopInput struct {
	Number    int
	Rules     api.StopRules
	TotalCost float64
	// TotalTokens is the cumulative token spend of the experiment
	TotalTokens    int64
	CompositeScore *float64
	// PreviousScores are the stored composite scores of the preceding iterations, most recent first
	PreviousScores []*float64
}

// EvaluateStopRules returns the first stop rule that matches, in the order
// iterations, budget, tokens, convergence, or nil to keep refining.
func EvaluateStopRules(input StopInput) *api.StopReason {
	rules := input.Rules
	if rules.MaxIterations != nil && input.Number >= *rules.MaxIterations {
		return stopReason(api.StopReasonMaxIterations)
	}
	if rules.MaxBudgetUSD != nil && input.TotalCost >= *rules.MaxBudgetUSD {
		return stopReason(api.StopReasonBudget)
	}
	if rules.MaxTotalTokens != nil && input.TotalTokens >= *rules.MaxTotalTokens {
		return stopReason(api.StopReasonTokenBudget)
	}
	if converged(input) {
		return stopReason(api.StopReasonConverged)
	}
	return nil
}

// converged is only decided with exactly window-1 previous scores.
func converged(input StopInput) bool {
	window := input.Rules.Window()
	if window <= 1 || input.CompositeScore == nil {
		return false
	}
	previous := []float64{}
	for _, score := range input.PreviousScores {
		if score != nil {
			previous = append(previous, *score)
		}
	}
	if len(input.PreviousScores) != window-1 || len(previous) != window-1 {
		return false
	}
	best := previous[0]
	for _, score := range previous[1:] {
		best = max(best, score)
	}
	return *input.CompositeScore-best < input.Rules.MinDelta()
}

func stopReason(reason api.StopReason) *api.StopReason {
	return &reason
}
