package api

import "time"

// IterationStatus is the state of an iteration. The allowed transitions
// between states are owned by the orchestrator.
type IterationStatus string

const (
	IterationStatusExecuting      IterationStatus = "EXECUTING"
	IterationStatusSafetyChecking IterationStatus = "SAFETY_CHECKING"
	IterationStatusJudging        IterationStatus = "JUDGING"
	IterationStatusAggregating    IterationStatus = "AGGREGATING"
	IterationStatusRefining       IterationStatus = "REFINING"
	IterationStatusReviewing      IterationStatus = "REVIEWING"
	IterationStatusCompleted      IterationStatus = "COMPLETED"
	IterationStatusFailed         IterationStatus = "FAILED"
)

// IsTerminal reports whether the iteration can no longer change state.
func (s IterationStatus) IsTerminal() bool {
	switch s {
	case IterationStatusReviewing, IterationStatusCompleted, IterationStatusFailed:
		return true
	default:
		return false
	}
}

type StopReason string

const (
	StopReasonMaxIterations StopReason = "max_iterations_reached"
	StopReasonBudget        StopReason = "budget_exhausted"
	StopReasonTokenBudget   StopReason = "token_budget_exhausted"
	StopReasonConverged     StopReason = "converged"
)

type Iteration struct {
	ID              string           `json:"id"`
	ExperimentID    string           `json:"experimentId"`
	PromptVersionID string           `json:"promptVersionId"`
	Number          int              `json:"number"`
	Status          IterationStatus  `json:"status"`
	Metrics         IterationMetrics `json:"metrics"`
	TotalTokens     int64            `json:"totalTokens"`
	TotalCost       float64          `json:"totalCost"`
	StartedAt       time.Time        `json:"startedAt"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty"`
}

// BudgetStatus is the cumulative spend of an experiment. The percentages
// are only set when the matching limit is configured and are clamped to 1.
type BudgetStatus struct {
	TotalCost         float64  `json:"totalCost"`
	TotalTokens       int64    `json:"totalTokens"`
	MaxBudgetUSD      *float64 `json:"maxBudgetUsd,omitempty"`
	MaxTotalTokens    *int64   `json:"maxTotalTokens,omitempty"`
	PercentBudgetUsed *float64 `json:"percentBudgetUsed,omitempty"`
	PercentTokenUsed  *float64 `json:"percentTokenUsed,omitempty"`
}

type SafetyFinding struct {
	OutputID string `json:"outputId"`
	Issue    string `json:"issue"`
}

type SafetySummary struct {
	TotalOutputs      int             `json:"totalOutputs"`
	PIIFindings       int             `json:"piiFindings"`
	ToxicFindings     int             `json:"toxicFindings"`
	JailbreakFindings int             `json:"jailbreakFindings"`
	PolicyFindings    int             `json:"policyFindings"`
	FlaggedOutputs    int             `json:"flaggedOutputs"`
	Samples           []SafetyFinding `json:"samples"`
}

type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

type CoverageCell struct {
	Count    int     `json:"count"`
	AvgScore float64 `json:"avgScore"`
}

// CoverageMatrix is indexed by tag then difficulty bucket.
type CoverageMatrix map[string]map[string]CoverageCell

type PairwiseRanking struct {
	Comparisons int     `json:"comparisons"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"winRate"`
}

// IterationMetrics is the accumulating metrics bag of an iteration. Every
// field is optional, stages only set what they produce and the stored bag
// is merged with each update, never replaced.
type IterationMetrics struct {
	Budget              *BudgetStatus                 `json:"budget,omitempty"`
	EstimatedTokens     *int64                        `json:"estimatedTokens,omitempty"`
	SafetySummary       *SafetySummary                `json:"safetySummary,omitempty"`
	TotalOutputs        *int                          `json:"totalOutputs,omitempty"`
	CompositeScore      *float64                      `json:"compositeScore,omitempty"`
	CompositeScores     map[string]float64            `json:"compositeScores,omitempty"`
	ConfidenceIntervals map[string]ConfidenceInterval `json:"confidenceIntervals,omitempty"`
	Facets              map[string]float64            `json:"facets,omitempty"`
	Coverage            CoverageMatrix                `json:"coverage,omitempty"`
	PairwiseRankings    map[string]PairwiseRanking    `json:"pairwiseRankings,omitempty"`
	StopReason          *StopReason                   `json:"stopReason,omitempty"`
	LatestSuggestionID  *string                       `json:"latestSuggestionId,omitempty"`
}

// Merge returns a copy of m with every field set in patch applied on top.
// Map fields are merged key by key, the same way a JSON merge patch would.
func (m IterationMetrics) Merge(patch *IterationMetrics) IterationMetrics {
	if patch == nil {
		return m
	}
	out := m
	if patch.Budget != nil {
		out.Budget = patch.Budget
	}
	if patch.EstimatedTokens != nil {
		out.EstimatedTokens = patch.EstimatedTokens
	}
	if patch.SafetySummary != nil {
		out.SafetySummary = patch.SafetySummary
	}
	if patch.TotalOutputs != nil {
		out.TotalOutputs = patch.TotalOutputs
	}
	if patch.CompositeScore != nil {
		out.CompositeScore = patch.CompositeScore
	}
	if patch.StopReason != nil {
		out.StopReason = patch.StopReason
	}
	if patch.LatestSuggestionID != nil {
		out.LatestSuggestionID = patch.LatestSuggestionID
	}
	out.CompositeScores = mergeMap(m.CompositeScores, patch.CompositeScores)
	out.ConfidenceIntervals = mergeMap(m.ConfidenceIntervals, patch.ConfidenceIntervals)
	out.Facets = mergeMap(m.Facets, patch.Facets)
	out.PairwiseRankings = mergeMap(m.PairwiseRankings, patch.PairwiseRankings)
	if patch.Coverage != nil {
		coverage := CoverageMatrix{}
		for tag, row := range m.Coverage {
			coverage[tag] = row
		}
		for tag, row := range patch.Coverage {
			coverage[tag] = mergeMap(coverage[tag], row)
		}
		out.Coverage = coverage
	}
	return out
}

func mergeMap[V any](base map[string]V, patch map[string]V) map[string]V {
	if patch == nil {
		return base
	}
	out := make(map[string]V, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
