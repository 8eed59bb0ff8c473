// Package budget tracks the spend of experiments and gates new iterations.
package budget

import (
	"context"
	"log/slog"
	"math"
	"unicode/utf8"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

const (
	// charsPerToken is the rough size of a token used for estimates
	charsPerToken = 4
	// completionFactor accounts for the completion tokens of every prompt
	completionFactor = 2
)

type Enforcer struct {
	storage abstractions.Storage
	logger  *slog.Logger
}

func NewEnforcer(storage abstractions.Storage, logger *slog.Logger) *Enforcer {
	return &Enforcer{storage: storage, logger: logger}
}

// AssertWithinBudget fails when a configured cost or token limit of the experiment is already met.
func (e *Enforcer) AssertWithinBudget(ctx context.Context, experimentID string) error {
	storage := e.storage.WithContext(ctx)
	experiment, err := storage.GetExperiment(experimentID)
	if err != nil {
		return err
	}
	rules := experiment.StopRules
	if rules.MaxBudgetUSD == nil && rules.MaxTotalTokens == nil {
		return nil
	}
	usage, err := storage.GetExperimentUsage(experimentID)
	if err != nil {
		return err
	}
	if rules.MaxBudgetUSD != nil && usage.TotalCost >= *rules.MaxBudgetUSD {
		e.logger.Warn("Budget exhausted", constants.LOG_EXPERIMENT_ID, experimentID, "spent", usage.TotalCost, "limit", *rules.MaxBudgetUSD)
		return serviceerrors.NewServiceError(messages.BudgetExhausted, "ExperimentId", experimentID, "Spent", usage.TotalCost, "Limit", *rules.MaxBudgetUSD)
	}
	if rules.MaxTotalTokens != nil && usage.TotalTokens >= *rules.MaxTotalTokens {
		e.logger.Warn("Token budget exhausted", constants.LOG_EXPERIMENT_ID, experimentID, "spent", usage.TotalTokens, "limit", *rules.MaxTotalTokens)
		return serviceerrors.NewServiceError(messages.TokenBudgetExhausted, "ExperimentId", experimentID, "Spent", usage.TotalTokens, "Limit", *rules.MaxTotalTokens)
	}
	return nil
}

// EstimateIterationCost returns the tokens the next iteration is expected to consume.
func (e *Enforcer) EstimateIterationCost(ctx context.Context, experimentID string, promptVersionID string) (int64, error) {
	storage := e.storage.WithContext(ctx)
	experiment, err := storage.GetExperiment(experimentID)
	if err != nil {
		return 0, err
	}
	promptVersion, err := storage.GetPromptVersion(promptVersionID)
	if err != nil {
		return 0, err
	}
	datasets, err := ResolveDatasets(storage, experiment)
	if err != nil {
		return 0, err
	}
	modelConfigs, err := storage.GetActiveModelConfigs(experiment.ProjectID)
	if err != nil {
		return 0, err
	}
	totalCases, err := storage.CountCases(datasets)
	if err != nil {
		return 0, err
	}
	estimate := EstimateTokens(promptVersion.Text, totalCases, len(modelConfigs))
	if limit := experiment.StopRules.MaxTotalTokens; limit != nil && estimate > *limit {
		return estimate, serviceerrors.NewServiceError(messages.EstimateExceedsTokenBudget, "Estimate", estimate, "Limit", *limit)
	}
	e.logger.Info("Estimated iteration cost", constants.LOG_EXPERIMENT_ID, experimentID, "tokens", estimate, "cases", totalCases, "models", len(modelConfigs))
	return estimate, nil
}

// EstimateTokens is ceil(promptChars / 4) x cases x models x 2.
func EstimateTokens(prompt string, totalCases int, models int) int64 {
	promptTokens := int64(math.Ceil(float64(utf8.RuneCountInString(prompt)) / charsPerToken))
	return promptTokens * int64(totalCases) * int64(models) * completionFactor
}

// GetBudgetStatus returns the cumulative spend and, for configured limits, the share used clamped to 1.
func (e *Enforcer) GetBudgetStatus(ctx context.Context, experimentID string) (*api.BudgetStatus, error) {
	storage := e.storage.WithContext(ctx)
	experiment, err := storage.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	usage, err := storage.GetExperimentUsage(experimentID)
	if err != nil {
		return nil, err
	}
	status := &api.BudgetStatus{
		TotalCost:      usage.TotalCost,
		TotalTokens:    usage.TotalTokens,
		MaxBudgetUSD:   experiment.StopRules.MaxBudgetUSD,
		MaxTotalTokens: experiment.StopRules.MaxTotalTokens,
	}
	if limit := experiment.StopRules.MaxBudgetUSD; limit != nil {
		used := percentUsed(usage.TotalCost, *limit)
		status.PercentBudgetUsed = &used
	}
	if limit := experiment.StopRules.MaxTotalTokens; limit != nil {
		used := percentUsed(float64(usage.TotalTokens), float64(*limit))
		status.PercentTokenUsed = &used
	}
	return status, nil
}

func percentUsed(spent float64, limit float64) float64 {
	if limit <= 0 {
		return 1
	}
	return math.Min(spent/limit, 1)
}

// ResolveDatasets returns the dataset selection of an experiment: the override
// list when present, otherwise every dataset of the project. Duplicates are removed.
func ResolveDatasets(storage abstractions.Storage, experiment *api.Experiment) ([]string, error) {
	projectDatasets, err := storage.GetProjectDatasets(experiment.ProjectID)
	if err != nil {
		return nil, err
	}
	inProject := make(map[string]bool, len(projectDatasets))
	for _, dataset := range projectDatasets {
		inProject[dataset.ID] = true
	}

	candidates := experiment.DatasetIDs
	if len(candidates) == 0 {
		candidates = make([]string, 0, len(projectDatasets))
		for _, dataset := range projectDatasets {
			candidates = append(candidates, dataset.ID)
		}
	}

	seen := map[string]bool{}
	selected := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !inProject[id] {
			return nil, serviceerrors.NewServiceError(messages.DatasetNotInProject, "DatasetId", id, "ProjectId", experiment.ProjectID)
		}
		selected = append(selected, id)
	}
	if len(selected) == 0 {
		return nil, serviceerrors.NewServiceError(messages.NoDatasetsSelected, "ExperimentId", experiment.ID)
	}
	return selected, nil
}
