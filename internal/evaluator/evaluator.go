// Package evaluator runs the pointwise and pairwise judges of an iteration.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/metrics"
	"github.com/eval-hub/iteration-hub/internal/serialization"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

type Evaluator struct {
	storage     abstractions.Storage
	adapters    abstractions.AdapterProvider
	validate    *validator.Validate
	logger      *slog.Logger
	concurrency int
}

func NewEvaluator(storage abstractions.Storage, adapters abstractions.AdapterProvider, validate *validator.Validate, logger *slog.Logger, concurrency int) *Evaluator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Evaluator{storage: storage, adapters: adapters, validate: validate, logger: logger, concurrency: concurrency}
}

// unit is one judge call.
type unit struct {
	name string
	run  func(ctx context.Context) error
}

// JudgeIteration runs every active judge over the outputs of the iteration and
// returns the number of outputs judged. Every unit of work runs, the failures
// are joined into the returned error.
func (e *Evaluator) JudgeIteration(ctx context.Context, iterationID string) (int, error) {
	storage := e.storage.WithContext(ctx)
	iteration, err := storage.GetIteration(iterationID)
	if err != nil {
		return 0, err
	}
	experiment, err := storage.GetExperiment(iteration.ExperimentID)
	if err != nil {
		return 0, err
	}
	results, err := storage.GetIterationResults(iterationID)
	if err != nil {
		return 0, err
	}
	pointwiseJudges, err := storage.GetActiveJudgeConfigs(experiment.ProjectID, api.JudgeModePointwise)
	if err != nil {
		return 0, err
	}
	pairwiseJudges, err := storage.GetActiveJudgeConfigs(experiment.ProjectID, api.JudgeModePairwise)
	if err != nil {
		return 0, err
	}

	outputs := []*api.OutputDetail{}
	for i := range results {
		for j := range results[i].Outputs {
			outputs = append(outputs, &results[i].Outputs[j])
		}
	}

	units := []unit{}
	for i := range pointwiseJudges {
		judge := &pointwiseJudges[i]
		for _, output := range outputs {
			units = append(units, unit{
				name: fmt.Sprintf("pointwise judge %s output %s", judge.ID, output.ID),
				run: func(ctx context.Context) error {
					return e.judgePointwise(ctx, experiment, judge, output)
				},
			})
		}
	}
	for i := range pairwiseJudges {
		judge := &pairwiseJudges[i]
		for _, pair := range comparisonPairs(outputs) {
			units = append(units, unit{
				name: fmt.Sprintf("pairwise judge %s outputs %s %s", judge.ID, pair[0].ID, pair[1].ID),
				run: func(ctx context.Context) error {
					return e.judgePairwise(ctx, experiment, judge, pair[0], pair[1])
				},
			})
		}
	}

	e.logger.Info("Judging iteration", constants.LOG_ITERATION_ID, iterationID, "outputs", len(outputs),
		"pointwise_judges", len(pointwiseJudges), "pairwise_judges", len(pairwiseJudges), "units", len(units))
	return len(outputs), e.fanOut(ctx, iterationID, units)
}

// comparisonPairs returns every unordered pair of outputs sharing a case once,
// the output with the lexicographically smaller id comes first.
func comparisonPairs(outputs []*api.OutputDetail) [][2]*api.OutputDetail {
	byCase := map[string][]*api.OutputDetail{}
	caseIDs := []string{}
	for _, output := range outputs {
		if _, ok := byCase[output.CaseID]; !ok {
			caseIDs = append(caseIDs, output.CaseID)
		}
		byCase[output.CaseID] = append(byCase[output.CaseID], output)
	}
	sort.Strings(caseIDs)

	pairs := [][2]*api.OutputDetail{}
	for _, caseID := range caseIDs {
		group := byCase[caseID]
		for _, first := range group {
			for _, competitor := range group {
				if first.ID == competitor.ID || first.ID > competitor.ID {
					continue
				}
				pairs = append(pairs, [2]*api.OutputDetail{first, competitor})
			}
		}
	}
	return pairs
}

func (e *Evaluator) fanOut(ctx context.Context, iterationID string, units []unit) error {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", u.name, ctx.Err()))
				mu.Unlock()
				return
			}
			defer func() { <-sem }()
			if err := u.run(ctx); err != nil {
				e.logger.Error("Judge unit failed", constants.LOG_ITERATION_ID, iterationID, "unit", u.name, "error", err.Error())
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", u.name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (e *Evaluator) chat(ctx context.Context, judge *api.JudgeConfig, messages []api.ChatMessage) (*api.ChatResult, error) {
	adapter, err := e.adapters.Adapter(judge.Model)
	if err != nil {
		return nil, err
	}
	result, err := adapter.Chat(ctx, messages, api.ChatOptions{Params: judge.Model.Params})
	if err != nil {
		metrics.JudgeCalls.WithLabelValues(string(judge.Mode), metrics.ResultFailure).Inc()
		return nil, err
	}
	if result.Usage != nil {
		metrics.LLMTokens.WithLabelValues(metrics.PurposeJudging).Add(float64(result.Usage.TotalTokens))
	}
	return result, nil
}

func (e *Evaluator) judgePointwise(ctx context.Context, experiment *api.Experiment, judge *api.JudgeConfig, output *api.OutputDetail) error {
	result, err := e.chat(ctx, judge, pointwiseMessages(experiment, judge, output.Case, output))
	if err != nil {
		return err
	}
	verdict, err := ParsePointwise(result.Text, judge)
	if err == nil {
		err = serialization.Validate(ctx, e.validate, e.logger, verdict)
	}
	if err != nil {
		metrics.JudgeCalls.WithLabelValues(string(judge.Mode), metrics.ResultFailure).Inc()
		return err
	}
	metrics.JudgeCalls.WithLabelValues(string(judge.Mode), metrics.ResultSuccess).Inc()
	return e.storage.WithContext(ctx).UpsertPointwiseJudgment(&api.Judgment{
		OutputID:      output.ID,
		JudgeConfigID: judge.ID,
		Scores:        verdict.Scores,
		Rationales:    verdict.Rationales,
		SafetyFlags:   verdict.SafetyFlags,
	})
}

func (e *Evaluator) judgePairwise(ctx context.Context, experiment *api.Experiment, judge *api.JudgeConfig, first *api.OutputDetail, competitor *api.OutputDetail) error {
	result, err := e.chat(ctx, judge, pairwiseMessages(experiment, judge, first.Case, first, competitor))
	if err != nil {
		return err
	}
	verdict, err := ParsePairwise(result.Text, judge)
	if err == nil {
		err = serialization.Validate(ctx, e.validate, e.logger, verdict)
	}
	if err != nil {
		metrics.JudgeCalls.WithLabelValues(string(judge.Mode), metrics.ResultFailure).Inc()
		return err
	}
	metrics.JudgeCalls.WithLabelValues(string(judge.Mode), metrics.ResultSuccess).Inc()
	winner := first.ID
	if verdict.Winner == "B" {
		winner = competitor.ID
	}
	return e.storage.WithContext(ctx).CreatePairwiseJudgment(&api.Judgment{
		OutputID:       first.ID,
		JudgeConfigID:  judge.ID,
		Scores:         map[string]float64{},
		WinnerOutputID: &winner,
		Metadata: &api.PairwiseMetadata{
			CompetitorOutputID:   competitor.ID,
			CompetitorModelRunID: competitor.ModelRunID,
			Rationale:            verdict.Rationale,
		},
	})
}
