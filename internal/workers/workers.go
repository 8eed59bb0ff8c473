// Package workers holds the queue job handlers of the iteration pipeline. Each
// handler runs one stage and reports back to the orchestrator.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	validator "github.com/go-playground/validator/v10"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/aggregation"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/evaluator"
	"github.com/eval-hub/iteration-hub/internal/metrics"
	"github.com/eval-hub/iteration-hub/internal/queue"
	"github.com/eval-hub/iteration-hub/internal/refiner"
	"github.com/eval-hub/iteration-hub/internal/safety"
	"github.com/eval-hub/iteration-hub/internal/serialization"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

// Callbacks receives the completion of every stage.
type Callbacks interface {
	HandleRunProgress(ctx context.Context, iterationID string, failureMessage string) error
	HandleSafetyComplete(ctx context.Context, iterationID string, summary *api.SafetySummary) error
	HandleJudgingComplete(ctx context.Context, iterationID string, totalOutputs int) error
	HandleAggregationComplete(ctx context.Context, iterationID string, metrics *api.IterationMetrics) error
	HandleRefinementComplete(ctx context.Context, iterationID string, suggestionID *string) error
}

type Dependencies struct {
	Storage   abstractions.Storage
	Adapters  abstractions.AdapterProvider
	Scanner   *safety.Scanner
	Evaluator *evaluator.Evaluator
	Engine    *aggregation.Engine
	Refiner   *refiner.Refiner
	Callbacks Callbacks
	Validate  *validator.Validate
	Logger    *slog.Logger
}

type Workers struct {
	Dependencies
	now func() time.Time
}

func New(deps Dependencies) *Workers {
	return &Workers{Dependencies: deps, now: time.Now}
}

// Register binds every stage handler to its queue.
func (w *Workers) Register(registry abstractions.JobRegistry) {
	registry.Register(queue.QueueExecute, w.Execute)
	registry.Register(queue.QueueSafety, w.Safety)
	registry.Register(queue.QueueJudge, w.Judge)
	registry.Register(queue.QueueAggregate, w.Aggregate)
	registry.Register(queue.QueueRefine, w.Refine)
}

func (w *Workers) jobLogger(job *abstractions.Job) *slog.Logger {
	return w.Logger.With(constants.LOG_QUEUE, job.Queue, constants.LOG_JOB_ID, job.ID)
}

func decode[T any](ctx context.Context, w *Workers, job *abstractions.Job) (*T, error) {
	payload, err := queue.Decode[T](job)
	if err != nil {
		return nil, err
	}
	if err := serialization.Validate(ctx, w.Validate, w.jobLogger(job), payload); err != nil {
		return nil, fmt.Errorf("invalid %s job payload: %w", job.Queue, err)
	}
	return payload, nil
}

// estimateTokens is used when a provider does not report usage.
func estimateTokens(texts ...string) int64 {
	total := 0
	for _, text := range texts {
		total += utf8.RuneCountInString(text)
	}
	return int64(math.Ceil(float64(total) / 4))
}

// Execute runs one model over every case of its dataset. Any failure fails
// the run, the orchestrator then fails the iteration.
func (w *Workers) Execute(ctx context.Context, job *abstractions.Job) error {
	payload, err := decode[queue.ExecutePayload](ctx, w, job)
	if err != nil {
		return err
	}
	logger := w.jobLogger(job).With(constants.LOG_ITERATION_ID, payload.IterationID, constants.LOG_RUN_ID, payload.RunID)
	storage := w.Storage.WithContext(ctx).WithLogger(logger)

	run, err := storage.GetModelRun(payload.RunID)
	if err != nil {
		return err
	}
	switch {
	case run.Status.IsTerminal():
		logger.Info("Model run already finished", constants.LOG_STATUS, run.Status)
		return w.Callbacks.HandleRunProgress(ctx, run.IterationID, run.Error)
	case run.Status == api.RunStatusRunning:
		logger.Warn("Model run is already running, ignoring the duplicate job")
		return nil
	}
	iteration, err := storage.GetIteration(run.IterationID)
	if err != nil {
		return err
	}
	if iteration.Status.IsTerminal() {
		logger.Info("Skipping model run of a finished iteration", constants.LOG_STATUS, iteration.Status)
		return nil
	}

	started := w.now()
	run.Status = api.RunStatusRunning
	run.StartedAt = &started
	if err := storage.UpdateModelRun(run); err != nil {
		return err
	}

	if err := w.executeRun(ctx, storage, logger, iteration, run); err != nil {
		logger.Error("Model run failed", "error", err)
		message := fmt.Sprintf("Model run %s failed: %v", run.ID, err)
		finished := w.now()
		run.Status = api.RunStatusFailed
		run.Error = message
		run.FinishedAt = &finished
		if err := storage.UpdateModelRun(run); err != nil {
			return err
		}
		return w.Callbacks.HandleRunProgress(ctx, run.IterationID, message)
	}

	finished := w.now()
	run.Status = api.RunStatusCompleted
	run.FinishedAt = &finished
	if err := storage.UpdateModelRun(run); err != nil {
		return err
	}
	logger.Info("Model run completed", "tokens", run.TokensUsed, "cost", run.Cost)
	return w.Callbacks.HandleRunProgress(ctx, run.IterationID, "")
}

func (w *Workers) executeRun(ctx context.Context, storage abstractions.Storage, logger *slog.Logger, iteration *api.Iteration, run *api.ModelRun) error {
	modelConfig, err := storage.GetModelConfig(run.ModelConfigID)
	if err != nil {
		return err
	}
	promptVersion, err := storage.GetPromptVersion(iteration.PromptVersionID)
	if err != nil {
		return err
	}
	cases, err := storage.GetDatasetCases(run.DatasetID)
	if err != nil {
		return err
	}
	adapter, err := w.Adapters.Adapter(modelConfig.Model)
	if err != nil {
		return err
	}

	for _, datasetCase := range cases {
		messages := []api.ChatMessage{
			{Role: api.RoleSystem, Content: promptVersion.Text},
			{Role: api.RoleUser, Content: datasetCase.Input},
		}
		result, err := adapter.Chat(ctx, messages, api.ChatOptions{Params: modelConfig.Model.Params})
		if err != nil {
			return fmt.Errorf("case %s: %w", datasetCase.ID, err)
		}
		var tokens int64
		if result.Usage != nil && result.Usage.TotalTokens > 0 {
			tokens = result.Usage.TotalTokens
		} else {
			tokens = estimateTokens(promptVersion.Text, datasetCase.Input, result.Text)
		}
		cost := float64(tokens) / 1000 * modelConfig.CostPer1KTokens

		err = storage.CreateOutput(&api.Output{
			ModelRunID:  run.ID,
			IterationID: run.IterationID,
			CaseID:      datasetCase.ID,
			Text:        result.Text,
			Metadata:    map[string]any{"tokens": tokens},
		})
		if err != nil {
			return err
		}
		if err := storage.AddIterationUsage(run.IterationID, tokens, cost); err != nil {
			return err
		}
		run.TokensUsed += tokens
		run.Cost += cost
		metrics.LLMTokens.WithLabelValues(metrics.PurposeExecution).Add(float64(tokens))
	}
	logger.Debug("Executed dataset cases", "cases", len(cases))
	return nil
}

// Safety scans the outputs of an iteration.
func (w *Workers) Safety(ctx context.Context, job *abstractions.Job) error {
	payload, err := decode[queue.StagePayload](ctx, w, job)
	if err != nil {
		return err
	}
	summary, err := w.Scanner.ScanIteration(ctx, payload.IterationID)
	if err != nil {
		return err
	}
	return w.Callbacks.HandleSafetyComplete(ctx, payload.IterationID, summary)
}

// Judge runs every judge of the iteration. When a unit fails the successful
// judgments are kept and the iteration stays in judging.
func (w *Workers) Judge(ctx context.Context, job *abstractions.Job) error {
	payload, err := decode[queue.StagePayload](ctx, w, job)
	if err != nil {
		return err
	}
	totalOutputs, err := w.Evaluator.JudgeIteration(ctx, payload.IterationID)
	if err != nil {
		w.jobLogger(job).Error("Judging failed", constants.LOG_ITERATION_ID, payload.IterationID, "error", err)
		return err
	}
	return w.Callbacks.HandleJudgingComplete(ctx, payload.IterationID, totalOutputs)
}

// Aggregate computes the iteration statistics from the stored judgments.
func (w *Workers) Aggregate(ctx context.Context, job *abstractions.Job) error {
	payload, err := decode[queue.StagePayload](ctx, w, job)
	if err != nil {
		return err
	}
	storage := w.Storage.WithContext(ctx)
	iteration, err := storage.GetIteration(payload.IterationID)
	if err != nil {
		return err
	}
	experiment, err := storage.GetExperiment(iteration.ExperimentID)
	if err != nil {
		return err
	}
	runs, err := storage.GetIterationResults(payload.IterationID)
	if err != nil {
		return err
	}
	return w.Callbacks.HandleAggregationComplete(ctx, payload.IterationID, w.Engine.Aggregate(runs, experiment.Rubric))
}

// Refine asks the refiner model of the experiment for a prompt edit. Without a
// refiner model the iteration goes to review without a suggestion.
func (w *Workers) Refine(ctx context.Context, job *abstractions.Job) error {
	payload, err := decode[queue.StagePayload](ctx, w, job)
	if err != nil {
		return err
	}
	logger := w.jobLogger(job).With(constants.LOG_ITERATION_ID, payload.IterationID)
	storage := w.Storage.WithContext(ctx).WithLogger(logger)
	iteration, err := storage.GetIteration(payload.IterationID)
	if err != nil {
		return err
	}
	experiment, err := storage.GetExperiment(iteration.ExperimentID)
	if err != nil {
		return err
	}
	if experiment.RefinerModel == nil {
		logger.Info("No refiner model configured")
		return w.Callbacks.HandleRefinementComplete(ctx, payload.IterationID, nil)
	}
	promptVersion, err := storage.GetPromptVersion(iteration.PromptVersionID)
	if err != nil {
		return err
	}
	runs, err := storage.GetIterationResults(payload.IterationID)
	if err != nil {
		return err
	}
	adapter, err := w.Adapters.Adapter(*experiment.RefinerModel)
	if err != nil {
		return err
	}
	diagnostics := refiner.BuildDiagnostics(runs, experiment.Rubric, &iteration.Metrics)
	refinement, err := w.Refiner.Refine(ctx, experiment.Goal, experiment.Rubric, promptVersion.Text, diagnostics, adapter, api.ChatOptions{Params: experiment.RefinerModel.Params})
	if err != nil {
		logger.Error("Refinement rejected", "error", err)
		return err
	}
	suggestion := &api.RefinementSuggestion{
		IterationID:     payload.IterationID,
		PromptVersionID: promptVersion.ID,
		Diff:            refinement.Diff,
		Note:            refinement.Note,
		ResultingPrompt: refinement.Prompt,
	}
	if err := storage.CreateRefinementSuggestion(suggestion); err != nil {
		return err
	}
	return w.Callbacks.HandleRefinementComplete(ctx, payload.IterationID, &suggestion.ID)
}
