// Package orchestrator drives iterations through execution, safety screening,
// judging, aggregation and refinement.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/budget"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/metrics"
	"github.com/eval-hub/iteration-hub/internal/queue"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/internal/tracing"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

const (
	DefaultLockTTL     = 15 * time.Second
	DefaultLockTimeout = 15 * time.Second
)

// BudgetEnforcer gates new iterations and reports the spend of an experiment.
type BudgetEnforcer interface {
	AssertWithinBudget(ctx context.Context, experimentID string) error
	EstimateIterationCost(ctx context.Context, experimentID string, promptVersionID string) (int64, error)
	GetBudgetStatus(ctx context.Context, experimentID string) (*api.BudgetStatus, error)
}

type Orchestrator struct {
	storage     abstractions.Storage
	queue       abstractions.JobQueue
	notifier    abstractions.Notifier
	locker      abstractions.Locker
	budget      BudgetEnforcer
	logger      *slog.Logger
	now         func() time.Time
	lockTTL     time.Duration
	lockTimeout time.Duration
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

func WithLockTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.lockTimeout = timeout
		}
	}
}

func New(storage abstractions.Storage, jobs abstractions.JobQueue, notifier abstractions.Notifier, locker abstractions.Locker, enforcer BudgetEnforcer, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storage:     storage,
		queue:       jobs,
		notifier:    notifier,
		locker:      locker,
		budget:      enforcer,
		logger:      logger,
		now:         time.Now,
		lockTTL:     DefaultLockTTL,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, iterationID string) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, "orchestrator."+name, trace.WithAttributes(attribute.String(constants.LOG_ITERATION_ID, iterationID)))
}

func (o *Orchestrator) emit(ctx context.Context, iterationID string, name api.EventName, payload any) {
	o.notifier.Notify(ctx, api.Event{Name: name, IterationID: iterationID, Payload: payload, Timestamp: o.now()})
}

// StartIteration creates the next iteration of an experiment and enqueues one
// execution job per model config and dataset. Only one start per experiment
// runs at a time.
func (o *Orchestrator) StartIteration(ctx context.Context, experimentID string, promptVersionID string) (iterationID string, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "orchestrator.StartIteration", trace.WithAttributes(attribute.String(constants.LOG_EXPERIMENT_ID, experimentID)))
	defer func() { tracing.End(span, err) }()

	logger := o.logger.With(constants.LOG_EXPERIMENT_ID, experimentID)
	release, err := o.locker.Acquire(ctx, constants.ExperimentLockPrefix+experimentID, o.lockTTL, o.lockTimeout)
	if err != nil {
		logger.Warn("Failed to acquire the experiment lock", "error", err)
		return "", err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("Failed to release the experiment lock", "error", err)
		}
	}()

	storage := o.storage.WithContext(ctx).WithLogger(logger)
	experiment, err := storage.GetExperiment(experimentID)
	if err != nil {
		return "", err
	}
	if experiment.Status == api.ExperimentStatusPaused {
		return "", serviceerrors.NewServiceError(messages.ExperimentPaused, "ExperimentId", experimentID)
	}
	promptVersion, err := storage.GetPromptVersion(promptVersionID)
	if err != nil {
		return "", err
	}
	if promptVersion.ExperimentID != experimentID {
		return "", serviceerrors.NewServiceError(messages.ResourceNotFound, "Type", "prompt version", "ResourceId", promptVersionID)
	}
	modelConfigs, err := storage.GetActiveModelConfigs(experiment.ProjectID)
	if err != nil {
		return "", err
	}
	if len(modelConfigs) == 0 {
		return "", serviceerrors.NewServiceError(messages.NoActiveModelConfigs, "ProjectId", experiment.ProjectID)
	}
	datasets, err := budget.ResolveDatasets(storage, experiment)
	if err != nil {
		return "", err
	}
	if err := o.budget.AssertWithinBudget(ctx, experimentID); err != nil {
		return "", err
	}
	estimate, err := o.budget.EstimateIterationCost(ctx, experimentID, promptVersionID)
	if err != nil {
		return "", err
	}
	number, err := storage.GetMaxIterationNumber(experimentID)
	if err != nil {
		return "", err
	}

	iteration := &api.Iteration{
		ID:              uuid.NewString(),
		ExperimentID:    experimentID,
		PromptVersionID: promptVersionID,
		Number:          number + 1,
		Status:          api.IterationStatusExecuting,
		Metrics:         api.IterationMetrics{EstimatedTokens: &estimate},
		StartedAt:       o.now(),
	}
	runs := make([]api.ModelRun, 0, len(modelConfigs)*len(datasets))
	for _, modelConfig := range modelConfigs {
		for _, datasetID := range datasets {
			runs = append(runs, api.ModelRun{
				ID:            uuid.NewString(),
				IterationID:   iteration.ID,
				ModelConfigID: modelConfig.ID,
				DatasetID:     datasetID,
				Status:        api.RunStatusPending,
			})
		}
	}
	if err := storage.CreateIteration(iteration, runs); err != nil {
		return "", err
	}
	if err := storage.UpdateExperimentStatus(experimentID, api.ExperimentStatusRunning); err != nil {
		return "", err
	}
	logger = logger.With(constants.LOG_ITERATION_ID, iteration.ID)
	logger.Info("Iteration started", "number", iteration.Number, "runs", len(runs), "estimated_tokens", estimate)

	for _, run := range runs {
		if _, err := o.queue.Enqueue(ctx, queue.QueueExecute, queue.ExecutePayload{RunID: run.ID, IterationID: iteration.ID}); err != nil {
			logger.Error("Failed to enqueue the execution job", constants.LOG_RUN_ID, run.ID, "error", err)
			if failErr := o.fail(ctx, iteration, fmt.Sprintf("Failed to enqueue model run %s: %v", run.ID, err)); failErr != nil {
				logger.Error("Failed to mark the iteration as failed", "error", failErr)
			}
			return "", err
		}
	}
	o.emit(ctx, iteration.ID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusExecuting})
	o.emit(ctx, iteration.ID, api.EventRunProgress, api.RunProgressPayload{Completed: 0, Total: len(runs), Failed: 0})
	return iteration.ID, nil
}

// transition moves the iteration to status to. It reports false without an
// error for stale events and lost compare and swap races.
func (o *Orchestrator) transition(ctx context.Context, iteration *api.Iteration, to api.IterationStatus) (bool, error) {
	logger := o.logger.With(constants.LOG_ITERATION_ID, iteration.ID)
	from := iteration.Status
	switch classify(from, to) {
	case transitionStale:
		logger.Info("Ignoring stale iteration event", "status", from, "target", to)
		return false, nil
	case transitionInvalid:
		return false, fmt.Errorf("iteration %s: %w", iteration.ID, Transition(from, to))
	}
	var finishedAt *time.Time
	if to.IsTerminal() {
		now := o.now()
		finishedAt = &now
	}
	ok, err := o.storage.WithContext(ctx).WithLogger(logger).UpdateIterationStatus(iteration.ID, from, to, finishedAt)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Info("Iteration status changed concurrently", "status", from, "target", to)
		return false, nil
	}
	metrics.IterationTransitions.WithLabelValues(string(from), string(to)).Inc()
	logger.Info("Iteration status changed", "from", from, "to", to)
	iteration.Status = to
	iteration.FinishedAt = finishedAt
	return true, nil
}

func (o *Orchestrator) fail(ctx context.Context, iteration *api.Iteration, message string) error {
	ok, err := o.transition(ctx, iteration, api.IterationStatusFailed)
	if err != nil || !ok {
		return err
	}
	if message == "" {
		message = constants.DefaultFailureMessage
	}
	o.emit(ctx, iteration.ID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusFailed})
	o.emit(ctx, iteration.ID, api.EventFailure, api.FailurePayload{Message: message})
	return nil
}

// HandleRunProgress re-reads the model runs of the iteration. A failed run fails the
// iteration, once every run completed the safety scan is enqueued.
func (o *Orchestrator) HandleRunProgress(ctx context.Context, iterationID string, failureMessage string) (err error) {
	ctx, span := o.startSpan(ctx, "HandleRunProgress", iterationID)
	defer func() { tracing.End(span, err) }()

	storage := o.storage.WithContext(ctx)
	iteration, err := storage.GetIteration(iterationID)
	if err != nil {
		return err
	}
	if iteration.Status.IsTerminal() {
		o.logger.Info("Ignoring run progress of a finished iteration", constants.LOG_ITERATION_ID, iterationID, "status", iteration.Status)
		return nil
	}
	runs, err := storage.GetModelRuns(iterationID)
	if err != nil {
		return err
	}
	progress := api.RunProgressPayload{Total: len(runs)}
	for _, run := range runs {
		switch run.Status {
		case api.RunStatusCompleted:
			progress.Completed++
		case api.RunStatusFailed:
			progress.Failed++
		}
	}
	o.emit(ctx, iterationID, api.EventRunProgress, progress)

	if progress.Failed > 0 {
		return o.fail(ctx, iteration, failureMessage)
	}
	if progress.Completed < progress.Total {
		return nil
	}
	ok, err := o.transition(ctx, iteration, api.IterationStatusSafetyChecking)
	if err != nil || !ok {
		return err
	}
	if err := o.enqueueStage(ctx, iteration, api.IterationStatusExecuting, queue.QueueSafety); err != nil {
		return err
	}
	o.emit(ctx, iterationID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusSafetyChecking})
	return nil
}

// enqueueStage enqueues the job of the stage the iteration just entered. When
// the enqueue fails the iteration is moved back to from, so a redelivered event
// applies the transition again instead of being ignored as stale.
func (o *Orchestrator) enqueueStage(ctx context.Context, iteration *api.Iteration, from api.IterationStatus, queueName string) error {
	_, err := o.queue.Enqueue(ctx, queueName, queue.StagePayload{IterationID: iteration.ID})
	if err == nil {
		return nil
	}
	logger := o.logger.With(constants.LOG_ITERATION_ID, iteration.ID)
	logger.Error("Failed to enqueue the stage job, reverting the status", "queue", queueName, "status", iteration.Status, "target", from, "error", err)
	ok, revertErr := o.storage.WithContext(ctx).WithLogger(logger).UpdateIterationStatus(iteration.ID, iteration.Status, from, nil)
	if revertErr != nil {
		return errors.Join(err, revertErr)
	}
	if ok {
		iteration.Status = from
	}
	return err
}

// advance loads the iteration and moves it to status to.
func (o *Orchestrator) advance(ctx context.Context, iterationID string, to api.IterationStatus) (*api.Iteration, bool, error) {
	iteration, err := o.storage.WithContext(ctx).GetIteration(iterationID)
	if err != nil {
		return nil, false, err
	}
	ok, err := o.transition(ctx, iteration, to)
	return iteration, ok, err
}

// HandleSafetyComplete moves the iteration to judging and enqueues the judge job.
func (o *Orchestrator) HandleSafetyComplete(ctx context.Context, iterationID string, summary *api.SafetySummary) (err error) {
	ctx, span := o.startSpan(ctx, "HandleSafetyComplete", iterationID)
	defer func() { tracing.End(span, err) }()

	iteration, ok, err := o.advance(ctx, iterationID, api.IterationStatusJudging)
	if err != nil || !ok {
		return err
	}
	if err := o.enqueueStage(ctx, iteration, api.IterationStatusSafetyChecking, queue.QueueJudge); err != nil {
		return err
	}
	o.emit(ctx, iterationID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusJudging})
	o.emit(ctx, iterationID, api.EventSafety, summary)
	return nil
}

// HandleJudgingComplete moves the iteration to aggregation and enqueues the aggregate job.
func (o *Orchestrator) HandleJudgingComplete(ctx context.Context, iterationID string, totalOutputs int) (err error) {
	ctx, span := o.startSpan(ctx, "HandleJudgingComplete", iterationID)
	defer func() { tracing.End(span, err) }()

	iteration, ok, err := o.advance(ctx, iterationID, api.IterationStatusAggregating)
	if err != nil || !ok {
		return err
	}
	if err := o.enqueueStage(ctx, iteration, api.IterationStatusJudging, queue.QueueAggregate); err != nil {
		return err
	}
	o.emit(ctx, iterationID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusAggregating})
	o.emit(ctx, iterationID, api.EventJudgingComplete, api.JudgingCompletePayload{TotalOutputs: totalOutputs})
	return nil
}

// HandleAggregationComplete merges the budget status into the metrics and either
// completes the iteration on a stop rule or enqueues the refinement.
func (o *Orchestrator) HandleAggregationComplete(ctx context.Context, iterationID string, aggregated *api.IterationMetrics) (err error) {
	ctx, span := o.startSpan(ctx, "HandleAggregationComplete", iterationID)
	defer func() { tracing.End(span, err) }()

	logger := o.logger.With(constants.LOG_ITERATION_ID, iterationID)
	storage := o.storage.WithContext(ctx).WithLogger(logger)
	iteration, err := storage.GetIteration(iterationID)
	if err != nil {
		return err
	}
	if kind := classify(iteration.Status, api.IterationStatusRefining); kind != transitionApply {
		_, err := o.transition(ctx, iteration, api.IterationStatusRefining)
		return err
	}
	experiment, err := storage.GetExperiment(iteration.ExperimentID)
	if err != nil {
		return err
	}
	budgetStatus, err := o.budget.GetBudgetStatus(ctx, experiment.ID)
	if err != nil {
		return err
	}
	patch := api.IterationMetrics{}
	if aggregated != nil {
		patch = *aggregated
	}
	patch.Budget = budgetStatus

	current := iteration.Metrics.Merge(&patch)
	input := StopInput{
		Number:         iteration.Number,
		Rules:          experiment.StopRules,
		TotalCost:      budgetStatus.TotalCost,
		TotalTokens:    budgetStatus.TotalTokens,
		CompositeScore: current.CompositeScore,
	}
	if window := experiment.StopRules.Window(); window > 1 {
		previous, err := storage.GetPreviousIterations(experiment.ID, iteration.Number, window-1)
		if err != nil {
			return err
		}
		for _, p := range previous {
			input.PreviousScores = append(input.PreviousScores, p.Metrics.CompositeScore)
		}
	}

	if reason := EvaluateStopRules(input); reason != nil {
		ok, err := o.transition(ctx, iteration, api.IterationStatusCompleted)
		if err != nil || !ok {
			return err
		}
		patch.StopReason = reason
		merged, err := storage.MergeIterationMetrics(iterationID, &patch)
		if err != nil {
			return err
		}
		if err := storage.UpdateExperimentStatus(experiment.ID, api.ExperimentStatusCompleted); err != nil {
			return err
		}
		metrics.IterationStops.WithLabelValues(string(*reason)).Inc()
		logger.Info("Stop rule matched", "reason", *reason)
		o.emit(ctx, iterationID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusCompleted, Reason: *reason})
		o.emit(ctx, iterationID, api.EventMetrics, merged)
		return nil
	}

	ok, err := o.transition(ctx, iteration, api.IterationStatusRefining)
	if err != nil || !ok {
		return err
	}
	merged, err := storage.MergeIterationMetrics(iterationID, &patch)
	if err != nil {
		return err
	}
	if err := o.enqueueStage(ctx, iteration, api.IterationStatusAggregating, queue.QueueRefine); err != nil {
		return err
	}
	o.emit(ctx, iterationID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusRefining})
	o.emit(ctx, iterationID, api.EventMetrics, merged)
	return nil
}

// HandleRefinementComplete hands the iteration over to review. suggestionID is
// nil when no refinement was produced.
func (o *Orchestrator) HandleRefinementComplete(ctx context.Context, iterationID string, suggestionID *string) (err error) {
	ctx, span := o.startSpan(ctx, "HandleRefinementComplete", iterationID)
	defer func() { tracing.End(span, err) }()

	_, ok, err := o.advance(ctx, iterationID, api.IterationStatusReviewing)
	if err != nil || !ok {
		return err
	}
	if suggestionID != nil {
		if _, err := o.storage.WithContext(ctx).MergeIterationMetrics(iterationID, &api.IterationMetrics{LatestSuggestionID: suggestionID}); err != nil {
			return err
		}
	}
	o.emit(ctx, iterationID, api.EventStatus, api.StatusPayload{Status: api.IterationStatusReviewing})
	o.emit(ctx, iterationID, api.EventRefinement, api.RefinementPayload{SuggestionID: suggestionID})
	return nil
}
