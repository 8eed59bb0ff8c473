package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/eval-hub/iteration-hub/internal/budget"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/lock"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/queue"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/internal/storage/storagetest"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

func TestStartIteration(t *testing.T) {
	ctx := context.Background()

	t.Run("creates one run per model and dataset", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{Models: 2, Datasets: 3, CasesPerDataset: 1})
		iterationID := h.start(t)

		iteration := h.iteration(t, iterationID)
		if iteration.Number != 1 || iteration.Status != api.IterationStatusExecuting {
			t.Fatalf("Unexpected iteration %+v", iteration)
		}
		if iteration.Metrics.EstimatedTokens == nil || *iteration.Metrics.EstimatedTokens == 0 {
			t.Fatalf("Expected the token estimate in the metrics, got %+v", iteration.Metrics)
		}
		runs := h.runs(t, iterationID)
		if len(runs) != 6 {
			t.Fatalf("Expected 6 model runs, got %d", len(runs))
		}
		pairs := map[string]bool{}
		for _, run := range runs {
			if run.Status != api.RunStatusPending {
				t.Fatalf("Expected pending runs, got %s", run.Status)
			}
			pairs[run.ModelConfigID+"/"+run.DatasetID] = true
		}
		if len(pairs) != 6 {
			t.Fatalf("Expected distinct model and dataset pairs, got %v", pairs)
		}
		if got := h.queue.count(queue.QueueExecute); got != 6 {
			t.Fatalf("Expected 6 execution jobs, got %d", got)
		}
		experiment, _ := h.store.GetExperiment(h.fixture.Experiment.ID)
		if experiment.Status != api.ExperimentStatusRunning {
			t.Fatalf("Expected the experiment to be running, got %s", experiment.Status)
		}
		names := h.notifier.names()
		if len(names) != 2 || names[0] != api.EventStatus || names[1] != api.EventRunProgress {
			t.Fatalf("Unexpected events %v", names)
		}
		progress := h.notifier.last(api.EventRunProgress).Payload.(api.RunProgressPayload)
		if progress != (api.RunProgressPayload{Completed: 0, Total: 6, Failed: 0}) {
			t.Fatalf("Unexpected progress %+v", progress)
		}
	})

	t.Run("numbers are sequential under concurrent starts", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		logger := logging.FallbackLogger()
		orch := New(h.store, h.queue, h.notifier, h.locker, budget.NewEnforcer(h.store, logger), logger, WithLockTimeout(10*time.Second))

		const starts = 5
		var wg sync.WaitGroup
		ids := make(chan string, starts)
		errs := make(chan error, starts)
		for i := 0; i < starts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := orch.StartIteration(ctx, h.fixture.Experiment.ID, h.fixture.PromptVersion.ID)
				if err != nil {
					errs <- err
					return
				}
				ids <- id
			}()
		}
		wg.Wait()
		close(ids)
		close(errs)
		for err := range errs {
			t.Fatalf("Unexpected start failure: %v", err)
		}
		numbers := []int{}
		for id := range ids {
			numbers = append(numbers, h.iteration(t, id).Number)
		}
		sort.Ints(numbers)
		for i, number := range numbers {
			if number != i+1 {
				t.Fatalf("Expected numbers 1..%d without gaps, got %v", starts, numbers)
			}
		}
	})

	t.Run("paused experiments are rejected", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		if err := h.store.UpdateExperimentStatus(h.fixture.Experiment.ID, api.ExperimentStatusPaused); err != nil {
			t.Fatalf("Failed to pause the experiment: %v", err)
		}
		_, err := h.orch.StartIteration(ctx, h.fixture.Experiment.ID, h.fixture.PromptVersion.ID)
		if !serviceerrors.HasMessageCode(err, messages.ExperimentPaused) {
			t.Fatalf("Expected ExperimentPaused, got %v", err)
		}
	})

	t.Run("projects without active models are rejected", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		experiment := &api.Experiment{ProjectID: "empty-project", Name: "empty"}
		if err := h.store.CreateExperiment(experiment); err != nil {
			t.Fatalf("Failed to create experiment: %v", err)
		}
		prompt := &api.PromptVersion{ExperimentID: experiment.ID, Version: 1, Text: "prompt"}
		if err := h.store.CreatePromptVersion(prompt); err != nil {
			t.Fatalf("Failed to create prompt: %v", err)
		}
		_, err := h.orch.StartIteration(ctx, experiment.ID, prompt.ID)
		if !serviceerrors.HasMessageCode(err, messages.NoActiveModelConfigs) {
			t.Fatalf("Expected NoActiveModelConfigs, got %v", err)
		}
	})

	t.Run("datasets outside the project are rejected", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		experiment := *h.fixture.Experiment
		experiment.ID = ""
		experiment.DatasetIDs = []string{h.fixture.Datasets[0].ID, "missing"}
		if err := h.store.CreateExperiment(&experiment); err != nil {
			t.Fatalf("Failed to create experiment: %v", err)
		}
		prompt := &api.PromptVersion{ExperimentID: experiment.ID, Version: 1, Text: "prompt"}
		if err := h.store.CreatePromptVersion(prompt); err != nil {
			t.Fatalf("Failed to create prompt: %v", err)
		}
		_, err := h.orch.StartIteration(ctx, experiment.ID, prompt.ID)
		if !serviceerrors.HasMessageCode(err, messages.DatasetNotInProject) {
			t.Fatalf("Expected DatasetNotInProject, got %v", err)
		}
	})

	t.Run("prompt versions of another experiment are rejected", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		other := storagetest.Seed(t, h.store, storagetest.FixtureOptions{})
		_, err := h.orch.StartIteration(ctx, h.fixture.Experiment.ID, other.PromptVersion.ID)
		if !serviceerrors.IsNotFound(err) {
			t.Fatalf("Expected not found, got %v", err)
		}
	})

	t.Run("estimates above the token limit are rejected", func(t *testing.T) {
		limit := int64(10)
		h := newHarness(t, storagetest.FixtureOptions{StopRules: api.StopRules{MaxTotalTokens: &limit}})
		_, err := h.orch.StartIteration(ctx, h.fixture.Experiment.ID, h.fixture.PromptVersion.ID)
		if !serviceerrors.HasMessageCode(err, messages.EstimateExceedsTokenBudget) {
			t.Fatalf("Expected EstimateExceedsTokenBudget, got %v", err)
		}
		if number, _ := h.store.GetMaxIterationNumber(h.fixture.Experiment.ID); number != 0 {
			t.Fatalf("Expected no iteration to be created, got %d", number)
		}
	})

	t.Run("exhausted budgets are rejected", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{StopRules: api.StopRules{MaxBudgetUSD: floatPtr(0.001)}})
		iterationID := h.start(t)
		if err := h.store.AddIterationUsage(iterationID, 1000, 0.01); err != nil {
			t.Fatalf("Failed to add usage: %v", err)
		}
		_, err := h.orch.StartIteration(ctx, h.fixture.Experiment.ID, h.fixture.PromptVersion.ID)
		if !serviceerrors.HasMessageCode(err, messages.BudgetExhausted) {
			t.Fatalf("Expected BudgetExhausted, got %v", err)
		}
	})

	t.Run("a held experiment lock times out", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		release, err := h.locker.Acquire(ctx, constants.ExperimentLockPrefix+h.fixture.Experiment.ID, time.Minute, time.Second)
		if err != nil {
			t.Fatalf("Failed to hold the lock: %v", err)
		}
		defer func() { _ = release() }()
		_, err = h.orch.StartIteration(ctx, h.fixture.Experiment.ID, h.fixture.PromptVersion.ID)
		if !errors.Is(err, lock.ErrLockTimeout) || !serviceerrors.HasMessageCode(err, messages.LockTimeout) {
			t.Fatalf("Expected a lock timeout, got %v", err)
		}
	})

	t.Run("enqueue failures fail the iteration", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		h.queue.err = errors.New("queue is down")
		_, err := h.orch.StartIteration(ctx, h.fixture.Experiment.ID, h.fixture.PromptVersion.ID)
		if err == nil {
			t.Fatalf("Expected the enqueue error")
		}
		iterations, _ := h.store.GetPreviousIterations(h.fixture.Experiment.ID, 100, 1)
		if len(iterations) != 1 || iterations[0].Status != api.IterationStatusFailed {
			t.Fatalf("Expected a failed iteration, got %+v", iterations)
		}
	})
}

func TestHandleRunProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("partial progress only reports counts", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{Models: 2})
		iterationID := h.start(t)
		runs := h.runs(t, iterationID)
		h.setRunStatus(t, runs[0], api.RunStatusCompleted)

		if err := h.orch.HandleRunProgress(ctx, iterationID, ""); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusExecuting {
			t.Fatalf("Expected EXECUTING, got %s", status)
		}
		progress := h.notifier.last(api.EventRunProgress).Payload.(api.RunProgressPayload)
		if progress != (api.RunProgressPayload{Completed: 1, Total: 2}) {
			t.Fatalf("Unexpected progress %+v", progress)
		}
		if h.queue.count(queue.QueueSafety) != 0 {
			t.Fatalf("No safety job expected yet")
		}
	})

	t.Run("completion enqueues exactly one safety scan", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{Models: 2})
		iterationID := h.start(t)
		for _, run := range h.runs(t, iterationID) {
			h.setRunStatus(t, run, api.RunStatusCompleted)
		}
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := h.orch.HandleRunProgress(ctx, iterationID, ""); err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusSafetyChecking {
			t.Fatalf("Expected SAFETY_CHECKING, got %s", status)
		}
		if got := h.queue.count(queue.QueueSafety); got != 1 {
			t.Fatalf("Expected one safety job, got %d", got)
		}
	})

	t.Run("a redelivered event recovers a failed enqueue", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{Models: 2})
		iterationID := h.start(t)
		for _, run := range h.runs(t, iterationID) {
			h.setRunStatus(t, run, api.RunStatusCompleted)
		}
		h.queue.failOnce()
		if err := h.orch.HandleRunProgress(ctx, iterationID, ""); !errors.Is(err, errTransient) {
			t.Fatalf("Expected the enqueue error, got %v", err)
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusExecuting {
			t.Fatalf("Expected the iteration to go back to EXECUTING, got %s", status)
		}
		if err := h.orch.HandleRunProgress(ctx, iterationID, ""); err != nil {
			t.Fatalf("Unexpected error on redelivery: %v", err)
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusSafetyChecking {
			t.Fatalf("Expected SAFETY_CHECKING, got %s", status)
		}
		if got := h.queue.count(queue.QueueSafety); got != 1 {
			t.Fatalf("Expected one safety job, got %d", got)
		}
	})

	t.Run("a failed run fails the iteration for good", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{Models: 2, Datasets: 3, CasesPerDataset: 1})
		iterationID := h.start(t)
		runs := h.runs(t, iterationID)
		h.notifier.reset()
		h.setRunStatus(t, runs[0], api.RunStatusFailed)

		if err := h.orch.HandleRunProgress(ctx, iterationID, ""); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		iteration := h.iteration(t, iterationID)
		if iteration.Status != api.IterationStatusFailed || iteration.FinishedAt == nil {
			t.Fatalf("Expected a finished FAILED iteration, got %+v", iteration)
		}
		names := h.notifier.names()
		want := []api.EventName{api.EventRunProgress, api.EventStatus, api.EventFailure}
		if len(names) != len(want) {
			t.Fatalf("Expected events %v, got %v", want, names)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("Expected events %v, got %v", want, names)
			}
		}
		failure := h.notifier.last(api.EventFailure).Payload.(api.FailurePayload)
		if failure.Message != constants.DefaultFailureMessage {
			t.Fatalf("Expected the default failure message, got %q", failure.Message)
		}

		for _, run := range runs[1:] {
			h.setRunStatus(t, run, api.RunStatusCompleted)
			if err := h.orch.HandleRunProgress(ctx, iterationID, ""); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusFailed {
			t.Fatalf("Expected the iteration to stay FAILED, got %s", status)
		}
		if h.queue.count(queue.QueueSafety) != 0 {
			t.Fatalf("A failed iteration must not be scanned")
		}
	})

	t.Run("failure message is forwarded", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		iterationID := h.start(t)
		h.setRunStatus(t, h.runs(t, iterationID)[0], api.RunStatusFailed)
		if err := h.orch.HandleRunProgress(ctx, iterationID, "model timed out"); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := h.notifier.last(api.EventFailure).Payload.(api.FailurePayload).Message; got != "model timed out" {
			t.Fatalf("Expected the failure message, got %q", got)
		}
	})
}

func TestStageHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("safety and judging advance the pipeline once", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		iterationID := h.start(t)
		h.moveTo(t, iterationID, api.IterationStatusSafetyChecking)

		summary := &api.SafetySummary{TotalOutputs: 2}
		for i := 0; i < 2; i++ {
			if err := h.orch.HandleSafetyComplete(ctx, iterationID, summary); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusJudging {
			t.Fatalf("Expected JUDGING, got %s", status)
		}
		if h.queue.count(queue.QueueJudge) != 1 {
			t.Fatalf("Expected one judge job, got %d", h.queue.count(queue.QueueJudge))
		}
		if event := h.notifier.last(api.EventSafety); event == nil || event.Payload.(*api.SafetySummary) != summary {
			t.Fatalf("Expected the safety summary event")
		}

		if err := h.orch.HandleJudgingComplete(ctx, iterationID, 2); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusAggregating {
			t.Fatalf("Expected AGGREGATING, got %s", status)
		}
		if got := h.notifier.last(api.EventJudgingComplete).Payload.(api.JudgingCompletePayload); got.TotalOutputs != 2 {
			t.Fatalf("Unexpected judging payload %+v", got)
		}
		if h.queue.count(queue.QueueAggregate) != 1 {
			t.Fatalf("Expected one aggregate job")
		}
	})

	t.Run("a failed judge enqueue is retried by the next safety event", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		iterationID := h.start(t)
		h.moveTo(t, iterationID, api.IterationStatusSafetyChecking)

		h.queue.failOnce()
		if err := h.orch.HandleSafetyComplete(ctx, iterationID, &api.SafetySummary{}); !errors.Is(err, errTransient) {
			t.Fatalf("Expected the enqueue error, got %v", err)
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusSafetyChecking {
			t.Fatalf("Expected SAFETY_CHECKING, got %s", status)
		}
		if h.notifier.last(api.EventSafety) != nil {
			t.Fatalf("No safety event expected before the judge job is queued")
		}
		if err := h.orch.HandleSafetyComplete(ctx, iterationID, &api.SafetySummary{}); err != nil {
			t.Fatalf("Unexpected error on redelivery: %v", err)
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusJudging {
			t.Fatalf("Expected JUDGING, got %s", status)
		}
		if got := h.queue.count(queue.QueueJudge); got != 1 {
			t.Fatalf("Expected one judge job, got %d", got)
		}
	})

	t.Run("out of order events are rejected", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		iterationID := h.start(t)
		if err := h.orch.HandleJudgingComplete(ctx, iterationID, 0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Expected ErrInvalidTransition, got %v", err)
		}
		if err := h.orch.HandleAggregationComplete(ctx, iterationID, &api.IterationMetrics{}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Expected ErrInvalidTransition, got %v", err)
		}
		if status := h.iteration(t, iterationID).Status; status != api.IterationStatusExecuting {
			t.Fatalf("Expected the iteration to stay EXECUTING, got %s", status)
		}
	})

	t.Run("unknown iterations", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		if err := h.orch.HandleSafetyComplete(ctx, "missing", &api.SafetySummary{}); !serviceerrors.IsNotFound(err) {
			t.Fatalf("Expected not found, got %v", err)
		}
	})
}

func TestHandleAggregationComplete(t *testing.T) {
	ctx := context.Background()
	score := func(v float64) *api.IterationMetrics {
		return &api.IterationMetrics{CompositeScore: &v, CompositeScores: map[string]float64{"run": v}}
	}

	t.Run("continues to refinement and review", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		iterationID := h.start(t)
		h.moveTo(t, iterationID, api.IterationStatusSafetyChecking)
		if _, err := h.store.MergeIterationMetrics(iterationID, &api.IterationMetrics{SafetySummary: &api.SafetySummary{TotalOutputs: 2}}); err != nil {
			t.Fatalf("Failed to merge metrics: %v", err)
		}
		h.moveTo(t, iterationID, api.IterationStatusJudging)
		h.moveTo(t, iterationID, api.IterationStatusAggregating)

		if err := h.orch.HandleAggregationComplete(ctx, iterationID, score(3.2)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		iteration := h.iteration(t, iterationID)
		if iteration.Status != api.IterationStatusRefining {
			t.Fatalf("Expected REFINING, got %s", iteration.Status)
		}
		stored := iteration.Metrics
		if stored.Budget == nil || stored.CompositeScore == nil || *stored.CompositeScore != 3.2 || stored.SafetySummary == nil || stored.EstimatedTokens == nil {
			t.Fatalf("Expected merged metrics, got %+v", stored)
		}
		if stored.StopReason != nil {
			t.Fatalf("No stop reason expected, got %s", *stored.StopReason)
		}
		if h.queue.count(queue.QueueRefine) != 1 {
			t.Fatalf("Expected one refine job")
		}
		if event := h.notifier.last(api.EventMetrics); event == nil {
			t.Fatalf("Expected a metrics event")
		}

		suggestionID := "suggestion-1"
		if err := h.orch.HandleRefinementComplete(ctx, iterationID, &suggestionID); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		iteration = h.iteration(t, iterationID)
		if iteration.Status != api.IterationStatusReviewing || iteration.FinishedAt == nil {
			t.Fatalf("Expected a finished REVIEWING iteration, got %+v", iteration)
		}
		if iteration.Metrics.LatestSuggestionID == nil || *iteration.Metrics.LatestSuggestionID != suggestionID || iteration.Metrics.CompositeScore == nil {
			t.Fatalf("Expected the suggestion id merged into the metrics, got %+v", iteration.Metrics)
		}
		refinement := h.notifier.last(api.EventRefinement).Payload.(api.RefinementPayload)
		if refinement.SuggestionID == nil || *refinement.SuggestionID != suggestionID {
			t.Fatalf("Unexpected refinement payload %+v", refinement)
		}
	})

	t.Run("review without a suggestion", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{})
		iterationID := h.start(t)
		for _, status := range []api.IterationStatus{api.IterationStatusSafetyChecking, api.IterationStatusJudging, api.IterationStatusAggregating, api.IterationStatusRefining} {
			h.moveTo(t, iterationID, status)
		}
		if err := h.orch.HandleRefinementComplete(ctx, iterationID, nil); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if h.iteration(t, iterationID).Status != api.IterationStatusReviewing {
			t.Fatalf("Expected REVIEWING")
		}
		if h.notifier.last(api.EventRefinement).Payload.(api.RefinementPayload).SuggestionID != nil {
			t.Fatalf("Expected a null suggestion id")
		}
	})

	t.Run("stop rule completes the experiment", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{StopRules: api.StopRules{MaxIterations: intPtr(1)}})
		iterationID := h.start(t)
		for _, status := range []api.IterationStatus{api.IterationStatusSafetyChecking, api.IterationStatusJudging, api.IterationStatusAggregating} {
			h.moveTo(t, iterationID, status)
		}
		if err := h.orch.HandleAggregationComplete(ctx, iterationID, score(2)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		iteration := h.iteration(t, iterationID)
		if iteration.Status != api.IterationStatusCompleted || iteration.FinishedAt == nil {
			t.Fatalf("Expected a finished COMPLETED iteration, got %+v", iteration)
		}
		if iteration.Metrics.StopReason == nil || *iteration.Metrics.StopReason != api.StopReasonMaxIterations {
			t.Fatalf("Expected max_iterations_reached, got %+v", iteration.Metrics.StopReason)
		}
		experiment, _ := h.store.GetExperiment(h.fixture.Experiment.ID)
		if experiment.Status != api.ExperimentStatusCompleted {
			t.Fatalf("Expected the experiment to be completed, got %s", experiment.Status)
		}
		status := h.notifier.last(api.EventStatus).Payload.(api.StatusPayload)
		if status.Status != api.IterationStatusCompleted || status.Reason != api.StopReasonMaxIterations {
			t.Fatalf("Unexpected status payload %+v", status)
		}
		if h.queue.count(queue.QueueRefine) != 0 {
			t.Fatalf("A stopped iteration must not be refined")
		}

		if err := h.orch.HandleAggregationComplete(ctx, iterationID, score(2)); err != nil {
			t.Fatalf("Replayed aggregation must be ignored, got %v", err)
		}
	})

	t.Run("convergence uses the previous stored scores", func(t *testing.T) {
		h := newHarness(t, storagetest.FixtureOptions{StopRules: api.StopRules{ConvergenceWindow: intPtr(2)}})
		run := func(composite float64) *api.Iteration {
			iterationID := h.start(t)
			for _, status := range []api.IterationStatus{api.IterationStatusSafetyChecking, api.IterationStatusJudging, api.IterationStatusAggregating} {
				h.moveTo(t, iterationID, status)
			}
			if err := h.orch.HandleAggregationComplete(ctx, iterationID, score(composite)); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if iteration := h.iteration(t, iterationID); iteration.Status == api.IterationStatusRefining {
				if err := h.orch.HandleRefinementComplete(ctx, iterationID, nil); err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
			}
			return h.iteration(t, iterationID)
		}
		if first := run(3.0); first.Status != api.IterationStatusReviewing {
			t.Fatalf("The first iteration has no previous score and must continue, got %s", first.Status)
		}
		if second := run(3.5); second.Status != api.IterationStatusReviewing {
			t.Fatalf("An improving iteration must continue, got %s", second.Status)
		}
		third := run(3.51)
		if third.Status != api.IterationStatusCompleted || *third.Metrics.StopReason != api.StopReasonConverged {
			t.Fatalf("Expected convergence, got %s %+v", third.Status, third.Metrics.StopReason)
		}
	})
}
