package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/adapters/adapterstest"
	"github.com/eval-hub/iteration-hub/internal/aggregation"
	"github.com/eval-hub/iteration-hub/internal/evaluator"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/queue"
	"github.com/eval-hub/iteration-hub/internal/refiner"
	"github.com/eval-hub/iteration-hub/internal/safety"
	"github.com/eval-hub/iteration-hub/internal/storage/storagetest"
	"github.com/eval-hub/iteration-hub/internal/validation"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

type callback struct {
	name        string
	iterationID string
	value       any
}

type recordingCallbacks struct {
	mu    sync.Mutex
	calls []callback
}

func (c *recordingCallbacks) record(name string, iterationID string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, callback{name: name, iterationID: iterationID, value: value})
	return nil
}

func (c *recordingCallbacks) HandleRunProgress(_ context.Context, iterationID string, failureMessage string) error {
	return c.record("run-progress", iterationID, failureMessage)
}

func (c *recordingCallbacks) HandleSafetyComplete(_ context.Context, iterationID string, summary *api.SafetySummary) error {
	return c.record("safety", iterationID, summary)
}

func (c *recordingCallbacks) HandleJudgingComplete(_ context.Context, iterationID string, totalOutputs int) error {
	return c.record("judging", iterationID, totalOutputs)
}

func (c *recordingCallbacks) HandleAggregationComplete(_ context.Context, iterationID string, metrics *api.IterationMetrics) error {
	return c.record("aggregation", iterationID, metrics)
}

func (c *recordingCallbacks) HandleRefinementComplete(_ context.Context, iterationID string, suggestionID *string) error {
	return c.record("refinement", iterationID, suggestionID)
}

func (c *recordingCallbacks) last(t *testing.T, name string) callback {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].name == name {
			return c.calls[i]
		}
	}
	t.Fatalf("Expected a %s callback, got %+v", name, c.calls)
	return callback{}
}

func (c *recordingCallbacks) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

const refinerReply = "<diff>\n@@ -2,1 +2,1 @@\n-Answer briefly.\n+Answer briefly and clearly.\n</diff>\n<note>Ask for clarity.</note>"

// reply answers model, judge and refiner requests.
func reply(model api.ModelRef, messages []api.ChatMessage) (*api.ChatResult, error) {
	system := messages[0].Content
	switch {
	case model.Name == "refiner":
		return &api.ChatResult{Text: refinerReply}, nil
	case strings.Contains(system, `"winner"`):
		return &api.ChatResult{Text: `{"winner": "A", "rationale": "clearer"}`}, nil
	case strings.Contains(system, `"scores"`):
		return &api.ChatResult{Text: `{"scores": {"accuracy": 4}, "rationales": {"accuracy": "mostly right"}}`}, nil
	}
	return &api.ChatResult{Text: "answer to " + messages[1].Content, Usage: &api.TokenUsage{TotalTokens: 100}}, nil
}

type env struct {
	store     abstractions.Storage
	fixture   *storagetest.Fixture
	provider  *adapterstest.Provider
	callbacks *recordingCallbacks
	workers   *Workers
	iteration *api.Iteration
	runs      []api.ModelRun
}

func newEnv(t *testing.T, opts storagetest.FixtureOptions, chat adapterstest.ChatFunc) *env {
	t.Helper()
	logger := logging.FallbackLogger()
	validate, err := validation.NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	store := storagetest.New(t)
	e := &env{
		store:     store,
		fixture:   storagetest.Seed(t, store, opts),
		provider:  adapterstest.NewProvider(chat),
		callbacks: &recordingCallbacks{},
	}
	e.workers = New(Dependencies{
		Storage:   store,
		Adapters:  e.provider,
		Scanner:   safety.NewScanner(store, logger),
		Evaluator: evaluator.NewEvaluator(store, e.provider, validate, logger, 4),
		Engine:    aggregation.NewEngine(0, ""),
		Refiner:   refiner.NewRefiner(logger, 0),
		Callbacks: e.callbacks,
		Validate:  validate,
		Logger:    logger,
	})

	e.iteration = &api.Iteration{
		ExperimentID:    e.fixture.Experiment.ID,
		PromptVersionID: e.fixture.PromptVersion.ID,
		Number:          1,
		Status:          api.IterationStatusExecuting,
		StartedAt:       time.Now(),
	}
	for _, modelConfig := range e.fixture.ModelConfigs {
		for _, dataset := range e.fixture.Datasets {
			e.runs = append(e.runs, api.ModelRun{ModelConfigID: modelConfig.ID, DatasetID: dataset.ID, Status: api.RunStatusPending})
		}
	}
	if err := store.CreateIteration(e.iteration, e.runs); err != nil {
		t.Fatalf("Failed to create iteration: %v", err)
	}
	return e
}

func job(t *testing.T, queueName string, payload any) *abstractions.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	return &abstractions.Job{ID: "job-1", Queue: queueName, Payload: data, Attempt: 1}
}

func (e *env) execute(t *testing.T, run api.ModelRun) error {
	t.Helper()
	return e.workers.Execute(context.Background(), job(t, queue.QueueExecute, queue.ExecutePayload{RunID: run.ID, IterationID: e.iteration.ID}))
}

func (e *env) stage(t *testing.T, queueName string, handler abstractions.JobHandler) error {
	t.Helper()
	return handler(context.Background(), job(t, queueName, queue.StagePayload{IterationID: e.iteration.ID}))
}

func TestExecute(t *testing.T) {
	t.Run("stores one output per case and records usage", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{CasesPerDataset: 3}, reply)
		if err := e.execute(t, e.runs[0]); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		run, _ := e.store.GetModelRun(e.runs[0].ID)
		if run.Status != api.RunStatusCompleted || run.StartedAt == nil || run.FinishedAt == nil {
			t.Fatalf("Expected a finished completed run, got %+v", run)
		}
		if run.TokensUsed != 300 || run.Cost < 0.0029 || run.Cost > 0.0031 {
			t.Fatalf("Expected 300 tokens for 0.003, got %d for %f", run.TokensUsed, run.Cost)
		}
		outputs, _ := e.store.GetIterationOutputs(e.iteration.ID)
		if len(outputs) != 3 || !strings.HasPrefix(outputs[0].Text, "answer to question") {
			t.Fatalf("Unexpected outputs %+v", outputs)
		}
		iteration, _ := e.store.GetIteration(e.iteration.ID)
		if iteration.TotalTokens != 300 {
			t.Fatalf("Expected the iteration usage to be 300 tokens, got %d", iteration.TotalTokens)
		}
		call := e.provider.Calls()[0]
		if call.Messages[0].Content != e.fixture.PromptVersion.Text || call.Messages[0].Role != api.RoleSystem {
			t.Fatalf("Expected the prompt version as system message, got %+v", call.Messages[0])
		}
		if got := e.callbacks.last(t, "run-progress").value; got != "" {
			t.Fatalf("Expected an empty failure message, got %v", got)
		}
	})

	t.Run("estimates tokens when usage is missing", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{CasesPerDataset: 1}, adapterstest.Text("12345678"))
		if err := e.execute(t, e.runs[0]); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		run, _ := e.store.GetModelRun(e.runs[0].ID)
		// prompt 45 + "question 1" 10 + answer 8 runes
		if run.TokensUsed != 16 {
			t.Fatalf("Expected 16 estimated tokens, got %d", run.TokensUsed)
		}
	})

	t.Run("a model error fails the run", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, func(api.ModelRef, []api.ChatMessage) (*api.ChatResult, error) {
			return nil, errors.New("rate limited")
		})
		if err := e.execute(t, e.runs[0]); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		run, _ := e.store.GetModelRun(e.runs[0].ID)
		if run.Status != api.RunStatusFailed || !strings.Contains(run.Error, "rate limited") {
			t.Fatalf("Expected a failed run, got %+v", run)
		}
		if got := e.callbacks.last(t, "run-progress").value.(string); !strings.Contains(got, "rate limited") {
			t.Fatalf("Expected the failure message to be forwarded, got %q", got)
		}
	})

	t.Run("redelivered jobs do not execute twice", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, reply)
		for i := 0; i < 2; i++ {
			if err := e.execute(t, e.runs[0]); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}
		outputs, _ := e.store.GetIterationOutputs(e.iteration.ID)
		if len(outputs) != 2 {
			t.Fatalf("Expected 2 outputs, got %d", len(outputs))
		}
		if e.callbacks.count() != 2 {
			t.Fatalf("Expected progress to be reported for both deliveries, got %d", e.callbacks.count())
		}
	})

	t.Run("finished iterations are not executed", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, reply)
		if _, err := e.store.UpdateIterationStatus(e.iteration.ID, api.IterationStatusExecuting, api.IterationStatusFailed, nil); err != nil {
			t.Fatalf("Failed to fail the iteration: %v", err)
		}
		if err := e.execute(t, e.runs[0]); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(e.provider.Calls()) != 0 || e.callbacks.count() != 0 {
			t.Fatalf("Expected no model call and no callback")
		}
	})

	t.Run("invalid payloads are rejected", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, reply)
		if err := e.workers.Execute(context.Background(), job(t, queue.QueueExecute, map[string]string{"runId": ""})); err == nil {
			t.Fatalf("Expected a validation error")
		}
	})
}

func TestStages(t *testing.T) {
	completeRuns := func(t *testing.T, e *env) {
		t.Helper()
		for _, run := range e.runs {
			if err := e.execute(t, run); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}
	}

	t.Run("safety reports the summary", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, reply)
		completeRuns(t, e)
		if err := e.stage(t, queue.QueueSafety, e.workers.Safety); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		summary := e.callbacks.last(t, "safety").value.(*api.SafetySummary)
		if summary.TotalOutputs != 2 {
			t.Fatalf("Expected 2 scanned outputs, got %+v", summary)
		}
	})

	t.Run("judge reports the number of outputs", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{Models: 2, PairwiseJudge: true}, reply)
		completeRuns(t, e)
		if err := e.stage(t, queue.QueueJudge, e.workers.Judge); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := e.callbacks.last(t, "judging").value.(int); got != 4 {
			t.Fatalf("Expected 4 outputs, got %d", got)
		}
	})

	t.Run("judge failures keep the iteration in judging", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, reply)
		completeRuns(t, e)
		e.provider.Chat = adapterstest.Text("not json")
		if err := e.stage(t, queue.QueueJudge, e.workers.Judge); !errors.Is(err, evaluator.ErrMalformedJudgeResponse) {
			t.Fatalf("Expected a malformed response error, got %v", err)
		}
		for _, call := range e.callbacks.calls {
			if call.name == "judging" {
				t.Fatalf("Judging must not complete")
			}
		}
	})

	t.Run("aggregate computes the statistics", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, reply)
		completeRuns(t, e)
		if err := e.stage(t, queue.QueueJudge, e.workers.Judge); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := e.stage(t, queue.QueueAggregate, e.workers.Aggregate); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		metrics := e.callbacks.last(t, "aggregation").value.(*api.IterationMetrics)
		if metrics.CompositeScore == nil || *metrics.CompositeScore != 4 {
			t.Fatalf("Expected composite score 4, got %+v", metrics.CompositeScore)
		}
		if metrics.Facets["general"] != 4 || len(metrics.ConfidenceIntervals) != 1 {
			t.Fatalf("Unexpected metrics %+v", metrics)
		}
	})

	t.Run("refine without a refiner model", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{}, reply)
		if err := e.stage(t, queue.QueueRefine, e.workers.Refine); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := e.callbacks.last(t, "refinement").value.(*string); got != nil {
			t.Fatalf("Expected no suggestion, got %v", *got)
		}
	})

	t.Run("refine stores a suggestion and keeps the prompt", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{RefinerModel: &api.ModelRef{Provider: "fake", Name: "refiner"}}, reply)
		completeRuns(t, e)
		if err := e.stage(t, queue.QueueRefine, e.workers.Refine); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		suggestionID := e.callbacks.last(t, "refinement").value.(*string)
		if suggestionID == nil {
			t.Fatalf("Expected a suggestion id")
		}
		suggestion, err := e.store.GetRefinementSuggestion(*suggestionID)
		if err != nil {
			t.Fatalf("Failed to get suggestion: %v", err)
		}
		if suggestion.ResultingPrompt != "You are a helpful assistant.\nAnswer briefly and clearly.\n" || suggestion.Note != "Ask for clarity." {
			t.Fatalf("Unexpected suggestion %+v", suggestion)
		}
		prompt, _ := e.store.GetPromptVersion(e.fixture.PromptVersion.ID)
		if prompt.Text != e.fixture.PromptVersion.Text {
			t.Fatalf("The stored prompt must not change")
		}
	})

	t.Run("rejected refinements block review", func(t *testing.T) {
		e := newEnv(t, storagetest.FixtureOptions{RefinerModel: &api.ModelRef{Provider: "fake", Name: "refiner"}}, adapterstest.Text("<note>no diff</note>"))
		if err := e.stage(t, queue.QueueRefine, e.workers.Refine); !errors.Is(err, refiner.ErrMissingDiff) {
			t.Fatalf("Expected ErrMissingDiff, got %v", err)
		}
		if e.callbacks.count() != 0 {
			t.Fatalf("Refinement must not complete")
		}
	})
}
