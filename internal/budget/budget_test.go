package budget

import (
	"context"
	"testing"
	"time"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/internal/storage/storagetest"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

func addUsage(t *testing.T, store abstractions.Storage, fixture *storagetest.Fixture, number int, tokens int64, cost float64) {
	t.Helper()
	iteration := &api.Iteration{
		ExperimentID:    fixture.Experiment.ID,
		PromptVersionID: fixture.PromptVersion.ID,
		Number:          number,
		Status:          api.IterationStatusCompleted,
		StartedAt:       time.Now(),
	}
	if err := store.CreateIteration(iteration, nil); err != nil {
		t.Fatalf("Failed to create iteration: %v", err)
	}
	if err := store.AddIterationUsage(iteration.ID, tokens, cost); err != nil {
		t.Fatalf("Failed to add usage: %v", err)
	}
}

func TestAssertWithinBudget(t *testing.T) {
	ctx := context.Background()
	logger := logging.FallbackLogger()

	t.Run("no limits is a no-op", func(t *testing.T) {
		store := storagetest.New(t)
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{})
		addUsage(t, store, fixture, 1, 1_000_000, 1000)
		if err := NewEnforcer(store, logger).AssertWithinBudget(ctx, fixture.Experiment.ID); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	})

	t.Run("a met cost limit fails", func(t *testing.T) {
		store := storagetest.New(t)
		limit := 1.0
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{StopRules: api.StopRules{MaxBudgetUSD: &limit}})
		addUsage(t, store, fixture, 1, 10, 0.6)
		addUsage(t, store, fixture, 2, 10, 0.4)
		err := NewEnforcer(store, logger).AssertWithinBudget(ctx, fixture.Experiment.ID)
		if !serviceerrors.HasMessageCode(err, messages.BudgetExhausted) {
			t.Fatalf("Expected BudgetExhausted, got %v", err)
		}
	})

	t.Run("an exceeded token limit fails", func(t *testing.T) {
		store := storagetest.New(t)
		limit := int64(100)
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{StopRules: api.StopRules{MaxTotalTokens: &limit}})
		addUsage(t, store, fixture, 1, 150, 0)
		err := NewEnforcer(store, logger).AssertWithinBudget(ctx, fixture.Experiment.ID)
		if !serviceerrors.HasMessageCode(err, messages.TokenBudgetExhausted) {
			t.Fatalf("Expected TokenBudgetExhausted, got %v", err)
		}
	})

	t.Run("spend below the limits passes", func(t *testing.T) {
		store := storagetest.New(t)
		cost := 1.0
		tokens := int64(100)
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{StopRules: api.StopRules{MaxBudgetUSD: &cost, MaxTotalTokens: &tokens}})
		addUsage(t, store, fixture, 1, 99, 0.99)
		if err := NewEnforcer(store, logger).AssertWithinBudget(ctx, fixture.Experiment.ID); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	})
}

func TestEstimateIterationCost(t *testing.T) {
	ctx := context.Background()
	logger := logging.FallbackLogger()

	t.Run("estimate is prompt tokens x cases x models x 2", func(t *testing.T) {
		store := storagetest.New(t)
		// 10 characters round up to 3 tokens
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{Models: 2, CasesPerDataset: 3, Prompt: "0123456789"})
		estimate, err := NewEnforcer(store, logger).EstimateIterationCost(ctx, fixture.Experiment.ID, fixture.PromptVersion.ID)
		if err != nil {
			t.Fatalf("Failed to estimate: %v", err)
		}
		if estimate != 3*3*2*2 {
			t.Fatalf("Expected 36 tokens, got %d", estimate)
		}
	})

	t.Run("an estimate above the token limit fails", func(t *testing.T) {
		store := storagetest.New(t)
		limit := int64(10)
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{Models: 2, CasesPerDataset: 3, Prompt: "0123456789", StopRules: api.StopRules{MaxTotalTokens: &limit}})
		_, err := NewEnforcer(store, logger).EstimateIterationCost(ctx, fixture.Experiment.ID, fixture.PromptVersion.ID)
		if !serviceerrors.HasMessageCode(err, messages.EstimateExceedsTokenBudget) {
			t.Fatalf("Expected EstimateExceedsTokenBudget, got %v", err)
		}
	})
}

func TestGetBudgetStatus(t *testing.T) {
	ctx := context.Background()
	logger := logging.FallbackLogger()

	t.Run("percentages are only set for configured limits", func(t *testing.T) {
		store := storagetest.New(t)
		cost := 2.0
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{StopRules: api.StopRules{MaxBudgetUSD: &cost}})
		addUsage(t, store, fixture, 1, 10, 0.5)
		status, err := NewEnforcer(store, logger).GetBudgetStatus(ctx, fixture.Experiment.ID)
		if err != nil {
			t.Fatalf("Failed to get budget status: %v", err)
		}
		if status.PercentBudgetUsed == nil || *status.PercentBudgetUsed != 0.25 {
			t.Fatalf("Expected 0.25 budget used, got %v", status.PercentBudgetUsed)
		}
		if status.PercentTokenUsed != nil {
			t.Fatalf("Expected no token percentage, got %v", *status.PercentTokenUsed)
		}
	})

	t.Run("percentages are clamped to one", func(t *testing.T) {
		store := storagetest.New(t)
		tokens := int64(10)
		fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{StopRules: api.StopRules{MaxTotalTokens: &tokens}})
		addUsage(t, store, fixture, 1, 50, 0)
		status, err := NewEnforcer(store, logger).GetBudgetStatus(ctx, fixture.Experiment.ID)
		if err != nil {
			t.Fatalf("Failed to get budget status: %v", err)
		}
		if status.PercentTokenUsed == nil || *status.PercentTokenUsed != 1 {
			t.Fatalf("Expected the token percentage to be clamped, got %v", status.PercentTokenUsed)
		}
	})
}

func TestResolveDatasets(t *testing.T) {
	store := storagetest.New(t)
	fixture := storagetest.Seed(t, store, storagetest.FixtureOptions{})
	second := api.Dataset{ProjectID: fixture.Experiment.ProjectID, Name: "second"}
	if err := store.CreateDataset(&second); err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	first := fixture.Datasets[0].ID

	t.Run("defaults to every project dataset", func(t *testing.T) {
		experiment := *fixture.Experiment
		selected, err := ResolveDatasets(store, &experiment)
		if err != nil {
			t.Fatalf("Failed to resolve datasets: %v", err)
		}
		if len(selected) != 2 {
			t.Fatalf("Expected 2 datasets, got %v", selected)
		}
	})

	t.Run("override list is deduplicated", func(t *testing.T) {
		experiment := *fixture.Experiment
		experiment.DatasetIDs = []string{first, first}
		selected, err := ResolveDatasets(store, &experiment)
		if err != nil {
			t.Fatalf("Failed to resolve datasets: %v", err)
		}
		if len(selected) != 1 || selected[0] != first {
			t.Fatalf("Expected only %s, got %v", first, selected)
		}
	})

	t.Run("unknown datasets are rejected", func(t *testing.T) {
		experiment := *fixture.Experiment
		experiment.DatasetIDs = []string{first, "elsewhere"}
		_, err := ResolveDatasets(store, &experiment)
		if !serviceerrors.HasMessageCode(err, messages.DatasetNotInProject) {
			t.Fatalf("Expected DatasetNotInProject, got %v", err)
		}
	})

	t.Run("an empty project is rejected", func(t *testing.T) {
		experiment := api.Experiment{Resource: api.Resource{ID: "e"}, ProjectID: "empty"}
		_, err := ResolveDatasets(store, &experiment)
		if !serviceerrors.HasMessageCode(err, messages.NoDatasetsSelected) {
			t.Fatalf("Expected NoDatasetsSelected, got %v", err)
		}
	})
}
