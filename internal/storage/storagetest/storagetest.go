// Package storagetest creates in-memory storages and fixtures for tests.
package storagetest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/storage"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

// New returns a storage backed by a private in-memory sqlite database.
func New(t testing.TB) abstractions.Storage {
	t.Helper()
	databaseConfig := map[string]any{
		"driver":         "sqlite",
		"url":            "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		"database_name":  "iteration_hub",
		"max_open_conns": 1,
	}
	store, err := storage.NewStorage(&databaseConfig, logging.FallbackLogger())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// Fixture is a project with one experiment, its prompt and the catalogue used by iterations.
type Fixture struct {
	Experiment    *api.Experiment
	PromptVersion *api.PromptVersion
	ModelConfigs  []api.ModelConfig
	Datasets      []api.Dataset
	Cases         []api.Case
	Judges        []api.JudgeConfig
}

// FixtureOptions controls the size of a fixture.
type FixtureOptions struct {
	Models          int
	Datasets        int
	CasesPerDataset int
	Prompt          string
	StopRules       api.StopRules
	Rubric          []api.RubricCriterion
	PairwiseJudge   bool
	RefinerModel    *api.ModelRef
}

// Seed stores a fixture with opts.Datasets datasets, a pointwise judge and opts.Models active model configs.
func Seed(t testing.TB, store abstractions.Storage, opts FixtureOptions) *Fixture {
	t.Helper()
	if opts.Models == 0 {
		opts.Models = 1
	}
	if opts.Datasets == 0 {
		opts.Datasets = 1
	}
	if opts.CasesPerDataset == 0 {
		opts.CasesPerDataset = 2
	}
	if opts.Prompt == "" {
		opts.Prompt = "You are a helpful assistant.\nAnswer briefly.\n"
	}
	if opts.Rubric == nil {
		opts.Rubric = []api.RubricCriterion{{Name: "accuracy", Weight: 1}}
	}
	projectID := uuid.NewString()
	fixture := &Fixture{}

	fixture.Experiment = &api.Experiment{
		ProjectID:    projectID,
		Name:         "fixture",
		Goal:         "answer questions",
		Rubric:       opts.Rubric,
		StopRules:    opts.StopRules,
		RefinerModel: opts.RefinerModel,
	}
	must(t, store.CreateExperiment(fixture.Experiment))

	fixture.PromptVersion = &api.PromptVersion{ExperimentID: fixture.Experiment.ID, Version: 1, Text: opts.Prompt}
	must(t, store.CreatePromptVersion(fixture.PromptVersion))

	for i := 0; i < opts.Models; i++ {
		modelConfig := api.ModelConfig{
			ProjectID:       projectID,
			Name:            "model-" + string(rune('a'+i)),
			Model:           api.ModelRef{Provider: "fake", Name: "model-" + string(rune('a'+i))},
			CostPer1KTokens: 0.01,
			Active:          true,
		}
		must(t, store.CreateModelConfig(&modelConfig))
		fixture.ModelConfigs = append(fixture.ModelConfigs, modelConfig)
	}

	for d := 0; d < opts.Datasets; d++ {
		dataset := api.Dataset{ProjectID: projectID, Name: fmt.Sprintf("fixture-%d", d+1)}
		must(t, store.CreateDataset(&dataset))
		fixture.Datasets = append(fixture.Datasets, dataset)
		for i := 0; i < opts.CasesPerDataset; i++ {
			difficulty := i%3 + 1
			datasetCase := api.Case{
				DatasetID:  dataset.ID,
				Input:      fmt.Sprintf("question %d", len(fixture.Cases)+1),
				Tags:       []string{"general"},
				Difficulty: &difficulty,
			}
			must(t, store.CreateCase(&datasetCase))
			fixture.Cases = append(fixture.Cases, datasetCase)
		}
	}

	judge := api.JudgeConfig{
		ProjectID: projectID,
		Name:      "pointwise",
		Mode:      api.JudgeModePointwise,
		Model:     api.ModelRef{Provider: "fake", Name: "judge"},
		Active:    true,
	}
	must(t, store.CreateJudgeConfig(&judge))
	fixture.Judges = append(fixture.Judges, judge)
	if opts.PairwiseJudge {
		pairwise := api.JudgeConfig{
			ProjectID: projectID,
			Name:      "pairwise",
			Mode:      api.JudgeModePairwise,
			Model:     api.ModelRef{Provider: "fake", Name: "judge"},
			Active:    true,
		}
		must(t, store.CreateJudgeConfig(&pairwise))
		fixture.Judges = append(fixture.Judges, pairwise)
	}
	return fixture
}

func must(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Failed to seed storage: %v", err)
	}
}
