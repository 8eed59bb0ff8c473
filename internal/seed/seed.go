// Package seed loads an experiment together with its project catalogue from a YAML file.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/serialization"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

type Model struct {
	Provider string         `yaml:"provider" validate:"required"`
	Name     string         `yaml:"name" validate:"required"`
	Params   map[string]any `yaml:"params,omitempty"`
}

func (m Model) ref() api.ModelRef {
	return api.ModelRef{Provider: m.Provider, Name: m.Name, Params: m.Params}
}

type Criterion struct {
	Name        string  `yaml:"name" validate:"required"`
	Description string  `yaml:"description,omitempty"`
	Weight      float64 `yaml:"weight" validate:"gte=0"`
	Scale       string  `yaml:"scale,omitempty"`
}

type StopRules struct {
	MaxIterations     *int     `yaml:"maxIterations,omitempty" validate:"omitempty,min=1"`
	MaxBudgetUSD      *float64 `yaml:"maxBudgetUsd,omitempty" validate:"omitempty,gte=0"`
	MaxTotalTokens    *int64   `yaml:"maxTotalTokens,omitempty" validate:"omitempty,gte=0"`
	ConvergenceWindow *int     `yaml:"convergenceWindow,omitempty" validate:"omitempty,min=1"`
	MinDeltaThreshold *float64 `yaml:"minDeltaThreshold,omitempty"`
}

type Experiment struct {
	Name      string      `yaml:"name" validate:"required"`
	Goal      string      `yaml:"goal"`
	Rubric    []Criterion `yaml:"rubric" validate:"required,min=1,dive"`
	StopRules StopRules   `yaml:"stopRules"`
	// Datasets selects datasets by name, all datasets of the file are used when empty
	Datasets []string `yaml:"datasets,omitempty"`
	Refiner  *Model   `yaml:"refiner,omitempty"`
}

type ModelConfig struct {
	Name            string  `yaml:"name" validate:"required"`
	Model           Model   `yaml:"model"`
	CostPer1KTokens float64 `yaml:"costPer1kTokens" validate:"gte=0"`
}

type Judge struct {
	Name         string `yaml:"name" validate:"required"`
	Mode         string `yaml:"mode" validate:"required,oneof=POINTWISE PAIRWISE"`
	Model        Model  `yaml:"model"`
	Instructions string `yaml:"instructions,omitempty"`
	ResponsePath string `yaml:"responsePath,omitempty"`
}

type Case struct {
	Input      string   `yaml:"input" validate:"required"`
	Expected   string   `yaml:"expected,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
	Difficulty *int     `yaml:"difficulty,omitempty" validate:"omitempty,min=1,max=3"`
}

type Dataset struct {
	Name  string `yaml:"name" validate:"required"`
	Cases []Case `yaml:"cases" validate:"required,min=1,dive"`
}

// File is the YAML document describing one experiment and the catalogue of its project.
type File struct {
	Project    string        `yaml:"project,omitempty"`
	Experiment Experiment    `yaml:"experiment"`
	Prompt     string        `yaml:"prompt" validate:"required"`
	Models     []ModelConfig `yaml:"models" validate:"required,min=1,dive"`
	Judges     []Judge       `yaml:"judges" validate:"required,min=1,dive"`
	Datasets   []Dataset     `yaml:"datasets" validate:"required,min=1,dive"`
}

// Result holds the ids of the stored entities.
type Result struct {
	ProjectID       string            `json:"projectId"`
	ExperimentID    string            `json:"experimentId"`
	PromptVersionID string            `json:"promptVersionId"`
	ModelConfigIDs  map[string]string `json:"modelConfigIds"`
	JudgeConfigIDs  map[string]string `json:"judgeConfigIds"`
	DatasetIDs      map[string]string `json:"datasetIds"`
	Cases           int               `json:"cases"`
}

// Parse decodes and validates a seed file.
func Parse(ctx context.Context, data []byte, validate *validator.Validate, logger *slog.Logger) (*File, error) {
	file := &File{}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse the seed file: %w", err)
	}
	if err := serialization.Validate(ctx, validate, logger, file); err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for _, dataset := range file.Datasets {
		if names[dataset.Name] {
			return nil, fmt.Errorf("dataset %q is defined twice", dataset.Name)
		}
		names[dataset.Name] = true
	}
	for _, name := range file.Experiment.Datasets {
		if !names[name] {
			return nil, fmt.Errorf("experiment selects the unknown dataset %q", name)
		}
	}
	return file, nil
}

// Apply stores the catalogue, then the experiment with its first prompt version.
func Apply(storage abstractions.Storage, file *File) (*Result, error) {
	result := &Result{
		ProjectID:      file.Project,
		ModelConfigIDs: map[string]string{},
		JudgeConfigIDs: map[string]string{},
		DatasetIDs:     map[string]string{},
	}
	if result.ProjectID == "" {
		result.ProjectID = uuid.NewString()
	}

	for _, model := range file.Models {
		modelConfig := &api.ModelConfig{
			ProjectID:       result.ProjectID,
			Name:            model.Name,
			Model:           model.Model.ref(),
			CostPer1KTokens: model.CostPer1KTokens,
			Active:          true,
		}
		if err := storage.CreateModelConfig(modelConfig); err != nil {
			return nil, err
		}
		result.ModelConfigIDs[model.Name] = modelConfig.ID
	}

	for _, judge := range file.Judges {
		judgeConfig := &api.JudgeConfig{
			ProjectID:    result.ProjectID,
			Name:         judge.Name,
			Mode:         api.JudgeMode(judge.Mode),
			Model:        judge.Model.ref(),
			Instructions: judge.Instructions,
			ResponsePath: judge.ResponsePath,
			Active:       true,
		}
		if err := storage.CreateJudgeConfig(judgeConfig); err != nil {
			return nil, err
		}
		result.JudgeConfigIDs[judge.Name] = judgeConfig.ID
	}

	for _, dataset := range file.Datasets {
		stored := &api.Dataset{ProjectID: result.ProjectID, Name: dataset.Name}
		if err := storage.CreateDataset(stored); err != nil {
			return nil, err
		}
		result.DatasetIDs[dataset.Name] = stored.ID
		for _, datasetCase := range dataset.Cases {
			if err := storage.CreateCase(&api.Case{
				DatasetID:  stored.ID,
				Input:      datasetCase.Input,
				Expected:   datasetCase.Expected,
				Tags:       datasetCase.Tags,
				Difficulty: datasetCase.Difficulty,
			}); err != nil {
				return nil, err
			}
			result.Cases++
		}
	}

	experiment := &api.Experiment{
		ProjectID: result.ProjectID,
		Name:      file.Experiment.Name,
		Goal:      file.Experiment.Goal,
		StopRules: api.StopRules{
			MaxIterations:     file.Experiment.StopRules.MaxIterations,
			MaxBudgetUSD:      file.Experiment.StopRules.MaxBudgetUSD,
			MaxTotalTokens:    file.Experiment.StopRules.MaxTotalTokens,
			ConvergenceWindow: file.Experiment.StopRules.ConvergenceWindow,
			MinDeltaThreshold: file.Experiment.StopRules.MinDeltaThreshold,
		},
	}
	for _, criterion := range file.Experiment.Rubric {
		experiment.Rubric = append(experiment.Rubric, api.RubricCriterion{
			Name:        criterion.Name,
			Description: criterion.Description,
			Weight:      criterion.Weight,
			Scale:       criterion.Scale,
		})
	}
	for _, name := range file.Experiment.Datasets {
		experiment.DatasetIDs = append(experiment.DatasetIDs, result.DatasetIDs[name])
	}
	if file.Experiment.Refiner != nil {
		refiner := file.Experiment.Refiner.ref()
		experiment.RefinerModel = &refiner
	}
	if err := storage.CreateExperiment(experiment); err != nil {
		return nil, err
	}
	result.ExperimentID = experiment.ID

	promptVersion := &api.PromptVersion{ExperimentID: experiment.ID, Version: 1, Text: file.Prompt}
	if err := storage.CreatePromptVersion(promptVersion); err != nil {
		return nil, err
	}
	result.PromptVersionID = promptVersion.ID
	return result, nil
}
