package abstractions

import (
	"context"
	"log/slog"
	"time"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

type Storage interface {
	WithLogger(logger *slog.Logger) Storage
	WithContext(ctx context.Context) Storage

	// This is used to identify the storage implementation in the logs and error messages
	GetDatasourceName() string

	Ping(timeout time.Duration) error

	// Experiment operations
	CreateExperiment(experiment *api.Experiment) error
	GetExperiment(id string) (*api.Experiment, error)
	UpdateExperimentStatus(id string, status api.ExperimentStatus) error
	CreatePromptVersion(promptVersion *api.PromptVersion) error
	GetPromptVersion(id string) (*api.PromptVersion, error)

	// Project catalogue operations
	CreateModelConfig(modelConfig *api.ModelConfig) error
	GetModelConfig(id string) (*api.ModelConfig, error)
	GetActiveModelConfigs(projectID string) ([]api.ModelConfig, error)
	CreateJudgeConfig(judgeConfig *api.JudgeConfig) error
	GetActiveJudgeConfigs(projectID string, mode api.JudgeMode) ([]api.JudgeConfig, error)
	CreateDataset(dataset *api.Dataset) error
	GetProjectDatasets(projectID string) ([]api.Dataset, error)
	CreateCase(datasetCase *api.Case) error
	GetDatasetCases(datasetID string) ([]api.Case, error)
	CountCases(datasetIDs []string) (int, error)

	// Iteration operations
	GetMaxIterationNumber(experimentID string) (int, error)
	// CreateIteration stores the iteration and its model runs in a single transaction
	CreateIteration(iteration *api.Iteration, runs []api.ModelRun) error
	GetIteration(id string) (*api.Iteration, error)
	// GetPreviousIterations returns at most limit iterations numbered below number, most recent first
	GetPreviousIterations(experimentID string, number int, limit int) ([]api.Iteration, error)
	// UpdateIterationStatus moves the iteration from one status to another and reports
	// false when the stored status was no longer from
	UpdateIterationStatus(id string, from api.IterationStatus, to api.IterationStatus, finishedAt *time.Time) (bool, error)
	// MergeIterationMetrics merges the set fields of metrics into the stored metrics bag
	MergeIterationMetrics(id string, metrics *api.IterationMetrics) (*api.IterationMetrics, error)
	AddIterationUsage(id string, tokens int64, cost float64) error
	GetExperimentUsage(experimentID string) (*api.Usage, error)

	// Model run operations
	GetModelRun(id string) (*api.ModelRun, error)
	GetModelRuns(iterationID string) ([]api.ModelRun, error)
	UpdateModelRun(run *api.ModelRun) error

	// Output and judgment operations
	CreateOutput(output *api.Output) error
	GetIterationOutputs(iterationID string) ([]api.Output, error)
	// MergeOutputMetadata merges metadata into the stored metadata bag of the output
	MergeOutputMetadata(outputID string, metadata map[string]any) error
	// UpsertPointwiseJudgment replaces the judgment of the same output and judge config
	UpsertPointwiseJudgment(judgment *api.Judgment) error
	CreatePairwiseJudgment(judgment *api.Judgment) error
	GetIterationJudgments(iterationID string) ([]api.Judgment, error)
	// GetIterationResults returns the model runs with their outputs, cases and judgments
	GetIterationResults(iterationID string) ([]api.ModelRunDetail, error)

	// Refinement suggestion operations
	CreateRefinementSuggestion(suggestion *api.RefinementSuggestion) error
	GetRefinementSuggestion(id string) (*api.RefinementSuggestion, error)

	// Lease operations used by the experiment lock
	AcquireLease(key string, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(key string, owner string) error

	// Close the storage connection
	Close() error
}

// This interface must be decoupled from the service HTTP layer.
// Do not pass ExecutionContext, Request or Response wrappers either.
