package api

// ExperimentStatus represents the lifecycle of an experiment
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "DRAFT"
	ExperimentStatusRunning   ExperimentStatus = "RUNNING"
	ExperimentStatusPaused    ExperimentStatus = "PAUSED"
	ExperimentStatusCompleted ExperimentStatus = "COMPLETED"
)

const (
	DefaultConvergenceWindow = 3
	DefaultMinDeltaThreshold = 0.02
)

// RubricCriterion is one weighted scoring dimension. Weights are not
// required to sum to one.
type RubricCriterion struct {
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
	Scale       string  `json:"scale,omitempty"`
}

// StopRules are the optional conditions that end the iteration loop of an experiment.
type StopRules struct {
	MaxIterations     *int     `json:"maxIterations,omitempty" validate:"omitempty,min=1"`
	MaxBudgetUSD      *float64 `json:"maxBudgetUsd,omitempty" validate:"omitempty,gte=0"`
	MaxTotalTokens    *int64   `json:"maxTotalTokens,omitempty" validate:"omitempty,gte=0"`
	ConvergenceWindow *int     `json:"convergenceWindow,omitempty" validate:"omitempty,min=1"`
	MinDeltaThreshold *float64 `json:"minDeltaThreshold,omitempty"`
}

func (r StopRules) Window() int {
	if r.ConvergenceWindow == nil {
		return DefaultConvergenceWindow
	}
	return *r.ConvergenceWindow
}

func (r StopRules) MinDelta() float64 {
	if r.MinDeltaThreshold == nil {
		return DefaultMinDeltaThreshold
	}
	return *r.MinDeltaThreshold
}

type Experiment struct {
	Resource
	ProjectID string            `json:"projectId" validate:"required"`
	Name      string            `json:"name" validate:"required"`
	Goal      string            `json:"goal"`
	Rubric    []RubricCriterion `json:"rubric" validate:"dive"`
	StopRules StopRules         `json:"stopRules"`
	Status    ExperimentStatus  `json:"status"`
	// DatasetIDs overrides the dataset selection, when empty all project datasets are used
	DatasetIDs []string `json:"datasetIds,omitempty"`
	// RefinerModel is the model asked for prompt refinements, no refinement is attempted when nil
	RefinerModel *ModelRef `json:"refinerModel,omitempty"`
}

type PromptVersion struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experimentId" validate:"required"`
	Version      int    `json:"version"`
	Text         string `json:"text"`
}

type Dataset struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId" validate:"required"`
	Name      string `json:"name"`
}

// Case is a single dataset input. Difficulty is optional.
type Case struct {
	ID         string   `json:"id"`
	DatasetID  string   `json:"datasetId" validate:"required"`
	Input      string   `json:"input"`
	Expected   string   `json:"expected,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Difficulty *int     `json:"difficulty,omitempty"`
}
