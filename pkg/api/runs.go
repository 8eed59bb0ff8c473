package api

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ModelRun is the execution of one prompt version with one model config over one dataset.
type ModelRun struct {
	ID            string     `json:"id"`
	IterationID   string     `json:"iterationId"`
	ModelConfigID string     `json:"modelConfigId"`
	DatasetID     string     `json:"datasetId"`
	Status        RunStatus  `json:"status"`
	Error         string     `json:"error,omitempty"`
	TokensUsed    int64      `json:"tokensUsed"`
	Cost          float64    `json:"cost"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

type Output struct {
	ID          string         `json:"id"`
	ModelRunID  string         `json:"modelRunId"`
	IterationID string         `json:"iterationId"`
	CaseID      string         `json:"caseId"`
	Text        string         `json:"text"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// PairwiseMetadata is carried by pairwise judgments only.
type PairwiseMetadata struct {
	CompetitorOutputID   string `json:"competitorOutputId"`
	CompetitorModelRunID string `json:"competitorModelRunId"`
	Rationale            string `json:"rationale,omitempty"`
}

// Judgment is one verdict of a judge. Pointwise judgments are unique per
// output and judge config, pairwise judgments are one row per comparison.
type Judgment struct {
	ID             string             `json:"id"`
	OutputID       string             `json:"outputId"`
	JudgeConfigID  string             `json:"judgeConfigId"`
	Mode           JudgeMode          `json:"mode"`
	Scores         map[string]float64 `json:"scores"`
	Rationales     map[string]string  `json:"rationales,omitempty"`
	SafetyFlags    []string           `json:"safetyFlags,omitempty"`
	WinnerOutputID *string            `json:"winnerOutputId,omitempty"`
	Metadata       *PairwiseMetadata  `json:"metadata,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// OutputDetail is an output joined with its dataset case and judgments.
type OutputDetail struct {
	Output
	Case      *Case      `json:"case,omitempty"`
	Judgments []Judgment `json:"judgments"`
}

// ModelRunDetail is a model run joined with its outputs.
type ModelRunDetail struct {
	ModelRun
	Outputs []OutputDetail `json:"outputs"`
}

type RefinementSuggestion struct {
	ID              string    `json:"id"`
	IterationID     string    `json:"iterationId"`
	PromptVersionID string    `json:"promptVersionId"`
	Diff            string    `json:"diff"`
	Note            string    `json:"note"`
	ResultingPrompt string    `json:"resultingPrompt"`
	CreatedAt       time.Time `json:"createdAt"`
}
