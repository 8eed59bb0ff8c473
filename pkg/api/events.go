package api

import "time"

type EventName string

const (
	EventStatus          EventName = "status"
	EventRunProgress     EventName = "run-progress"
	EventMetrics         EventName = "metrics"
	EventSafety          EventName = "safety"
	EventJudgingComplete EventName = "judging-complete"
	EventRefinement      EventName = "refinement"
	EventFailure         EventName = "failure"
)

// Event is a notification scoped to one iteration.
type Event struct {
	Name        EventName `json:"name"`
	IterationID string    `json:"iterationId"`
	Payload     any       `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

type StatusPayload struct {
	Status IterationStatus `json:"status"`
	Reason StopReason      `json:"reason,omitempty"`
}

type RunProgressPayload struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Failed    int `json:"failed"`
}

type FailurePayload struct {
	Message string `json:"message"`
}

type JudgingCompletePayload struct {
	TotalOutputs int `json:"totalOutputs"`
}

type RefinementPayload struct {
	SuggestionID *string `json:"suggestionId"`
}

// StartIterationRequest is the body of the start iteration API.
type StartIterationRequest struct {
	PromptVersionID string `json:"promptVersionId" validate:"required"`
}

type StartIterationResponse struct {
	IterationID string `json:"iterationId"`
}

type ModelRunList struct {
	Items      []ModelRun `json:"items"`
	TotalCount int        `json:"totalCount"`
}
