// Package queue names the job queues of the iteration pipeline and their payloads.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
)

const (
	QueueExecute   = "execute"
	QueueSafety    = "safety"
	QueueJudge     = "judge"
	QueueAggregate = "aggregate"
	QueueRefine    = "refine"
)

// ExecutePayload asks for one model run to be executed.
type ExecutePayload struct {
	RunID       string `json:"runId" validate:"required"`
	IterationID string `json:"iterationId" validate:"required"`
}

// StagePayload asks for an iteration wide stage to run.
type StagePayload struct {
	IterationID string `json:"iterationId" validate:"required"`
}

// Decode unmarshals the payload of a job.
func Decode[T any](job *abstractions.Job) (*T, error) {
	var payload T
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid %s job payload: %w", job.Queue, err)
	}
	return &payload, nil
}
