package abstractions

import "context"

// Job is one unit of queued work. Payload is the JSON encoded job payload.
type Job struct {
	ID      string
	Queue   string
	Payload []byte
	Attempt int
}

type JobHandler func(ctx context.Context, job *Job) error

// JobQueue is an at-least-once work queue, handlers must tolerate re-delivery.
type JobQueue interface {
	Enqueue(ctx context.Context, queue string, payload any) (string, error)
}

// JobRegistry binds handlers to queue names.
type JobRegistry interface {
	Register(queue string, handler JobHandler)
}
