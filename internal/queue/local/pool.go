// Package local is an in-process job queue served by a pool of goroutines.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/metrics"
	"github.com/eval-hub/iteration-hub/internal/tracing"
)

var ErrPoolStopped = errors.New("job pool is stopped")

// Pool implements JobQueue and JobRegistry. Enqueue never blocks, jobs wait in
// a FIFO list until one of the workers is free.
type Pool struct {
	logger      *slog.Logger
	workers     int
	maxAttempts int

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*abstractions.Job
	handlers map[string]abstractions.JobHandler
	stopped  bool

	running sync.WaitGroup
	jobs    sync.WaitGroup
}

func NewPool(logger *slog.Logger, workers int, maxAttempts int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	p := &Pool{
		logger:      logger,
		workers:     workers,
		maxAttempts: maxAttempts,
		handlers:    map[string]abstractions.JobHandler{},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) Register(queue string, handler abstractions.JobHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = handler
}

func (p *Pool) Enqueue(_ context.Context, queue string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	job := &abstractions.Job{ID: uuid.NewString(), Queue: queue, Payload: data, Attempt: 1}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrPoolStopped
	}
	p.jobs.Add(1)
	p.pending = append(p.pending, job)
	p.cond.Signal()
	p.logger.Debug("Job enqueued", constants.LOG_QUEUE, queue, constants.LOG_JOB_ID, job.ID)
	return job.ID, nil
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.running.Add(1)
		go p.work(ctx)
	}
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	p.logger.Info("Job pool started", "workers", p.workers, "max_attempts", p.maxAttempts)
}

// Stop refuses new jobs, drops the pending ones and waits for the running jobs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for range p.pending {
		p.jobs.Done()
	}
	dropped := len(p.pending)
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.running.Wait()
	p.logger.Info("Job pool stopped", "dropped_jobs", dropped)
}

// Wait blocks until every enqueued job, including the jobs enqueued by running handlers, has finished.
func (p *Pool) Wait() {
	p.jobs.Wait()
}

func (p *Pool) next() *abstractions.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil
	}
	job := p.pending[0]
	p.pending = p.pending[1:]
	return job
}

func (p *Pool) work(ctx context.Context) {
	defer p.running.Done()
	for {
		job := p.next()
		if job == nil {
			return
		}
		select {
		case <-ctx.Done():
			p.logger.Warn("job processing canceled", constants.LOG_QUEUE, job.Queue, constants.LOG_JOB_ID, job.ID)
			p.jobs.Done()
			continue
		default:
		}
		p.run(ctx, job)
	}
}

func (p *Pool) run(ctx context.Context, job *abstractions.Job) {
	defer p.jobs.Done()
	logger := p.logger.With(constants.LOG_QUEUE, job.Queue, constants.LOG_JOB_ID, job.ID)

	p.mu.Lock()
	handler, ok := p.handlers[job.Queue]
	p.mu.Unlock()
	if !ok {
		logger.Error("No handler registered for queue")
		metrics.QueueJobs.WithLabelValues(job.Queue, metrics.ResultFailure).Inc()
		return
	}

	for {
		start := time.Now()
		err := p.invoke(ctx, handler, job)
		metrics.QueueJobDuration.WithLabelValues(job.Queue).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.QueueJobs.WithLabelValues(job.Queue, metrics.ResultSuccess).Inc()
			return
		}
		if job.Attempt >= p.maxAttempts || ctx.Err() != nil {
			logger.Error("Job failed", "attempt", job.Attempt, "error", err.Error())
			metrics.QueueJobs.WithLabelValues(job.Queue, metrics.ResultFailure).Inc()
			return
		}
		logger.Warn("Job failed, retrying", "attempt", job.Attempt, "error", err.Error())
		metrics.QueueJobs.WithLabelValues(job.Queue, metrics.ResultRetry).Inc()
		job.Attempt++
	}
}

func (p *Pool) invoke(ctx context.Context, handler abstractions.JobHandler, job *abstractions.Job) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "job "+job.Queue)
	span.SetAttributes(
		attribute.String("job.queue", job.Queue),
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job handler panicked", constants.LOG_QUEUE, job.Queue, constants.LOG_JOB_ID, job.ID, "panic", r)
			err = errors.New("job handler panicked")
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return handler(ctx, job)
}
