// Package pipeline assembles the iteration engine: the job pool, the event
// broker, the stage components, the orchestrator and the stage workers.
package pipeline

import (
	"context"
	"log/slog"

	validator "github.com/go-playground/validator/v10"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/aggregation"
	"github.com/eval-hub/iteration-hub/internal/budget"
	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/evaluator"
	"github.com/eval-hub/iteration-hub/internal/lock"
	"github.com/eval-hub/iteration-hub/internal/notifier"
	"github.com/eval-hub/iteration-hub/internal/orchestrator"
	"github.com/eval-hub/iteration-hub/internal/queue/local"
	"github.com/eval-hub/iteration-hub/internal/refiner"
	"github.com/eval-hub/iteration-hub/internal/safety"
	"github.com/eval-hub/iteration-hub/internal/workers"
)

const LockerMemory = "memory"

type Pipeline struct {
	Orchestrator *orchestrator.Orchestrator
	Budget       *budget.Enforcer
	Broker       *notifier.Broker
	Pool         *local.Pool
	Workers      *workers.Workers
}

// NewLocker returns the experiment lock selected by the configuration.
func NewLocker(conf *config.OrchestratorConfig, storage abstractions.Storage) abstractions.Locker {
	if conf.Locker == LockerMemory {
		return lock.NewMemoryLocker()
	}
	return lock.NewStorageLocker(storage)
}

func New(conf *config.Config, storage abstractions.Storage, adapters abstractions.AdapterProvider, validate *validator.Validate, logger *slog.Logger) *Pipeline {
	orchestratorConfig := conf.Orchestrator
	p := &Pipeline{
		Budget: budget.NewEnforcer(storage, logger),
		Broker: notifier.NewBroker(logger),
		Pool:   local.NewPool(logger, conf.Queue.Workers, conf.Queue.MaxAttempts),
	}
	p.Orchestrator = orchestrator.New(storage, p.Pool, p.Broker, NewLocker(orchestratorConfig, storage), p.Budget, logger,
		orchestrator.WithLockTTL(orchestratorConfig.LockTTL),
		orchestrator.WithLockTimeout(orchestratorConfig.LockTimeout),
	)
	p.Workers = workers.New(workers.Dependencies{
		Storage:   storage,
		Adapters:  adapters,
		Scanner:   safety.NewScanner(storage, logger),
		Evaluator: evaluator.NewEvaluator(storage, adapters, validate, logger, orchestratorConfig.JudgeConcurrency),
		Engine:    aggregation.NewEngine(orchestratorConfig.BootstrapSamples, orchestratorConfig.BootstrapSeed),
		Refiner:   refiner.NewRefiner(logger, orchestratorConfig.MaxDiffChangeRatio),
		Callbacks: p.Orchestrator,
		Validate:  validate,
		Logger:    logger,
	})
	p.Workers.Register(p.Pool)
	return p
}

// Start launches the job workers, they stop with ctx.
func (p *Pipeline) Start(ctx context.Context) {
	p.Pool.Start(ctx)
}

func (p *Pipeline) Stop() {
	p.Pool.Stop()
}

// Wait blocks until the queue is drained.
func (p *Pipeline) Wait() {
	p.Pool.Wait()
}
