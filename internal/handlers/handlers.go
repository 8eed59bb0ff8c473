package handlers

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

// IterationStarter starts iterations, it is implemented by the orchestrator.
type IterationStarter interface {
	StartIteration(ctx context.Context, experimentID string, promptVersionID string) (string, error)
}

// BudgetReader reports the cumulative spend of an experiment.
type BudgetReader interface {
	GetBudgetStatus(ctx context.Context, experimentID string) (*api.BudgetStatus, error)
}

type Handlers struct {
	storage       abstractions.Storage
	validate      *validator.Validate
	iterations    IterationStarter
	budget        BudgetReader
	serviceConfig *config.Config
}

func New(storage abstractions.Storage, validate *validator.Validate, iterations IterationStarter, budget BudgetReader, serviceConfig *config.Config) *Handlers {
	return &Handlers{
		storage:       storage,
		validate:      validate,
		iterations:    iterations,
		budget:        budget,
		serviceConfig: serviceConfig,
	}
}
