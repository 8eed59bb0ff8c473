package executioncontext

import (
	"context"
	"log/slog"
)

// ExecutionContext carries the request scoped state used by the HTTP handlers.
type ExecutionContext struct {
	Ctx       context.Context
	RequestID string
	Logger    *slog.Logger
	Method    string
	URI       string
	BaseURL   string
}

func NewExecutionContext(ctx context.Context, requestID string, logger *slog.Logger, method string, uri string, baseURL string) *ExecutionContext {
	return &ExecutionContext{
		Ctx:       ctx,
		RequestID: requestID,
		Logger:    logger,
		Method:    method,
		URI:       uri,
		BaseURL:   baseURL,
	}
}
