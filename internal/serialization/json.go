package serialization

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	validator "github.com/go-playground/validator/v10"

	"github.com/eval-hub/iteration-hub/internal/executioncontext"
)

func Unmarshal(validate *validator.Validate, executionContext *executioncontext.ExecutionContext, jsonBytes []byte, v any) error {
	err := json.Unmarshal(jsonBytes, v)
	if err != nil {
		return err
	}
	return Validate(executionContext.Ctx, validate, executionContext.Logger, v)
}

// Validate checks v against its validate tags and logs every failing field.
func Validate(ctx context.Context, validate *validator.Validate, logger *slog.Logger, v any) error {
	err := validate.StructCtx(ctx, v)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, validationError := range validationErrors {
				logger.Info("Validation error", "field", validationError.Field(), "tag", validationError.Tag(), "value", validationError.Value())
			}
		}
		return err
	}
	// if the validation is successful, return nil
	return nil
}
