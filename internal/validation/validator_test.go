package validation

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

func TestNewValidator(t *testing.T) {
	validate, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	t.Run("reports json field names", func(t *testing.T) {
		err := validate.Struct(api.StartIterationRequest{})
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			t.Fatalf("Expected validation errors, got %v", err)
		}
		if validationErrors[0].Field() != "promptVersionId" {
			t.Fatalf("Expected the json field name, got %s", validationErrors[0].Field())
		}
	})

	t.Run("accepts a valid judge config", func(t *testing.T) {
		judge := api.JudgeConfig{ProjectID: "p", Mode: api.JudgeModePairwise, Model: api.ModelRef{Provider: "openai", Name: "gpt"}}
		if err := validate.Struct(judge); err != nil {
			t.Fatalf("Expected a valid judge config, got %v", err)
		}
	})

	t.Run("rejects an unknown judge mode", func(t *testing.T) {
		judge := api.JudgeConfig{ProjectID: "p", Mode: "RANKED", Model: api.ModelRef{Provider: "openai", Name: "gpt"}}
		if err := validate.Struct(judge); err == nil {
			t.Fatalf("Expected an error for an unknown mode")
		}
	})
}
