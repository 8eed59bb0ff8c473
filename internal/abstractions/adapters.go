package abstractions

import (
	"context"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

// ModelAdapter is the chat capability of a language model.
type ModelAdapter interface {
	Chat(ctx context.Context, messages []api.ChatMessage, options api.ChatOptions) (*api.ChatResult, error)
}

// AdapterProvider resolves the adapter that serves a model.
type AdapterProvider interface {
	Adapter(model api.ModelRef) (ModelAdapter, error)
}
