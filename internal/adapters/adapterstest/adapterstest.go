// Package adapterstest provides scripted model adapters for tests.
package adapterstest

import (
	"context"
	"sync"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

// ChatFunc answers one chat request.
type ChatFunc func(model api.ModelRef, messages []api.ChatMessage) (*api.ChatResult, error)

// Provider serves every model with the same ChatFunc and records the calls.
type Provider struct {
	Chat ChatFunc

	mu    sync.Mutex
	calls []Call
}

type Call struct {
	Model    api.ModelRef
	Messages []api.ChatMessage
	Options  api.ChatOptions
}

func NewProvider(chat ChatFunc) *Provider {
	return &Provider{Chat: chat}
}

func (p *Provider) Adapter(model api.ModelRef) (abstractions.ModelAdapter, error) {
	return &adapter{provider: p, model: model}, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

type adapter struct {
	provider *Provider
	model    api.ModelRef
}

func (a *adapter) Chat(_ context.Context, messages []api.ChatMessage, options api.ChatOptions) (*api.ChatResult, error) {
	a.provider.mu.Lock()
	a.provider.calls = append(a.provider.calls, Call{Model: a.model, Messages: messages, Options: options})
	a.provider.mu.Unlock()
	return a.provider.Chat(a.model, messages)
}

// Text answers every request with the same text.
func Text(text string) ChatFunc {
	return func(api.ModelRef, []api.ChatMessage) (*api.ChatResult, error) {
		return &api.ChatResult{Text: text}, nil
	}
}
