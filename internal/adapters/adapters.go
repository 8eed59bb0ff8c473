// Package adapters resolves the chat adapters of the configured model providers.
package adapters

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
	"github.com/eval-hub/iteration-hub/pkg/api"
	"github.com/eval-hub/iteration-hub/pkg/chatclient"
)

// Provider serves every model of a configured provider through one chat client.
type Provider struct {
	clients map[string]*chatclient.Client
}

func NewProvider(providers map[string]config.ProviderConfig, logger *slog.Logger) *Provider {
	p := &Provider{clients: make(map[string]*chatclient.Client, len(providers))}
	for name, provider := range providers {
		timeout := provider.Timeout
		if timeout <= 0 {
			timeout = config.DefaultProviderTimeout
		}
		httpClient := &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		p.clients[name] = chatclient.NewClient(provider.BaseURL).
			WithHTTPClient(httpClient).
			WithToken(provider.APIKey).
			WithLogger(logger.With("provider", name))
	}
	logger.Info("Model providers configured", "providers", p.Names())
	return p
}

// Names returns the configured provider names in order.
func (p *Provider) Names() []string {
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) Adapter(model api.ModelRef) (abstractions.ModelAdapter, error) {
	client, ok := p.clients[model.Provider]
	if !ok {
		return nil, serviceerrors.NewServiceError(messages.UnknownModelProvider, "Provider", model.Provider, "Model", model.Name)
	}
	return &chatAdapter{client: client, model: model.Name}, nil
}

type chatAdapter struct {
	client *chatclient.Client
	model  string
}

func (a *chatAdapter) Chat(ctx context.Context, messages []api.ChatMessage, options api.ChatOptions) (*api.ChatResult, error) {
	request := &chatclient.ChatCompletionRequest{
		Model:    a.model,
		Messages: make([]chatclient.Message, 0, len(messages)),
		Seed:     options.Seed,
		Params:   options.Params,
	}
	for _, message := range messages {
		request.Messages = append(request.Messages, chatclient.Message{Role: message.Role, Content: message.Content})
	}
	response, err := a.client.WithContext(ctx).CreateChatCompletion(request)
	if err != nil {
		return nil, err
	}
	text, err := response.Content()
	if err != nil {
		return nil, err
	}
	result := &api.ChatResult{Text: text}
	if response.Usage != nil {
		result.Usage = &api.TokenUsage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		}
	}
	return result, nil
}
