package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of /v1/chat/completions. Params carries
// the provider specific fields (temperature, max_tokens, ...) and is sent inline.
type ChatCompletionRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Seed     *int64         `json:"seed,omitempty"`
	Params   map[string]any `json:"-"`
}

func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Params)+3)
	maps.Copy(body, r.Params)
	body["model"] = r.Model
	body["messages"] = r.Messages
	if r.Seed != nil {
		body["seed"] = *r.Seed
	}
	return json.Marshal(body)
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Content returns the message of the first choice.
func (r *ChatCompletionResponse) Content() (string, error) {
	if r == nil || len(r.Choices) == 0 {
		return "", fmt.Errorf("chat completion response has no choices")
	}
	return r.Choices[0].Message.Content, nil
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

// APIError is returned for every non 2xx response.
type APIError struct {
	StatusCode   int
	ResponseBody string
	Detail       *ErrorDetail
}

func (e *APIError) Error() string {
	if e.Detail != nil && e.Detail.Message != "" {
		return fmt.Sprintf("chat completion failed with status %d: %s", e.StatusCode, e.Detail.Message)
	}
	return fmt.Sprintf("chat completion failed with status %d: %s", e.StatusCode, e.ResponseBody)
}

// IsRateLimitError reports whether err is a 429 response from the provider.
func IsRateLimitError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}
