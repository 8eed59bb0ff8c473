// Package chatclient is a client for OpenAI compatible chat completion APIs.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const endpointChatCompletions = "/v1/chat/completions"

type Client struct {
	ctx        context.Context
	baseURL    string
	httpClient *http.Client
	authToken  string
	logger     *slog.Logger
}

// NewClient creates a new client, baseURL is the server root without the /v1 path
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &Client{
		ctx:     context.Background(),
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: slog.New(slog.DiscardHandler),
	}
}

func (c *Client) clone() *Client {
	out := *c
	return &out
}

func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	if c == nil {
		return nil
	}
	out := c.clone()
	out.httpClient = httpClient
	return out
}

func (c *Client) WithContext(ctx context.Context) *Client {
	if c == nil {
		return nil
	}
	out := c.clone()
	out.ctx = ctx
	return out
}

func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if c == nil {
		return nil
	}
	out := c.clone()
	out.logger = logger
	return out
}

func (c *Client) WithToken(authToken string) *Client {
	if c == nil {
		return nil
	}
	out := c.clone()
	out.authToken = authToken
	return out
}

func (c *Client) GetLogger() *slog.Logger {
	return c.logger
}

func (c *Client) GetBaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(method, endpoint string, body any) ([]byte, error) {
	c.logger.Debug("Chat request started", "method", method, "endpoint", endpoint)

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(c.ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		if strings.HasPrefix(c.authToken, "Bearer ") {
			req.Header.Set("Authorization", c.authToken)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Info("Chat request errored", "method", method, "endpoint", endpoint, "stage", "failed to execute request", "error", err.Error())
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode:   resp.StatusCode,
			ResponseBody: string(respBody),
		}
		errorResponse := ErrorResponse{}
		if err := json.Unmarshal(respBody, &errorResponse); err == nil {
			apiErr.Detail = errorResponse.Error
		}
		c.logger.Info("Chat request failed", "method", method, "endpoint", endpoint, "status", resp.StatusCode, "error", apiErr.Error())
		return nil, apiErr
	}

	c.logger.Debug("Chat request successful", "method", method, "endpoint", endpoint, "status", resp.StatusCode, "duration", time.Since(start))
	return respBody, nil
}

func unmarshalResponse[T any](respBody []byte) (*T, error) {
	var response T
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

// CreateChatCompletion sends the conversation and returns the completion.
func (c *Client) CreateChatCompletion(req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("chat completion request is nil")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("chat completion request has no model")
	}
	respBody, err := c.doRequest(http.MethodPost, endpointChatCompletions, req)
	if err != nil {
		return nil, err
	}
	return unmarshalResponse[ChatCompletionResponse](respBody)
}
