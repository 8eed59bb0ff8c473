package api

// ModelRef identifies a model behind a provider together with its request parameters.
type ModelRef struct {
	Provider string         `json:"provider" validate:"required"`
	Name     string         `json:"name" validate:"required"`
	Params   map[string]any `json:"params,omitempty"`
}

type ModelConfig struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"projectId" validate:"required"`
	Name            string   `json:"name"`
	Model           ModelRef `json:"model"`
	CostPer1KTokens float64  `json:"costPer1kTokens"`
	Active          bool     `json:"active"`
}

type JudgeMode string

const (
	JudgeModePointwise JudgeMode = "POINTWISE"
	JudgeModePairwise  JudgeMode = "PAIRWISE"
)

type JudgeConfig struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId" validate:"required"`
	Name         string    `json:"name"`
	Mode         JudgeMode `json:"mode" validate:"oneof=POINTWISE PAIRWISE"`
	Model        ModelRef  `json:"model"`
	Instructions string    `json:"instructions,omitempty"`
	// ResponsePath is an optional JSONPath selecting the verdict inside a wrapped judge reply
	ResponsePath string `json:"responsePath,omitempty"`
	Active       bool   `json:"active"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatOptions struct {
	Params map[string]any `json:"params,omitempty"`
	Seed   *int64         `json:"seed,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

type ChatResult struct {
	Text  string      `json:"text"`
	Usage *TokenUsage `json:"usage,omitempty"`
}
