package openrouter

import "fmt"

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ProviderSort selects how OpenRouter ranks upstream providers.
type ProviderSort string

const (
	SortPrice      ProviderSort = "price"
	SortThroughput ProviderSort = "throughput"
	SortLatency    ProviderSort = "latency"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ProviderPreferences is the OpenRouter-specific provider routing block.
type ProviderPreferences struct {
	Sort ProviderSort `json:"sort,omitempty"`
}

type ChatCompletionRequest struct {
	Model       string               `json:"model"`
	Messages    []Message            `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature float64              `json:"temperature,omitempty"`
	Provider    *ProviderPreferences `json:"provider,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openrouter api error (code %d): %s", e.Code, e.Message)
}
