package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mashiike/websim"
)

func init() {
	// Register the provider
	websim.RegisterModelProvider("openrouter", &ModelProvider{})
}

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 5 * time.Minute
	maxBodySize    = 10 * 1024 * 1024
)

// ClientConfig configures the OpenRouter API client.
type ClientConfig struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	// SiteURL and SiteName fill the HTTP-Referer and X-Title headers used
	// by OpenRouter for app rankings.
	SiteURL  string
	SiteName string
}

func DefaultClientConfig(apiKey string) ClientConfig {
	return ClientConfig{
		APIKey:        apiKey,
		BaseURL:       defaultBaseURL,
		Timeout:       defaultTimeout,
		MaxRetries:    3,
		RetryInterval: time.Second,
		SiteName:      "websim",
	}
}

// Client is a minimal OpenRouter chat completions client. The go-openai
// client cannot carry the provider preferences block, so the request is
// built by hand.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(apiKey string) *Client {
	return NewClientWithConfig(DefaultClientConfig(apiKey))
}

func NewClientWithConfig(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// CreateChatCompletion calls POST /chat/completions, retrying rate limits
// and transport errors with exponential backoff.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("api key not configured")
	}
	bs, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			interval := time.Duration(1<<uint(i-1)) * c.cfg.RetryInterval
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(bs))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		if c.cfg.SiteURL != "" {
			httpReq.Header.Set("HTTP-Referer", c.cfg.SiteURL)
		}
		if c.cfg.SiteName != "" {
			httpReq.Header.Set("X-Title", c.cfg.SiteName)
		}
		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
		httpResp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		if httpResp.StatusCode == http.StatusTooManyRequests {
			lastErr = errors.New("rate limit exceeded (429)")
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("api request failed with status %d: %s", httpResp.StatusCode, string(body))
		}
		var resp ChatCompletionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// ModelProvider is the websim model provider backed by OpenRouter.
type ModelProvider struct {
	init    sync.Once
	client  *Client
	initErr error
}

func NewWithClient(client *Client) *ModelProvider {
	return &ModelProvider{client: client}
}

func (p *ModelProvider) SetClient(client *Client) {
	p.client = client
}

func (p *ModelProvider) initClient() error {
	p.init.Do(func() {
		if p.client != nil {
			return
		}
		apiKey := os.Getenv("WEBSIM_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if apiKey == "" {
			p.initErr = errors.New("missing WEBSIM_API_KEY")
			return
		}
		p.client = NewClient(apiKey)
	})
	return p.initErr
}

func (p *ModelProvider) GenerateText(ctx context.Context, req *websim.GenerateRequest) (string, error) {
	if err := p.initClient(); err != nil {
		return "", err
	}
	chatReq := ChatCompletionRequest{
		Provider: &ProviderPreferences{Sort: SortLatency},
	}
	if err := remarshalJSON(req.ModelParams, &chatReq); err != nil {
		return "", fmt.Errorf("remarshal model params: %w", err)
	}
	chatReq.Model = req.ModelID
	chatReq.Messages = []Message{
		{Role: RoleSystem, Content: req.System},
		{Role: RoleUser, Content: req.Prompt},
	}
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func remarshalJSON(v1, v2 any) error {
	if v1 == nil {
		return nil
	}
	b1, err := json.Marshal(v1)
	if err != nil {
		return fmt.Errorf("marshal v1: %w", err)
	}
	if err := json.Unmarshal(b1, v2); err != nil {
		return fmt.Errorf("unmarshal v2: %w", err)
	}
	return nil
}
