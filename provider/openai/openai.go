package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mashiike/websim"
	"github.com/sashabaranov/go-openai"
)

func init() {
	// Register the provider
	websim.RegisterModelProvider("openai", &ModelProvider{})
}

type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type ModelProvider struct {
	init    sync.Once
	client  OpenAIClient
	initErr error
}

func NewWithClient(client OpenAIClient) *ModelProvider {
	return &ModelProvider{client: client}
}

func (p *ModelProvider) SetClient(client OpenAIClient) {
	p.client = client
}

func (p *ModelProvider) initClient() error {
	p.init.Do(func() {
		if p.client != nil {
			return
		}
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			p.initErr = errors.New("missing OPENAI_API_KEY")
			return
		}
		p.client = openai.NewClient(apiKey)
	})
	return p.initErr
}

func (p *ModelProvider) GenerateText(ctx context.Context, req *websim.GenerateRequest) (string, error) {
	if err := p.initClient(); err != nil {
		return "", err
	}
	chatReq := openai.ChatCompletionRequest{}
	if err := remarshalJSON(req.ModelParams, &chatReq); err != nil {
		return "", fmt.Errorf("remarshal model params: %w", err)
	}
	chatReq.Model = req.ModelID
	chatReq.Messages = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
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
