package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/mashiike/websim"
)

func init() {
	// Register the provider
	websim.RegisterModelProvider("bedrock", &ModelProvider{})
}

type BedrockAPIClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type ModelProvider struct {
	init    sync.Once
	awsCfg  *aws.Config
	client  BedrockAPIClient
	initErr error
}

func NewWithClient(client BedrockAPIClient) *ModelProvider {
	return &ModelProvider{client: client}
}

func (p *ModelProvider) SetClient(client BedrockAPIClient) {
	p.client = client
}

func (p *ModelProvider) initClient() error {
	p.init.Do(func() {
		if p.client != nil {
			return
		}
		if p.awsCfg == nil {
			awsCfg, err := config.LoadDefaultConfig(context.Background())
			if err != nil {
				p.initErr = err
				return
			}
			p.awsCfg = &awsCfg
		}
		p.client = bedrockruntime.NewFromConfig(*p.awsCfg)
	})
	return p.initErr
}

func (p *ModelProvider) GenerateText(ctx context.Context, req *websim.GenerateRequest) (string, error) {
	if err := p.initClient(); err != nil {
		return "", err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.ModelID),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if cfg := inferenceConfig(req.ModelParams); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := p.client.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("converse: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("converse: %w", err)
	}
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("no message returned")
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String(), nil
}

func inferenceConfig(params map[string]any) *types.InferenceConfiguration {
	if len(params) == 0 {
		return nil
	}
	cfg := &types.InferenceConfiguration{}
	set := false
	if v, ok := toFloat64(params["max_tokens"]); ok {
		cfg.MaxTokens = aws.Int32(int32(v))
		set = true
	}
	if v, ok := toFloat64(params["temperature"]); ok {
		cfg.Temperature = aws.Float32(float32(v))
		set = true
	}
	if v, ok := toFloat64(params["top_p"]); ok {
		cfg.TopP = aws.Float32(float32(v))
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}

func toFloat64(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
