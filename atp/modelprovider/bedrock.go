package modelprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// RuntimeClient captures the subset of the Bedrock runtime client used
// here, matching *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockOptions configures BedrockProvider.
type BedrockOptions struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// BedrockProvider implements Provider on AWS Bedrock's Converse API, the
// third LLM provider (SPEC_FULL.md §11 DOMAIN STACK), sharing Provider's
// interface with AnthropicProvider/OpenAIProvider so the server can select
// any of the three per config without the sandbox or coordinator knowing
// which backend answered an `atp.llm.*` call.
type BedrockProvider struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float32
}

// NewBedrockProvider builds a provider from an already-configured runtime
// client.
func NewBedrockProvider(runtime RuntimeClient, opts BedrockOptions) (*BedrockProvider, error) {
	if runtime == nil {
		return nil, errors.New("modelprovider: bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("modelprovider: bedrock default model is required")
	}
	return &BedrockProvider{runtime: runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

func (p *BedrockProvider) Call(ctx context.Context, req Request) (Response, error) {
	return p.converse(ctx, req, req.Prompt)
}

func (p *BedrockProvider) Generate(ctx context.Context, req Request) (Response, error) {
	return p.converse(ctx, req, req.Prompt)
}

func (p *BedrockProvider) Extract(ctx context.Context, req Request) (Response, error) {
	prompt := req.Prompt
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return Response{}, fmt.Errorf("modelprovider: encode extract schema: %w", err)
		}
		prompt = fmt.Sprintf("%s\n\nRespond with JSON matching this schema:\n%s", prompt, schema)
	}
	resp, err := p.converse(ctx, req, prompt)
	if err != nil {
		return Response{}, err
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err == nil {
		resp.JSON = parsed
	}
	return resp, nil
}

func (p *BedrockProvider) Classify(ctx context.Context, req Request) (Response, error) {
	prompt := fmt.Sprintf("%s\n\nRespond with exactly one of these labels and nothing else: %v", req.Prompt, req.Labels)
	resp, err := p.converse(ctx, req, prompt)
	if err != nil {
		return Response{}, err
	}
	resp.Label = resp.Text
	return resp, nil
}

func (p *BedrockProvider) converse(ctx context.Context, req Request, prompt string) (Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: &modelID,
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	cfg := &brtypes.InferenceConfiguration{}
	hasCfg := false
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		mt := int32(maxTokens)
		cfg.MaxTokens = &mt
		hasCfg = true
	}
	temp := float32(req.Temperature)
	if temp == 0 {
		temp = p.temperature
	}
	if temp > 0 {
		cfg.Temperature = &temp
		hasCfg = true
	}
	if hasCfg {
		input.InferenceConfig = cfg
	}

	out, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return Response{}, fmt.Errorf("modelprovider: bedrock converse: %w", err)
	}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return Response{}, errors.New("modelprovider: bedrock converse returned no message output")
	}
	var text string
	for _, block := range msgOutput.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	resp := Response{Text: text}
	if usage := out.Usage; usage != nil {
		resp.Usage = Usage{
			InputTokens:  int(int32Value(usage.InputTokens)),
			OutputTokens: int(int32Value(usage.OutputTokens)),
		}
	}
	return resp, nil
}

func int32Value(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
