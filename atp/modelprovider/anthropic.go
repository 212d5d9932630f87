package modelprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used here, the
// same narrowing the teacher's model adapters use so a fake can stand in
// for tests without spinning up the real HTTP client.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures AnthropicProvider.
type AnthropicOptions struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// AnthropicProvider implements Provider on Anthropic's Messages API.
type AnthropicProvider struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewAnthropicProvider builds a provider from an already-configured Messages
// client (real or fake).
func NewAnthropicProvider(msg MessagesClient, opts AnthropicOptions) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("modelprovider: anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("modelprovider: anthropic default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// NewAnthropicProviderFromAPIKey constructs a provider using the SDK's
// default HTTP client.
func NewAnthropicProviderFromAPIKey(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("modelprovider: anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&client.Messages, AnthropicOptions{DefaultModel: defaultModel})
}

func (p *AnthropicProvider) Call(ctx context.Context, req Request) (Response, error) {
	return p.complete(ctx, req, req.Prompt)
}

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Response, error) {
	return p.complete(ctx, req, req.Prompt)
}

func (p *AnthropicProvider) Extract(ctx context.Context, req Request) (Response, error) {
	prompt := req.Prompt
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return Response{}, fmt.Errorf("modelprovider: encode extract schema: %w", err)
		}
		prompt = fmt.Sprintf("%s\n\nRespond with JSON matching this schema:\n%s", prompt, schema)
	}
	resp, err := p.complete(ctx, req, prompt)
	if err != nil {
		return Response{}, err
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err == nil {
		resp.JSON = parsed
	}
	return resp, nil
}

func (p *AnthropicProvider) Classify(ctx context.Context, req Request) (Response, error) {
	prompt := fmt.Sprintf("%s\n\nRespond with exactly one of these labels and nothing else: %v", req.Prompt, req.Labels)
	resp, err := p.complete(ctx, req, prompt)
	if err != nil {
		return Response{}, err
	}
	resp.Label = resp.Text
	return resp, nil
}

func (p *AnthropicProvider) complete(ctx context.Context, req Request, prompt string) (Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(modelID),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if temp := req.Temperature; temp > 0 {
		params.Temperature = sdk.Float(temp)
	} else if p.temperature > 0 {
		params.Temperature = sdk.Float(p.temperature)
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("modelprovider: anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return Response{
		Text: text,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
