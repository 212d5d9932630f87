package modelprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatClient captures the subset of the OpenAI SDK used here.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// OpenAIOptions configures OpenAIProvider.
type OpenAIOptions struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// OpenAIProvider implements Provider on OpenAI's Chat Completions API, the
// alternate provider selectable per server config (SPEC_FULL.md §11 DOMAIN
// STACK).
type OpenAIProvider struct {
	chat         ChatClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewOpenAIProvider builds a provider from an already-configured chat client.
func NewOpenAIProvider(chat ChatClient, opts OpenAIOptions) (*OpenAIProvider, error) {
	if chat == nil {
		return nil, errors.New("modelprovider: openai chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("modelprovider: openai default model is required")
	}
	return &OpenAIProvider{chat: chat, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewOpenAIProviderFromAPIKey constructs a provider using the SDK's default
// HTTP client.
func NewOpenAIProviderFromAPIKey(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("modelprovider: openai api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIProvider(client.Chat.Completions, OpenAIOptions{DefaultModel: defaultModel})
}

func (p *OpenAIProvider) Call(ctx context.Context, req Request) (Response, error) {
	return p.complete(ctx, req, req.Prompt)
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	return p.complete(ctx, req, req.Prompt)
}

func (p *OpenAIProvider) Extract(ctx context.Context, req Request) (Response, error) {
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

func (p *OpenAIProvider) Classify(ctx context.Context, req Request) (Response, error) {
	prompt := fmt.Sprintf("%s\n\nRespond with exactly one of these labels and nothing else: %v", req.Prompt, req.Labels)
	resp, err := p.complete(ctx, req, prompt)
	if err != nil {
		return Response{}, err
	}
	resp.Label = resp.Text
	return resp, nil
}

func (p *OpenAIProvider) complete(ctx context.Context, req Request, prompt string) (Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(modelID),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage(prompt),
		},
	}
	if req.System != "" {
		params.Messages = append([]sdk.ChatCompletionMessageParamUnion{sdk.SystemMessage(req.System)}, params.Messages...)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	if temp := req.Temperature; temp > 0 {
		params.Temperature = sdk.Float(temp)
	} else if p.temperature > 0 {
		params.Temperature = sdk.Float(p.temperature)
	}

	completion, err := p.chat.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("modelprovider: openai chat.completions.new: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, errors.New("modelprovider: openai returned no choices")
	}
	return Response{
		Text: completion.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}
