package embeddingprovider

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EmbeddingsClient captures the subset of the OpenAI SDK used here,
// grounded on the pack's own `embeddings.Provider`-over-OpenAI shape
// (haasonsaas-nexus's internal/memory/embeddings/openai), adapted to the
// openai-go SDK this repo already pins for atp.llm.* instead of
// go-openai.
type EmbeddingsClient interface {
	New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
}

// OpenAIOptions configures OpenAIProvider.
type OpenAIOptions struct {
	DefaultModel string
}

// OpenAIProvider implements Provider on OpenAI's embeddings endpoint, the
// default (and only, per DESIGN.md) embedding backend: Anthropic has no
// embeddings API and Bedrock's Converse API is conversational rather than
// embeddings-shaped.
type OpenAIProvider struct {
	embeddings   EmbeddingsClient
	defaultModel string
}

// NewOpenAIProvider builds a provider from an already-configured embeddings
// client.
func NewOpenAIProvider(embeddings EmbeddingsClient, opts OpenAIOptions) (*OpenAIProvider, error) {
	if embeddings == nil {
		return nil, errors.New("embeddingprovider: openai embeddings client is required")
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "text-embedding-3-small"
	}
	return &OpenAIProvider{embeddings: embeddings, defaultModel: opts.DefaultModel}, nil
}

// NewOpenAIProviderFromAPIKey constructs a provider using the SDK's default
// HTTP client.
func NewOpenAIProviderFromAPIKey(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("embeddingprovider: openai api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIProvider(client.Embeddings, OpenAIOptions{DefaultModel: defaultModel})
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, Usage, error) {
	if len(texts) == 0 {
		return nil, Usage{}, nil
	}
	modelID := model
	if modelID == "" {
		modelID = p.defaultModel
	}
	params := sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(modelID),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	resp, err := p.embeddings.New(ctx, params)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("embeddingprovider: openai embeddings.new: %w", err)
	}
	vectors := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, Usage{InputTokens: int(resp.Usage.PromptTokens)}, nil
}
