package embeddingprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls int
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, Usage, error) {
	f.calls++
	vectors := make([][]float64, len(texts))
	for i, t := range texts {
		if t == "cat" {
			vectors[i] = []float64{1, 0}
		} else {
			vectors[i] = []float64{0, 1}
		}
	}
	return vectors, Usage{InputTokens: len(texts)}, nil
}

func TestResolverEmbedsTexts(t *testing.T) {
	r := NewResolver(&fakeProvider{}, "default-model")
	out, ok, err := r.Resolve(context.Background(), "atp.embedding.embed", map[string]any{
		"texts": []any{"cat", "dog"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	asMap := out.(map[string]any)
	vecs := asMap["vectors"].([]any)
	require.Len(t, vecs, 2)
}

func TestResolverSearchRanksCandidatesBySimilarity(t *testing.T) {
	r := NewResolver(&fakeProvider{}, "default-model")
	out, ok, err := r.Resolve(context.Background(), "atp.embedding.search", map[string]any{
		"query":      "cat",
		"candidates": []any{"dog", "cat"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	asMap := out.(map[string]any)
	matches := asMap["matches"].([]any)
	require.Len(t, matches, 2)
	top := matches[0].(map[string]any)
	require.Equal(t, "cat", top["text"])
}

func TestResolverReportsUnhandledForUnknownNamespace(t *testing.T) {
	r := NewResolver(&fakeProvider{}, "default-model")
	_, ok, err := r.Resolve(context.Background(), "atp.llm.call", map[string]any{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolverReportsUnhandledForUnknownVerb(t *testing.T) {
	r := NewResolver(&fakeProvider{}, "default-model")
	_, ok, err := r.Resolve(context.Background(), "atp.embedding.delete", map[string]any{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolverWithNilProviderIsAlwaysClientServiced(t *testing.T) {
	r := NewResolver(nil, "default-model")
	_, ok, err := r.Resolve(context.Background(), "atp.embedding.embed", map[string]any{"texts": []any{"x"}})
	require.NoError(t, err)
	require.False(t, ok)
}
