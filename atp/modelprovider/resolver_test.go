package modelprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls []string
}

func (f *fakeProvider) Call(ctx context.Context, req Request) (Response, error) {
	f.calls = append(f.calls, "call")
	return Response{Text: "hi " + req.Prompt}, nil
}

func (f *fakeProvider) Extract(ctx context.Context, req Request) (Response, error) {
	f.calls = append(f.calls, "extract")
	return Response{Text: `{"ok":true}`, JSON: map[string]any{"ok": true}}, nil
}

func (f *fakeProvider) Classify(ctx context.Context, req Request) (Response, error) {
	f.calls = append(f.calls, "classify")
	return Response{Label: "positive"}, nil
}

func (f *fakeProvider) Generate(ctx context.Context, req Request) (Response, error) {
	f.calls = append(f.calls, "generate")
	return Response{Text: "generated"}, nil
}

func TestResolverDispatchesByOperationSuffix(t *testing.T) {
	fp := &fakeProvider{}
	r := NewResolver(fp)

	out, ok, err := r.Resolve(context.Background(), "atp.llm.call", map[string]any{"prompt": "there"})
	require.NoError(t, err)
	require.True(t, ok)
	asMap, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hi there", asMap["text"])
	require.Equal(t, []string{"call"}, fp.calls)
}

func TestResolverReportsUnhandledForUnknownNamespace(t *testing.T) {
	r := NewResolver(&fakeProvider{})
	_, ok, err := r.Resolve(context.Background(), "api.weather.lookup", map[string]any{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolverReportsUnhandledForStreamVerb(t *testing.T) {
	r := NewResolver(&fakeProvider{})
	_, ok, err := r.Resolve(context.Background(), "atp.llm.stream", map[string]any{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolverWithNilProviderIsAlwaysClientServiced(t *testing.T) {
	r := NewResolver(nil)
	_, ok, err := r.Resolve(context.Background(), "atp.llm.call", map[string]any{"prompt": "x"})
	require.NoError(t, err)
	require.False(t, ok)
}
