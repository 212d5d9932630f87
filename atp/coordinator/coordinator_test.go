package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atp-proto/atp-server/atp/batch"
	"github.com/atp-proto/atp-server/atp/cachestore"
	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/embeddingprovider"
	"github.com/atp-proto/atp-server/atp/modelprovider"
	"github.com/atp-proto/atp-server/atp/policy"
	"github.com/atp-proto/atp-server/atp/provenance"
	"github.com/atp-proto/atp-server/atp/sandbox"
	"github.com/atp-proto/atp-server/atp/telemetry"
	"github.com/atp-proto/atp-server/atp/toolregistry"
)

type fakeEmbeddingProvider struct{}

func (fakeEmbeddingProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, embeddingprovider.Usage, error) {
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = []float64{1, 0}
	}
	return vectors, embeddingprovider.Usage{InputTokens: len(texts)}, nil
}

type fakeLLMProvider struct{}

func (fakeLLMProvider) Call(ctx context.Context, req modelprovider.Request) (modelprovider.Response, error) {
	return modelprovider.Response{Text: "answer"}, nil
}
func (fakeLLMProvider) Extract(ctx context.Context, req modelprovider.Request) (modelprovider.Response, error) {
	return modelprovider.Response{}, nil
}
func (fakeLLMProvider) Classify(ctx context.Context, req modelprovider.Request) (modelprovider.Response, error) {
	return modelprovider.Response{}, nil
}
func (fakeLLMProvider) Generate(ctx context.Context, req modelprovider.Request) (modelprovider.Response, error) {
	return modelprovider.Response{}, nil
}

// newClientServicedRegistry registers "weather" with no Handler: every call
// suspends for an out-of-band client answer.
func newClientServicedRegistry(t *testing.T) *toolregistry.Registry {
	t.Helper()
	reg := toolregistry.NewRegistry(nil)
	require.NoError(t, reg.Register(toolregistry.Spec{Name: "weather"}))
	return reg
}

// newLocalHandlerRegistry registers "weather" with a Handler: calls resolve
// synchronously in-process and never suspend.
func newLocalHandlerRegistry(t *testing.T) *toolregistry.Registry {
	t.Helper()
	reg := toolregistry.NewRegistry(nil)
	require.NoError(t, reg.Register(toolregistry.Spec{
		Name: "weather",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"tempF": 72}, nil
		},
	}))
	return reg
}

func newTestCoordinator(registry *toolregistry.Registry) *Coordinator {
	store := cachestore.NewMemory(1000)
	logger := telemetry.NewNoopLogger()
	return New(store, registry, nil, logger)
}

func weatherCallProgram(siteKey string) *sandbox.Program {
	call := &sandbox.Call{
		Callee: &sandbox.Member{
			Object:   &sandbox.Ident{Name: "api"},
			Property: &sandbox.Literal{Value: sandbox.Text("weather")},
		},
		Args:        []sandbox.Node{&sandbox.ObjectLit{Keys: []string{"city"}, Values: []sandbox.Node{&sandbox.Literal{Value: sandbox.Text("nyc")}}}},
		CallSiteKey: siteKey,
	}
	return &sandbox.Program{Body: []sandbox.Node{call}}
}

func TestStartCompletesPureProgram(t *testing.T) {
	c := newTestCoordinator(nil)
	result, err := c.Start(context.Background(), "sess_1", &sandbox.Program{Body: []sandbox.Node{
		&sandbox.Literal{Value: sandbox.Num(1)},
	}}, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, 1.0, result.Value)
}

func TestStartSuspendsThenResumeCompletes(t *testing.T) {
	registry := newClientServicedRegistry(t)
	c := newTestCoordinator(registry)
	ctx := context.Background()
	prog := weatherCallProgram("cs1")

	started, err := c.Start(ctx, "sess_1", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, started.Status)
	require.NotNil(t, started.NeedsCallback)
	require.Equal(t, "weather", started.NeedsCallback.Operation)

	resumed, err := c.Resume(ctx, "sess_1", started.ExecutionID, []EffectResult{
		{ID: started.NeedsCallback.ID, Result: map[string]any{"tempF": 72.0}},
	}, prog)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, resumed.Status)
	asMap, ok := resumed.Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 72.0, asMap["tempF"])
}

func TestStartResolvesLocalHandlerWithoutSuspending(t *testing.T) {
	registry := newLocalHandlerRegistry(t)
	c := newTestCoordinator(registry)
	ctx := context.Background()
	prog := weatherCallProgram("cs1-local")

	result, err := c.Start(ctx, "sess_1", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	asMap, ok := result.Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 72.0, asMap["tempF"])
}

func TestStartFailsWithCallBudgetExceeded(t *testing.T) {
	registry := newClientServicedRegistry(t)
	c := newTestCoordinator(registry).WithScheduler(batch.NewScheduler(0, 0))
	ctx := context.Background()
	prog := weatherCallProgram("cs-budget")

	result, err := c.Start(ctx, "sess_1", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.ProgramError)
}

func TestStartResolvesAtpLLMCallViaLocalResolver(t *testing.T) {
	c := newTestCoordinator(nil).WithLocalResolvers(modelprovider.NewResolver(fakeLLMProvider{}))
	ctx := context.Background()
	call := &sandbox.Call{
		Callee: &sandbox.Member{
			Object:   &sandbox.Member{Object: &sandbox.Ident{Name: "atp"}, Property: &sandbox.Literal{Value: sandbox.Text("llm")}},
			Property: &sandbox.Literal{Value: sandbox.Text("call")},
		},
		Args:        []sandbox.Node{&sandbox.ObjectLit{Keys: []string{"prompt"}, Values: []sandbox.Node{&sandbox.Literal{Value: sandbox.Text("hi")}}}},
		CallSiteKey: "cs-llm",
	}
	prog := &sandbox.Program{Body: []sandbox.Node{call}}

	result, err := c.Start(ctx, "sess_1", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	asMap, ok := result.Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "answer", asMap["text"])
}

func TestStartResolvesAtpEmbeddingCallViaLocalResolver(t *testing.T) {
	c := newTestCoordinator(nil).WithLocalResolvers(
		modelprovider.NewResolver(fakeLLMProvider{}),
		embeddingprovider.NewResolver(fakeEmbeddingProvider{}, "test-model"),
	)
	ctx := context.Background()
	call := &sandbox.Call{
		Callee: &sandbox.Member{
			Object:   &sandbox.Member{Object: &sandbox.Ident{Name: "atp"}, Property: &sandbox.Literal{Value: sandbox.Text("embedding")}},
			Property: &sandbox.Literal{Value: sandbox.Text("embed")},
		},
		Args: []sandbox.Node{&sandbox.ObjectLit{
			Keys: []string{"texts"},
			Values: []sandbox.Node{&sandbox.ArrayLit{Elements: []sandbox.Node{
				&sandbox.Literal{Value: sandbox.Text("hello")},
			}}},
		}},
		CallSiteKey: "cs-embed",
	}
	prog := &sandbox.Program{Body: []sandbox.Node{call}}

	result, err := c.Start(ctx, "sess_1", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	asMap, ok := result.Value.(map[string]any)
	require.True(t, ok)
	require.NotNil(t, asMap["vectors"])
}

func TestResumeRejectsWrongSession(t *testing.T) {
	registry := newClientServicedRegistry(t)
	c := newTestCoordinator(registry)
	ctx := context.Background()
	prog := weatherCallProgram("cs2")

	started, err := c.Start(ctx, "sess_owner", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, started.Status)

	_, err = c.Resume(ctx, "sess_attacker", started.ExecutionID, []EffectResult{
		{ID: started.NeedsCallback.ID, Result: map[string]any{"tempF": 72.0}},
	}, prog)
	require.Error(t, err)
}

func TestResumeUnknownExecutionIsNotFound(t *testing.T) {
	c := newTestCoordinator(nil)
	_, err := c.Resume(context.Background(), "sess_1", "exec_missing", nil, &sandbox.Program{})
	require.Error(t, err)
}

func TestCancelRequiresOwnership(t *testing.T) {
	c := newTestCoordinator(nil)
	ctx := context.Background()
	result, err := c.Start(ctx, "sess_owner", &sandbox.Program{Body: []sandbox.Node{&sandbox.Literal{Value: sandbox.Num(1)}}}, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	err = c.Cancel(ctx, "sess_other", result.ExecutionID)
	require.Error(t, err)
}

func TestStartBlocksLocalHandlerCallWhenPolicyDenies(t *testing.T) {
	registry := newLocalHandlerRegistry(t)
	engine := policy.NewEngine()
	require.NoError(t, engine.Register(policy.Policy{
		ID: "deny-weather",
		Evaluate: func(_ context.Context, toolName string, _ map[string]any, _ policy.LabelLookup) policy.Action {
			if toolName == "weather" {
				return policy.Block("weather lookups are disabled")
			}
			return policy.Log()
		},
	}))
	engine.Freeze()

	c := newTestCoordinator(registry).WithPolicies(engine)
	ctx := context.Background()
	prog := weatherCallProgram("cs-policy-blocked")

	_, err := c.Start(ctx, "sess_1", prog, provenance.ModeNone)
	require.Error(t, err)
	require.Equal(t, atperrors.KindPolicyBlocked, atperrors.KindOf(err))
}

func TestStartAllowsLocalHandlerCallWhenPolicyLogsOnly(t *testing.T) {
	registry := newLocalHandlerRegistry(t)
	engine := policy.NewEngine()
	require.NoError(t, engine.Register(policy.Policy{
		ID: "log-everything",
		Evaluate: func(_ context.Context, toolName string, _ map[string]any, _ policy.LabelLookup) policy.Action {
			return policy.Log()
		},
	}))
	engine.Freeze()

	c := newTestCoordinator(registry).WithPolicies(engine)
	ctx := context.Background()
	prog := weatherCallProgram("cs-policy-allowed")

	result, err := c.Start(ctx, "sess_1", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	asMap, ok := result.Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 72.0, asMap["tempF"])
}

func TestStartReportsSecurityViolationForBlockedIdentifier(t *testing.T) {
	c := newTestCoordinator(nil)
	prog := &sandbox.Program{Body: []sandbox.Node{
		&sandbox.Ident{Name: "process"},
	}}

	result, err := c.Start(context.Background(), "sess_1", prog, provenance.ModeNone)
	require.NoError(t, err)
	require.Equal(t, StatusSecurityViolation, result.Status)
	require.NotEmpty(t, result.ExecutionID)
	require.NotNil(t, result.ProgramError)
}
