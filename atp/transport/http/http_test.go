package http

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atp-proto/atp-server/atp/cachestore"
	"github.com/atp-proto/atp-server/atp/coordinator"
	"github.com/atp-proto/atp-server/atp/policy"
	"github.com/atp-proto/atp-server/atp/provenance"
	"github.com/atp-proto/atp-server/atp/sandbox"
	"github.com/atp-proto/atp-server/atp/session"
	"github.com/atp-proto/atp-server/atp/telemetry"
	"github.com/atp-proto/atp-server/atp/toolregistry"
)

const testSecret = "01234567890123456789012345678901"

func newTestServer(t *testing.T, registry *toolregistry.Registry) (*Server, *session.Manager) {
	t.Helper()
	store := cachestore.NewMemory(0)
	logger := telemetry.NewNoopLogger()

	sessions, err := session.NewManager([]byte(testSecret), store, logger)
	require.NoError(t, err)

	if registry == nil {
		registry = toolregistry.NewRegistry(nil)
	}
	registry.Freeze()

	tracker, err := provenance.NewTracker(nil, provenance.ModeNone)
	require.NoError(t, err)

	coord := coordinator.New(store, registry, tracker, logger)
	policies := policy.NewEngine()
	policies.Freeze()

	return New(sessions, registry, coord, policies, provenance.ModeNone, logger), sessions
}

func initSession(t *testing.T, srv *Server) (token string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/init", bytes.NewReader([]byte(`{"clientInfo":{}}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	tok, ok := body["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, tok)
	return tok
}

func TestHandleInfoRequiresNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/api/info", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, Version, body["version"])
}

func TestHandleInitIssuesSessionToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	token := initSession(t, srv)
	require.NotEmpty(t, token)
}

func TestHandleDefinitionsRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/api/definitions", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)
}

func TestHandleDefinitionsListsRegisteredTools(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	require.NoError(t, registry.Register(toolregistry.Spec{Name: "weather/current"}))

	srv, _ := newTestServer(t, registry)
	token := initSession(t, srv)

	req := httptest.NewRequest("GET", "/api/definitions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	groups, ok := body["apiGroups"].([]any)
	require.True(t, ok)
	require.Contains(t, groups, "weather")
}

func TestHandleExecuteReturnsParseErrorForUnparseableProgram(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	token := initSession(t, srv)

	reqBody, err := json.Marshal(map[string]any{"code": json.RawMessage(`{"type":"NotARealNodeType"}`)})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/execute", bytes.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var result coordinator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, coordinator.StatusParseError, result.Status)
	require.NotNil(t, result.ProgramError)
	require.Empty(t, result.ExecutionID)
}

func TestHandleExecuteRunsPureProgramEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	token := initSession(t, srv)

	prog := &sandbox.Program{Body: []sandbox.Node{
		&sandbox.BinaryOp{Op: "+", Left: &sandbox.Literal{Value: sandbox.Num(2)}, Right: &sandbox.Literal{Value: sandbox.Num(3)}},
	}}
	code, err := json.Marshal(prog)
	require.NoError(t, err)

	reqBody, err := json.Marshal(map[string]any{"code": json.RawMessage(code)})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/execute", bytes.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var result coordinator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, coordinator.StatusCompleted, result.Status)
	require.Equal(t, 5.0, result.Value)
}

func TestHandleExecuteThenResumeCompletesSuspendedProgram(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	require.NoError(t, registry.Register(toolregistry.Spec{Name: "weather"}))

	srv, _ := newTestServer(t, registry)
	token := initSession(t, srv)

	call := &sandbox.Call{
		Callee: &sandbox.Member{
			Object:   &sandbox.Ident{Name: "api"},
			Property: &sandbox.Literal{Value: sandbox.Text("weather")},
		},
		Args:        []sandbox.Node{&sandbox.ObjectLit{Keys: []string{"city"}, Values: []sandbox.Node{&sandbox.Literal{Value: sandbox.Text("nyc")}}}},
		CallSiteKey: "cs1",
	}
	prog := &sandbox.Program{Body: []sandbox.Node{call}}
	code, err := json.Marshal(prog)
	require.NoError(t, err)

	reqBody, err := json.Marshal(map[string]any{"code": json.RawMessage(code)})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/execute", bytes.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var started coordinator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, coordinator.StatusPaused, started.Status)
	require.NotNil(t, started.NeedsCallback)

	resumeBody, err := json.Marshal(map[string]any{
		"result": coordinator.EffectResult{ID: started.NeedsCallback.ID, Result: map[string]any{"tempF": 72.0}},
		"code":   json.RawMessage(code),
	})
	require.NoError(t, err)

	resumeReq := httptest.NewRequest("POST", "/api/resume/"+started.ExecutionID, bytes.NewReader(resumeBody))
	resumeReq.Header.Set("Authorization", "Bearer "+token)
	resumeRec := httptest.NewRecorder()
	srv.ServeHTTP(resumeRec, resumeReq)

	require.Equal(t, 200, resumeRec.Code)
	var resumed coordinator.Result
	require.NoError(t, json.Unmarshal(resumeRec.Body.Bytes(), &resumed))
	require.Equal(t, coordinator.StatusCompleted, resumed.Status)
	asMap, ok := resumed.Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 72.0, asMap["tempF"])
}

func TestHandleSearchRanksByKeywordRelevance(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	require.NoError(t, registry.Register(toolregistry.Spec{Name: "weather/currentConditions"}))
	require.NoError(t, registry.Register(toolregistry.Spec{Name: "billing/refund"}))

	srv, _ := newTestServer(t, registry)
	token := initSession(t, srv)

	reqBody, err := json.Marshal(map[string]any{"query": "weather"})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/search", bytes.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	require.Equal(t, "weather", first["apiGroup"])
}
