package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atp-proto/atp-server/atp/effectcache"
	"github.com/atp-proto/atp-server/atp/provenance"
)

func newTestInterpreter() *Interpreter {
	global := NewGlobalEnv(nil)
	return NewInterpreter(global, effectcache.NewLog(), nil, "sess_1", "exec_1", provenance.ModeNone)
}

func TestArithmeticAndVariables(t *testing.T) {
	i := newTestInterpreter()
	prog := &Program{Body: []Node{
		&VarDecl{Name: "x", Init: &Literal{Value: Num(2)}},
		&VarDecl{Name: "y", Init: &Literal{Value: Num(3)}},
		&BinaryOp{Op: "+", Left: &Ident{Name: "x"}, Right: &Ident{Name: "y"}},
	}}
	v, susp, err := i.Run(prog)
	require.NoError(t, err)
	require.Nil(t, susp)
	require.Equal(t, 5.0, v.Number)
}

func TestStringConcatCoercesNumbers(t *testing.T) {
	i := newTestInterpreter()
	prog := &Program{Body: []Node{
		&BinaryOp{Op: "+", Left: &Literal{Value: Text("n=")}, Right: &Literal{Value: Num(4)}},
	}}
	v, susp, err := i.Run(prog)
	require.NoError(t, err)
	require.Nil(t, susp)
	require.Equal(t, "n=4", v.Str)
}

func TestIfElseBranches(t *testing.T) {
	i := newTestInterpreter()
	prog := &Program{Body: []Node{
		&If{
			Cond: &Literal{Value: Boolean(false)},
			Then: &Literal{Value: Text("then")},
			Else: &Literal{Value: Text("else")},
		},
	}}
	v, _, err := i.Run(prog)
	require.NoError(t, err)
	require.Equal(t, "else", v.Str)
}

func TestFunctionCallAndReturn(t *testing.T) {
	i := newTestInterpreter()
	double := &FuncLit{
		Params: []string{"n"},
		Body: &Block{Body: []Node{
			&Return{Value: &BinaryOp{Op: "*", Left: &Ident{Name: "n"}, Right: &Literal{Value: Num(2)}}},
		}},
	}
	prog := &Program{Body: []Node{
		&VarDecl{Name: "double", Init: double},
		&Call{Callee: &Ident{Name: "double"}, Args: []Node{&Literal{Value: Num(21)}}},
	}}
	v, susp, err := i.Run(prog)
	require.NoError(t, err)
	require.Nil(t, susp)
	require.Equal(t, 42.0, v.Number)
}

func TestTryCatchRecoversThrow(t *testing.T) {
	i := newTestInterpreter()
	prog := &Program{Body: []Node{
		&TryCatch{
			Try:      &Throw{Value: &Literal{Value: Text("boom")}},
			CatchVar: "e",
			Catch:    &Ident{Name: "e"},
		},
	}}
	v, susp, err := i.Run(prog)
	require.NoError(t, err)
	require.Nil(t, susp)
	require.Equal(t, "boom", v.Str)
}

func TestToolCallSuspendsOnCacheMiss(t *testing.T) {
	i := newTestInterpreter()
	call := &Call{
		Callee:      &Member{Object: &Ident{Name: "api"}, Property: &Literal{Value: Text("weather")}, Computed: false},
		Args:        []Node{&ObjectLit{Keys: []string{"city"}, Values: []Node{&Literal{Value: Text("nyc")}}}},
		CallSiteKey: "cs1",
	}
	i.Global.Declare("api", Obj(map[string]*Value{
		"weather": foreignValue(toolInvocationFunc("weather/lookup")),
	}))
	prog := &Program{Body: []Node{call}}
	v, susp, err := i.Run(prog)
	require.NoError(t, err)
	require.Nil(t, v)
	require.NotNil(t, susp)
	require.Len(t, susp.Invocations(), 1)
	require.Equal(t, "weather/lookup", susp.Invocations()[0].Operation)
	require.Equal(t, "cs1", susp.Invocations()[0].CallSiteKey)
}

func TestToolCallReplaysFromEffectCache(t *testing.T) {
	i := newTestInterpreter()
	i.Global.Declare("api", Obj(map[string]*Value{
		"weather": foreignValue(toolInvocationFunc("weather/lookup")),
	}))
	args := map[string]any{"city": "nyc"}
	digest, err := effectcache.ArgDigest(args)
	require.NoError(t, err)
	require.NoError(t, i.Effects.Record("exec_1", effectcache.Entry{
		CallSiteKey: "cs1",
		CallKind:    "call",
		ArgDigest:   digest,
		OutputValue: []byte(`{"tempF":72}`),
	}))

	call := &Call{
		Callee:      &Member{Object: &Ident{Name: "api"}, Property: &Literal{Value: Text("weather")}, Computed: false},
		Args:        []Node{&ObjectLit{Keys: []string{"city"}, Values: []Node{&Literal{Value: Text("nyc")}}}},
		CallSiteKey: "cs1",
	}
	prog := &Program{Body: []Node{call}}
	v, susp, err := i.Run(prog)
	require.NoError(t, err)
	require.Nil(t, susp)
	require.Equal(t, KindObject, v.Kind)
	require.Equal(t, 72.0, v.Object["tempF"].Number)
}

func TestIndependentForBatchesSuspensions(t *testing.T) {
	i := newTestInterpreter()
	i.Global.Declare("api", Obj(map[string]*Value{
		"notify": foreignValue(toolInvocationFunc("notify/send")),
	}))
	i.Global.Declare("items", &Value{Kind: KindArray, Array: []*Value{Text("a"), Text("b"), Text("c")}})

	loop := &For{
		Var:      "item",
		Iterable: &Ident{Name: "items"},
		Independent: true,
		Body: &Call{
			Callee:      &Member{Object: &Ident{Name: "api"}, Property: &Literal{Value: Text("notify")}, Computed: false},
			Args:        []Node{&ObjectLit{Keys: []string{"who"}, Values: []Node{&Ident{Name: "item"}}}},
			CallSiteKey: "cs-loop",
		},
	}
	prog := &Program{Body: []Node{loop}}
	_, susp, err := i.Run(prog)
	require.NoError(t, err)
	require.NotNil(t, susp)
	require.Len(t, susp.Invocations(), 3)
}

func TestValidateRejectsBlockedIdentifier(t *testing.T) {
	prog := &Program{Body: []Node{&Ident{Name: "process"}}}
	err := Validate(prog)
	require.Error(t, err)
}

func TestValidateAcceptsOrdinaryProgram(t *testing.T) {
	prog := &Program{Body: []Node{
		&VarDecl{Name: "x", Init: &Literal{Value: Num(1)}},
		&BinaryOp{Op: "+", Left: &Ident{Name: "x"}, Right: &Literal{Value: Num(1)}},
	}}
	require.NoError(t, Validate(prog))
}
