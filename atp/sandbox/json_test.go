package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSampleProgram exercises every wire shape that matters for the
// execute/resume path: a closure bound through VarDecl/Ident/Call, an
// If/BinaryOp condition, an ObjectLit argument, and a TryCatch/Throw.
func buildSampleProgram() *Program {
	double := &FuncLit{
		Params: []string{"n"},
		Body: &Block{Body: []Node{
			&Return{Value: &BinaryOp{Op: "*", Left: &Ident{Name: "n"}, Right: &Literal{Value: Num(2)}}},
		}},
	}
	return &Program{Body: []Node{
		&VarDecl{Name: "double", Init: double},
		&VarDecl{Name: "x", Init: &Call{Callee: &Ident{Name: "double"}, Args: []Node{&Literal{Value: Num(21)}}}},
		&VarDecl{Name: "cfg", Init: &ObjectLit{
			Keys:   []string{"a", "b"},
			Values: []Node{&Literal{Value: Num(1)}, &Literal{Value: Text("two")}},
		}},
		&TryCatch{
			Try:      &Throw{Value: &Literal{Value: Text("boom")}},
			CatchVar: "e",
			Catch:    &Ident{Name: "e"},
		},
		&If{
			Cond: &BinaryOp{Op: ">", Left: &Ident{Name: "x"}, Right: &Literal{Value: Num(1)}},
			Then: &Member{Object: &Ident{Name: "cfg"}, Property: &Literal{Value: Text("b")}, Computed: true},
			Else: &Literal{Value: Text("small")},
		},
	}}
}

func TestProgramRoundTripsThroughJSON(t *testing.T) {
	prog := buildSampleProgram()

	data, err := json.Marshal(prog)
	require.NoError(t, err)

	decoded, err := UnmarshalProgram(data)
	require.NoError(t, err)

	// Both the original and the decoded program should evaluate identically
	// through an independent interpreter, which is the property the wire
	// codec actually needs to hold (structural re-encoding can legitimately
	// differ in node identity, not in behavior).
	orig, susp, err := newTestInterpreter().Run(prog)
	require.NoError(t, err)
	require.Nil(t, susp)
	require.Equal(t, "two", orig.Str)

	got, susp, err := newTestInterpreter().Run(decoded)
	require.NoError(t, err)
	require.Nil(t, susp)
	require.Equal(t, "two", got.Str)
}

func TestProgramRoundTripRejectsNonProgramRoot(t *testing.T) {
	raw, err := marshalNode(&Literal{Value: Num(1)})
	require.NoError(t, err)

	_, err = UnmarshalProgram(raw)
	require.Error(t, err)
}

func TestProgramRoundTripRejectsUnknownNodeType(t *testing.T) {
	_, err := UnmarshalProgram([]byte(`{"type":"Program","elements":[{"type":"NotANode"}]}`))
	require.Error(t, err)
}
