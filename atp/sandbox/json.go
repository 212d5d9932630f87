package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/atp-proto/atp-server/atp/provenance"
)

// wireNode is the JSON shape every Node marshals to and unmarshals from: a
// "type" discriminator plus type-specific fields. This is the "small
// JSON-encoded AST shipped by a client-side compiler" the Node doc comment
// describes — ATP itself never parses source text, but it does need to
// decode the AST a client-side compiler produced, so this file is the wire
// boundary for that, not a parser.
type wireNode struct {
	Type string `json:"type"`

	// Literal
	Value json.RawMessage `json:"value,omitempty"`

	// Ident / VarDecl.Name / For.Var
	Name string `json:"name,omitempty"`

	// ArrayLit / ObjectLit.Values / Call.Args / WaitAll.Exprs / Program.Body / Block.Body
	Elements []json.RawMessage `json:"elements,omitempty"`

	// ObjectLit.Keys
	Keys []string `json:"keys,omitempty"`

	// BinaryOp / UnaryOp
	Op string `json:"op,omitempty"`

	Left  json.RawMessage `json:"left,omitempty"`
	Right json.RawMessage `json:"right,omitempty"`

	Operand json.RawMessage `json:"operand,omitempty"`

	// Member
	Object   json.RawMessage `json:"object,omitempty"`
	Property json.RawMessage `json:"property,omitempty"`
	Computed bool            `json:"computed,omitempty"`

	// Assign
	Target json.RawMessage `json:"target,omitempty"`

	// If
	Cond json.RawMessage `json:"cond,omitempty"`
	Then json.RawMessage `json:"then,omitempty"`
	Else json.RawMessage `json:"else,omitempty"`

	// For
	Iterable    json.RawMessage `json:"iterable,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Independent bool            `json:"independent,omitempty"`

	// FuncLit
	Params []string `json:"params,omitempty"`

	// Call / WaitAll
	Callee      json.RawMessage `json:"callee,omitempty"`
	CallSiteKey string          `json:"callSiteKey,omitempty"`

	// Return / Throw
	RetValue json.RawMessage `json:"returnValue,omitempty"`

	// TryCatch
	Try      json.RawMessage `json:"try,omitempty"`
	CatchVar string          `json:"catchVar,omitempty"`
	Catch    json.RawMessage `json:"catch,omitempty"`
}

// marshalNode encodes any concrete Node type by dispatching on the Go
// type, emitting the discriminated wireNode shape.
func marshalNode(n Node) (json.RawMessage, error) {
	if n == nil {
		return json.RawMessage("null"), nil
	}
	switch v := n.(type) {
	case *Program:
		return marshalList("Program", v.Body)
	case *Literal:
		val, err := json.Marshal(v.Value.ToNative())
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "Literal", Value: val})
	case *Ident:
		return json.Marshal(wireNode{Type: "Ident", Name: v.Name})
	case *ArrayLit:
		return marshalList("ArrayLit", v.Elements)
	case *ObjectLit:
		elems := make([]json.RawMessage, len(v.Values))
		for i, e := range v.Values {
			raw, err := marshalNode(e)
			if err != nil {
				return nil, err
			}
			elems[i] = raw
		}
		return json.Marshal(wireNode{Type: "ObjectLit", Keys: v.Keys, Elements: elems})
	case *BinaryOp:
		left, err := marshalNode(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := marshalNode(v.Right)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "BinaryOp", Op: v.Op, Left: left, Right: right})
	case *UnaryOp:
		operand, err := marshalNode(v.Operand)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "UnaryOp", Op: v.Op, Operand: operand})
	case *Member:
		object, err := marshalNode(v.Object)
		if err != nil {
			return nil, err
		}
		property, err := marshalNode(v.Property)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "Member", Object: object, Property: property, Computed: v.Computed})
	case *Assign:
		target, err := marshalNode(v.Target)
		if err != nil {
			return nil, err
		}
		value, err := marshalNode(v.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "Assign", Target: target, Right: value})
	case *VarDecl:
		init, err := marshalNode(v.Init)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "VarDecl", Name: v.Name, Right: init})
	case *If:
		cond, err := marshalNode(v.Cond)
		if err != nil {
			return nil, err
		}
		then, err := marshalNode(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := marshalNode(v.Else)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "If", Cond: cond, Then: then, Else: els})
	case *Block:
		return marshalList("Block", v.Body)
	case *For:
		iterable, err := marshalNode(v.Iterable)
		if err != nil {
			return nil, err
		}
		body, err := marshalNode(v.Body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "For", Name: v.Var, Iterable: iterable, Body: body, Independent: v.Independent})
	case *FuncLit:
		body, err := marshalNode(v.Body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "FuncLit", Params: v.Params, Body: body})
	case *Call:
		callee, err := marshalNode(v.Callee)
		if err != nil {
			return nil, err
		}
		args := make([]json.RawMessage, len(v.Args))
		for i, a := range v.Args {
			raw, err := marshalNode(a)
			if err != nil {
				return nil, err
			}
			args[i] = raw
		}
		return json.Marshal(wireNode{Type: "Call", Callee: callee, Elements: args, CallSiteKey: v.CallSiteKey})
	case *WaitAll:
		exprs := make([]json.RawMessage, len(v.Exprs))
		for i, e := range v.Exprs {
			raw, err := marshalNode(e)
			if err != nil {
				return nil, err
			}
			exprs[i] = raw
		}
		return json.Marshal(wireNode{Type: "WaitAll", Elements: exprs, CallSiteKey: v.CallSiteKey})
	case *Return:
		val, err := marshalNode(v.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "Return", RetValue: val})
	case *Throw:
		val, err := marshalNode(v.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "Throw", RetValue: val})
	case *TryCatch:
		try, err := marshalNode(v.Try)
		if err != nil {
			return nil, err
		}
		catch, err := marshalNode(v.Catch)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Type: "TryCatch", Try: try, CatchVar: v.CatchVar, Catch: catch})
	default:
		return nil, fmt.Errorf("sandbox: unknown node type %T", n)
	}
}

func marshalList(typ string, body []Node) (json.RawMessage, error) {
	elems := make([]json.RawMessage, len(body))
	for i, n := range body {
		raw, err := marshalNode(n)
		if err != nil {
			return nil, err
		}
		elems[i] = raw
	}
	return json.Marshal(wireNode{Type: typ, Elements: elems})
}

// MarshalJSON encodes the program as the wire AST. Used by the transport
// layer for diagnostics; clients send programs, they rarely receive them.
func (p *Program) MarshalJSON() ([]byte, error) {
	raw, err := marshalList("Program", p.Body)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// UnmarshalProgram decodes the `code` field of an /api/execute request (the
// JSON-encoded AST a client-side compiler produced) into a *Program.
func UnmarshalProgram(data []byte) (*Program, error) {
	n, err := unmarshalNode(data)
	if err != nil {
		return nil, err
	}
	prog, ok := n.(*Program)
	if !ok {
		return nil, fmt.Errorf("sandbox: root node must be Program, got %T", n)
	}
	return prog, nil
}

func unmarshalNode(data []byte) (Node, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("sandbox: decoding node: %w", err)
	}
	switch w.Type {
	case "Program":
		body, err := unmarshalList(w.Elements)
		if err != nil {
			return nil, err
		}
		return &Program{Body: body}, nil
	case "Literal":
		var native any
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &native); err != nil {
				return nil, err
			}
		}
		return &Literal{Value: FromNative(native, provenance.Label{})}, nil
	case "Ident":
		return &Ident{Name: w.Name}, nil
	case "ArrayLit":
		elems, err := unmarshalList(w.Elements)
		if err != nil {
			return nil, err
		}
		return &ArrayLit{Elements: elems}, nil
	case "ObjectLit":
		elems, err := unmarshalList(w.Elements)
		if err != nil {
			return nil, err
		}
		return &ObjectLit{Keys: w.Keys, Values: elems}, nil
	case "BinaryOp":
		left, err := unmarshalNode(w.Left)
		if err != nil {
			return nil, err
		}
		right, err := unmarshalNode(w.Right)
		if err != nil {
			return nil, err
		}
		return &BinaryOp{Op: w.Op, Left: left, Right: right}, nil
	case "UnaryOp":
		operand, err := unmarshalNode(w.Operand)
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: w.Op, Operand: operand}, nil
	case "Member":
		object, err := unmarshalNode(w.Object)
		if err != nil {
			return nil, err
		}
		property, err := unmarshalNode(w.Property)
		if err != nil {
			return nil, err
		}
		return &Member{Object: object, Property: property, Computed: w.Computed}, nil
	case "Assign":
		target, err := unmarshalNode(w.Target)
		if err != nil {
			return nil, err
		}
		value, err := unmarshalNode(w.Right)
		if err != nil {
			return nil, err
		}
		return &Assign{Target: target, Value: value}, nil
	case "VarDecl":
		init, err := unmarshalNode(w.Right)
		if err != nil {
			return nil, err
		}
		return &VarDecl{Name: w.Name, Init: init}, nil
	case "If":
		cond, err := unmarshalNode(w.Cond)
		if err != nil {
			return nil, err
		}
		then, err := unmarshalNode(w.Then)
		if err != nil {
			return nil, err
		}
		els, err := unmarshalNode(w.Else)
		if err != nil {
			return nil, err
		}
		return &If{Cond: cond, Then: then, Else: els}, nil
	case "Block":
		body, err := unmarshalList(w.Elements)
		if err != nil {
			return nil, err
		}
		return &Block{Body: body}, nil
	case "For":
		iterable, err := unmarshalNode(w.Iterable)
		if err != nil {
			return nil, err
		}
		body, err := unmarshalNode(w.Body)
		if err != nil {
			return nil, err
		}
		return &For{Var: w.Name, Iterable: iterable, Body: body, Independent: w.Independent}, nil
	case "FuncLit":
		body, err := unmarshalNode(w.Body)
		if err != nil {
			return nil, err
		}
		return &FuncLit{Params: w.Params, Body: body}, nil
	case "Call":
		callee, err := unmarshalNode(w.Callee)
		if err != nil {
			return nil, err
		}
		args, err := unmarshalList(w.Elements)
		if err != nil {
			return nil, err
		}
		return &Call{Callee: callee, Args: args, CallSiteKey: w.CallSiteKey}, nil
	case "WaitAll":
		exprs, err := unmarshalList(w.Elements)
		if err != nil {
			return nil, err
		}
		return &WaitAll{Exprs: exprs, CallSiteKey: w.CallSiteKey}, nil
	case "Return":
		val, err := unmarshalNode(w.RetValue)
		if err != nil {
			return nil, err
		}
		return &Return{Value: val}, nil
	case "Throw":
		val, err := unmarshalNode(w.RetValue)
		if err != nil {
			return nil, err
		}
		return &Throw{Value: val}, nil
	case "TryCatch":
		try, err := unmarshalNode(w.Try)
		if err != nil {
			return nil, err
		}
		catch, err := unmarshalNode(w.Catch)
		if err != nil {
			return nil, err
		}
		return &TryCatch{Try: try, CatchVar: w.CatchVar, Catch: catch}, nil
	default:
		return nil, fmt.Errorf("sandbox: unknown wire node type %q", w.Type)
	}
}

func unmarshalList(raws []json.RawMessage) ([]Node, error) {
	out := make([]Node, len(raws))
	for i, raw := range raws {
		n, err := unmarshalNode(raw)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
