// Package sandbox implements component D: evaluation of a user program
// inside an isolated value space (spec §4.D). The value universe is modeled
// as a tagged union per the design note in spec §9 ("callable sandbox over
// dynamic dispatch": primitive, container, closure, foreign; operations
// dispatch on the tag, host runtime values are never reflected in).
package sandbox

import (
	"fmt"

	"github.com/atp-proto/atp-server/atp/provenance"
)

// Kind tags a Value's shape.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindClosure
	KindForeign
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindClosure:
		return "function"
	case KindForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// Value is every value reachable inside the sandbox's value graph. Bool,
// Number, and Str hold the primitive payload for their respective Kind;
// Array and Object hold containers; Closure holds a user-defined function;
// Foreign wraps a host-provided callable (the `atp.*`/`api.*` namespace
// entries) that the interpreter may invoke but never inspect the internals
// of. Label carries this value's provenance (spec §3 "every value carries a
// provenance label"); in ModeNone it is the zero Label.
type Value struct {
	Kind    Kind
	Bool    bool
	Number  float64
	Str     string
	Array   []*Value
	Object  map[string]*Value
	Closure *Closure
	Foreign ForeignFunc
	Label   provenance.Label
}

// ForeignFunc is a host-implemented callable reachable from the sandbox
// (an `atp.*` or `api.*` entry, or a curated global like JSON.stringify).
// callSiteKey is the call node's parse-assigned key (spec §4.D "Each
// suspension is identified by a stable callSiteKey assigned during
// parse"); non-suspendable builtins ignore it. Foreign calls that need to
// suspend return a non-nil *Suspend instead of a value; the caller (Eval)
// is responsible for propagating it unevaluated, per the "pause via thrown
// sentinels modeled as a tagged return" design note (spec §9).
type ForeignFunc func(i *Interpreter, callSiteKey string, args []*Value) (*Value, *Suspend, error)

// Closure is a user-defined function: its parameter names, body, and the
// lexical environment captured at definition time.
type Closure struct {
	Params []string
	Body   Node
	Env    *Env
}

var (
	Undefined = &Value{Kind: KindUndefined}
	Null      = &Value{Kind: KindNull}
	True      = &Value{Kind: KindBool, Bool: true}
	False     = &Value{Kind: KindBool, Bool: false}
)

// Num, Text, Boolean, Arr, and Obj construct labeled-empty primitive/container
// values. Labels are attached separately by the interpreter when operating
// in AST mode (see atp/provenance.Merge).
func Num(n float64) *Value       { return &Value{Kind: KindNumber, Number: n} }
func Text(s string) *Value       { return &Value{Kind: KindString, Str: s} }

func Boolean(b bool) *Value {
	if b {
		return True
	}
	return False
}

func Arr(items ...*Value) *Value { return &Value{Kind: KindArray, Array: items} }
func Obj(fields map[string]*Value) *Value {
	if fields == nil {
		fields = map[string]*Value{}
	}
	return &Value{Kind: KindObject, Object: fields}
}

// Truthy implements the sandbox's boolean-coercion rule, matching ordinary
// JS-like truthiness since the program model is JS-like (spec §1
// "JavaScript-like user programs").
func (v *Value) Truthy() bool {
	if v == nil {
		return false
	}
	switch v.Kind {
	case KindUndefined, KindNull:
		return false
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number != 0
	case KindString:
		return v.Str != ""
	default:
		return true
	}
}

// ToNative converts a Value into a plain Go value (map[string]any,
// []any, string, float64, bool, nil) for handing to tool handlers and for
// JSON marshaling at the effect cache / provenance boundary.
func (v *Value) ToNative() any {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case KindUndefined, KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = e.ToNative()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			out[k] = e.ToNative()
		}
		return out
	default:
		return fmt.Sprintf("<%s>", v.Kind)
	}
}

// FromNative lifts a plain Go value (as decoded from JSON, or returned by a
// tool handler) into the sandbox's Value universe, attaching label to every
// level of a container so provenance propagates into nested accesses.
func FromNative(v any, label provenance.Label) *Value {
	switch x := v.(type) {
	case nil:
		return &Value{Kind: KindNull, Label: label}
	case bool:
		return &Value{Kind: KindBool, Bool: x, Label: label}
	case float64:
		return &Value{Kind: KindNumber, Number: x, Label: label}
	case int:
		return &Value{Kind: KindNumber, Number: float64(x), Label: label}
	case string:
		return &Value{Kind: KindString, Str: x, Label: label}
	case []any:
		arr := make([]*Value, len(x))
		for i, e := range x {
			arr[i] = FromNative(e, label)
		}
		return &Value{Kind: KindArray, Array: arr, Label: label}
	case map[string]any:
		obj := make(map[string]*Value, len(x))
		for k, e := range x {
			obj[k] = FromNative(e, label)
		}
		return &Value{Kind: KindObject, Object: obj, Label: label}
	default:
		return &Value{Kind: KindString, Str: fmt.Sprintf("%v", x), Label: label}
	}
}
