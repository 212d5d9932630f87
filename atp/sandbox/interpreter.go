package sandbox

import (
	"fmt"
	"math"

	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/effectcache"
	"github.com/atp-proto/atp-server/atp/provenance"
)

// ProgramError is a thrown, catchable value (spec §7 "the program receives
// a catchable error"), distinct from a Go error: a Throw node returns one
// of these as eval's error, and TryCatch recovers it without unwinding past
// the enclosing function.
type ProgramError struct {
	Value *Value
}

func (e *ProgramError) Error() string { return fmt.Sprintf("thrown: %v", e.Value.ToNative()) }

// Interpreter evaluates one Program against one execution's accumulated
// state (spec §4.D "Scheduling within one execution: single-threaded,
// cooperative"). It is not safe for concurrent use; the coordinator owns
// exactly one execution's Interpreter at a time.
type Interpreter struct {
	Global      *Env
	Effects     *effectcache.Log
	Tracker     *provenance.Tracker
	SessionID   string
	ExecutionID string
	Mode        provenance.Mode

	// callCounter is not read or incremented by the interpreter; call
	// sites are identified solely by their parse-time CallSiteKey.
	callCounter int
}

// NewInterpreter constructs an Interpreter wired to one execution's effect
// log and provenance tracker. global is built by NewGlobalEnv.
func NewInterpreter(global *Env, effects *effectcache.Log, tracker *provenance.Tracker, sessionID, executionID string, mode provenance.Mode) *Interpreter {
	return &Interpreter{
		Global:      global,
		Effects:     effects,
		Tracker:     tracker,
		SessionID:   sessionID,
		ExecutionID: executionID,
		Mode:        mode,
	}
}

// Run evaluates a program from the start (spec §4.E resume step 4: "the
// interpreter re-executes from program start ... deterministic replay").
// It returns either a final value, a Suspend describing the pending
// effect(s), or a Go error for a non-catchable engine failure (auth,
// validation) — a thrown program error is instead wrapped in
// *ProgramError and returned via err, distinguishable via errors.As.
func (i *Interpreter) Run(p *Program) (*Value, *Suspend, error) {
	env := NewEnv(i.Global)
	var last *Value = Undefined
	for _, stmt := range p.Body {
		v, susp, err := i.eval(stmt, env)
		if susp != nil || err != nil {
			return v, susp, err
		}
		last = v
	}
	return last, nil, nil
}

// eval is the core recursive evaluator. Every case explicitly checks for a
// propagated Suspend and returns immediately without side effects beyond
// what already ran, per the design note in spec §9 ("evaluation frames
// explicitly check and propagate").
func (i *Interpreter) eval(n Node, env *Env) (*Value, *Suspend, error) {
	switch node := n.(type) {
	case *Literal:
		return node.Value, nil, nil

	case *Ident:
		v, ok := env.Get(node.Name)
		if !ok {
			return nil, nil, atperrors.Newf(atperrors.KindRuntime, "sandbox: undefined variable %q", node.Name)
		}
		return v, nil, nil

	case *ArrayLit:
		arr := make([]*Value, len(node.Elements))
		for idx, e := range node.Elements {
			v, susp, err := i.eval(e, env)
			if susp != nil || err != nil {
				return nil, susp, err
			}
			arr[idx] = v
		}
		return &Value{Kind: KindArray, Array: arr}, nil, nil

	case *ObjectLit:
		obj := make(map[string]*Value, len(node.Keys))
		for idx, k := range node.Keys {
			v, susp, err := i.eval(node.Values[idx], env)
			if susp != nil || err != nil {
				return nil, susp, err
			}
			obj[k] = v
		}
		return &Value{Kind: KindObject, Object: obj}, nil, nil

	case *BinaryOp:
		return i.evalBinary(node, env)

	case *UnaryOp:
		return i.evalUnary(node, env)

	case *Member:
		return i.evalMember(node, env)

	case *VarDecl:
		v, susp, err := i.eval(node.Init, env)
		if susp != nil || err != nil {
			return nil, susp, err
		}
		env.Declare(node.Name, v)
		return Undefined, nil, nil

	case *Assign:
		v, susp, err := i.eval(node.Value, env)
		if susp != nil || err != nil {
			return nil, susp, err
		}
		if err := i.assign(node.Target, v, env); err != nil {
			return nil, nil, err
		}
		return v, nil, nil

	case *If:
		cond, susp, err := i.eval(node.Cond, env)
		if susp != nil || err != nil {
			return nil, susp, err
		}
		if cond.Truthy() {
			return i.eval(node.Then, env)
		}
		if node.Else != nil {
			return i.eval(node.Else, env)
		}
		return Undefined, nil, nil

	case *Block:
		child := NewEnv(env)
		var last *Value = Undefined
		for _, s := range node.Body {
			v, susp, err := i.eval(s, child)
			if susp != nil || err != nil {
				return v, susp, err
			}
			last = v
		}
		return last, nil, nil

	case *For:
		return i.evalFor(node, env)

	case *FuncLit:
		return &Value{Kind: KindClosure, Closure: &Closure{Params: node.Params, Body: node.Body, Env: env}}, nil, nil

	case *Call:
		return i.evalCall(node, env)

	case *WaitAll:
		return i.evalWaitAll(node, env)

	case *Return:
		v, susp, err := i.eval(node.Value, env)
		if susp != nil || err != nil {
			return v, susp, err
		}
		return v, nil, &returnSignal{v}

	case *Throw:
		v, susp, err := i.eval(node.Value, env)
		if susp != nil || err != nil {
			return v, susp, err
		}
		return nil, nil, &ProgramError{Value: v}

	case *TryCatch:
		v, susp, err := i.eval(node.Try, env)
		if susp != nil {
			return v, susp, err
		}
		if err != nil {
			var perr *ProgramError
			if pe, ok := err.(*ProgramError); ok {
				perr = pe
			} else if _, ok := err.(*returnSignal); ok {
				return v, nil, err
			} else {
				return nil, nil, err
			}
			child := NewEnv(env)
			if node.CatchVar != "" {
				child.Declare(node.CatchVar, perr.Value)
			}
			return i.eval(node.Catch, child)
		}
		return v, nil, nil

	default:
		return nil, nil, atperrors.Newf(atperrors.KindRuntime, "sandbox: unhandled node type %T", n)
	}
}

// returnSignal unwinds to the nearest function call boundary carrying the
// returned value; it is not a *ProgramError; evalCall recognizes it and
// stops unwinding there.
type returnSignal struct{ Value *Value }

func (r *returnSignal) Error() string { return "return" }

func (i *Interpreter) assign(target Node, v *Value, env *Env) error {
	switch t := target.(type) {
	case *Ident:
		env.Set(t.Name, v)
		return nil
	case *Member:
		obj, _, err := i.eval(t.Object, env)
		if err != nil {
			return err
		}
		key, _, err := i.evalPropertyKey(t, env)
		if err != nil {
			return err
		}
		switch obj.Kind {
		case KindObject:
			obj.Object[key] = v
		case KindArray:
			idx := int(mustNumber(key))
			for len(obj.Array) <= idx {
				obj.Array = append(obj.Array, Undefined)
			}
			obj.Array[idx] = v
		default:
			return atperrors.New(atperrors.KindRuntime, "sandbox: cannot assign into non-container")
		}
		return nil
	default:
		return atperrors.New(atperrors.KindRuntime, "sandbox: invalid assignment target")
	}
}

func mustNumber(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%g", &f)
	return f
}

func (i *Interpreter) evalPropertyKey(m *Member, env *Env) (string, *Suspend, error) {
	if !m.Computed {
		lit, ok := m.Property.(*Literal)
		if ok && lit.Value.Kind == KindString {
			return lit.Value.Str, nil, nil
		}
	}
	v, susp, err := i.eval(m.Property, env)
	if susp != nil || err != nil {
		return "", susp, err
	}
	switch v.Kind {
	case KindString:
		return v.Str, nil, nil
	case KindNumber:
		return fmt.Sprintf("%d", int(v.Number)), nil, nil
	default:
		return "", nil, atperrors.New(atperrors.KindRuntime, "sandbox: invalid property key")
	}
}

func (i *Interpreter) evalMember(node *Member, env *Env) (*Value, *Suspend, error) {
	obj, susp, err := i.eval(node.Object, env)
	if susp != nil || err != nil {
		return nil, susp, err
	}
	key, susp, err := i.evalPropertyKey(node, env)
	if susp != nil || err != nil {
		return nil, susp, err
	}
	switch obj.Kind {
	case KindObject:
		v, ok := obj.Object[key]
		if !ok {
			return Undefined, nil, nil
		}
		return v, nil, nil
	case KindArray:
		idx := int(mustNumber(key))
		if idx < 0 || idx >= len(obj.Array) {
			return Undefined, nil, nil
		}
		return obj.Array[idx], nil, nil
	default:
		return Undefined, nil, nil
	}
}

func (i *Interpreter) evalUnary(node *UnaryOp, env *Env) (*Value, *Suspend, error) {
	v, susp, err := i.eval(node.Operand, env)
	if susp != nil || err != nil {
		return nil, susp, err
	}
	switch node.Op {
	case "!":
		return Boolean(!v.Truthy()), nil, nil
	case "-":
		return Num(-v.Number), nil, nil
	case "typeof":
		return Text(v.Kind.String()), nil, nil
	default:
		return nil, nil, atperrors.Newf(atperrors.KindRuntime, "sandbox: unknown unary operator %q", node.Op)
	}
}

func (i *Interpreter) evalBinary(node *BinaryOp, env *Env) (*Value, *Suspend, error) {
	if node.Op == "&&" || node.Op == "||" {
		l, susp, err := i.eval(node.Left, env)
		if susp != nil || err != nil {
			return nil, susp, err
		}
		if node.Op == "&&" && !l.Truthy() {
			return l, nil, nil
		}
		if node.Op == "||" && l.Truthy() {
			return l, nil, nil
		}
		return i.eval(node.Right, env)
	}

	l, susp, err := i.eval(node.Left, env)
	if susp != nil || err != nil {
		return nil, susp, err
	}
	r, susp, err := i.eval(node.Right, env)
	if susp != nil || err != nil {
		return nil, susp, err
	}

	result, err := applyBinary(node.Op, l, r)
	if err != nil {
		return nil, nil, err
	}
	if i.Mode == provenance.ModeAST {
		result.Label = provenance.Merge(l.Label, r.Label)
	}
	return result, nil, nil
}

func applyBinary(op string, l, r *Value) (*Value, error) {
	switch op {
	case "+":
		if l.Kind == KindString || r.Kind == KindString {
			return Text(nativeString(l) + nativeString(r)), nil
		}
		return Num(l.Number + r.Number), nil
	case "-":
		return Num(l.Number - r.Number), nil
	case "*":
		return Num(l.Number * r.Number), nil
	case "/":
		return Num(l.Number / r.Number), nil
	case "%":
		return Num(math.Mod(l.Number, r.Number)), nil
	case "==":
		return Boolean(valuesEqual(l, r)), nil
	case "!=":
		return Boolean(!valuesEqual(l, r)), nil
	case "<":
		return Boolean(l.Number < r.Number), nil
	case "<=":
		return Boolean(l.Number <= r.Number), nil
	case ">":
		return Boolean(l.Number > r.Number), nil
	case ">=":
		return Boolean(l.Number >= r.Number), nil
	default:
		return nil, atperrors.Newf(atperrors.KindRuntime, "sandbox: unknown binary operator %q", op)
	}
}

func nativeString(v *Value) string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return fmt.Sprintf("%g", v.Number)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindNull:
		return "null"
	case KindUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("%v", v.ToNative())
	}
}

func valuesEqual(l, r *Value) bool {
	if l.Kind != r.Kind {
		return false
	}
	switch l.Kind {
	case KindNumber:
		return l.Number == r.Number
	case KindString:
		return l.Str == r.Str
	case KindBool:
		return l.Bool == r.Bool
	case KindNull, KindUndefined:
		return true
	default:
		return l == r
	}
}

func (i *Interpreter) evalFor(node *For, env *Env) (*Value, *Suspend, error) {
	iterable, susp, err := i.eval(node.Iterable, env)
	if susp != nil || err != nil {
		return nil, susp, err
	}
	if iterable.Kind != KindArray {
		return nil, nil, atperrors.New(atperrors.KindRuntime, "sandbox: for-of target must be an array")
	}

	if !node.Independent {
		for _, item := range iterable.Array {
			child := NewEnv(env)
			child.Declare(node.Var, item)
			_, susp, err := i.eval(node.Body, child)
			if susp != nil || err != nil {
				return nil, susp, err
			}
		}
		return Undefined, nil, nil
	}

	// Collection mode (spec §4.D "Batching hook"): every iteration is
	// independent, so a suspension from one iteration does not stop the
	// others from also attempting to resolve (from cache) or suspend; all
	// pending invocations across iterations are merged into one batch.
	var batch *Suspend
	for _, item := range iterable.Array {
		child := NewEnv(env)
		child.Declare(node.Var, item)
		_, susp, err := i.eval(node.Body, child)
		if err != nil {
			return nil, nil, err
		}
		if susp != nil {
			batch = mergeSuspend(batch, susp)
		}
	}
	if batch != nil {
		return nil, batch, nil
	}
	return Undefined, nil, nil
}

func (i *Interpreter) evalWaitAll(node *WaitAll, env *Env) (*Value, *Suspend, error) {
	results := make([]*Value, len(node.Exprs))
	var batch *Suspend
	for idx, e := range node.Exprs {
		v, susp, err := i.eval(e, env)
		if err != nil {
			return nil, nil, err
		}
		if susp != nil {
			batch = mergeSuspend(batch, susp)
			continue
		}
		results[idx] = v
	}
	if batch != nil {
		return nil, batch, nil
	}
	return &Value{Kind: KindArray, Array: results}, nil, nil
}

func (i *Interpreter) evalCall(node *Call, env *Env) (*Value, *Suspend, error) {
	callee, susp, err := i.eval(node.Callee, env)
	if susp != nil || err != nil {
		return nil, susp, err
	}
	args := make([]*Value, len(node.Args))
	for idx, a := range node.Args {
		v, susp, err := i.eval(a, env)
		if susp != nil || err != nil {
			return nil, susp, err
		}
		args[idx] = v
	}

	switch callee.Kind {
	case KindForeign:
		return callee.Foreign(i, node.CallSiteKey, args)
	case KindClosure:
		return i.invokeClosure(callee.Closure, args)
	default:
		return nil, nil, atperrors.New(atperrors.KindRuntime, "sandbox: attempt to call a non-function value")
	}
}

func (i *Interpreter) invokeClosure(c *Closure, args []*Value) (*Value, *Suspend, error) {
	child := NewEnv(c.Env)
	for idx, p := range c.Params {
		if idx < len(args) {
			child.Declare(p, args[idx])
		} else {
			child.Declare(p, Undefined)
		}
	}
	v, susp, err := i.eval(c.Body, child)
	if susp != nil {
		return v, susp, err
	}
	if rs, ok := err.(*returnSignal); ok {
		return rs.Value, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return v, nil, nil
}
