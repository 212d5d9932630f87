// Package batch implements component F: the independence rules that decide
// whether a loop body or wait-all group may be collapsed into one client
// round-trip, plus the per-session suspension-issuance budget that backs
// `callBudgetExceeded` (spec §4.F).
//
// The actual batching mechanics — collecting suspensions across iterations
// into one Suspend, pairing resume results by id instead of position — live
// in atp/sandbox's For/WaitAll evaluation and atp/coordinator's pending-effect
// bookkeeping, since that is where the suspended call stack and the effect
// log already are. This package is what a program builder (the external
// compiler spec §1 places out of scope, or a test constructing an AST by
// hand) calls *before* setting sandbox.For.Independent, so the independence
// decision itself has one place it is grounded rather than being re-derived
// ad hoc at every call site.
package batch

import "github.com/atp-proto/atp-server/atp/sandbox"

// BatchSizeThreshold is the default `batchSizeThreshold` of spec §4.F: a
// loop body containing a conditional around its suspendable call is still
// batched, rather than falling back to sequential, when the iterable's size
// is known and does not exceed this many iterations.
const BatchSizeThreshold = 10

// Classification is the independence verdict for one loop or wait-all site.
type Classification struct {
	Independent bool
	// Reason names which rule of spec §4.F produced the verdict, for
	// diagnostics (`/api/explore` and test assertions), never surfaced to
	// the running program itself.
	Reason string
}

// ClassifyLoop applies spec §4.F's independence rules to a for-of loop body.
// knownSize is the iterable's length if statically known, or -1 if it is
// not (e.g. the iterable comes from a prior suspendable call's result).
func ClassifyLoop(body sandbox.Node, knownSize int) Classification {
	// Spec §4.F excludes a loop body with break/continue from "simple
	// iteration". This AST (ast.go) has no break/continue node at all — a
	// For.Body is a single expression/statement tree, not a jump-capable
	// statement list — so that precondition holds vacuously for every
	// loop body this package can ever see.
	if containsInterIterationRead(body) {
		return Classification{Independent: false, Reason: "loop body reads a sibling iteration's result"}
	}
	if !containsBranch(body) {
		return Classification{Independent: true, Reason: "simple iteration: no branching on the suspendable call's return"}
	}
	if knownSize >= 0 && knownSize <= BatchSizeThreshold {
		return Classification{Independent: true, Reason: "conditional body, known size within batchSizeThreshold: all branches run, unused results discarded"}
	}
	return Classification{Independent: false, Reason: "conditional body with unknown or over-threshold size: falls back to sequential"}
}

// ClassifyWaitAll always reports independent: a wait-all/Promise.all group is
// independent by construction (spec §4.F "Wait-all barrier ... independent
// -> batch"). Exists for symmetry with ClassifyLoop so callers building an
// AST have one entry point per construct instead of special-casing one of
// the two.
func ClassifyWaitAll(sandbox.Node) Classification {
	return Classification{Independent: true, Reason: "wait-all barrier"}
}

// ClassifyReduce always reports dependent: an accumulator chain threads one
// iteration's result into the next by definition (spec §4.F "Reduce /
// accumulator / dependent chain: sequential").
func ClassifyReduce(sandbox.Node) Classification {
	return Classification{Independent: false, Reason: "accumulator chain is sequential by definition"}
}

// containsInterIterationRead looks for an assignment to a bare identifier
// anywhere in the body — the shape of an accumulator mutated across
// iterations (`total = total + x`) rather than one iteration's own local
// binding. A real compiler front end has full scope information to tell a
// loop-external accumulator from a body-local variable; this analyzer
// approximates spec §4.F's "no inter-iteration reads from sibling results"
// conservatively, by treating any bare-identifier assignment as disqualifying
// rather than risk batching a dependent chain.
func containsInterIterationRead(n sandbox.Node) bool {
	found := false
	walk(n, func(child sandbox.Node) bool {
		if assign, ok := child.(*sandbox.Assign); ok {
			if _, isIdent := assign.Target.(*sandbox.Ident); isIdent {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// containsBranch reports whether the body contains an If node, i.e. any
// branching at all on the suspendable call's return (spec §4.F "Conditional
// inside the body").
func containsBranch(n sandbox.Node) bool {
	found := false
	walk(n, func(child sandbox.Node) bool {
		if _, ok := child.(*sandbox.If); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// walk visits n and its children depth-first, calling visit on each node.
// visit returns false to stop descending into that node's children (but
// sibling traversal elsewhere continues).
func walk(n sandbox.Node, visit func(sandbox.Node) bool) {
	if n == nil {
		return
	}
	if !visit(n) {
		return
	}
	switch v := n.(type) {
	case *sandbox.Program:
		for _, c := range v.Body {
			walk(c, visit)
		}
	case *sandbox.Block:
		for _, c := range v.Body {
			walk(c, visit)
		}
	case *sandbox.If:
		walk(v.Cond, visit)
		walk(v.Then, visit)
		walk(v.Else, visit)
	case *sandbox.For:
		walk(v.Iterable, visit)
		walk(v.Body, visit)
	case *sandbox.WaitAll:
		for _, c := range v.Exprs {
			walk(c, visit)
		}
	case *sandbox.Call:
		walk(v.Callee, visit)
		for _, a := range v.Args {
			walk(a, visit)
		}
	case *sandbox.Member:
		walk(v.Object, visit)
		walk(v.Property, visit)
	case *sandbox.BinaryOp:
		walk(v.Left, visit)
		walk(v.Right, visit)
	case *sandbox.UnaryOp:
		walk(v.Operand, visit)
	case *sandbox.Assign:
		walk(v.Target, visit)
		walk(v.Value, visit)
	case *sandbox.VarDecl:
		walk(v.Init, visit)
	case *sandbox.ArrayLit:
		for _, e := range v.Elements {
			walk(e, visit)
		}
	case *sandbox.ObjectLit:
		for _, val := range v.Values {
			walk(val, visit)
		}
	case *sandbox.Return:
		walk(v.Value, visit)
	case *sandbox.Throw:
		walk(v.Value, visit)
	case *sandbox.TryCatch:
		walk(v.Try, visit)
		walk(v.Catch, visit)
	case *sandbox.FuncLit:
		walk(v.Body, visit)
	}
}
