package sandbox

// Node is a program node. The sandbox consumes a Go-native program
// representation rather than parsing JavaScript text: no parser exists
// anywhere in the pack, and the compiler/parser layer is explicitly out of
// scope (spec §1, "the engine consumes effect contracts, not the compiler's
// transforms"). Callers construct a Node tree directly (e.g. from a small
// JSON-encoded AST shipped by a client-side compiler outside this
// repository's scope) using the constructors below.
//
// Every Node has a stable, parse-assigned CallSiteKey for call/member-call
// nodes; non-call nodes leave it empty. Static validation (blocklist.go)
// walks this tree once before any evaluation.
type Node interface {
	node()
}

// Program is the root of a user program: a flat list of top-level
// statements, matching the teacher's convention of an explicit entry point
// rather than an implicit module body.
type Program struct {
	Body []Node
}

// Literal is a constant primitive.
type Literal struct{ Value *Value }

// Ident reads a variable from the current environment.
type Ident struct{ Name string }

// ArrayLit constructs an array from element expressions.
type ArrayLit struct{ Elements []Node }

// ObjectLit constructs an object from key/value expression pairs.
type ObjectLit struct {
	Keys   []string
	Values []Node
}

// BinaryOp evaluates Left and Right then applies Op ("+","-","*","/","%",
// "==","!=","<","<=",">",">=","&&","||").
type BinaryOp struct {
	Op          string
	Left, Right Node
}

// UnaryOp evaluates Operand then applies Op ("!","-","typeof").
type UnaryOp struct {
	Op      string
	Operand Node
}

// Member reads Object[Property] (or Object.Property when Computed is
// false and Property is a Literal string read at build time).
type Member struct {
	Object   Node
	Property Node
	Computed bool
}

// Assign evaluates Value and binds it to Target, which must be an Ident or
// a Member node.
type Assign struct {
	Target Node
	Value  Node
}

// VarDecl declares Name in the current scope bound to Init's result.
type VarDecl struct {
	Name string
	Init Node
}

// If evaluates Cond; if truthy, evaluates Then, else Else (Else may be nil).
type If struct {
	Cond, Then, Else Node
}

// Block is a sequence of statements sharing a fresh child scope.
type Block struct{ Body []Node }

// For models a bounded for-of/forEach-shaped loop over Iterable, binding
// each element to Var in the loop body's scope. Independent is set by the
// batch scheduler's static analysis (spec §4.F "Simple iteration") and
// consulted by the interpreter to decide whether to collect suspensions
// instead of suspending on the first one.
type For struct {
	Var        string
	Iterable   Node
	Body       Node
	Independent bool
}

// FuncLit is a function expression: captured at evaluation time into a
// Closure over the defining environment.
type FuncLit struct {
	Params []string
	Body   Node
}

// Call invokes Callee with Args. CallSiteKey is assigned at build time and
// is stable across re-executions of the same program (spec §4.D "Each
// suspension is identified by a stable callSiteKey assigned during parse").
type Call struct {
	Callee      Node
	Args        []Node
	CallSiteKey string
}

// WaitAll models Promise.all([...]): every element of Exprs is independent
// and is batched together at the barrier (spec §4.F "Wait-all barrier").
type WaitAll struct {
	Exprs       []Node
	CallSiteKey string
}

// Return exits the innermost function with Value's result.
type Return struct{ Value Node }

// Throw raises a catchable program error carrying Value (spec §7
// "Propagation ... the program receives a catchable error").
type Throw struct{ Value Node }

// TryCatch evaluates Try; on a thrown program error, binds it to CatchVar
// and evaluates Catch.
type TryCatch struct {
	Try      Node
	CatchVar string
	Catch    Node
}

func (*Program) node()   {}
func (*Literal) node()   {}
func (*Ident) node()     {}
func (*ArrayLit) node()  {}
func (*ObjectLit) node() {}
func (*BinaryOp) node()  {}
func (*UnaryOp) node()   {}
func (*Member) node()    {}
func (*Assign) node()    {}
func (*VarDecl) node()   {}
func (*If) node()        {}
func (*Block) node()     {}
func (*For) node()       {}
func (*FuncLit) node()   {}
func (*Call) node()      {}
func (*WaitAll) node()   {}
func (*Return) node()    {}
func (*Throw) node()     {}
func (*TryCatch) node()  {}
