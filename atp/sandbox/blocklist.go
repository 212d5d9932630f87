package sandbox

import "fmt"

// blockedIdentifiers names host/runtime-escape identifiers that must never
// be reachable from a program's value graph (spec §4.D "Hard blocklist").
// Because the interpreter's globals are curated and no module loader or
// function-from-string construct is ever registered, these names are
// already absent from every Env; this validator additionally rejects a
// program that merely *references* one, so a malicious AST fails fast at
// registration time rather than producing a confusing "undefined" at run
// time.
var blockedIdentifiers = map[string]bool{
	"process":     true,
	"global":      true,
	"globalThis":  true,
	"require":     true,
	"eval":        true,
	"Function":    true,
	"constructor": true,
	"__proto__":   true,
	"import":      true,
}

// Validate statically walks program and rejects any reference to a
// blocklisted identifier or property name (spec §4.D "Static validation
// runs a parse of the program and refuses on detection of ... references
// to process, global, require, and constructor-chain access patterns").
func Validate(p *Program) error {
	for _, n := range p.Body {
		if err := validateNode(n); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(n Node) error {
	if n == nil {
		return nil
	}
	switch v := n.(type) {
	case *Ident:
		if blockedIdentifiers[v.Name] {
			return fmt.Errorf("sandbox: reference to blocked identifier %q", v.Name)
		}
	case *Member:
		if lit, ok := v.Property.(*Literal); ok && lit.Value.Kind == KindString && blockedIdentifiers[lit.Value.Str] {
			return fmt.Errorf("sandbox: reference to blocked property %q", lit.Value.Str)
		}
		if err := validateNode(v.Object); err != nil {
			return err
		}
		return validateNode(v.Property)
	case *ArrayLit:
		for _, e := range v.Elements {
			if err := validateNode(e); err != nil {
				return err
			}
		}
	case *ObjectLit:
		for _, val := range v.Values {
			if err := validateNode(val); err != nil {
				return err
			}
		}
	case *BinaryOp:
		if err := validateNode(v.Left); err != nil {
			return err
		}
		return validateNode(v.Right)
	case *UnaryOp:
		return validateNode(v.Operand)
	case *Assign:
		if err := validateNode(v.Target); err != nil {
			return err
		}
		return validateNode(v.Value)
	case *VarDecl:
		return validateNode(v.Init)
	case *If:
		if err := validateNode(v.Cond); err != nil {
			return err
		}
		if err := validateNode(v.Then); err != nil {
			return err
		}
		return validateNode(v.Else)
	case *Block:
		for _, s := range v.Body {
			if err := validateNode(s); err != nil {
				return err
			}
		}
	case *For:
		if err := validateNode(v.Iterable); err != nil {
			return err
		}
		return validateNode(v.Body)
	case *FuncLit:
		return validateNode(v.Body)
	case *Call:
		if err := validateNode(v.Callee); err != nil {
			return err
		}
		for _, a := range v.Args {
			if err := validateNode(a); err != nil {
				return err
			}
		}
	case *WaitAll:
		for _, e := range v.Exprs {
			if err := validateNode(e); err != nil {
				return err
			}
		}
	case *Return:
		return validateNode(v.Value)
	case *Throw:
		return validateNode(v.Value)
	case *TryCatch:
		if err := validateNode(v.Try); err != nil {
			return err
		}
		return validateNode(v.Catch)
	}
	return nil
}
