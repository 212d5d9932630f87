package provenance

// Proxy models the source's "transparent interception of property access"
// as a wrapper record plus a thin get/set/iterate API the interpreter
// consults, per the design note in spec §9 ("Source pattern: proxy-wrapped
// values for provenance"). It is used only in ModeProxy; ModeAST instead
// relies on the interpreter calling Merge directly at every
// value-producing expression.
//
// Known limitation (spec §4.G): string concatenation and template literals
// performed directly on the wrapped primitive, bypassing Get/Set, lose the
// label — Proxy does not intercept Go's native `+` operator, only the
// interpreter's own container/property operations. Callers needing full
// propagation through string derivation must use ModeAST.
type Proxy struct {
	Value any
	Label Label
}

// NewProxy wraps a value with its provenance label.
func NewProxy(value any, label Label) *Proxy {
	return &Proxy{Value: value, Label: label}
}

// Get reads a property/index off the wrapped value and returns a new Proxy
// carrying the same label — container access preserves provenance.
func (p *Proxy) Get(key any) (*Proxy, bool) {
	switch container := p.Value.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, false
		}
		v, ok := container[k]
		if !ok {
			return nil, false
		}
		return &Proxy{Value: v, Label: p.Label}, true
	case []any:
		idx, ok := key.(int)
		if !ok || idx < 0 || idx >= len(container) {
			return nil, false
		}
		return &Proxy{Value: container[idx], Label: p.Label}, true
	default:
		return nil, false
	}
}

// Set writes a property/index on the wrapped container in place; the
// container's own label is unaffected (a mutation does not change where
// the container itself came from).
func (p *Proxy) Set(key, value any) bool {
	switch container := p.Value.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return false
		}
		container[k] = value
		return true
	case []any:
		idx, ok := key.(int)
		if !ok || idx < 0 || idx >= len(container) {
			return false
		}
		container[idx] = value
		return true
	default:
		return false
	}
}

// Iterate calls fn for every element/entry of the wrapped container,
// passing a Proxy that carries the same label as the parent.
func (p *Proxy) Iterate(fn func(key, elem *Proxy)) {
	switch container := p.Value.(type) {
	case map[string]any:
		for k, v := range container {
			fn(&Proxy{Value: k, Label: p.Label}, &Proxy{Value: v, Label: p.Label})
		}
	case []any:
		for i, v := range container {
			fn(&Proxy{Value: i, Label: p.Label}, &Proxy{Value: v, Label: p.Label})
		}
	}
}

// Unwrap returns the underlying value, discarding the label. Used at
// tool-call boundaries where an argument must be marshaled as plain JSON.
func (p *Proxy) Unwrap() any {
	if p == nil {
		return nil
	}
	return p.Value
}
