// Package toolregistry implements component I: resolution of hierarchical
// tool paths to handlers (spec §4.I), including the auto-approval and
// OAuth-scope-filtering hooks the rest of the runtime consults.
package toolregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/atp-proto/atp-server/atp/atperrors"
)

// OperationType classifies the side-effect class of a tool (spec §3 "Tool").
type OperationType string

const (
	OpRead        OperationType = "read"
	OpWrite       OperationType = "write"
	OpDestructive OperationType = "destructive"
)

// SensitivityLevel classifies how sensitive a tool's data surface is.
type SensitivityLevel string

const (
	SensitivityPublic    SensitivityLevel = "public"
	SensitivitySensitive SensitivityLevel = "sensitive"
)

// Metadata is a tool's registration-time metadata (spec §3 "Tool.metadata").
type Metadata struct {
	OperationType    OperationType
	SensitivityLevel SensitivityLevel
	RequiresApproval bool
}

// ImplicitApproval reports whether this tool must run an approval policy
// before its handler executes, independent of any operator-configured
// policy (spec §4.I: "tools tagged destructive or sensitive OR with
// requiresApproval=true implicitly run an approval policy").
func (m Metadata) ImplicitApproval() bool {
	return m.RequiresApproval || m.OperationType == OpDestructive || m.SensitivityLevel == SensitivitySensitive
}

// Handler executes one tool invocation in-process. args has already passed
// schema validation by the time Handler is called. Handler is optional: a
// tool registered without one is purely client-serviced — every call to it
// suspends the execution for an out-of-band answer (spec §4.D "Suspension
// points ... serviced by the client or by a tool handler requiring an
// out-of-band answer"); registering a Handler opts a tool into synchronous,
// in-process resolution instead.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Spec is the full registration record for one tool (spec §3 "Tool").
type Spec struct {
	Name        string
	InputSchema []byte
	Metadata    Metadata
	Handler     Handler
}

// ScopeChecker consults an OAuth-gated external API's granted scopes before
// a tool backed by that API executes (spec §4.I "Scope filtering"). It is
// an external collaborator per spec §1 ("OAuth scope-checker plumbing");
// the registry only calls it.
type ScopeChecker interface {
	CheckScope(ctx context.Context, toolName string, claimedScopes []string) error
}

// NoopScopeChecker allows every call; the default when no OAuth-gated tools
// are registered.
type NoopScopeChecker struct{}

func (NoopScopeChecker) CheckScope(context.Context, string, []string) error { return nil }

// Registry resolves hierarchical tool names ("a/b/c") to handlers.
// Registration is immutable after the server accepts its first connection
// (spec §3 invariant); call Freeze once listening begins.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]*compiledSpec
	frozen   bool
	checker  ScopeChecker
}

type compiledSpec struct {
	spec   Spec
	schema *compiledSchema
}

// NewRegistry constructs an empty Registry.
func NewRegistry(checker ScopeChecker) *Registry {
	if checker == nil {
		checker = NoopScopeChecker{}
	}
	return &Registry{specs: make(map[string]*compiledSpec), checker: checker}
}

// Register adds a tool. Compiles InputSchema eagerly so a malformed schema
// fails at registration time, not at first invocation. Returns an error if
// the name is already registered, malformed, or the registry is frozen
// (spec §3: "post-start mutation is a fatal error").
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("toolregistry: name is required")
	}
	if strings.HasPrefix(spec.Name, "/") || strings.HasSuffix(spec.Name, "/") || strings.Contains(spec.Name, "//") {
		return fmt.Errorf("toolregistry: invalid hierarchical name %q", spec.Name)
	}

	cs := &compiledSpec{spec: spec}
	if len(spec.InputSchema) > 0 {
		sch, err := compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return fmt.Errorf("toolregistry: compiling schema for %q: %w", spec.Name, err)
		}
		cs.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("toolregistry: registry frozen, cannot register %q post-start", spec.Name)
	}
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("toolregistry: tool %q already registered", spec.Name)
	}
	r.specs[spec.Name] = cs
	return nil
}

// Freeze marks registration closed. Call once, when the server accepts its
// first connection (spec §3 "Registration is immutable after the server
// accepts a first connection").
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve looks up a tool by its fully qualified hierarchical name.
// Resolution is O(depth) only in the sense that the name is a flat key
// here; the Tree projection below is what exposes O(depth) nested lookup
// to the sandbox's namespace objects.
func (r *Registry) Resolve(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.specs[name]
	if !ok {
		return Spec{}, false
	}
	return cs.spec, true
}

// Tree reifies every registered tool name into nested maps keyed by path
// segment, terminating in the leaf tool name — the shape the sandbox
// interpreter walks to build `api.<group>.<subgroup>.<tool>` namespace
// objects (spec §4.D, §4.I).
func (r *Registry) Tree() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root := make(map[string]any)
	for name := range r.specs {
		segs := strings.Split(name, "/")
		cur := root
		for i, seg := range segs {
			if i == len(segs)-1 {
				cur[seg] = name
				continue
			}
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[seg] = next
			}
			cur = next
		}
	}
	return root
}

// Invoke validates args against the tool's input schema, runs the scope
// check, and calls the handler. Policy evaluation happens one layer up in
// the coordinator, which has access to provenance labels this package does
// not need to know about.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, claimedScopes []string) (any, error) {
	r.mu.RLock()
	cs, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, atperrors.Newf(atperrors.KindValidation, "toolregistry: tool %q not registered", name)
	}

	if cs.schema != nil {
		if issues := cs.schema.Validate(args); len(issues) > 0 {
			return nil, &atperrors.Error{
				Kind:    atperrors.KindValidation,
				Message: fmt.Sprintf("toolregistry: %q payload validation failed", name),
				Context: map[string]any{"issues": issues},
			}
		}
	}

	if err := r.checker.CheckScope(ctx, name, claimedScopes); err != nil {
		return nil, atperrors.Wrap(atperrors.KindInsufficientScope, err, fmt.Sprintf("toolregistry: insufficient scope for %q", name))
	}

	if cs.spec.Handler == nil {
		return nil, atperrors.Newf(atperrors.KindRuntime, "toolregistry: %q is client-serviced and has no in-process handler to invoke", name)
	}
	return cs.spec.Handler(ctx, args)
}

// List returns every registered Spec, for diagnostics and the §6
// `/api/definitions` and `/api/search` endpoints.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, cs := range r.specs {
		out = append(out, cs.spec)
	}
	return out
}
