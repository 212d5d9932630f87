// Package policy implements component H: pluggable security policies
// evaluated before every tool invocation (spec §4.H).
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/atp-proto/atp-server/atp/provenance"
)

// ActionKind enumerates the policy action vocabulary (spec §3 "Policy",
// §GLOSSARY "Policy action").
type ActionKind string

const (
	ActionLog     ActionKind = "log"
	ActionBlock   ActionKind = "block"
	ActionApprove ActionKind = "approve"
)

// Action is the result of evaluating one policy against one tool
// invocation.
type Action struct {
	Kind ActionKind
	// Reason is populated for ActionBlock.
	Reason string
	// Message/Context are populated for ActionApprove (spec §4.H
	// "approve(message, context)").
	Message string
	Context map[string]any
}

// Log, Block, and Approve construct the three action kinds.
func Log() Action                                    { return Action{Kind: ActionLog} }
func Block(reason string) Action                     { return Action{Kind: ActionBlock, Reason: reason} }
func Approve(message string, ctx map[string]any) Action {
	return Action{Kind: ActionApprove, Message: message, Context: ctx}
}

// LabelLookup resolves the provenance label attached to an argument value,
// if any (spec §4.H "Evaluation input").
type LabelLookup func(value any) (provenance.Label, bool)

// Policy is one registered security policy (spec §3 "Policy").
type Policy struct {
	ID          string
	Description string
	Evaluate    func(ctx context.Context, toolName string, args map[string]any, lookup LabelLookup) Action
}

// Engine runs every registered policy, in registration order, before a
// tool handler executes (spec §2 "H runs before every tool handler").
// Registration is immutable after Freeze (spec §13 Open Question #1).
type Engine struct {
	mu       sync.Mutex
	policies []Policy
	frozen   bool
}

// NewEngine constructs an empty Engine.
func NewEngine() *Engine { return &Engine{} }

// Register adds a policy. Returns an error once the engine is frozen.
func (e *Engine) Register(p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return fmt.Errorf("policy: engine is frozen, cannot register %q post-start", p.ID)
	}
	e.policies = append(e.policies, p)
	return nil
}

// Freeze makes the policy list immutable. Call once at server start, after
// every built-in and operator-configured policy has been registered (spec
// §4.H "Policies are registered at server start; list is immutable").
func (e *Engine) Freeze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frozen = true
}

// Evaluate runs every policy in registration order against one tool
// invocation. `log` actions accumulate (returned for audit purposes); the
// first non-`log` action wins and evaluation stops (spec §4.H "Action
// semantics").
func (e *Engine) Evaluate(ctx context.Context, toolName string, args map[string]any, lookup LabelLookup) (winner Action, logs []Action) {
	e.mu.Lock()
	policies := make([]Policy, len(e.policies))
	copy(policies, e.policies)
	e.mu.Unlock()

	for _, p := range policies {
		act := p.Evaluate(ctx, toolName, args, lookup)
		if act.Kind == ActionLog {
			logs = append(logs, act)
			continue
		}
		return act, logs
	}
	return Log(), logs
}
