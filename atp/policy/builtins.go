package policy

import (
	"context"
	"fmt"

	"github.com/atp-proto/atp-server/atp/provenance"
)

// destinationArgHeuristic enumerates the argument names treated as
// "destination-ish" for exfiltration and LLM-recipient policies: the field
// a tool would send a value *to* (an address, URL, recipient, or prompt).
// Grounded in spec §4.H's "destination argument" / "destination-ish
// argument" language, which leaves the exact argument name unspecified;
// this is an Open Question decision scoped to the built-in policies only.
var destinationArgHeuristic = []string{"to", "url", "destination", "recipient", "endpoint", "prompt", "body", "content"}

// ToolClassifier reports whether a tool name belongs to a class the built-in
// policies care about: for NewExfiltrationPolicy, tools whose destination
// argument sends data outside the trust boundary (email, webhook, HTTP, chat
// post, etc.); for NewUserOriginRequiredPolicy, critical operations.
type ToolClassifier func(toolName string) bool

// NewExfiltrationPolicy implements spec §4.H's "exfiltration prevention":
// blocks a tool call when a tool-labeled value appears in a
// destination-ish argument of a tool the classifier identifies as an
// external-send tool (spec §8 invariant 5).
func NewExfiltrationPolicy(isExternalSend ToolClassifier) Policy {
	return Policy{
		ID:          "exfiltration-prevention",
		Description: "blocks tool-sourced values from reaching external-send tool destinations",
		Evaluate: func(_ context.Context, toolName string, args map[string]any, lookup LabelLookup) Action {
			if !isExternalSend(toolName) {
				return Log()
			}
			for _, argName := range destinationArgHeuristic {
				v, ok := args[argName]
				if !ok {
					continue
				}
				if lbl, tainted := taintedByTool(v, lookup); tainted {
					return Block(fmt.Sprintf("policyBlocked: argument %q carries a tool-origin value (tool=%s) and %q is an external-send destination", argName, lbl.ToolName, toolName))
				}
			}
			return Log()
		},
	}
}

// NewUserOriginRequiredPolicy implements spec §4.H's "user-origin
// requirement": critical operations require user-labeled arguments.
// isCritical identifies which tool names this requirement applies to.
func NewUserOriginRequiredPolicy(isCritical ToolClassifier, requiredArgs ...string) Policy {
	return Policy{
		ID:          "user-origin-required",
		Description: "requires user-provenance arguments for critical operations",
		Evaluate: func(_ context.Context, toolName string, args map[string]any, lookup LabelLookup) Action {
			if !isCritical(toolName) {
				return Log()
			}
			for _, argName := range requiredArgs {
				v, ok := args[argName]
				if !ok {
					return Block(fmt.Sprintf("policyBlocked: critical tool %q requires argument %q", toolName, argName))
				}
				lbl, found := lookup(v)
				if !found || lbl.SourceKind != provenance.SourceUser {
					return Block(fmt.Sprintf("policyBlocked: argument %q of critical tool %q must carry user provenance", argName, toolName))
				}
			}
			return Log()
		},
	}
}

// NewLLMRecipientBlockPolicy implements spec §4.H's "LLM-recipient block":
// no tool-labeled value may appear in an LLM call's destination-ish
// argument (i.e. sent to the model as a prompt).
func NewLLMRecipientBlockPolicy() Policy {
	return Policy{
		ID:          "llm-recipient-block",
		Description: "blocks tool-sourced values from being sent to an LLM call",
		Evaluate: func(_ context.Context, toolName string, args map[string]any, lookup LabelLookup) Action {
			if !isLLMCall(toolName) {
				return Log()
			}
			for _, argName := range destinationArgHeuristic {
				v, ok := args[argName]
				if !ok {
					continue
				}
				if lbl, tainted := taintedByTool(v, lookup); tainted {
					return Block(fmt.Sprintf("policyBlocked: argument %q carries a tool-origin value (tool=%s) and may not reach an LLM call", argName, lbl.ToolName))
				}
			}
			return Log()
		},
	}
}

func isLLMCall(toolName string) bool {
	return len(toolName) >= 8 && toolName[:8] == "atp.llm."
}

// taintedByTool reports whether v (or, for containers, any element of v)
// carries a SourceTool label. Proxy-mode callers pass whole-object and
// extracted-primitive values; AST-mode callers additionally pass derived
// strings whose Merge-computed label still carries SourceTool when every
// contributing operand was tool-sourced.
func taintedByTool(v any, lookup LabelLookup) (provenance.Label, bool) {
	if lbl, ok := lookup(v); ok && lbl.SourceKind == provenance.SourceTool {
		return lbl, true
	}
	switch container := v.(type) {
	case map[string]any:
		for _, cv := range container {
			if lbl, ok := taintedByTool(cv, lookup); ok {
				return lbl, true
			}
		}
	case []any:
		for _, cv := range container {
			if lbl, ok := taintedByTool(cv, lookup); ok {
				return lbl, true
			}
		}
	}
	return provenance.Label{}, false
}
