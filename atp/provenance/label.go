// Package provenance implements component G: value-level taint
// propagation and provenance token issuance/verification (spec §4.G).
package provenance

// SourceKind classifies where a labeled value originated (spec §3 "Value").
type SourceKind string

const (
	SourceUser    SourceKind = "user"
	SourceTool    SourceKind = "tool"
	SourceLLM     SourceKind = "llm"
	SourceApproval SourceKind = "approval"
	SourceDerived SourceKind = "derived"
	// SourceUnknown is assigned once the per-execution token cap is hit
	// (spec §4.G "Registry bounds": "further values are labeled unknown").
	SourceUnknown SourceKind = "unknown"
)

// Label is the provenance label attached to every value in the sandbox
// (spec §3 "Every value carries a provenance label").
type Label struct {
	SourceKind SourceKind `json:"sourceKind"`
	ToolName   string     `json:"toolName,omitempty"`
	Digest     string     `json:"digest"`
}

// Merge combines labels from multiple operands into the label of a derived
// value (string concatenation, template literals, spreads, destructuring;
// spec §4.G "AST mode ... propagate labels fully"). The merged label is
// SourceDerived unless every operand shares exactly one non-derived,
// non-empty source, in which case that source is preserved so single-input
// transformations (e.g. a bare property read) don't lose their origin.
func Merge(labels ...Label) Label {
	var (
		digestParts []byte
		common      SourceKind
		sawAny      bool
		sawMixed    bool
	)
	for _, l := range labels {
		digestParts = append(digestParts, []byte(l.Digest)...)
		if l.SourceKind == "" {
			continue
		}
		if !sawAny {
			common = l.SourceKind
			sawAny = true
			continue
		}
		if l.SourceKind != common {
			sawMixed = true
		}
	}
	kind := SourceDerived
	if sawAny && !sawMixed {
		kind = common
	}
	return Label{SourceKind: kind, Digest: digest(digestParts)}
}
