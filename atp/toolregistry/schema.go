package toolregistry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldIssue is a single input-validation failure, shaped to retain enough
// detail for a client to retry with a corrected payload (grounded in the
// teacher's tools.FieldIssue codec shape).
type FieldIssue struct {
	Field      string   `json:"field"`
	Constraint string   `json:"constraint"`
	Allowed    []string `json:"allowed,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
}

// compiledSchema wraps a compiled JSON Schema for one tool's input.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileSchema compiles raw JSON Schema bytes once, at registration time,
// so a malformed schema is caught before the server ever accepts traffic.
func compileSchema(toolName string, raw []byte) (*compiledSchema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := "mem://tools/" + toolName + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	sch, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &compiledSchema{schema: sch}, nil
}

// Validate checks args against the compiled schema and flattens any
// jsonschema.ValidationError into the FieldIssue shape tool callers expect
// (spec §4.I "malformed payloads are rejected with field-level detail").
func (cs *compiledSchema) Validate(args map[string]any) []FieldIssue {
	if err := cs.schema.Validate(args); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []FieldIssue{{Field: "$", Constraint: err.Error()}}
		}
		return flattenValidationError(ve)
	}
	return nil
}

// flattenValidationError walks the cause tree jsonschema/v6 produces and
// collects one FieldIssue per leaf cause, since a single top-level error
// typically wraps many nested constraint failures.
func flattenValidationError(ve *jsonschema.ValidationError) []FieldIssue {
	var issues []FieldIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := "$"
			if len(e.InstanceLocation) > 0 {
				field = "$/" + joinPointer(e.InstanceLocation)
			}
			issues = append(issues, FieldIssue{
				Field:      field,
				Constraint: e.Error(),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return issues
}

func joinPointer(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}
