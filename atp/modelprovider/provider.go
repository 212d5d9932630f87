// Package modelprovider backs the `atp.llm.*` namespace (spec §4.D API
// surface; SPEC_FULL.md §11 DOMAIN STACK). It is deliberately small: ATP's
// sandboxed programs pass and receive plain JSON-ish values, not the
// teacher's typed multi-part conversation model, so Provider trades the
// teacher's rich Message/Part structures for the flat Request/Response shape
// a suspendable call's args/result actually carry.
package modelprovider

import (
	"context"
	"fmt"
)

// Operation is one of the four atp.llm.* verbs this package resolves
// in-process when a provider is configured (spec §4.D: "atp.llm.{call|
// extract|classify|stream|generate}"). stream is intentionally absent: it
// implies an open, incrementally-delivered connection rather than a single
// request/response pair, which does not fit the suspend-once/resolve-once
// contract every other suspendable call uses — it remains client-serviced.
type Operation string

const (
	OpCall     Operation = "call"
	OpExtract  Operation = "extract"
	OpClassify Operation = "classify"
	OpGenerate Operation = "generate"
)

// Request is the provider-agnostic input to every atp.llm.* operation.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	// Schema is present for Extract: a JSON Schema the provider is asked to
	// conform its output to.
	Schema map[string]any
	// Labels is present for Classify: the closed set of labels to choose
	// from.
	Labels []string
}

// Response is the provider-agnostic output of every atp.llm.* operation.
type Response struct {
	Text  string         `json:"text"`
	Label string         `json:"label,omitempty"`
	JSON  map[string]any `json:"json,omitempty"`
	Usage Usage          `json:"usage"`
}

// Usage reports token accounting, returned to the program in the
// operation's result under "usage"; it is not added to execution stats.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Provider is implemented by each concrete LLM backend.
type Provider interface {
	Call(ctx context.Context, req Request) (Response, error)
	Extract(ctx context.Context, req Request) (Response, error)
	Classify(ctx context.Context, req Request) (Response, error)
	Generate(ctx context.Context, req Request) (Response, error)
}

// requestFromArgs lifts the untyped args map a sandbox suspension carries
// into a Request. Unknown keys are ignored rather than rejected: the
// sandbox's argsToNative (globals.go) already decided the shape, and a
// provider should be liberal about what it accepts from a program it does
// not control the exact call-site encoding of.
func requestFromArgs(args map[string]any) Request {
	req := Request{}
	if v, ok := args["prompt"].(string); ok {
		req.Prompt = v
	}
	if v, ok := args["system"].(string); ok {
		req.System = v
	}
	if v, ok := args["model"].(string); ok {
		req.Model = v
	}
	if v, ok := args["maxTokens"].(float64); ok {
		req.MaxTokens = int(v)
	}
	if v, ok := args["temperature"].(float64); ok {
		req.Temperature = v
	}
	if v, ok := args["schema"].(map[string]any); ok {
		req.Schema = v
	}
	if raw, ok := args["labels"].([]any); ok {
		for _, l := range raw {
			if s, ok := l.(string); ok {
				req.Labels = append(req.Labels, s)
			}
		}
	}
	return req
}

func responseToNative(resp Response) map[string]any {
	out := map[string]any{
		"text": resp.Text,
		"usage": map[string]any{
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
		},
	}
	if resp.Label != "" {
		out["label"] = resp.Label
	}
	if resp.JSON != nil {
		out["json"] = resp.JSON
	}
	return out
}

// Resolver implements atp/coordinator's LocalResolver for the `atp.llm.`
// namespace, dispatching to a single configured Provider. Configuring no
// Provider (nil) makes every atp.llm.* call client-serviced, matching
// spec §2's walkthrough which assumes a server with no provider wired pauses
// on every LLM call.
type Resolver struct {
	provider Provider
}

// NewResolver builds a Resolver backed by provider. Pass nil to make every
// atp.llm.* operation client-serviced.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

const namespacePrefix = "atp.llm."

// Resolve implements atp/coordinator.LocalResolver.
func (r *Resolver) Resolve(ctx context.Context, operation string, args map[string]any) (any, bool, error) {
	if r.provider == nil || len(operation) <= len(namespacePrefix) || operation[:len(namespacePrefix)] != namespacePrefix {
		return nil, false, nil
	}
	verb := Operation(operation[len(namespacePrefix):])
	req := requestFromArgs(args)

	var (
		resp Response
		err  error
	)
	switch verb {
	case OpCall:
		resp, err = r.provider.Call(ctx, req)
	case OpExtract:
		resp, err = r.provider.Extract(ctx, req)
	case OpClassify:
		resp, err = r.provider.Classify(ctx, req)
	case OpGenerate:
		resp, err = r.provider.Generate(ctx, req)
	default:
		// atp.llm.stream, or any future verb: not handled in-process.
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("modelprovider: %s: %w", operation, err)
	}
	return responseToNative(resp), true, nil
}
