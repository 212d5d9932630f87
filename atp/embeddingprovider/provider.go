// Package embeddingprovider backs the `atp.embedding.*` namespace (spec
// §4.D API surface; SPEC_FULL.md §11 DOMAIN STACK). No teacher embedding
// client exists in the pack, so this package is new: a single Embed
// primitive plus a thin default backed by one of the SDKs the pack already
// pulls in for `atp.llm.*`.
package embeddingprovider

import (
	"context"
	"fmt"
	"math"
)

// Request is the input to every atp.embedding.* operation.
type Request struct {
	Texts []string
	Model string
	// Query is used by Search: text to rank Candidates against.
	Query string
	// Candidates is used by Search: texts to embed and rank against Query.
	Candidates []string
	// TopK bounds how many ranked candidates Search returns (0 = all).
	TopK int
}

// Usage reports token accounting for embedding calls.
type Usage struct {
	InputTokens int `json:"inputTokens"`
}

// Response is the output of every atp.embedding.* operation.
type Response struct {
	Vectors [][]float64 `json:"vectors,omitempty"`
	Matches []Match     `json:"matches,omitempty"`
	Usage   Usage       `json:"usage"`
}

// Match is one ranked candidate returned by Search.
type Match struct {
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Provider computes embeddings for one or more texts. Every atp.embedding.*
// verb (embed/search/create/generate/encode — spec §4.D names five
// synonymous-sounding verbs with no further semantics given) is implemented
// in terms of this one primitive by Resolver; providers only need to
// implement Embed.
type Provider interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float64, Usage, error)
}

const namespacePrefix = "atp.embedding."

// Resolver implements atp/coordinator's LocalResolver for the
// `atp.embedding.` namespace.
type Resolver struct {
	provider     Provider
	defaultModel string
}

// NewResolver builds a Resolver backed by provider. Pass nil to make every
// atp.embedding.* operation client-serviced.
func NewResolver(provider Provider, defaultModel string) *Resolver {
	return &Resolver{provider: provider, defaultModel: defaultModel}
}

// Resolve implements atp/coordinator.LocalResolver.
func (r *Resolver) Resolve(ctx context.Context, operation string, args map[string]any) (any, bool, error) {
	if r.provider == nil || len(operation) <= len(namespacePrefix) || operation[:len(namespacePrefix)] != namespacePrefix {
		return nil, false, nil
	}
	verb := operation[len(namespacePrefix):]
	req := requestFromArgs(args)
	if req.Model == "" {
		req.Model = r.defaultModel
	}

	switch verb {
	case "embed", "create", "generate", "encode":
		vectors, usage, err := r.provider.Embed(ctx, req.Texts, req.Model)
		if err != nil {
			return nil, true, fmt.Errorf("embeddingprovider: %s: %w", operation, err)
		}
		return responseToNative(Response{Vectors: vectors, Usage: usage}), true, nil
	case "search":
		resp, err := r.search(ctx, req)
		if err != nil {
			return nil, true, fmt.Errorf("embeddingprovider: %s: %w", operation, err)
		}
		return responseToNative(resp), true, nil
	default:
		return nil, false, nil
	}
}

func (r *Resolver) search(ctx context.Context, req Request) (Response, error) {
	if req.Query == "" || len(req.Candidates) == 0 {
		return Response{}, fmt.Errorf("search requires a query and at least one candidate")
	}
	texts := append([]string{req.Query}, req.Candidates...)
	vectors, usage, err := r.provider.Embed(ctx, texts, req.Model)
	if err != nil {
		return Response{}, err
	}
	if len(vectors) != len(texts) {
		return Response{}, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
	}
	queryVec := vectors[0]
	matches := make([]Match, len(req.Candidates))
	for i, cand := range req.Candidates {
		matches[i] = Match{Text: cand, Similarity: cosineSimilarity(queryVec, vectors[i+1])}
	}
	sortMatchesDescending(matches)
	if req.TopK > 0 && req.TopK < len(matches) {
		matches = matches[:req.TopK]
	}
	return Response{Matches: matches, Usage: usage}, nil
}

// cosineSimilarity is plain arithmetic over two equal-length vectors; no
// ecosystem library in the pack offers this as a primitive worth adding a
// dependency for.
func cosineSimilarity(a, b []float64) float64 {
	var dot, magA, magB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func sortMatchesDescending(matches []Match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Similarity > matches[j-1].Similarity; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

func requestFromArgs(args map[string]any) Request {
	req := Request{}
	if v, ok := args["model"].(string); ok {
		req.Model = v
	}
	if v, ok := args["query"].(string); ok {
		req.Query = v
	}
	if v, ok := args["topK"].(float64); ok {
		req.TopK = int(v)
	}
	if raw, ok := args["texts"].([]any); ok {
		req.Texts = toStringSlice(raw)
	} else if v, ok := args["text"].(string); ok {
		req.Texts = []string{v}
	}
	if raw, ok := args["candidates"].([]any); ok {
		req.Candidates = toStringSlice(raw)
	}
	return req
}

func toStringSlice(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func responseToNative(resp Response) map[string]any {
	out := map[string]any{
		"usage": map[string]any{"inputTokens": resp.Usage.InputTokens},
	}
	if resp.Vectors != nil {
		vecs := make([]any, len(resp.Vectors))
		for i, v := range resp.Vectors {
			row := make([]any, len(v))
			for j, f := range v {
				row[j] = f
			}
			vecs[i] = row
		}
		out["vectors"] = vecs
	}
	if resp.Matches != nil {
		matches := make([]any, len(resp.Matches))
		for i, m := range resp.Matches {
			matches[i] = map[string]any{"text": m.Text, "similarity": m.Similarity}
		}
		out["matches"] = matches
	}
	return out
}
