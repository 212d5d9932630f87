package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/atp-proto/atp-server/atp/atperrors"
)

// Mode selects how labels propagate across value-producing expressions
// (spec §4.G "Two modes").
type Mode string

const (
	ModeNone  Mode = "none"
	ModeProxy Mode = "proxy"
	ModeAST   Mode = "ast"
)

const (
	// DefaultMaxTokens is the server-side per-execution issuance cap
	// (spec §4.G "Registry bounds").
	DefaultMaxTokens = 5000
	// DefaultTokenTTL is the default provenance token expiry (spec §3).
	DefaultTokenTTL = time.Hour
	// MaxWalkDepth bounds the walk performed when issuing tokens for a
	// tool return value (spec §4.G "Walks the return value (bounded depth)").
	MaxWalkDepth = 32
)

// tokenClaims is the signed tuple of spec §3 "ProvenanceToken".
type tokenClaims struct {
	Version     int    `json:"version"`
	SessionID   string `json:"sid"`
	ExecutionID string `json:"eid"`
	ValueDigest string `json:"digest"`
	MetadataID  string `json:"mid"`
	jwt.RegisteredClaims
}

// TokenInfo is the public, transport-facing shape of an issued token
// (spec §6 result shape "provenanceTokens: [{token, path}]").
type TokenInfo struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

// Tracker issues and verifies provenance tokens and exposes the label
// merge/lookup operations the Sandbox Interpreter consults on every value
// assignment and tool return (spec §2 "Data flow").
type Tracker struct {
	secret []byte
	mode   Mode

	mu         sync.Mutex
	byExec     map[string]int             // execution -> tokens issued so far
	labelsByID map[string]Label           // metadataId -> label (server-side lookup for verification)
	digestByID map[string]string          // metadataId -> valueDigest, for constant-time digest compare
	maxTokens  int
	tokenTTL   time.Duration
}

// NewTracker constructs a Tracker. secret must be >= 32 bytes (spec §6
// Environment: "PROVENANCE_SECRET ... required when provenance mode != none").
func NewTracker(secret []byte, mode Mode) (*Tracker, error) {
	if mode != ModeNone && len(secret) < 32 {
		return nil, errors.New("provenance: PROVENANCE_SECRET must be >= 32 bytes when mode != none")
	}
	return &Tracker{
		secret:     secret,
		mode:       mode,
		byExec:     make(map[string]int),
		labelsByID: make(map[string]Label),
		digestByID: make(map[string]string),
		maxTokens:  DefaultMaxTokens,
		tokenTTL:   DefaultTokenTTL,
	}, nil
}

// Mode reports the configured propagation mode.
func (t *Tracker) Mode() Mode { return t.mode }

// LabelForValue computes the label a freshly-returned tool value should
// carry, and the content digest used both for the effect cache and for
// provenance token issuance.
func LabelForValue(sourceKind SourceKind, toolName string, value any) (Label, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Label{}, fmt.Errorf("provenance: encode value: %w", err)
	}
	return Label{SourceKind: sourceKind, ToolName: toolName, Digest: digest(data)}, nil
}

// IssueForReturn walks a tool's return value (spec §4.G "Token issuance")
// and issues one token per distinct labeled path, up to the execution's
// remaining budget. Paths beyond the cap are labeled SourceUnknown and do
// not receive a token; the walk itself is capped at MaxWalkDepth.
func (t *Tracker) IssueForReturn(sessionID, executionID string, toolName string, value any) ([]TokenInfo, map[string]Label, error) {
	if t.mode == ModeNone {
		return nil, nil, nil
	}
	paths := walk(value, "$", 0)
	labels := make(map[string]Label, len(paths))
	var tokens []TokenInfo

	t.mu.Lock()
	issued := t.byExec[executionID]
	t.mu.Unlock()

	for _, p := range paths {
		data, err := json.Marshal(p.value)
		if err != nil {
			continue
		}
		lbl := Label{SourceKind: SourceTool, ToolName: toolName, Digest: digest(data)}
		if issued >= t.maxTokens {
			lbl.SourceKind = SourceUnknown
			labels[p.path] = lbl
			continue
		}
		tok, metaID, err := t.issue(sessionID, executionID, lbl.Digest)
		if err != nil {
			return nil, nil, err
		}
		issued++
		labels[p.path] = lbl
		t.mu.Lock()
		t.labelsByID[metaID] = lbl
		t.digestByID[metaID] = lbl.Digest
		t.mu.Unlock()
		tokens = append(tokens, TokenInfo{Token: tok, Path: p.path})
	}

	t.mu.Lock()
	t.byExec[executionID] = issued
	t.mu.Unlock()

	return tokens, labels, nil
}

func (t *Tracker) issue(sessionID, executionID, valueDigest string) (token, metadataID string, err error) {
	metadataID = uuid.NewString()
	now := time.Now().UTC()
	c := tokenClaims{
		Version:     1,
		SessionID:   sessionID,
		ExecutionID: executionID,
		ValueDigest: valueDigest,
		MetadataID:  metadataID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.tokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", "", err
	}
	return signed, metadataID, nil
}

// Verify reconstructs the label for a previously issued token, matching the
// token's embedded valueDigest against the digest of the value the client
// re-supplies (spec §4.G "Token verification"). Comparison is constant
// time; verification failures and "not my secret" failures are
// indistinguishable from the caller's perspective other than via the
// returned error kind.
func (t *Tracker) Verify(rawToken string, reSuppliedValue any) (Label, error) {
	var c tokenClaims
	parsed, err := jwt.ParseWithClaims(rawToken, &c, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("provenance: unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Label{}, atperrors.New(atperrors.KindValidation, "provenance: token invalid or expired")
	}

	data, err := json.Marshal(reSuppliedValue)
	if err != nil {
		return Label{}, err
	}
	want := digest(data)
	if !constantTimeEqual(want, c.ValueDigest) {
		return Label{}, atperrors.New(atperrors.KindValidation, "provenance: value does not match token digest")
	}

	t.mu.Lock()
	lbl, ok := t.labelsByID[c.MetadataID]
	t.mu.Unlock()
	if !ok {
		// Label no longer held server-side (process restart, LRU eviction of
		// the server-side issuance record); reconstruct a minimal label from
		// the token's own claims rather than failing the whole call.
		return Label{SourceKind: SourceTool, Digest: want}, nil
	}
	return lbl, nil
}

type pathValue struct {
	path  string
	value any
}

// walk enumerates addressable leaf/container paths inside value, bounded by
// MaxWalkDepth (spec §4.G "bounded depth").
func walk(value any, path string, depth int) []pathValue {
	if depth >= MaxWalkDepth {
		return []pathValue{{path: path, value: value}}
	}
	switch v := value.(type) {
	case map[string]any:
		var out []pathValue
		for k, cv := range v {
			out = append(out, walk(cv, path+"."+k, depth+1)...)
		}
		out = append(out, pathValue{path: path, value: value})
		return out
	case []any:
		var out []pathValue
		for i, cv := range v {
			out = append(out, walk(cv, fmt.Sprintf("%s[%d]", path, i), depth+1)...)
		}
		out = append(out, pathValue{path: path, value: value})
		return out
	default:
		return []pathValue{{path: path, value: value}}
	}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual compares two hex digest strings in constant time
// (spec §3 "Signature verification uses constant-time comparison", applied
// here to digest comparison for the same timing-oracle reason).
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ExecutionTokenCount reports how many tokens have been issued for an
// execution so far.
func (t *Tracker) ExecutionTokenCount(executionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byExec[executionID]
}

// ReleaseExecution drops server-side bookkeeping for a completed execution,
// bounding Tracker's memory to in-flight executions only.
func (t *Tracker) ReleaseExecution(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byExec, executionID)
}
