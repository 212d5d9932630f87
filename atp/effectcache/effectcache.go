// Package effectcache implements component C: per-execution memoization of
// already-produced effect results (spec §4.C). It is what makes every
// suspendable call idempotent across resumes: the first time a call site
// executes, its result lands in the effect log; on replay, the Sandbox
// Interpreter consults this cache first and never re-suspends.
package effectcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/atp-proto/atp-server/atp/provenance"
)

// Key is the deterministic content-addressed key of spec §3
// "EffectCacheKey": (executionId, callSiteKey, argumentDigest).
type Key struct {
	ExecutionID string
	CallSiteKey string
	ArgDigest   string
}

// String renders the key in the `effect:{executionId}:{callSiteKey}:{argDigest}`
// shape from spec §6's persisted state layout, for callers that externalize
// the effect log to the Cache Store.
func (k Key) String() string {
	return fmt.Sprintf("effect:%s:%s:%s", k.ExecutionID, k.CallSiteKey, k.ArgDigest)
}

// ArgDigest computes the SHA-256 digest of canonical JSON-marshaled
// arguments (spec §3: "argumentDigest is SHA-256 of canonical-JSON of
// arguments"). json.Marshal sorts Go map keys and emits struct fields in
// declaration order, which is sufficient canonicalization for this purpose.
func ArgDigest(args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("effectcache: encode arguments: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Entry is one recorded effect-log entry (spec §3 "effectLog").
type Entry struct {
	CallSiteKey  string                  `json:"callSiteKey"`
	CallKind     string                  `json:"callKind"`
	ArgDigest    string                  `json:"inputDigest"`
	OutputValue  json.RawMessage         `json:"outputValue"`
	IssuedTokens []provenance.TokenInfo  `json:"issuedTokens,omitempty"`
}

// ErrCollision is returned when a second Record call targets a key that was
// already recorded with a *different* output within the same execution.
// Spec §3 requires this to never happen; surfacing it as an error lets the
// coordinator fail the execution loudly instead of silently corrupting
// replay.
var ErrCollision = fmt.Errorf("effectcache: call-site/arg-digest collision")

// Log is the ordered, per-execution effect log (spec §3, §4.C). It is
// owned by one execution at a time; callers serialize access externally
// via the coordinator's single-resume-per-execution discipline (spec §5
// "Lock discipline"), but Log itself is also safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	order   []Key
	entries map[Key]Entry
}

// NewLog constructs an empty effect log.
func NewLog() *Log {
	return &Log{entries: make(map[Key]Entry)}
}

// Lookup returns the recorded output for (callSiteKey, argDigest), or
// (Entry{}, false) on miss.
func (l *Log) Lookup(execID, callSiteKey, argDigest string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[Key{ExecutionID: execID, CallSiteKey: callSiteKey, ArgDigest: argDigest}]
	return e, ok
}

// Record stores the result of a suspendable call. Re-recording the same key
// with byte-identical output is a no-op (idempotent replay of Record
// itself); re-recording with a *different* output is ErrCollision (spec §3
// invariant: "Collisions within one execution must never occur").
func (l *Log) Record(execID string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key{ExecutionID: execID, CallSiteKey: e.CallSiteKey, ArgDigest: e.ArgDigest}
	if existing, ok := l.entries[key]; ok {
		if string(existing.OutputValue) != string(e.OutputValue) {
			return ErrCollision
		}
		return nil
	}
	l.entries[key] = e
	l.order = append(l.order, key)
	return nil
}

// Entries returns the log in insertion order (spec §3 "append-only; on
// resume, entries are consulted in insertion order until exhausted").
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.entries[k])
	}
	return out
}

// Len reports how many effects have been recorded.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// CountByKind returns call counts keyed by each entry's CallKind, used to
// populate the `stats.callCounts` field of the execution result
// (SPEC_FULL.md §12 "Execution stats").
func (l *Log) CountByKind() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int)
	for _, k := range l.order {
		counts[l.entries[k].CallKind]++
	}
	return counts
}

// FromEntries rebuilds a Log from a previously persisted entry slice
// (spec §4.E resume step 2: "Engine loads state").
func FromEntries(execID string, entries []Entry) *Log {
	l := NewLog()
	for _, e := range entries {
		_ = l.Record(execID, e)
	}
	return l
}

// Context plumbs the current execution id through the interpreter without
// needing every call site to thread it explicitly.
type ctxKey struct{}

// WithExecutionID attaches execID to ctx.
func WithExecutionID(ctx context.Context, execID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, execID)
}

// ExecutionIDFrom extracts the execution id attached by WithExecutionID.
func ExecutionIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok
}
