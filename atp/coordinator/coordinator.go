// Package coordinator implements component E: suspension emission, resume,
// and cross-instance continuation of a paused execution (spec §4.E).
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/batch"
	"github.com/atp-proto/atp-server/atp/cachestore"
	"github.com/atp-proto/atp-server/atp/effectcache"
	"github.com/atp-proto/atp-server/atp/policy"
	"github.com/atp-proto/atp-server/atp/provenance"
	"github.com/atp-proto/atp-server/atp/sandbox"
	"github.com/atp-proto/atp-server/atp/telemetry"
	"github.com/atp-proto/atp-server/atp/toolregistry"
)

// Status is an execution record's lifecycle state (spec §4.E).
type Status string

const (
	// StatusRunning is the transient in-process state of an ExecutionRecord
	// (spec §3) while the interpreter is between suspensions. This server's
	// Start/Resume run synchronously to the next suspension/completion/
	// failure within one call, so StatusRunning is never itself persisted
	// or returned in a Result; it exists so the Status enum matches spec
	// §3's `status ∈ {running, paused, completed, failed, securityViolated}`
	// in full.
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusSecurityViolation is returned, inside the normal 200 Result
	// envelope, when a program fails static blocklist validation (spec §4.D
	// "Hard blocklist"; spec §6 result shape "security_violation"). The Go
	// constant's value is the wire string verbatim so Status's default
	// string-based JSON encoding needs no custom marshaling.
	StatusSecurityViolation Status = "security_violation"
	// StatusParseError is returned, inside the normal 200 Result envelope,
	// when the transport layer cannot decode the submitted program AST
	// (spec §6 result shape "parse_error"). No ExecutionID is allocated for
	// this case since no execution ever began.
	StatusParseError Status = "parse_error"
)

const (
	// DefaultExecutionBudget is the per-execution wall budget (spec §5:
	// default 30s, configurable via WithExecutionBudget).
	DefaultExecutionBudget = 30 * time.Second
	// DefaultRetention is how long a completed/failed record is kept so a
	// duplicate resume observes notFound rather than stale-replay (spec
	// §4.E step 5, SPEC_FULL.md §13 decision: 60s).
	DefaultRetention = 60 * time.Second
)

// PendingEffect is one suspendable call the client or an out-of-band
// handler must answer, carrying the coordinator-assigned id the spec's
// batch resume protocol pairs results against (spec §4.F "pairing is by
// id, not position").
type PendingEffect struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Operation   string         `json:"operation"`
	Payload     map[string]any `json:"payload"`
	CallSiteKey string         `json:"-"`
}

// EffectResult is one client-supplied answer to a PendingEffect, submitted
// at resume time.
type EffectResult struct {
	ID     string `json:"id"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Result is what Start/Resume returns to the transport layer (spec §4.E
// step 4's `{executionId, status, needsCallback?|needsCallbacks?}` shape,
// plus the completed-value and provenance-token cases).
type Result struct {
	ExecutionID      string                 `json:"executionId"`
	Status           Status                 `json:"status"`
	Value            any                    `json:"value,omitempty"`
	NeedsCallback    *PendingEffect         `json:"needsCallback,omitempty"`
	NeedsCallbacks   []PendingEffect        `json:"needsCallbacks,omitempty"`
	ProvenanceTokens []provenance.TokenInfo `json:"provenanceTokens,omitempty"`
	ProgramError     *atperrors.ProgramError `json:"error,omitempty"`
	Stats            Stats                  `json:"stats"`
}

// Stats reports per-execution counters (SPEC_FULL.md §12 SUPPLEMENT
// "execution stats", grounded in the effect log's per-kind counts).
type Stats struct {
	DurationMS int64          `json:"durationMs"`
	CallCounts map[string]int `json:"callCounts,omitempty"`
}

// record is the persisted, JSON-encoded execution state written to
// `exec:{executionId}` (spec §4.E step 1 "Engine serializes execution
// state"). The program source itself is not part of the record: callers
// resupply the same compiled Program on every Start/Resume call (this
// server never parses source, so there is nothing of its own to persist
// beyond the effect log and pending-effect bookkeeping needed for replay).
type record struct {
	ExecutionID   string                  `json:"executionId"`
	SessionID     string                  `json:"sessionId"`
	Status        Status                  `json:"status"`
	CreatedAt     time.Time               `json:"createdAt"`
	StartedAt     time.Time               `json:"startedAt"`
	Effects       []effectcache.Entry     `json:"effects"`
	Pending       []PendingEffect         `json:"pending,omitempty"`
	Value         json.RawMessage         `json:"value,omitempty"`
	ProgramError  *atperrors.ProgramError `json:"programError,omitempty"`
}

// LocalResolver resolves one namespace of suspendable `atp.*` operation
// synchronously, in-process, when a server-side backend is configured for
// it (e.g. atp/modelprovider for `atp.llm.*`, atp/embeddingprovider for
// `atp.embedding.*`). Resolve returns ok=false when operation is outside
// the resolver's namespace or no backend is configured, so the coordinator
// falls through to the next resolver and, ultimately, to the client (spec
// §4.D: "atp.* ... calls whose target is serviced by the client or by a
// tool handler requiring an out-of-band answer" — a configured provider is
// the atp.* analog of a tool's Handler).
type LocalResolver interface {
	Resolve(ctx context.Context, operation string, args map[string]any) (out any, ok bool, err error)
}

// Coordinator owns the suspension/resume protocol. One Coordinator serves
// every execution server-side; state lives in the shared Store so any
// instance can service a resume (spec §4.E "Cross-instance resume").
type Coordinator struct {
	store     cachestore.Store
	registry  *toolregistry.Registry
	tracker   *provenance.Tracker
	logger    telemetry.Logger
	scheduler *batch.Scheduler
	resolvers []LocalResolver
	policies  *policy.Engine

	executionBudget time.Duration
	retention       time.Duration

	// locks provides best-effort same-instance mutual exclusion for
	// concurrent resume attempts on one executionId (spec §5 "busy" error).
	// It does not by itself prevent two different instances from racing a
	// resume of the same execution; a genuine distributed lock would need
	// a compare-and-swap primitive the cachestore.Store contract does not
	// expose.
	locks sync.Map // executionID -> *sync.Mutex
}

// New constructs a Coordinator. tracker may have Mode() == ModeNone.
func New(store cachestore.Store, registry *toolregistry.Registry, tracker *provenance.Tracker, logger telemetry.Logger) *Coordinator {
	return &Coordinator{
		store:           store,
		registry:        registry,
		tracker:         tracker,
		logger:          logger,
		scheduler:       batch.NewScheduler(batch.DefaultCallsPerSecond, batch.DefaultBurst),
		executionBudget: DefaultExecutionBudget,
		retention:       DefaultRetention,
	}
}

// WithScheduler overrides the default per-session suspension-issuance
// budget (e.g. for tests that need a tight or generous limit).
func (c *Coordinator) WithScheduler(s *batch.Scheduler) *Coordinator {
	c.scheduler = s
	return c
}

// WithLocalResolvers registers resolvers consulted, in order, for any
// suspension the Tool Registry does not own (i.e. every `atp.*` call).
func (c *Coordinator) WithLocalResolvers(resolvers ...LocalResolver) *Coordinator {
	c.resolvers = resolvers
	return c
}

// WithPolicies wires the Policy Engine so every tool invocation (`api.*`
// calls with a registered Handler, and any `atp.*` call a LocalResolver
// services) is evaluated before it runs (spec §4.H "runs before every tool
// handler", §2 "H runs before every tool handler"). A nil or empty Engine
// evaluates every call to Log() (spec §4.H default), so calling this is
// optional.
func (c *Coordinator) WithPolicies(p *policy.Engine) *Coordinator {
	c.policies = p
	return c
}

// WithExecutionBudget overrides the default per-execution wall budget.
func (c *Coordinator) WithExecutionBudget(d time.Duration) *Coordinator {
	c.executionBudget = d
	return c
}

// WithRetention overrides the default post-completion retention window.
func (c *Coordinator) WithRetention(d time.Duration) *Coordinator {
	c.retention = d
	return c
}

// Start begins a new execution of program for sessionID. A program that
// references a blocklisted identifier or property (spec §4.D "Hard
// blocklist") never reaches the interpreter: it is reported inside the
// normal Result envelope as StatusSecurityViolation, the same way a
// runtime or policy failure is reported as StatusFailed, rather than as a
// transport-level error (spec §6 result shape "security_violation").
func (c *Coordinator) Start(ctx context.Context, sessionID string, program *sandbox.Program, mode provenance.Mode) (Result, error) {
	executionID := "exec_" + uuid.NewString()
	if err := sandbox.Validate(program); err != nil {
		progErr := atperrors.ToProgramError(atperrors.Wrap(atperrors.KindValidation, err, "coordinator: program failed static validation"))
		createdAt := time.Now().UTC()
		rec := &record{
			ExecutionID:  executionID,
			SessionID:    sessionID,
			Status:       StatusSecurityViolation,
			CreatedAt:    createdAt,
			StartedAt:    createdAt,
			ProgramError: &progErr,
		}
		if err := c.saveRecord(ctx, rec, c.retention); err != nil {
			return Result{}, err
		}
		return Result{ExecutionID: executionID, Status: StatusSecurityViolation, ProgramError: &progErr}, nil
	}
	log := effectcache.NewLog()
	return c.run(ctx, sessionID, executionID, program, log, mode, time.Now().UTC())
}

// Resume submits results for a paused execution's pending effects and
// continues it (spec §4.E "Resume").
func (c *Coordinator) Resume(ctx context.Context, sessionID, executionID string, results []EffectResult, program *sandbox.Program) (Result, error) {
	lockVal, _ := c.locks.LoadOrStore(executionID, &sync.Mutex{})
	lock := lockVal.(*sync.Mutex)
	if !lock.TryLock() {
		return Result{}, atperrors.Newf(atperrors.KindBusy, "coordinator: execution %q is already resuming", executionID)
	}
	defer lock.Unlock()

	rec, err := c.loadRecord(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if rec == nil || rec.Status != StatusPaused {
		return Result{}, atperrors.Newf(atperrors.KindNotFound, "coordinator: execution %q not found or not paused", executionID)
	}
	if rec.SessionID != sessionID {
		return Result{}, atperrors.New(atperrors.KindForbidden, "coordinator: session does not own this execution")
	}

	byID := make(map[string]PendingEffect, len(rec.Pending))
	for _, p := range rec.Pending {
		byID[p.ID] = p
	}
	for _, res := range results {
		pending, ok := byID[res.ID]
		if !ok {
			continue
		}
		digest, err := effectcache.ArgDigest(pending.Payload)
		if err != nil {
			return Result{}, err
		}
		outValue, err := json.Marshal(res.Result)
		if err != nil {
			return Result{}, err
		}
		if err := recordResultEntry(rec, pending, digest, outValue); err != nil {
			return Result{}, err
		}
	}

	log := effectcache.FromEntries(executionID, rec.Effects)
	return c.run(ctx, sessionID, executionID, program, log, provenance.ModeNone, rec.CreatedAt)
}

func recordResultEntry(rec *record, pending PendingEffect, digest string, outValue []byte) error {
	rec.Effects = append(rec.Effects, effectcache.Entry{
		CallSiteKey: pending.CallSiteKey,
		CallKind:    pending.Type,
		ArgDigest:   digest,
		OutputValue: outValue,
	})
	return nil
}

// run executes (or re-executes, for resume) program against log from the
// start, per spec §4.E step 4's deterministic-replay contract: every
// previously-answered suspendable call resolves from the effect cache and
// only a genuinely new suspension point halts execution again.
func (c *Coordinator) run(ctx context.Context, sessionID, executionID string, program *sandbox.Program, log *effectcache.Log, mode provenance.Mode, createdAt time.Time) (Result, error) {
	started := time.Now().UTC()
	global := sandbox.NewGlobalEnv(c.registry)
	interp := sandbox.NewInterpreter(global, log, c.tracker, sessionID, executionID, mode)

	value, susp, err := c.runUntilClientSuspension(ctx, interp, program, log)
	stats := Stats{
		DurationMS: time.Since(started).Milliseconds(),
		CallCounts: log.CountByKind(),
	}

	if susp != nil {
		invocations := susp.Invocations()
		if err := c.scheduler.Allow(sessionID, len(invocations)); err != nil {
			progErr := atperrors.ToProgramError(err)
			rec := &record{
				ExecutionID:  executionID,
				SessionID:    sessionID,
				Status:       StatusFailed,
				CreatedAt:    createdAt,
				StartedAt:    started,
				Effects:      log.Entries(),
				ProgramError: &progErr,
			}
			if saveErr := c.saveRecord(ctx, rec, c.retention); saveErr != nil {
				return Result{}, saveErr
			}
			return Result{ExecutionID: executionID, Status: StatusFailed, ProgramError: &progErr, Stats: stats}, nil
		}
		pending := make([]PendingEffect, len(invocations))
		for idx, inv := range invocations {
			pending[idx] = PendingEffect{
				ID:          "eff_" + uuid.NewString(),
				Type:        "tool",
				Operation:   inv.Operation,
				Payload:     inv.Args,
				CallSiteKey: inv.CallSiteKey,
			}
		}
		rec := &record{
			ExecutionID: executionID,
			SessionID:   sessionID,
			Status:      StatusPaused,
			CreatedAt:   createdAt,
			StartedAt:   started,
			Effects:     log.Entries(),
			Pending:     pending,
		}
		if err := c.saveRecord(ctx, rec, c.remainingBudget(createdAt)); err != nil {
			return Result{}, err
		}
		res := Result{ExecutionID: executionID, Status: StatusPaused, Stats: stats}
		if len(pending) == 1 {
			res.NeedsCallback = &pending[0]
		} else {
			res.NeedsCallbacks = pending
		}
		return res, nil
	}

	if perr, ok := err.(*sandbox.ProgramError); ok {
		progErr := atperrors.ToProgramError(atperrors.Newf(atperrors.KindRuntime, "%v", perr.Value.ToNative()))
		rec := &record{
			ExecutionID:  executionID,
			SessionID:    sessionID,
			Status:       StatusFailed,
			CreatedAt:    createdAt,
			StartedAt:    started,
			Effects:      log.Entries(),
			ProgramError: &progErr,
		}
		if err := c.saveRecord(ctx, rec, c.retention); err != nil {
			return Result{}, err
		}
		return Result{ExecutionID: executionID, Status: StatusFailed, ProgramError: &progErr, Stats: stats}, nil
	}
	if err != nil {
		return Result{}, err
	}

	native := value.ToNative()
	encoded, jsonErr := json.Marshal(native)
	if jsonErr != nil {
		return Result{}, jsonErr
	}
	rec := &record{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Status:      StatusCompleted,
		CreatedAt:   createdAt,
		StartedAt:   started,
		Effects:     log.Entries(),
		Value:       encoded,
	}
	if err := c.saveRecord(ctx, rec, c.retention); err != nil {
		return Result{}, err
	}

	var tokens []provenance.TokenInfo
	if c.tracker != nil && mode != provenance.ModeNone {
		tokens, _, err = c.tracker.IssueForReturn(sessionID, executionID, "program", native)
		if err != nil {
			c.logger.Warn(ctx, "coordinator: issuing provenance tokens for completed value failed", "executionId", executionID, "error", err)
		}
	}

	return Result{
		ExecutionID:      executionID,
		Status:           StatusCompleted,
		Value:            native,
		ProvenanceTokens: tokens,
		Stats:            stats,
	}, nil
}

// maxAutoResolveRounds bounds the loop below; each round that resolves at
// least one invocation locally re-runs the program from the start (per the
// same deterministic-replay contract resume uses), so a pathological
// program alternating local- and client-serviced calls cannot spin forever.
const maxAutoResolveRounds = 64

// runUntilClientSuspension re-runs the interpreter, transparently
// satisfying any suspension whose operation resolves to a registered
// in-process tool handler, until either the program completes or it
// genuinely suspends on an operation with no local handler — i.e. an
// `atp.*` call or an `api.*` tool the registry has no Handler for, which
// spec §4.D describes as "serviced by the client or by a tool handler
// requiring an out-of-band answer": a local, synchronous handler is not
// one of those, so it must never surface as a round-trip to the caller.
func (c *Coordinator) runUntilClientSuspension(ctx context.Context, interp *sandbox.Interpreter, program *sandbox.Program, log *effectcache.Log) (*sandbox.Value, *sandbox.Suspend, error) {
	for round := 0; round < maxAutoResolveRounds; round++ {
		value, susp, err := interp.Run(program)
		if susp == nil {
			return value, susp, err
		}
		resolvedAny, resolveErr := c.resolveLocally(ctx, interp.ExecutionID, log, susp.Invocations())
		if resolveErr != nil {
			return nil, nil, resolveErr
		}
		if !resolvedAny {
			return value, susp, err
		}
	}
	return nil, nil, atperrors.Newf(atperrors.KindRuntime, "coordinator: exceeded %d local-resolution rounds", maxAutoResolveRounds)
}

// resolveLocally invokes whichever local resolver owns each invocation (the
// Tool Registry for `api.*` calls with a registered Handler, then each
// configured atp.* LocalResolver in turn) and records its result into log so
// the next interpreter run replays it from cache instead of suspending on it
// again.
func (c *Coordinator) resolveLocally(ctx context.Context, executionID string, log *effectcache.Log, invocations []sandbox.Invocation) (bool, error) {
	resolvedAny := false
	for _, inv := range invocations {
		digest, err := effectcache.ArgDigest(inv.Args)
		if err != nil {
			return resolvedAny, err
		}
		if _, hit := log.Lookup(executionID, inv.CallSiteKey, digest); hit {
			continue
		}
		out, handled, err := c.resolveOne(ctx, inv)
		if !handled {
			continue
		}
		if err != nil {
			return resolvedAny, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return resolvedAny, err
		}
		if err := log.Record(executionID, effectcache.Entry{
			CallSiteKey: inv.CallSiteKey,
			CallKind:    "call",
			ArgDigest:   digest,
			OutputValue: encoded,
		}); err != nil {
			return resolvedAny, err
		}
		resolvedAny = true
	}
	return resolvedAny, nil
}

// resolveOne tries the Tool Registry first, then each configured atp.*
// LocalResolver in registration order. handled=false means no configured
// backend owns this operation, so it remains a genuine client suspension.
func (c *Coordinator) resolveOne(ctx context.Context, inv sandbox.Invocation) (out any, handled bool, err error) {
	if c.registry != nil {
		if spec, ok := c.registry.Resolve(inv.Operation); ok && spec.Handler != nil {
			if blocked := c.evaluatePolicy(ctx, inv.Operation, inv.Args); blocked != nil {
				return nil, true, blocked
			}
			out, err = c.registry.Invoke(ctx, inv.Operation, inv.Args, nil)
			return out, true, err
		}
	}
	for _, r := range c.resolvers {
		if blocked := c.evaluatePolicy(ctx, inv.Operation, inv.Args); blocked != nil {
			return nil, true, blocked
		}
		out, ok, err := r.Resolve(ctx, inv.Operation, inv.Args)
		if ok {
			return out, true, err
		}
	}
	return nil, false, nil
}

// evaluatePolicy runs every registered policy against one invocation and
// returns a non-nil *atperrors.Error only when the winning action is
// Block (spec §7 "Policy: policyBlocked"). Log and Approve actions do not
// halt execution at this layer: Approve's out-of-band confirmation is
// serviced through the atp.approval.* suspension path, not by blocking
// here (spec §4.H "approve(message, context) ... surfaces to the client").
//
// The LabelLookup passed to Evaluate always reports not-found: Invocation
// args are the already-native (label-stripped) map sandbox.argsToNative
// produces, so tool-origin taint tracking for the exfiltration/user-origin
// built-ins degrades to "never tainted" at this call site. Label-aware
// policies need Invocation to carry per-argument labels, which would
// require plumbing Value.Label through argsToNative instead of discarding
// it at ToNative() — a larger change than this wiring pass; tracked as a
// known limitation in DESIGN.md rather than silently assumed to work.
func (c *Coordinator) evaluatePolicy(ctx context.Context, operation string, args map[string]any) error {
	if c.policies == nil {
		return nil
	}
	noLookup := func(any) (provenance.Label, bool) { return provenance.Label{}, false }
	action, _ := c.policies.Evaluate(ctx, operation, args, noLookup)
	if action.Kind == policy.ActionBlock {
		// Action carries no policy id (only Reason/Message/Context), so the
		// policy field is left blank; the reason string already names the
		// policy's rationale (see atp/policy/builtins.go's Block() messages).
		return atperrors.PolicyBlocked("", action.Reason, nil)
	}
	return nil
}

func (c *Coordinator) remainingBudget(createdAt time.Time) time.Duration {
	elapsed := time.Since(createdAt)
	remaining := c.executionBudget - elapsed
	if remaining <= 0 {
		return time.Second
	}
	return remaining
}

func execKey(executionID string) string { return fmt.Sprintf("exec:%s", executionID) }

func (c *Coordinator) loadRecord(ctx context.Context, executionID string) (*record, error) {
	data, err := c.store.Get(ctx, execKey(executionID))
	if err != nil {
		return nil, atperrors.Wrap(atperrors.KindInfra, err, "coordinator: reading execution record")
	}
	if data == nil {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, atperrors.Wrap(atperrors.KindInfra, err, "coordinator: decoding execution record")
	}
	return &rec, nil
}

func (c *Coordinator) saveRecord(ctx context.Context, rec *record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, execKey(rec.ExecutionID), data, int(ttl.Seconds())); err != nil {
		return atperrors.Wrap(atperrors.KindInfra, err, "coordinator: persisting execution record")
	}
	return nil
}

// Cancel deletes a paused execution's record explicitly (spec §4.E
// "Cancellation": "until explicit delete is called on the session" — here
// scoped to a single execution rather than the whole session).
func (c *Coordinator) Cancel(ctx context.Context, sessionID, executionID string) error {
	rec, err := c.loadRecord(ctx, executionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return atperrors.Newf(atperrors.KindNotFound, "coordinator: execution %q not found", executionID)
	}
	if rec.SessionID != sessionID {
		return atperrors.New(atperrors.KindForbidden, "coordinator: session does not own this execution")
	}
	return c.store.Delete(ctx, execKey(executionID))
}
