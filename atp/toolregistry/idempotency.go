package toolregistry

import (
	"github.com/atp-proto/atp-server/atp/effectcache"
)

// IdempotencyKey identifies a write/destructive tool invocation for
// de-duplication purposes, derived from the same content-addressed triple
// the effect cache uses to key suspension replay (SPEC_FULL.md §12
// SUPPLEMENT: idempotency keys for write/destructive tools, grounded in the
// teacher's tag-based transcript-idempotency design in
// runtime/agent/tools/idempotency.go — here generalized from an opt-in tag
// to a key derived automatically for every write/destructive tool, since
// ATP's effect cache already guarantees the inputs needed to compute one).
type IdempotencyKey = effectcache.Key

// RequiresIdempotencyKey reports whether a tool's declared metadata means
// repeat calls with identical arguments should be deduplicated rather than
// re-executed. Read tools are never deduplicated this way: re-reading is
// always safe and callers may legitimately want a fresh read.
func RequiresIdempotencyKey(m Metadata) bool {
	return m.OperationType == OpWrite || m.OperationType == OpDestructive
}

// DeriveIdempotencyKey computes the idempotency key for one invocation of a
// write/destructive tool. callSiteKey is the sandbox's stable per-call-site
// identifier (spec §4.D); executionID scopes the key to one program run, so
// two different executions calling the same tool with the same arguments do
// not collide.
func DeriveIdempotencyKey(executionID, callSiteKey string, args map[string]any) (IdempotencyKey, error) {
	digest, err := effectcache.ArgDigest(args)
	if err != nil {
		return IdempotencyKey{}, err
	}
	return IdempotencyKey{
		ExecutionID: executionID,
		CallSiteKey: callSiteKey,
		ArgDigest:   digest,
	}, nil
}
