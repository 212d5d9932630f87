package batch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atp-proto/atp-server/atp/atperrors"
)

// DefaultCallsPerSecond and DefaultBurst size the per-session token bucket
// that throttles suspendable-call issuance (SPEC_FULL.md §11 DOMAIN STACK:
// "golang.org/x/time (rate) ... per-session token-bucket limiting of
// suspendable-call issuance (callBudgetExceeded)"). A batch of N independent
// calls issued together draws N tokens at once, so a single large
// Promise.all still counts against the same budget a sequential loop would.
const (
	DefaultCallsPerSecond = 20
	DefaultBurst          = 40
)

// Scheduler owns one token-bucket limiter per session, lazily created on
// first use. It does not participate in deciding *whether* suspensions are
// independent (that is ClassifyLoop/ClassifyWaitAll above); it only bounds
// how fast any given session may issue them, independent or not.
type Scheduler struct {
	mu             sync.Mutex
	limiters       map[string]*rate.Limiter
	callsPerSecond rate.Limit
	burst          int
}

// NewScheduler constructs a Scheduler with the given per-session rate and
// burst. Pass DefaultCallsPerSecond/DefaultBurst for spec defaults.
func NewScheduler(callsPerSecond float64, burst int) *Scheduler {
	return &Scheduler{
		limiters:       make(map[string]*rate.Limiter),
		callsPerSecond: rate.Limit(callsPerSecond),
		burst:          burst,
	}
}

// Allow draws n tokens (n = size of the batch about to be emitted as
// pending effects) from sessionID's bucket. It returns a
// *atperrors.Error{Kind: KindCallBudgetExceeded} when the session has
// exhausted its budget, which the coordinator surfaces as a failed
// execution rather than issuing the suspension (spec §7 resource-kind
// errors: "callBudgetExceeded").
func (s *Scheduler) Allow(sessionID string, n int) error {
	if n <= 0 {
		return nil
	}
	limiter := s.limiterFor(sessionID)
	if limiter.AllowN(time.Now(), n) {
		return nil
	}
	return atperrors.Newf(atperrors.KindCallBudgetExceeded,
		"batch: session %q exceeded its suspendable-call issuance budget", sessionID)
}

func (s *Scheduler) limiterFor(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[sessionID]
	if !ok {
		limiter = rate.NewLimiter(s.callsPerSecond, s.burst)
		s.limiters[sessionID] = limiter
	}
	return limiter
}

// Forget drops sessionID's limiter, e.g. once its session is closed and
// freeing the bucket matters more than preserving its throttling history.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, sessionID)
}
