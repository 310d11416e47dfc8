// Package engine orchestrates the memory tiers: it records turns, decides
// when the per-session prompt cache must be rebuilt, rebuilds it, and serves
// it with degraded fallbacks.
package engine

import "sync"

// SessionState is the rebuild lifecycle state of one session.
type SessionState string

const (
	// StateIdle means no rebuild is wanted or running.
	StateIdle SessionState = "idle"

	// StatePendingRebuild means a trigger fired and a rebuild is owed.
	StatePendingRebuild SessionState = "pending_rebuild"

	// StateRebuilding means a rebuild claim is held for the session.
	StateRebuilding SessionState = "rebuilding"
)

// TriggerReason records which event scheduled a rebuild.
type TriggerReason string

const (
	ReasonSTMFull          TriggerReason = "stm_full"
	ReasonHighPriorityFact TriggerReason = "high_priority_fact"
	ReasonManual           TriggerReason = "manual"
	ReasonStaleCache       TriggerReason = "stale_cache"
	ReasonCacheMiss        TriggerReason = "cache_miss"
)

// TriggerPolicy is the per-session state machine
// Idle -> PendingRebuild -> Rebuilding -> Idle.
//
// Claim gives the at-most-one-concurrent-rebuild-per-session guarantee:
// two simultaneous triggers collapse into one rebuild, and the loser waits
// on the winner's done channel instead of double-writing. Release happens
// on success and failure alike so a failed rebuild never strands a claim.
//
// A trigger that fires while a rebuild is in flight re-arms the session:
// the in-flight rebuild may have fetched before the triggering mutation
// landed, so Release moves the session back to PendingRebuild instead of
// Idle and reports the re-arm to the caller.
type TriggerPolicy struct {
	mu       sync.Mutex
	states   map[string]SessionState
	reasons  map[string]TriggerReason
	rearm    map[string]TriggerReason
	inflight map[string]chan struct{}
}

// NewTriggerPolicy creates an empty trigger policy; unknown sessions are Idle.
func NewTriggerPolicy() *TriggerPolicy {
	return &TriggerPolicy{
		states:   make(map[string]SessionState),
		reasons:  make(map[string]TriggerReason),
		rearm:    make(map[string]TriggerReason),
		inflight: make(map[string]chan struct{}),
	}
}

// State returns the current state for a session.
func (p *TriggerPolicy) State(sessionID string) SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[sessionID]; ok {
		return s
	}
	return StateIdle
}

// PendingReason returns the reason that armed the session's pending or
// running rebuild, or the empty reason for an idle session.
func (p *TriggerPolicy) PendingReason(sessionID string) TriggerReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reasons[sessionID]
}

// Fire transitions an Idle session to PendingRebuild. It returns true only
// on that transition, so callers enqueue at most one rebuild job per pending
// cycle. Firing on a pending session is a no-op; firing on a rebuilding
// session re-arms it so the rebuild is repeated once the current one ends.
func (p *TriggerPolicy) Fire(sessionID string, reason TriggerReason) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.states[sessionID] {
	case StatePendingRebuild:
		return false
	case StateRebuilding:
		p.rearm[sessionID] = reason
		return false
	default:
		p.states[sessionID] = StatePendingRebuild
		p.reasons[sessionID] = reason
		return true
	}
}

// Claim attempts to enter Rebuilding for a session.
//
// When the session is Idle or PendingRebuild the claim succeeds and the
// caller owns the rebuild; it must call Release when done. When another
// caller already holds the claim, Claim returns false together with that
// rebuild's done channel so the caller can wait and then read the winner's
// result from the cache.
func (p *TriggerPolicy) Claim(sessionID string) (bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.states[sessionID] == StateRebuilding {
		return false, p.inflight[sessionID]
	}

	done := make(chan struct{})
	p.states[sessionID] = StateRebuilding
	p.inflight[sessionID] = done
	return true, done
}

// Release ends a rebuild and wakes any waiters. It is called on completion
// regardless of outcome. When no trigger fired mid-rebuild the session
// returns to Idle; otherwise it re-arms to PendingRebuild and Release
// reports the deferred reason so the caller can schedule the follow-up.
func (p *TriggerPolicy) Release(sessionID string) (TriggerReason, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if done, ok := p.inflight[sessionID]; ok {
		close(done)
		delete(p.inflight, sessionID)
	}

	if reason, ok := p.rearm[sessionID]; ok {
		delete(p.rearm, sessionID)
		p.states[sessionID] = StatePendingRebuild
		p.reasons[sessionID] = reason
		return reason, true
	}

	p.states[sessionID] = StateIdle
	delete(p.reasons, sessionID)
	return "", false
}
