// Package types defines the memory entities shared across the voicemem system.
// Five durable kinds exist: short-term conversation turns, user-scoped
// importance facts, user-scoped semantic key/value facts, session-scoped
// episode summaries, and the per-session cached prompt.
package types

import "time"

// Priority bounds for importance facts. Out-of-range input is clamped,
// never rejected, so a sloppy caller still produces a valid row.
const (
	MinPriority = 1
	MaxPriority = 5
)

// Turn is one completed conversation exchange in short-term memory.
// The pair (SessionID, TurnNumber) is unique; turn numbers are assigned
// monotonically per session and never reused, even after eviction.
type Turn struct {
	SessionID  string    `json:"session_id"`
	TurnNumber int       `json:"turn_number"`
	UserText   string    `json:"user_text"`
	AgentText  string    `json:"agent_text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fact is a durable, priority-ranked piece of long-term memory scoped to a
// user ("very important things" the user wants remembered indefinitely).
type Fact struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	Priority    int       `json:"priority"` // always within [MinPriority, MaxPriority]
	LastUpdated time.Time `json:"last_updated"`
}

// SemanticFact is a user-scoped key/value fact with last-write-wins
// semantics: one row per (UserID, Key).
type SemanticFact struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EpisodeSummary is a condensed record of a past session, ranked by
// importance then recency at retrieval time. Episodes are optional
// enrichment; their absence never blocks prompt synthesis.
type EpisodeSummary struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Summary    string    `json:"summary"`
	Tags       []string  `json:"tags,omitempty"`
	Importance int       `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// CachedPrompt is the precomputed system prompt for one session. Rebuilds
// overwrite the row wholesale; there is no partial patching.
type CachedPrompt struct {
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	LastUpdated time.Time `json:"last_updated"`
}

// ClampPriority forces a priority into the valid [MinPriority, MaxPriority]
// range. Input 7 becomes 5, input 0 becomes 1.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Age reports how old the cached prompt is relative to now.
func (p *CachedPrompt) Age(now time.Time) time.Duration {
	return now.Sub(p.LastUpdated)
}

// Stale reports whether the cached prompt has exceeded maxAge at now.
func (p *CachedPrompt) Stale(now time.Time, maxAge time.Duration) bool {
	return p.Age(now) > maxAge
}
