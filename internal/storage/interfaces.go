// Package storage defines the persistence contracts for the voicemem system.
//
// The layer is split into small per-kind interfaces that backends implement
// independently and that the composed Store interface stitches together.
// The persistent store is the single source of truth; any in-process caches
// of counts or flags are advisory and must be refreshed from it.
package storage

import (
	"context"

	"github.com/mseverin/voicemem/pkg/types"
)

// STMStore persists the bounded short-term conversation buffer. Eviction
// ordering (oldest turn number first) and turn-number monotonicity are
// enforced by the STM manager; the store only provides the primitives.
type STMStore interface {
	// InsertTurn writes a new turn. The (session, turn number) pair must not
	// already exist.
	InsertTurn(ctx context.Context, turn *types.Turn) error

	// Turns returns all live turns for a session ordered ascending by turn number.
	Turns(ctx context.Context, sessionID string) ([]*types.Turn, error)

	// RecentTurns returns the most recent limit turns for a session, still
	// ordered ascending by turn number.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error)

	// TurnCount returns the number of live turns for a session.
	TurnCount(ctx context.Context, sessionID string) (int, error)

	// LastTurnNumber returns the highest live turn number for a session,
	// or 0 when the session has no turns.
	LastTurnNumber(ctx context.Context, sessionID string) (int, error)

	// DeleteOldestTurn removes the live turn with the smallest turn number.
	// Returns ErrNotFound when the session has no turns.
	DeleteOldestTurn(ctx context.Context, sessionID string) error

	// ClearTurns removes all turns for a session. Other memory kinds are
	// unaffected.
	ClearTurns(ctx context.Context, sessionID string) error
}

// FactStore persists user-scoped importance facts. Facts are never
// auto-deleted; removal is an explicit caller action.
type FactStore interface {
	// UpsertFact creates or replaces a fact by ID.
	UpsertFact(ctx context.Context, fact *types.Fact) error

	// Fact retrieves a fact by ID. Returns ErrNotFound when absent.
	Fact(ctx context.Context, id string) (*types.Fact, error)

	// FactsByUser returns facts with priority >= minPriority ordered by
	// (priority desc, last_updated desc), capped at limit.
	FactsByUser(ctx context.Context, userID string, minPriority, limit int) ([]*types.Fact, error)

	// DeleteFact removes a fact by ID. Returns ErrNotFound when absent.
	DeleteFact(ctx context.Context, id string) error
}

// SemanticStore persists user-scoped key/value facts with last-write-wins
// semantics per (user, key).
type SemanticStore interface {
	// PutSemantic inserts or replaces the value for (user, key).
	PutSemantic(ctx context.Context, fact *types.SemanticFact) error

	// SemanticByUser returns a user's facts ordered by recency, capped at limit.
	SemanticByUser(ctx context.Context, userID string, limit int) ([]*types.SemanticFact, error)
}

// EpisodeStore persists session-scoped episode summaries.
type EpisodeStore interface {
	// InsertEpisode writes a new episode summary.
	InsertEpisode(ctx context.Context, episode *types.EpisodeSummary) error

	// EpisodesBySession returns episodes ordered by (importance desc,
	// created_at desc), capped at limit.
	EpisodesBySession(ctx context.Context, sessionID string, limit int) ([]*types.EpisodeSummary, error)
}

// PromptCacheStore persists the precomputed per-session system prompt.
type PromptCacheStore interface {
	// PutPrompt overwrites the cached prompt for a session wholesale.
	PutPrompt(ctx context.Context, prompt *types.CachedPrompt) error

	// PromptBySession returns the cached prompt for a session.
	// Returns ErrNotFound when no row exists.
	PromptBySession(ctx context.Context, sessionID string) (*types.CachedPrompt, error)
}

// SessionIndex maintains the explicit session-to-user mapping used to fan
// rebuild triggers out to a user's recently active sessions.
type SessionIndex interface {
	// TouchSession upserts the session row, setting its user and bumping
	// last_active_at to now.
	TouchSession(ctx context.Context, sessionID, userID string) error

	// SessionUser returns the user that owns a session.
	// Returns ErrNotFound for unknown sessions.
	SessionUser(ctx context.Context, sessionID string) (string, error)

	// RecentSessions returns up to limit session IDs for a user ordered by
	// last activity, most recent first.
	RecentSessions(ctx context.Context, userID string, limit int) ([]string, error)
}

// Store composes all persistence contracts a backend must satisfy.
type Store interface {
	STMStore
	FactStore
	SemanticStore
	EpisodeStore
	PromptCacheStore
	SessionIndex

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
