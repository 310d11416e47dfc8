package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/pkg/types"
)

// BasePrompt is the minimal memoryless prompt served when the store cannot
// be reached at all. Freshness degrades before correctness: the surrounding
// conversation always receives some usable system prompt.
const BasePrompt = personaPreamble + "\n\nYou have no stored context for this conversation yet."

// MaxPromptAge is how old a cached prompt may be before a read triggers a
// rebuild.
const MaxPromptAge = 60 * time.Minute

// rebuildFunc rebuilds the prompt for a session, serialized per session.
type rebuildFunc func(ctx context.Context, sessionID, userID string, reason TriggerReason) (*BuildResult, error)

// PromptReader is the consumption side of the cache: it returns the cached
// prompt, rebuilding synchronously when the row is absent or stale.
//
// Cache reads go through a circuit breaker so that a dead store degrades to
// the base prompt immediately instead of paying a timeout on every turn.
type PromptReader struct {
	cache   storage.PromptCacheStore
	rebuild rebuildFunc
	maxAge  time.Duration
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// NewPromptReader creates a reader over the cache store. rebuild is the
// engine's serialized rebuild entry point.
func NewPromptReader(cache storage.PromptCacheStore, rebuild rebuildFunc, maxAge time.Duration) *PromptReader {
	if maxAge <= 0 {
		maxAge = MaxPromptAge
	}
	return &PromptReader{
		cache:   cache,
		rebuild: rebuild,
		maxAge:  maxAge,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "prompt-cache-store",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A missing row is a cache miss, not a store failure.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, storage.ErrNotFound)
			},
		}),
		now: time.Now,
	}
}

// Prompt returns the system prompt for a session. It never fails the
// enclosing conversation turn: every path returns a usable prompt.
//
//   - cache fresh: the cached text unchanged
//   - cache miss: synchronous rebuild; base prompt if that fails
//   - cache stale: rebuild; the stale text as degraded fallback on failure
//   - store unreachable (or breaker open): the fixed base prompt
func (r *PromptReader) Prompt(ctx context.Context, sessionID, userID string) string {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.cache.PromptBySession(ctx, sessionID)
	})

	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			build, buildErr := r.rebuild(ctx, sessionID, userID, ReasonCacheMiss)
			if buildErr != nil {
				log.Printf("WARNING: prompt rebuild on cache miss failed for session %s, serving base prompt: %v", sessionID, buildErr)
				return BasePrompt
			}
			return build.Prompt
		}
		log.Printf("WARNING: prompt cache unreachable for session %s, serving base prompt: %v", sessionID, err)
		return BasePrompt
	}

	cached := result.(*types.CachedPrompt)
	if !cached.Stale(r.now(), r.maxAge) {
		return cached.Prompt
	}

	build, buildErr := r.rebuild(ctx, sessionID, userID, ReasonStaleCache)
	if buildErr != nil {
		log.Printf("WARNING: stale prompt rebuild failed for session %s, serving stale prompt: %v", sessionID, buildErr)
		return cached.Prompt
	}
	return build.Prompt
}
