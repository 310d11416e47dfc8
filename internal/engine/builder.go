package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/pkg/types"
)

// personaPreamble opens every synthesized prompt. It is fixed so that two
// rebuilds with identical memory state produce byte-identical text.
const personaPreamble = `You are a warm, attentive voice companion. You speak naturally and
concisely, and you draw on what you know about the user without reciting it back verbatim.`

// closingInstructions end every synthesized prompt.
const closingInstructions = `Use the context above silently. Never mention that you keep notes or
memory. If something important and new comes up, acknowledge it naturally.`

// minFactPriority is the floor for importance facts included in a prompt.
const minFactPriority = 3

// ContextCounts reports how many entries of each memory kind went into a
// synthesized prompt.
type ContextCounts struct {
	Importance int `json:"importance"`
	Semantic   int `json:"semantic"`
	STM        int `json:"stm"`
	Episodic   int `json:"episodic"`
}

// BuildResult is the outcome of one prompt rebuild.
type BuildResult struct {
	Prompt string
	Counts ContextCounts
	BuiltAt time.Time

	// Coalesced is true when this caller did not rebuild itself but observed
	// a concurrent rebuild's result instead. Counts are zero in that case.
	Coalesced bool
}

// PromptBuilder aggregates the four memory stores for a session/user pair
// into one formatted prompt and writes it to the cache.
type PromptBuilder struct {
	store storage.Store
}

// NewPromptBuilder creates a builder over the given store.
func NewPromptBuilder(store storage.Store) *PromptBuilder {
	return &PromptBuilder{store: store}
}

// Rebuild fetches all memory kinds, formats the prompt, overwrites the
// session's cache row wholesale, and returns the built text so the caller
// can use it without a re-read.
//
// The four fetches run concurrently. An episode fetch failure is tolerated
// and treated as an empty section; any other fetch failure aborts the
// rebuild and leaves the previous cache row untouched.
func (b *PromptBuilder) Rebuild(ctx context.Context, sessionID, userID string) (*BuildResult, error) {
	var (
		turns    []*types.Turn
		facts    []*types.Fact
		semantic []*types.SemanticFact
		episodes []*types.EpisodeSummary

		turnsErr, factsErr, semanticErr error
	)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		turns, turnsErr = b.store.Turns(ctx, sessionID)
	}()
	go func() {
		defer wg.Done()
		facts, factsErr = b.store.FactsByUser(ctx, userID, minFactPriority, storage.MaxFactsPerPrompt)
	}()
	go func() {
		defer wg.Done()
		semantic, semanticErr = b.store.SemanticByUser(ctx, userID, storage.MaxSemanticPerPrompt)
	}()
	go func() {
		defer wg.Done()
		var err error
		episodes, err = b.store.EpisodesBySession(ctx, sessionID, storage.MaxEpisodesPerPrompt)
		if err != nil {
			// Episodic context is optional enrichment.
			log.Printf("WARNING: episode fetch failed for session %s, continuing without: %v", sessionID, err)
			episodes = nil
		}
	}()
	wg.Wait()

	for _, err := range []error{turnsErr, factsErr, semanticErr} {
		if err != nil {
			return nil, fmt.Errorf("prompt rebuild fetch: %w", err)
		}
	}

	prompt := formatPrompt(facts, semantic, turns, episodes)
	builtAt := time.Now()

	if err := b.store.PutPrompt(ctx, &types.CachedPrompt{
		SessionID:   sessionID,
		Prompt:      prompt,
		LastUpdated: builtAt,
	}); err != nil {
		return nil, fmt.Errorf("prompt rebuild write: %w", err)
	}

	return &BuildResult{
		Prompt: prompt,
		Counts: ContextCounts{
			Importance: len(facts),
			Semantic:   len(semantic),
			STM:        len(turns),
			Episodic:   len(episodes),
		},
		BuiltAt: builtAt,
	}, nil
}

// formatPrompt assembles the prompt sections in fixed order. Empty sections
// are omitted entirely rather than rendered with empty bodies.
func formatPrompt(facts []*types.Fact, semantic []*types.SemanticFact, turns []*types.Turn, episodes []*types.EpisodeSummary) string {
	var sb strings.Builder
	sb.WriteString(personaPreamble)
	sb.WriteString("\n")

	if len(facts) > 0 {
		sb.WriteString("\n## Important Things to Remember\n")
		for i, f := range facts {
			fmt.Fprintf(&sb, "%d. [Priority %d] %s (Tags: %s)\n",
				i+1, f.Priority, f.Content, strings.Join(f.Tags, ", "))
		}
	}

	if len(semantic) > 0 {
		sb.WriteString("\n## Known Facts\n")
		for _, f := range semantic {
			fmt.Fprintf(&sb, "%s: %s\n", f.Key, f.Value)
		}
	}

	if len(turns) > 0 {
		sb.WriteString("\n## Recent Conversation\n")
		for _, t := range turns {
			fmt.Fprintf(&sb, "Turn %d:\nUser: %s\nYou: %s\n", t.TurnNumber, t.UserText, t.AgentText)
		}
	}

	if len(episodes) > 0 {
		sb.WriteString("\n## Past Session Summaries\n")
		for _, e := range episodes {
			fmt.Fprintf(&sb, "- [Importance %d] %s\n", e.Importance, e.Summary)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(closingInstructions)
	return sb.String()
}
