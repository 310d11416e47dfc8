package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mseverin/voicemem/internal/memory"
	"github.com/mseverin/voicemem/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store := newTestStore(t)
	e, err := New(store, DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

// fakeCompleter returns a canned summary for episode folding tests.
type fakeCompleter struct {
	summary string
	calls   int
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userMessage string, history []*types.Turn) (string, error) {
	f.calls++
	return f.summary, nil
}

func TestRecordTurnAssignsSequentialNumbers(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		result, err := e.RecordTurn(ctx, "sess-1", "user-1", fmt.Sprintf("turn number %d", i), "okay")
		if err != nil {
			t.Fatalf("record turn %d failed: %v", i, err)
		}
		if result.TurnNumber != i {
			t.Errorf("expected turn number %d, got %d", i, result.TurnNumber)
		}
	}
}

func TestTenthTurnTriggersRebuild(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= memory.MaxSTMTurns; i++ {
		result, err := e.RecordTurn(ctx, "sess-full", "user-1", fmt.Sprintf("message %d", i), "reply")
		if err != nil {
			t.Fatalf("record turn %d failed: %v", i, err)
		}
		queued := result.RebuildQueued
		if i < memory.MaxSTMTurns && queued {
			t.Errorf("rebuild queued early at turn %d", i)
		}
		if i == memory.MaxSTMTurns && !queued {
			t.Error("rebuild not queued when the buffer reached capacity")
		}
	}

	if got := e.SessionState("sess-full"); got != StatePendingRebuild {
		t.Errorf("expected pending_rebuild, got %s", got)
	}

	result, err := e.RebuildNow(ctx, "sess-full")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if result.Counts.STM != memory.MaxSTMTurns {
		t.Errorf("expected %d turns in the prompt, got %d", memory.MaxSTMTurns, result.Counts.STM)
	}

	// All ten turns appear in ascending order.
	prev := -1
	for i := 1; i <= memory.MaxSTMTurns; i++ {
		idx := strings.Index(result.Prompt, fmt.Sprintf("Turn %d:", i))
		if idx < 0 {
			t.Fatalf("turn %d missing from prompt", i)
		}
		if idx < prev {
			t.Errorf("turn %d appears out of order", i)
		}
		prev = idx
	}

	if got := e.SessionState("sess-full"); got != StateIdle {
		t.Errorf("expected idle after rebuild, got %s", got)
	}
}

func TestEleventhTurnEvictsOldest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= memory.MaxSTMTurns+1; i++ {
		if _, err := e.RecordTurn(ctx, "sess-evict", "user-1", fmt.Sprintf("message %d", i), "reply"); err != nil {
			t.Fatalf("record turn %d failed: %v", i, err)
		}
	}

	turns, err := e.Store().Turns(ctx, "sess-evict")
	if err != nil {
		t.Fatalf("turns read failed: %v", err)
	}
	if len(turns) != memory.MaxSTMTurns {
		t.Fatalf("expected %d live turns, got %d", memory.MaxSTMTurns, len(turns))
	}
	if turns[0].TurnNumber != 2 {
		t.Errorf("expected oldest turn 1 evicted, window starts at %d", turns[0].TurnNumber)
	}
	if turns[len(turns)-1].TurnNumber != memory.MaxSTMTurns+1 {
		t.Errorf("expected newest turn %d, got %d", memory.MaxSTMTurns+1, turns[len(turns)-1].TurnNumber)
	}
}

func TestRecordTurnClassifiesImportantContent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	result, err := e.RecordTurn(ctx, "sess-cls", "user-1", "Please remember my birthday is June 3rd", "Noted!")
	if err != nil {
		t.Fatalf("record turn failed: %v", err)
	}
	if !result.Classified {
		t.Fatal("expected turn to be classified")
	}
	if !result.RebuildQueued {
		t.Error("high-priority classification should queue a rebuild")
	}

	facts, err := e.Store().FactsByUser(ctx, "user-1", types.MinPriority, 10)
	if err != nil {
		t.Fatalf("facts read failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 stored fact, got %d", len(facts))
	}
	if facts[0].Priority != types.MaxPriority {
		t.Errorf("expected priority 5, got %d", facts[0].Priority)
	}
}

func TestHighPriorityFactFansOutToRecentSessions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	sessions := make([]string, 6)
	for i := range sessions {
		sessions[i] = fmt.Sprintf("sess-%d", i)
		if _, err := e.RecordTurn(ctx, sessions[i], "user_42", "hello there", "hi"); err != nil {
			t.Fatalf("record turn failed: %v", err)
		}
		// Distinct activity timestamps so recency ordering is unambiguous.
		time.Sleep(5 * time.Millisecond)
	}

	err := e.AddFact(ctx, &types.Fact{
		UserID:   "user_42",
		Content:  "Moved to a new address on Elm Street",
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("add fact failed: %v", err)
	}

	// The five most recent sessions are owed a rebuild; the oldest is not.
	if got := e.SessionState(sessions[0]); got != StateIdle {
		t.Errorf("oldest session should stay idle, got %s", got)
	}
	for _, sid := range sessions[1:] {
		if got := e.SessionState(sid); got != StatePendingRebuild {
			t.Errorf("session %s expected pending_rebuild, got %s", sid, got)
		}
	}
}

func TestConcurrentManualRebuildsCollapse(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RecordTurn(ctx, "sess-race", "user-1", "hello there", "hi"); err != nil {
		t.Fatalf("record turn failed: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	prompts := make([]string, n)
	errs := make([]error, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			result, err := e.RebuildNow(ctx, "sess-race")
			if err != nil {
				errs[i] = err
				return
			}
			prompts[i] = result.Prompt
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rebuild %d failed: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if prompts[i] != prompts[0] {
			t.Errorf("rebuild %d observed a different prompt", i)
		}
	}
	// Triggers that landed mid-rebuild may leave the session re-armed, but
	// never mid-claim.
	if got := e.SessionState("sess-race"); got == StateRebuilding {
		t.Errorf("claim leaked after rebuilds finished: %s", got)
	}
}

func TestMutationDuringRebuildQueuesFollowUp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RecordTurn(ctx, "sess-rearm", "user-1", "hello there", "hi"); err != nil {
		t.Fatalf("record turn failed: %v", err)
	}

	// Simulate a mutation landing after the rebuild claimed but before it
	// finished; its trigger must not be lost.
	e.SetRebuildCallbacks(func(sessionID string, reason TriggerReason) {
		e.triggers.Fire(sessionID, ReasonHighPriorityFact)
	}, nil)

	if _, err := e.RebuildNow(ctx, "sess-rearm"); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	if got := e.SessionState("sess-rearm"); got != StatePendingRebuild {
		t.Errorf("expected re-armed pending_rebuild, got %s", got)
	}
	if got := e.QueueSize(); got != 1 {
		t.Errorf("expected one queued follow-up rebuild, got %d", got)
	}
	if got := e.triggers.PendingReason("sess-rearm"); got != ReasonHighPriorityFact {
		t.Errorf("expected deferred reason high_priority_fact, got %q", got)
	}
}

func TestStalePromptRebuiltOnRead(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RecordTurn(ctx, "sess-stale", "user-1", "hello there", "hi"); err != nil {
		t.Fatalf("record turn failed: %v", err)
	}
	first, err := e.RebuildNow(ctx, "sess-stale")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	// Jump the reader's clock past the staleness threshold.
	e.reader.now = func() time.Time { return first.BuiltAt.Add(61 * time.Minute) }

	got := e.Prompt(ctx, "sess-stale", "user-1")
	if got == "" || got == BasePrompt {
		t.Fatalf("expected a rebuilt prompt, got %q", got)
	}

	cached, err := e.Store().PromptBySession(ctx, "sess-stale")
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}
	if !cached.LastUpdated.After(first.BuiltAt) {
		t.Error("stale read did not overwrite the cache row")
	}
}

func TestPromptResolvesUserFromSessionIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RecordTurn(ctx, "sess-idx", "user-1", "hello there", "hi"); err != nil {
		t.Fatalf("record turn failed: %v", err)
	}

	// Empty userID resolves through the session index.
	got := e.Prompt(ctx, "sess-idx", "")
	if got == BasePrompt {
		t.Error("expected a synthesized prompt for a known session")
	}

	// An unknown session degrades to the base prompt instead of failing.
	if got := e.Prompt(ctx, "no-such-session", ""); got != BasePrompt {
		t.Errorf("expected base prompt for unknown session, got %q", got)
	}
}

func TestClearSessionFoldsEpisode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	completer := &fakeCompleter{summary: "User planned a hiking weekend."}
	e.SetCompleter(completer)

	for i := 1; i <= 3; i++ {
		if _, err := e.RecordTurn(ctx, "sess-clear", "user-1", fmt.Sprintf("message %d", i), "reply"); err != nil {
			t.Fatalf("record turn failed: %v", err)
		}
	}

	if err := e.ClearSession(ctx, "sess-clear"); err != nil {
		t.Fatalf("clear session failed: %v", err)
	}

	if completer.calls != 1 {
		t.Errorf("expected one summarization call, got %d", completer.calls)
	}

	turns, err := e.Store().Turns(ctx, "sess-clear")
	if err != nil {
		t.Fatalf("turns read failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected empty STM after clear, got %d turns", len(turns))
	}

	episodes, err := e.Store().EpisodesBySession(ctx, "sess-clear", 5)
	if err != nil {
		t.Fatalf("episodes read failed: %v", err)
	}
	if len(episodes) != 1 {
		t.Fatalf("expected 1 folded episode, got %d", len(episodes))
	}
	if episodes[0].Summary != completer.summary {
		t.Errorf("unexpected episode summary: %q", episodes[0].Summary)
	}
}

func TestEngineStartAndShutdown(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := e.Start(ctx); err == nil {
		t.Error("second start should fail")
	}

	// A queued job is drained by the background workers.
	if _, err := e.RecordTurn(ctx, "sess-bg", "user-1", "hello there", "hi"); err != nil {
		t.Fatalf("record turn failed: %v", err)
	}
	e.enqueueRebuild("sess-bg", ReasonManual)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.SessionState("sess-bg") == StateIdle && e.QueueSize() == 0 {
			if _, err := e.Store().PromptBySession(ctx, "sess-bg"); err == nil {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := e.Store().PromptBySession(ctx, "sess-bg"); err != nil {
		t.Errorf("background worker did not produce a cached prompt: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	bad := DefaultConfig()
	bad.NumWorkers = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero workers")
	}

	bad = DefaultConfig()
	bad.RebuildTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero rebuild timeout")
	}
}
