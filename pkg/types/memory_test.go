package types

import (
	"testing"
	"time"
)

func TestClampPriority_InRange(t *testing.T) {
	for p := MinPriority; p <= MaxPriority; p++ {
		if got := ClampPriority(p); got != p {
			t.Errorf("ClampPriority(%d) = %d, want unchanged", p, got)
		}
	}
}

func TestClampPriority_AboveMax(t *testing.T) {
	if got := ClampPriority(7); got != MaxPriority {
		t.Errorf("ClampPriority(7) = %d, want %d", got, MaxPriority)
	}
}

func TestClampPriority_BelowMin(t *testing.T) {
	if got := ClampPriority(0); got != MinPriority {
		t.Errorf("ClampPriority(0) = %d, want %d", got, MinPriority)
	}
	if got := ClampPriority(-3); got != MinPriority {
		t.Errorf("ClampPriority(-3) = %d, want %d", got, MinPriority)
	}
}

func TestValidateFact_ClampsAndDefaultsTags(t *testing.T) {
	f := &Fact{UserID: "user_1", Content: "likes tea", Priority: 9}
	if err := ValidateFact(f); err != nil {
		t.Fatalf("ValidateFact returned error: %v", err)
	}
	if f.Priority != MaxPriority {
		t.Errorf("priority = %d, want clamped to %d", f.Priority, MaxPriority)
	}
	if len(f.Tags) != 1 || f.Tags[0] != "general" {
		t.Errorf("tags = %v, want default [general]", f.Tags)
	}
}

func TestValidateFact_RejectsEmptyContent(t *testing.T) {
	f := &Fact{UserID: "user_1", Content: "   ", Priority: 3}
	if err := ValidateFact(f); err == nil {
		t.Error("expected validation error for blank content")
	}
}

func TestValidateTurn_AllowsEmptyAgentText(t *testing.T) {
	tn := &Turn{SessionID: "s1", UserText: "hello"}
	if err := ValidateTurn(tn); err != nil {
		t.Errorf("turn with empty agent text should be valid, got %v", err)
	}
}

func TestValidateTurn_RejectsEmptyUserText(t *testing.T) {
	tn := &Turn{SessionID: "s1", UserText: ""}
	if err := ValidateTurn(tn); err == nil {
		t.Error("expected validation error for empty user text")
	}
}

func TestCachedPromptStale(t *testing.T) {
	now := time.Now()
	p := &CachedPrompt{SessionID: "s1", Prompt: "x", LastUpdated: now.Add(-61 * time.Minute)}
	if !p.Stale(now, 60*time.Minute) {
		t.Error("61-minute-old prompt should be stale at 60m max age")
	}
	fresh := &CachedPrompt{SessionID: "s1", Prompt: "x", LastUpdated: now.Add(-59 * time.Minute)}
	if fresh.Stale(now, 60*time.Minute) {
		t.Error("59-minute-old prompt should not be stale at 60m max age")
	}
}
