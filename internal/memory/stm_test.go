package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/mseverin/voicemem/internal/storage/sqlite"
)

func newTestManager(t *testing.T) *STMManager {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := NewSTMManager(store)
	if err != nil {
		t.Fatalf("failed to create STM manager: %v", err)
	}
	return m
}

func TestAppendTurn_AssignsSequentialNumbers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		n, err := m.AppendTurn(ctx, "s1", "hello", "hi")
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if n != i {
			t.Errorf("turn number = %d, want %d", n, i)
		}
	}
}

func TestAppendTurn_NeverExceedsMax(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < MaxSTMTurns+5; i++ {
		if _, err := m.AppendTurn(ctx, "s1", "u", "a"); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		count, err := m.TurnCount(ctx, "s1")
		if err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if count > MaxSTMTurns {
			t.Fatalf("live count %d exceeds max %d", count, MaxSTMTurns)
		}
	}
}

func TestAppendTurn_EvictsOldestAndNeverReusesNumbers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < MaxSTMTurns; i++ {
		if _, err := m.AppendTurn(ctx, "s1", "u", "a"); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	// The 11th append evicts turn 1 and is assigned number 11, not 1.
	n, err := m.AppendTurn(ctx, "s1", "u", "a")
	if err != nil {
		t.Fatalf("11th append failed: %v", err)
	}
	if n != MaxSTMTurns+1 {
		t.Errorf("11th turn number = %d, want %d", n, MaxSTMTurns+1)
	}

	turns, err := m.Turns(ctx, "s1")
	if err != nil {
		t.Fatalf("turns failed: %v", err)
	}
	if len(turns) != MaxSTMTurns {
		t.Fatalf("live turns = %d, want %d", len(turns), MaxSTMTurns)
	}
	if turns[0].TurnNumber != 2 {
		t.Errorf("oldest surviving turn = %d, want 2 (turn 1 evicted)", turns[0].TurnNumber)
	}
	if turns[len(turns)-1].TurnNumber != MaxSTMTurns+1 {
		t.Errorf("newest turn = %d, want %d", turns[len(turns)-1].TurnNumber, MaxSTMTurns+1)
	}
}

func TestAppendTurn_SessionsAreIndependent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AppendTurn(ctx, "s1", "u", "a"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	n, err := m.AppendTurn(ctx, "s2", "u", "a")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if n != 1 {
		t.Errorf("first turn of s2 = %d, want 1", n)
	}
}

func TestAppendTurn_ConcurrentAppendsStaySequential(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const workers = 20
	numbers := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := m.AppendTurn(ctx, "s1", "u", "a")
			if err != nil {
				t.Errorf("concurrent append failed: %v", err)
				return
			}
			numbers <- n
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("turn number %d assigned twice", n)
		}
		seen[n] = true
	}
	for i := 1; i <= workers; i++ {
		if !seen[i] {
			t.Errorf("turn number %d was never assigned", i)
		}
	}
}

func TestClear_RemovesAllTurns(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.AppendTurn(ctx, "s1", "u", "a"); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := m.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	count, err := m.TurnCount(ctx, "s1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count after clear = %d, want 0", count)
	}
}

func TestApproxTurnCount_MirrorTracksAppends(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, ok := m.ApproxTurnCount("s1"); ok {
		t.Error("mirror should be empty before any append")
	}
	if _, err := m.AppendTurn(ctx, "s1", "u", "a"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if n, ok := m.ApproxTurnCount("s1"); !ok || n != 1 {
		t.Errorf("mirror = (%d, %v), want (1, true)", n, ok)
	}
}
