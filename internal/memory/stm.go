// Package memory provides the short-term memory manager and the importance
// classifier that together decide what a conversation turn leaves behind.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/pkg/types"
)

// MaxSTMTurns is the maximum number of live turns kept per session.
// Appending beyond this evicts the oldest turn first.
const MaxSTMTurns = 10

// countMirrorSize bounds the advisory per-session turn-count cache.
const countMirrorSize = 4096

// STMManager maintains the bounded FIFO of recent turns per session.
//
// The count-then-evict-then-insert sequence is a read-modify-write race
// when two appends for the same session overlap, so every append runs under
// a per-session mutex. The in-process count mirror is advisory only; the
// store stays authoritative and the mirror is refreshed from it.
type STMManager struct {
	store storage.STMStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	counts *lru.Cache[string, int]
}

// NewSTMManager creates an STM manager over the given store.
func NewSTMManager(store storage.STMStore) (*STMManager, error) {
	counts, err := lru.New[string, int](countMirrorSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create count mirror: %w", err)
	}
	return &STMManager{
		store:  store,
		locks:  make(map[string]*sync.Mutex),
		counts: counts,
	}, nil
}

// sessionLock returns the mutex serializing appends for one session.
func (m *STMManager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// AppendTurn records a completed turn and returns its assigned turn number.
//
// If the session already holds MaxSTMTurns live turns, the entry with the
// smallest turn number is deleted before inserting. Turn numbers continue
// from the highest live number and are never reused across evictions.
// Store errors propagate: a dropped turn corrupts conversation continuity
// and must be visible to the caller.
func (m *STMManager) AppendTurn(ctx context.Context, sessionID, userText, agentText string) (int, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	count, err := m.store.TurnCount(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("stm append: %w", err)
	}

	if count >= MaxSTMTurns {
		if err := m.store.DeleteOldestTurn(ctx, sessionID); err != nil {
			return 0, fmt.Errorf("stm eviction: %w", err)
		}
		count--
	}

	last, err := m.store.LastTurnNumber(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("stm append: %w", err)
	}

	turn := &types.Turn{
		SessionID:  sessionID,
		TurnNumber: last + 1,
		UserText:   userText,
		AgentText:  agentText,
		CreatedAt:  time.Now(),
	}
	if err := m.store.InsertTurn(ctx, turn); err != nil {
		return 0, fmt.Errorf("stm append: %w", err)
	}

	m.counts.Add(sessionID, count+1)
	return turn.TurnNumber, nil
}

// RecentTurns returns up to limit of the most recent turns for a session,
// ordered ascending by turn number.
func (m *STMManager) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	if limit < 1 {
		limit = MaxSTMTurns
	}
	return m.store.RecentTurns(ctx, sessionID, limit)
}

// Turns returns all live turns for a session in ascending order.
func (m *STMManager) Turns(ctx context.Context, sessionID string) ([]*types.Turn, error) {
	return m.store.Turns(ctx, sessionID)
}

// Clear removes every turn for a session. Long-term memory kinds are not
// touched; this is the explicit-reset path.
func (m *STMManager) Clear(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.ClearTurns(ctx, sessionID); err != nil {
		return fmt.Errorf("stm clear: %w", err)
	}
	m.counts.Add(sessionID, 0)
	return nil
}

// ApproxTurnCount returns the advisory cached count for a session without
// touching the store. The second return reports whether a mirror entry
// exists; callers needing a trustworthy number use TurnCount.
func (m *STMManager) ApproxTurnCount(sessionID string) (int, bool) {
	return m.counts.Get(sessionID)
}

// TurnCount reads the authoritative count from the store and refreshes the
// advisory mirror with it.
func (m *STMManager) TurnCount(ctx context.Context, sessionID string) (int, error) {
	count, err := m.store.TurnCount(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	m.counts.Add(sessionID, count)
	return count, nil
}
