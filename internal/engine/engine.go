package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mseverin/voicemem/internal/llm"
	"github.com/mseverin/voicemem/internal/memory"
	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/pkg/types"
)

// ErrRebuildTimeout indicates a rebuild exceeded its bounded time budget.
// The claim is released so a later trigger can retry.
var ErrRebuildTimeout = errors.New("prompt rebuild timed out")

// HighPriorityThreshold is the fact priority at or above which a write fans
// rebuild triggers out to the user's recently active sessions.
const HighPriorityThreshold = 4

// SessionLookback bounds how many recent sessions a high-priority fact
// write fans out to.
const SessionLookback = 5

// Config tunes the engine's rebuild pipeline.
type Config struct {
	// NumWorkers is the number of background rebuild workers.
	NumWorkers int

	// QueueSize bounds the rebuild job queue.
	QueueSize int

	// RebuildTimeout bounds one rebuild; an overrun counts as failure.
	RebuildTimeout time.Duration

	// MaxPromptAge is the staleness threshold for cached prompts.
	MaxPromptAge time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:     2,
		QueueSize:      64,
		RebuildTimeout: 10 * time.Second,
		MaxPromptAge:   MaxPromptAge,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be at least 1, got %d", c.NumWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be at least 1, got %d", c.QueueSize)
	}
	if c.RebuildTimeout <= 0 {
		return fmt.Errorf("RebuildTimeout must be positive, got %v", c.RebuildTimeout)
	}
	if c.MaxPromptAge <= 0 {
		return fmt.Errorf("MaxPromptAge must be positive, got %v", c.MaxPromptAge)
	}
	return nil
}

// TurnResult reports what recording one turn did.
type TurnResult struct {
	SessionID     string `json:"session_id"`
	TurnNumber    int    `json:"turn_number"`
	Classified    bool   `json:"classified"`
	RebuildQueued bool   `json:"rebuild_queued"`
}

// rebuildJob is one queued background rebuild.
type rebuildJob struct {
	SessionID string
	Reason    TriggerReason
}

// Engine wires the STM manager, classifier, trigger policy, builder, and
// reader into the turn-recording pipeline, and runs the background rebuild
// workers.
type Engine struct {
	cfg        Config
	store      storage.Store
	stm        *memory.STMManager
	classifier *memory.Classifier
	triggers   *TriggerPolicy
	builder    *PromptBuilder
	reader     *PromptReader

	// completer, when set, folds cleared sessions into episode summaries.
	completer llm.Completer

	queue        chan rebuildJob
	workerWG     sync.WaitGroup
	workerCtx    context.Context
	workerCancel context.CancelFunc

	mu           sync.RWMutex
	started      bool
	shuttingDown bool

	onRebuildStarted  func(sessionID string, reason TriggerReason)
	onRebuildFinished func(sessionID string, result *BuildResult, err error)
}

// New creates an engine over the given store.
func New(store storage.Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	stm, err := memory.NewSTMManager(store)
	if err != nil {
		return nil, fmt.Errorf("failed to create STM manager: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		stm:        stm,
		classifier: memory.NewClassifier(),
		triggers:   NewTriggerPolicy(),
		builder:    NewPromptBuilder(store),
		queue:      make(chan rebuildJob, cfg.QueueSize),
	}
	e.reader = NewPromptReader(store, e.rebuildSerialized, cfg.MaxPromptAge)
	return e, nil
}

// SetCompleter installs the optional chat-completion collaborator used to
// summarize cleared sessions into episodes.
func (e *Engine) SetCompleter(c llm.Completer) {
	e.completer = c
}

// SetRebuildCallbacks installs observers for rebuild lifecycle events.
// Both may be nil. Used by the server to broadcast websocket events.
func (e *Engine) SetRebuildCallbacks(started func(sessionID string, reason TriggerReason), finished func(sessionID string, result *BuildResult, err error)) {
	e.onRebuildStarted = started
	e.onRebuildFinished = finished
}

// Start launches the background rebuild workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	e.workerCtx, e.workerCancel = context.WithCancel(ctx)
	for i := 0; i < e.cfg.NumWorkers; i++ {
		e.workerWG.Add(1)
		go e.rebuildWorker(i)
	}
	e.started = true
	log.Printf("Memory engine started with %d rebuild workers", e.cfg.NumWorkers)
	return nil
}

// Shutdown stops the workers and waits for in-flight rebuilds to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	e.mu.Unlock()

	e.workerCancel()

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// RecordTurn runs the full per-turn pipeline: STM append with eviction,
// session index touch, best-effort importance classification, and trigger
// evaluation. STM failures propagate; classification failures never block
// the turn.
func (e *Engine) RecordTurn(ctx context.Context, sessionID, userID, userText, agentText string) (*TurnResult, error) {
	if err := e.store.TouchSession(ctx, sessionID, userID); err != nil {
		return nil, fmt.Errorf("record turn: %w", err)
	}

	turnNumber, err := e.stm.AppendTurn(ctx, sessionID, userText, agentText)
	if err != nil {
		return nil, fmt.Errorf("record turn: %w", err)
	}

	result := &TurnResult{SessionID: sessionID, TurnNumber: turnNumber}

	if cls := e.classifier.Classify(userText, agentText); cls != nil {
		fact := &types.Fact{
			ID:          ulid.Make().String(),
			UserID:      userID,
			Content:     cls.Content,
			Tags:        cls.Tags,
			Priority:    cls.Priority,
			LastUpdated: time.Now(),
		}
		if err := e.store.UpsertFact(ctx, fact); err != nil {
			// Classification is best-effort and must never block the turn.
			log.Printf("WARNING: failed to store classified fact for user %s: %v", userID, err)
		} else {
			result.Classified = true
			if fact.Priority >= HighPriorityThreshold {
				e.fanOutHighPriority(ctx, userID)
				result.RebuildQueued = true
			}
		}
	}

	if turnNumber >= memory.MaxSTMTurns {
		if e.enqueueRebuild(sessionID, ReasonSTMFull) {
			result.RebuildQueued = true
		}
	}

	return result, nil
}

// AddFact validates and stores an importance fact, fanning rebuild triggers
// out to the user's recent sessions when the priority is high.
func (e *Engine) AddFact(ctx context.Context, fact *types.Fact) error {
	if fact.ID == "" {
		fact.ID = ulid.Make().String()
	}
	if err := e.store.UpsertFact(ctx, fact); err != nil {
		return err
	}
	if fact.Priority >= HighPriorityThreshold {
		e.fanOutHighPriority(ctx, fact.UserID)
	}
	return nil
}

// fanOutHighPriority schedules rebuilds for the user's recently active
// sessions, bounded by SessionLookback.
func (e *Engine) fanOutHighPriority(ctx context.Context, userID string) {
	sessions, err := e.store.RecentSessions(ctx, userID, SessionLookback)
	if err != nil {
		log.Printf("WARNING: failed to enumerate recent sessions for user %s: %v", userID, err)
		return
	}
	for _, sid := range sessions {
		e.enqueueRebuild(sid, ReasonHighPriorityFact)
	}
}

// enqueueRebuild fires the trigger and, on a fresh Idle->Pending transition,
// queues a background rebuild job. Returns whether the session is now owed
// a rebuild because of this call.
func (e *Engine) enqueueRebuild(sessionID string, reason TriggerReason) bool {
	if !e.triggers.Fire(sessionID, reason) {
		return false
	}

	select {
	case e.queue <- rebuildJob{SessionID: sessionID, Reason: reason}:
		return true
	default:
		// The session stays PendingRebuild; the next stale read or manual
		// trigger will still claim and rebuild it.
		log.Printf("WARNING: rebuild queue full (size=%d), deferring rebuild for session %s", e.cfg.QueueSize, sessionID)
		return true
	}
}

// rebuildWorker drains the rebuild queue until shutdown.
func (e *Engine) rebuildWorker(id int) {
	defer e.workerWG.Done()
	for {
		select {
		case <-e.workerCtx.Done():
			return
		case job := <-e.queue:
			userID, err := e.store.SessionUser(e.workerCtx, job.SessionID)
			if err != nil {
				log.Printf("WARNING: worker %d cannot resolve user for session %s: %v", id, job.SessionID, err)
				e.triggers.Release(job.SessionID)
				continue
			}
			if _, err := e.rebuildSerialized(e.workerCtx, job.SessionID, userID, job.Reason); err != nil {
				log.Printf("WARNING: background rebuild failed for session %s: %v", job.SessionID, err)
			}
		}
	}
}

// rebuildSerialized performs a rebuild under the trigger policy's claim.
//
// When another rebuild for the session is already in flight, this caller
// waits for it and returns the winner's cached result instead of writing a
// second time. A rebuild that outlives the configured timeout fails with
// ErrRebuildTimeout and releases its claim.
func (e *Engine) rebuildSerialized(ctx context.Context, sessionID, userID string, reason TriggerReason) (*BuildResult, error) {
	claimed, done := e.triggers.Claim(sessionID)
	if !claimed {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		cached, err := e.store.PromptBySession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("coalesced rebuild read-back: %w", err)
		}
		return &BuildResult{Prompt: cached.Prompt, BuiltAt: cached.LastUpdated, Coalesced: true}, nil
	}
	defer func() {
		if deferred, rearmed := e.triggers.Release(sessionID); rearmed {
			// A mutation landed while this rebuild was fetching; schedule a
			// follow-up so the cache reflects it.
			select {
			case e.queue <- rebuildJob{SessionID: sessionID, Reason: deferred}:
			default:
				log.Printf("WARNING: rebuild queue full, follow-up rebuild for session %s stays pending", sessionID)
			}
		}
	}()

	if e.onRebuildStarted != nil {
		e.onRebuildStarted(sessionID, reason)
	}

	rebuildCtx, cancel := context.WithTimeout(ctx, e.cfg.RebuildTimeout)
	defer cancel()

	result, err := e.builder.Rebuild(rebuildCtx, sessionID, userID)
	if err != nil && rebuildCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w after %v", ErrRebuildTimeout, e.cfg.RebuildTimeout)
	}

	if e.onRebuildFinished != nil {
		e.onRebuildFinished(sessionID, result, err)
	}
	return result, err
}

// RebuildNow services a manual rebuild request synchronously and returns
// the build result, including the per-kind context counts.
func (e *Engine) RebuildNow(ctx context.Context, sessionID string) (*BuildResult, error) {
	userID, err := e.store.SessionUser(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("manual rebuild: %w", err)
	}
	e.triggers.Fire(sessionID, ReasonManual)
	return e.rebuildSerialized(ctx, sessionID, userID, ReasonManual)
}

// Prompt returns the system prompt for a session, resolving the owning user
// from the session index when userID is empty. It always returns a usable
// prompt; degradation is handled inside the reader.
func (e *Engine) Prompt(ctx context.Context, sessionID, userID string) string {
	if userID == "" {
		resolved, err := e.store.SessionUser(ctx, sessionID)
		if err != nil {
			log.Printf("WARNING: cannot resolve user for session %s, serving base prompt: %v", sessionID, err)
			return BasePrompt
		}
		userID = resolved
	}
	return e.reader.Prompt(ctx, sessionID, userID)
}

// ClearSession wipes the session's short-term memory after folding it into
// an episode summary when a completer is configured. The fold is best
// effort; the clear itself always proceeds.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) error {
	if e.completer != nil {
		if err := e.foldEpisode(ctx, sessionID); err != nil {
			log.Printf("WARNING: failed to fold session %s into an episode: %v", sessionID, err)
		}
	}
	if err := e.stm.Clear(ctx, sessionID); err != nil {
		return err
	}
	e.enqueueRebuild(sessionID, ReasonManual)
	return nil
}

// foldEpisode summarizes the session's live turns into one episode entry.
func (e *Engine) foldEpisode(ctx context.Context, sessionID string) error {
	turns, err := e.stm.Turns(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	summary, err := e.completer.Complete(ctx,
		"Summarize the following conversation in two or three sentences, keeping any facts about the user.",
		"Summarize this session.", turns)
	if err != nil {
		return err
	}

	return e.store.InsertEpisode(ctx, &types.EpisodeSummary{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Summary:    summary,
		Importance: 3,
		CreatedAt:  time.Now(),
	})
}

// SessionState exposes the trigger policy state for a session.
func (e *Engine) SessionState(sessionID string) SessionState {
	return e.triggers.State(sessionID)
}

// QueueSize returns the current rebuild queue depth.
func (e *Engine) QueueSize() int {
	return len(e.queue)
}

// ApproxTurnCount exposes the STM manager's advisory count mirror.
func (e *Engine) ApproxTurnCount(sessionID string) (int, bool) {
	return e.stm.ApproxTurnCount(sessionID)
}

// Store exposes the underlying store for handlers that need direct reads.
func (e *Engine) Store() storage.Store {
	return e.store
}
