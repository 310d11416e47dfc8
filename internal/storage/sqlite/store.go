// Package sqlite implements the storage contracts on SQLite via modernc.org/sqlite.
// It is the default backend: zero-dependency deployment with one database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/pkg/types"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at dsn and applies the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load,
	// while WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait instead of failing with SQLITE_BUSY when the connection is held
	// by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB exposes the underlying connection for components that need direct
// SQL access (e.g. setup tooling and tests).
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- STMStore ---

// InsertTurn writes a new short-term memory turn.
func (s *Store) InsertTurn(ctx context.Context, turn *types.Turn) error {
	if err := types.ValidateTurn(turn); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stm_entries (session_id, turn_number, user_text, agent_text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.SessionID, turn.TurnNumber, turn.UserText, turn.AgentText, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

// Turns returns all live turns for a session ordered ascending by turn number.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]*types.Turn, error) {
	return s.queryTurns(ctx, `
		SELECT session_id, turn_number, user_text, agent_text, created_at
		FROM stm_entries
		WHERE session_id = ?
		ORDER BY turn_number ASC
	`, sessionID)
}

// RecentTurns returns the most recent limit turns, ordered ascending.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	// Select the newest rows first, then flip back to ascending order.
	turns, err := s.queryTurns(ctx, `
		SELECT session_id, turn_number, user_text, agent_text, created_at
		FROM stm_entries
		WHERE session_id = ?
		ORDER BY turn_number DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...interface{}) ([]*types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []*types.Turn
	for rows.Next() {
		var t types.Turn
		if err := rows.Scan(&t.SessionID, &t.TurnNumber, &t.UserText, &t.AgentText, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// TurnCount returns the number of live turns for a session.
func (s *Store) TurnCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stm_entries WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return count, nil
}

// LastTurnNumber returns the highest live turn number, or 0 for an empty session.
func (s *Store) LastTurnNumber(ctx context.Context, sessionID string) (int, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(turn_number) FROM stm_entries WHERE session_id = ?`, sessionID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last turn number: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return int(last.Int64), nil
}

// DeleteOldestTurn removes the live turn with the smallest turn number.
func (s *Store) DeleteOldestTurn(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stm_entries
		WHERE session_id = ?
		  AND turn_number = (SELECT MIN(turn_number) FROM stm_entries WHERE session_id = ?)
	`, sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete oldest turn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearTurns removes all turns for a session.
func (s *Store) ClearTurns(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM stm_entries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	return nil
}

// --- FactStore ---

// UpsertFact creates or replaces an importance fact. Priority is clamped
// into [1,5] before the write so out-of-range input never reaches a row.
func (s *Store) UpsertFact(ctx context.Context, fact *types.Fact) error {
	if fact == nil || fact.ID == "" {
		return fmt.Errorf("%w: fact ID is required", storage.ErrInvalidInput)
	}
	if err := types.ValidateFact(fact); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if fact.LastUpdated.IsZero() {
		fact.LastUpdated = time.Now()
	}

	tagsJSON, err := json.Marshal(fact.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO importance_facts (id, user_id, content, tags, priority, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			tags = excluded.tags,
			priority = excluded.priority,
			last_updated = excluded.last_updated
	`, fact.ID, fact.UserID, fact.Content, string(tagsJSON), fact.Priority, fact.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

// Fact retrieves an importance fact by ID.
func (s *Store) Fact(ctx context.Context, id string) (*types.Fact, error) {
	var f types.Fact
	var tagsJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, tags, priority, last_updated
		FROM importance_facts WHERE id = ?
	`, id).Scan(&f.ID, &f.UserID, &f.Content, &tagsJSON, &f.Priority, &f.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	if err := unmarshalTags(tagsJSON, &f.Tags); err != nil {
		return nil, err
	}
	return &f, nil
}

// FactsByUser returns a user's facts at or above minPriority, ranked by
// (priority desc, last_updated desc) and capped at limit.
func (s *Store) FactsByUser(ctx context.Context, userID string, minPriority, limit int) ([]*types.Fact, error) {
	limit = storage.QueryLimit(limit, storage.MaxFactsPerPrompt, 100)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, tags, priority, last_updated
		FROM importance_facts
		WHERE user_id = ? AND priority >= ?
		ORDER BY priority DESC, last_updated DESC
		LIMIT ?
	`, userID, minPriority, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []*types.Fact
	for rows.Next() {
		var f types.Fact
		var tagsJSON sql.NullString
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &tagsJSON, &f.Priority, &f.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		if err := unmarshalTags(tagsJSON, &f.Tags); err != nil {
			return nil, err
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// DeleteFact removes an importance fact by ID.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM importance_facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- SemanticStore ---

// PutSemantic inserts or replaces the value for (user, key).
func (s *Store) PutSemantic(ctx context.Context, fact *types.SemanticFact) error {
	if err := types.ValidateSemanticFact(fact); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if fact.UpdatedAt.IsZero() {
		fact.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_facts (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, fact.UserID, fact.Key, fact.Value, fact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put semantic fact: %w", err)
	}
	return nil
}

// SemanticByUser returns a user's key/value facts ordered by recency.
func (s *Store) SemanticByUser(ctx context.Context, userID string, limit int) ([]*types.SemanticFact, error) {
	limit = storage.QueryLimit(limit, storage.MaxSemanticPerPrompt, 200)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key, value, updated_at
		FROM semantic_facts
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query semantic facts: %w", err)
	}
	defer rows.Close()

	var facts []*types.SemanticFact
	for rows.Next() {
		var f types.SemanticFact
		if err := rows.Scan(&f.UserID, &f.Key, &f.Value, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan semantic fact: %w", err)
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// --- EpisodeStore ---

// InsertEpisode writes a new episode summary.
func (s *Store) InsertEpisode(ctx context.Context, episode *types.EpisodeSummary) error {
	if episode == nil || episode.ID == "" || episode.SessionID == "" {
		return fmt.Errorf("%w: episode ID and session ID are required", storage.ErrInvalidInput)
	}
	if episode.CreatedAt.IsZero() {
		episode.CreatedAt = time.Now()
	}

	tagsJSON, err := json.Marshal(episode.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, session_id, summary, tags, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, episode.ID, episode.SessionID, episode.Summary, string(tagsJSON), episode.Importance, episode.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}
	return nil
}

// EpisodesBySession returns top episodes by (importance desc, created_at desc).
func (s *Store) EpisodesBySession(ctx context.Context, sessionID string, limit int) ([]*types.EpisodeSummary, error) {
	limit = storage.QueryLimit(limit, storage.MaxEpisodesPerPrompt, 50)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, summary, tags, importance, created_at
		FROM episodes
		WHERE session_id = ?
		ORDER BY importance DESC, created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*types.EpisodeSummary
	for rows.Next() {
		var e types.EpisodeSummary
		var tagsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Summary, &tagsJSON, &e.Importance, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		if err := unmarshalTags(tagsJSON, &e.Tags); err != nil {
			return nil, err
		}
		episodes = append(episodes, &e)
	}
	return episodes, rows.Err()
}

// --- PromptCacheStore ---

// PutPrompt overwrites the cached prompt for a session wholesale.
func (s *Store) PutPrompt(ctx context.Context, prompt *types.CachedPrompt) error {
	if prompt == nil || prompt.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	if prompt.LastUpdated.IsZero() {
		prompt.LastUpdated = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_cache (session_id, prompt, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			prompt = excluded.prompt,
			last_updated = excluded.last_updated
	`, prompt.SessionID, prompt.Prompt, prompt.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to put cached prompt: %w", err)
	}
	return nil
}

// PromptBySession returns the cached prompt row for a session.
func (s *Store) PromptBySession(ctx context.Context, sessionID string) (*types.CachedPrompt, error) {
	var p types.CachedPrompt
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, prompt, last_updated
		FROM prompt_cache WHERE session_id = ?
	`, sessionID).Scan(&p.SessionID, &p.Prompt, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached prompt: %w", err)
	}
	return &p, nil
}

// --- SessionIndex ---

// TouchSession upserts the session row, bumping last_active_at to now.
func (s *Store) TouchSession(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return fmt.Errorf("%w: session ID and user ID are required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, last_active_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			last_active_at = excluded.last_active_at
	`, sessionID, userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// SessionUser returns the user that owns a session.
func (s *Store) SessionUser(ctx context.Context, sessionID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session user: %w", err)
	}
	return userID, nil
}

// RecentSessions returns up to limit session IDs for a user, most recent first.
func (s *Store) RecentSessions(ctx context.Context, userID string, limit int) ([]string, error) {
	limit = storage.QueryLimit(limit, 5, 50)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE user_id = ?
		ORDER BY last_active_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session ID: %w", err)
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// unmarshalTags decodes a JSON tag column into dst, tolerating NULL.
func unmarshalTags(col sql.NullString, dst *[]string) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return nil
}
