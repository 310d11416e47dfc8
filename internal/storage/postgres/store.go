// Package postgres implements the storage contracts on PostgreSQL via lib/pq.
// Use it when multiple service instances share one durable store; the SQL
// mirrors the sqlite backend with $n placeholders and TIMESTAMPTZ columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/pkg/types"
)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL with the given DSN and applies the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB exposes the underlying connection.
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

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertTurn(ctx context.Context, turn *types.Turn) error {
	if err := types.ValidateTurn(turn); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stm_entries (session_id, turn_number, user_text, agent_text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, turn.SessionID, turn.TurnNumber, turn.UserText, turn.AgentText, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

func (s *Store) Turns(ctx context.Context, sessionID string) ([]*types.Turn, error) {
	return s.queryTurns(ctx, `
		SELECT session_id, turn_number, user_text, agent_text, created_at
		FROM stm_entries
		WHERE session_id = $1
		ORDER BY turn_number ASC
	`, sessionID)
}

func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	turns, err := s.queryTurns(ctx, `
		SELECT session_id, turn_number, user_text, agent_text, created_at
		FROM stm_entries
		WHERE session_id = $1
		ORDER BY turn_number DESC
		LIMIT $2
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

func (s *Store) TurnCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stm_entries WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return count, nil
}

func (s *Store) LastTurnNumber(ctx context.Context, sessionID string) (int, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(turn_number) FROM stm_entries WHERE session_id = $1`, sessionID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last turn number: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return int(last.Int64), nil
}

func (s *Store) DeleteOldestTurn(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stm_entries
		WHERE session_id = $1
		  AND turn_number = (SELECT MIN(turn_number) FROM stm_entries WHERE session_id = $1)
	`, sessionID)
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

func (s *Store) ClearTurns(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM stm_entries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	return nil
}

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
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			priority = EXCLUDED.priority,
			last_updated = EXCLUDED.last_updated
	`, fact.ID, fact.UserID, fact.Content, string(tagsJSON), fact.Priority, fact.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

func (s *Store) Fact(ctx context.Context, id string) (*types.Fact, error) {
	var f types.Fact
	var tagsJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, tags, priority, last_updated
		FROM importance_facts WHERE id = $1
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

func (s *Store) FactsByUser(ctx context.Context, userID string, minPriority, limit int) ([]*types.Fact, error) {
	limit = storage.QueryLimit(limit, storage.MaxFactsPerPrompt, 100)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, tags, priority, last_updated
		FROM importance_facts
		WHERE user_id = $1 AND priority >= $2
		ORDER BY priority DESC, last_updated DESC
		LIMIT $3
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

func (s *Store) DeleteFact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM importance_facts WHERE id = $1`, id)
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

func (s *Store) PutSemantic(ctx context.Context, fact *types.SemanticFact) error {
	if err := types.ValidateSemanticFact(fact); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if fact.UpdatedAt.IsZero() {
		fact.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_facts (user_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, fact.UserID, fact.Key, fact.Value, fact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put semantic fact: %w", err)
	}
	return nil
}

func (s *Store) SemanticByUser(ctx context.Context, userID string, limit int) ([]*types.SemanticFact, error) {
	limit = storage.QueryLimit(limit, storage.MaxSemanticPerPrompt, 200)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key, value, updated_at
		FROM semantic_facts
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`, episode.ID, episode.SessionID, episode.Summary, string(tagsJSON), episode.Importance, episode.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}
	return nil
}

func (s *Store) EpisodesBySession(ctx context.Context, sessionID string, limit int) ([]*types.EpisodeSummary, error) {
	limit = storage.QueryLimit(limit, storage.MaxEpisodesPerPrompt, 50)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, summary, tags, importance, created_at
		FROM episodes
		WHERE session_id = $1
		ORDER BY importance DESC, created_at DESC
		LIMIT $2
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

func (s *Store) PutPrompt(ctx context.Context, prompt *types.CachedPrompt) error {
	if prompt == nil || prompt.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	if prompt.LastUpdated.IsZero() {
		prompt.LastUpdated = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_cache (session_id, prompt, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
			prompt = EXCLUDED.prompt,
			last_updated = EXCLUDED.last_updated
	`, prompt.SessionID, prompt.Prompt, prompt.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to put cached prompt: %w", err)
	}
	return nil
}

func (s *Store) PromptBySession(ctx context.Context, sessionID string) (*types.CachedPrompt, error) {
	var p types.CachedPrompt
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, prompt, last_updated
		FROM prompt_cache WHERE session_id = $1
	`, sessionID).Scan(&p.SessionID, &p.Prompt, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached prompt: %w", err)
	}
	return &p, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return fmt.Errorf("%w: session ID and user ID are required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, last_active_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			last_active_at = EXCLUDED.last_active_at
	`, sessionID, userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *Store) SessionUser(ctx context.Context, sessionID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE session_id = $1`, sessionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session user: %w", err)
	}
	return userID, nil
}

func (s *Store) RecentSessions(ctx context.Context, userID string, limit int) ([]string, error) {
	limit = storage.QueryLimit(limit, 5, 50)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE user_id = $1
		ORDER BY last_active_at DESC
		LIMIT $2
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

func unmarshalTags(col sql.NullString, dst *[]string) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return nil
}
