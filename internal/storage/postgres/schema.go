package postgres

// Schema creates the five memory tables plus the session index.
const Schema = `
CREATE TABLE IF NOT EXISTS stm_entries (
	session_id  TEXT    NOT NULL,
	turn_number INTEGER NOT NULL,
	user_text   TEXT    NOT NULL,
	agent_text  TEXT    NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, turn_number)
);

CREATE TABLE IF NOT EXISTS importance_facts (
	id           TEXT PRIMARY KEY,
	user_id      TEXT    NOT NULL,
	content      TEXT    NOT NULL,
	tags         JSONB,
	priority     INTEGER NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_user_rank
	ON importance_facts(user_id, priority DESC, last_updated DESC);

CREATE TABLE IF NOT EXISTS semantic_facts (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS episodes (
	id         TEXT PRIMARY KEY,
	session_id TEXT    NOT NULL,
	summary    TEXT    NOT NULL,
	tags       JSONB,
	importance INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodes_session_rank
	ON episodes(session_id, importance DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS prompt_cache (
	session_id   TEXT PRIMARY KEY,
	prompt       TEXT NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	last_active_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_activity
	ON sessions(user_id, last_active_at DESC);
`
