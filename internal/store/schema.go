package store

// Schema DDL for the SQL drivers: the same tables and indexes written once
// per dialect (column types differ for timestamps and auto-increment keys).
// Migrate runs the one matching the store's driver.

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	deleted_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions (last_activity_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_is_active ON sessions (is_active);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	tool_call_id  TEXT NOT NULL DEFAULT '',
	tool_calls    TEXT,
	token_count   INTEGER NOT NULL DEFAULT 0,
	metadata      TEXT,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS agent_contexts (
	session_id     TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	current_agent  TEXT NOT NULL,
	switch_count   INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	last_switch_at TIMESTAMPTZ,
	metadata       TEXT
);

CREATE TABLE IF NOT EXISTS agent_switches (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES agent_contexts(session_id) ON DELETE CASCADE,
	from_agent  TEXT NOT NULL,
	to_agent    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	switched_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_switches_session_time ON agent_switches (session_id, switched_at);

CREATE TABLE IF NOT EXISTS pending_approvals (
	call_id            TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	tool_name          TEXT NOT NULL,
	arguments          TEXT,
	status             TEXT NOT NULL DEFAULT 'pending',
	decision_feedback  TEXT NOT NULL DEFAULT '',
	modified_arguments TEXT,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_approvals_session ON pending_approvals (session_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id             BIGSERIAL PRIMARY KEY,
	event_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_session ON audit_logs (session_id, created_at);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	is_active        BOOLEAN NOT NULL DEFAULT 1,
	created_at       TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	deleted_at       TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions (last_activity_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_is_active ON sessions (is_active);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	tool_call_id  TEXT NOT NULL DEFAULT '',
	tool_calls    TEXT,
	token_count   INTEGER NOT NULL DEFAULT 0,
	metadata      TEXT,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS agent_contexts (
	session_id     TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	current_agent  TEXT NOT NULL,
	switch_count   INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	last_switch_at TIMESTAMP,
	metadata       TEXT
);

CREATE TABLE IF NOT EXISTS agent_switches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL REFERENCES agent_contexts(session_id) ON DELETE CASCADE,
	from_agent  TEXT NOT NULL,
	to_agent    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	switched_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_switches_session_time ON agent_switches (session_id, switched_at);

CREATE TABLE IF NOT EXISTS pending_approvals (
	call_id            TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	tool_name          TEXT NOT NULL,
	arguments          TEXT,
	status             TEXT NOT NULL DEFAULT 'pending',
	decision_feedback  TEXT NOT NULL DEFAULT '',
	modified_arguments TEXT,
	created_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_approvals_session ON pending_approvals (session_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_session ON audit_logs (session_id, created_at);
`
