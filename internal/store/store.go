// Package store provides SQLite-backed persistence for Squad Forge: projects,
// squads, agents, sessions, transcript entries, events, cards, lane
// assignments, MCP servers, and external nodes (§3 of the design).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the Repository (C1): transactional CRUD + query helpers over a
// single SQLite database file.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	created DATETIME NOT NULL DEFAULT (datetime('now')),
	updated DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS squads (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	opencode_status TEXT NOT NULL DEFAULT 'idle',
	opencode_url TEXT NOT NULL DEFAULT '',
	opencode_pid INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created DATETIME NOT NULL DEFAULT (datetime('now')),
	updated DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	squad_id TEXT NOT NULL REFERENCES squads(id),
	name TEXT NOT NULL,
	slug TEXT NOT NULL,
	role TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'junior',
	system_instruction TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle',
	mentor_id TEXT NOT NULL DEFAULT '',
	created DATETIME NOT NULL DEFAULT (datetime('now')),
	updated DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	agent_id TEXT NOT NULL REFERENCES agents(id),
	backend_session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	model TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT 'build',
	ticket_key TEXT NOT NULL DEFAULT '',
	worktree_path TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	pending_turn INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	started DATETIME,
	finished DATETIME,
	metadata TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 0,
	created DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS transcript_entries (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	project_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cards (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	squad_id TEXT NOT NULL REFERENCES squads(id),
	lane TEXT NOT NULL DEFAULT 'todo',
	position INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	prd_path TEXT NOT NULL DEFAULT '',
	issue_plan TEXT NOT NULL DEFAULT '',
	issue_refs TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	plan_agent_id TEXT NOT NULL DEFAULT '',
	build_agent_id TEXT NOT NULL DEFAULT '',
	review_agent_id TEXT NOT NULL DEFAULT '',
	plan_session_id TEXT NOT NULL DEFAULT '',
	build_session_id TEXT NOT NULL DEFAULT '',
	review_session_id TEXT NOT NULL DEFAULT '',
	build_worktree_name TEXT NOT NULL DEFAULT '',
	build_worktree_path TEXT NOT NULL DEFAULT '',
	build_branch TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	ai_review TEXT NOT NULL DEFAULT '',
	ai_review_session_id TEXT NOT NULL DEFAULT '',
	human_review_status TEXT NOT NULL DEFAULT '',
	human_review_feedback TEXT NOT NULL DEFAULT '',
	human_reviewed INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	created DATETIME NOT NULL DEFAULT (datetime('now')),
	updated DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lane_assignments (
	project_id TEXT NOT NULL,
	squad_id TEXT NOT NULL,
	lane TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, squad_id, lane)
);

CREATE TABLE IF NOT EXISTS mcp_servers (
	id TEXT PRIMARY KEY,
	squad_id TEXT NOT NULL REFERENCES squads(id),
	name TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'custom',
	type TEXT NOT NULL DEFAULT 'remote',
	image TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	args TEXT NOT NULL DEFAULT '[]',
	headers TEXT NOT NULL DEFAULT '{}',
	enabled INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	catalog_meta TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS external_nodes (
	base_url TEXT PRIMARY KEY,
	healthy INTEGER NOT NULL DEFAULT 0,
	version TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT 'manual',
	missed_probes INTEGER NOT NULL DEFAULT 0,
	last_seen DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_squad_slug ON agents(squad_id, slug);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mcp_squad_name ON mcp_servers(squad_id, name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transcript_session_seq ON transcript_entries(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_sessions_agent_status ON sessions(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_cards_project_lane ON cards(project_id, lane);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, occurred_at);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists. WAL mode and a busy timeout are set so the
// single-writer/many-reader orchestrator doesn't deadlock under concurrent
// access from the API surface and the ingesters.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries and transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
