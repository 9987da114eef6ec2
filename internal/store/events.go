package store

import (
	"fmt"
	"time"
)

// Event is an append-only record of something that happened, normalized
// into the taxonomy of §6.2.
type Event struct {
	ID         string
	Kind       string
	Payload    string // opaque JSON
	ProjectID  string
	SessionID  string
	AgentID    string
	OccurredAt time.Time
}

const eventCols = `id, kind, payload, project_id, session_id, agent_id, occurred_at`

func scanEvent(row interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.Kind, &e.Payload, &e.ProjectID, &e.SessionID, &e.AgentID, &e.OccurredAt)
	return e, err
}

// RecordEvent appends a new event row. Events are never updated or deleted
// by the orchestrator — they are the durable replay log behind the Event Bus.
func (s *Store) RecordEvent(e Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (id, kind, payload, project_id, session_id, agent_id, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Payload, e.ProjectID, e.SessionID, e.AgentID, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

// ListEventsBySession returns a session's events in occurrence order, used
// to replay a stored SSE stream deterministically (§8 round-trip law).
func (s *Store) ListEventsBySession(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(`SELECT `+eventCols+` FROM events WHERE session_id = ? ORDER BY occurred_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list events by session: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEventsByProject returns the most recent events for a project, newest
// first, bounded by limit.
func (s *Store) ListEventsByProject(projectID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+eventCols+` FROM events WHERE project_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events by project: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
