package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Agent is a role-configured persona that drives sessions (§3).
type Agent struct {
	ID                string
	SquadID           string
	Name              string
	Slug              string
	Role              string
	Level             string // junior, senior, principal
	SystemInstruction string
	Model             string
	Status            string // idle, working, blocked, offline
	MentorID          string
	Created           time.Time
	Updated           time.Time
}

const agentCols = `id, squad_id, name, slug, role, level, system_instruction, model, status, mentor_id, created, updated`

func scanAgent(row interface{ Scan(dest ...any) error }) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.SquadID, &a.Name, &a.Slug, &a.Role, &a.Level, &a.SystemInstruction, &a.Model, &a.Status, &a.MentorID, &a.Created, &a.Updated)
	return a, err
}

// CreateAgent inserts a new agent. (squad_id, slug) must be unique.
func (s *Store) CreateAgent(a Agent) error {
	if a.Status == "" {
		a.Status = "idle"
	}
	if a.Level == "" {
		a.Level = "junior"
	}
	_, err := s.db.Exec(
		`INSERT INTO agents (id, squad_id, name, slug, role, level, system_instruction, model, status, mentor_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SquadID, a.Name, a.Slug, a.Role, a.Level, a.SystemInstruction, a.Model, a.Status, a.MentorID,
	)
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

// GetAgent returns a single agent by ID.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return &a, nil
}

// GetAgentBySlug resolves an agent within a squad by its hyphenated slug.
func (s *Store) GetAgentBySlug(squadID, slug string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE squad_id = ? AND slug = ?`, squadID, slug)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent by slug: %w", err)
	}
	return &a, nil
}

// ListAgentsBySquad returns every agent in a squad.
func (s *Store) ListAgentsBySquad(squadID string) ([]Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentCols+` FROM agents WHERE squad_id = ? ORDER BY name`, squadID)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListIdleAgentsBySquad returns agents in a squad currently in status "idle",
// used by the Board Engine's lane-assignment fallback.
func (s *Store) ListIdleAgentsBySquad(squadID string) ([]Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentCols+` FROM agents WHERE squad_id = ? AND status = 'idle' ORDER BY name`, squadID)
	if err != nil {
		return nil, fmt.Errorf("store: list idle agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentStatus sets an agent's status field.
func (s *Store) UpdateAgentStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE agents SET status = ?, updated = datetime('now') WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update agent status: %w", err)
	}
	return nil
}

// UpdateAgent updates mutable agent fields.
func (s *Store) UpdateAgent(a Agent) error {
	_, err := s.db.Exec(
		`UPDATE agents SET name = ?, role = ?, level = ?, system_instruction = ?, model = ?, mentor_id = ?, updated = datetime('now') WHERE id = ?`,
		a.Name, a.Role, a.Level, a.SystemInstruction, a.Model, a.MentorID, a.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update agent: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent row.
func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	return nil
}
