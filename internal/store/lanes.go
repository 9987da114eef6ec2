package store

import (
	"database/sql"
	"fmt"
)

// LaneAssignment pins a specific agent to a (project, squad, lane) slot
// (§3). Unique per (project_id, squad_id, lane).
type LaneAssignment struct {
	ProjectID string
	SquadID   string
	Lane      string // todo, plan, build, review
	AgentID   string
}

// SetLaneAssignment upserts the agent pinned to a lane.
func (s *Store) SetLaneAssignment(la LaneAssignment) error {
	_, err := s.db.Exec(
		`INSERT INTO lane_assignments (project_id, squad_id, lane, agent_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, squad_id, lane) DO UPDATE SET agent_id = excluded.agent_id`,
		la.ProjectID, la.SquadID, la.Lane, la.AgentID,
	)
	if err != nil {
		return fmt.Errorf("store: set lane assignment: %w", err)
	}
	return nil
}

// GetLaneAssignment returns the agent pinned to a (project, squad, lane)
// slot, or nil if none is pinned (the caller falls back to any idle agent).
func (s *Store) GetLaneAssignment(projectID, squadID, lane string) (*LaneAssignment, error) {
	var la LaneAssignment
	err := s.db.QueryRow(
		`SELECT project_id, squad_id, lane, agent_id FROM lane_assignments WHERE project_id = ? AND squad_id = ? AND lane = ?`,
		projectID, squadID, lane,
	).Scan(&la.ProjectID, &la.SquadID, &la.Lane, &la.AgentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get lane assignment: %w", err)
	}
	return &la, nil
}

// ListLaneAssignments returns every lane assignment for a squad.
func (s *Store) ListLaneAssignments(squadID string) ([]LaneAssignment, error) {
	rows, err := s.db.Query(`SELECT project_id, squad_id, lane, agent_id FROM lane_assignments WHERE squad_id = ?`, squadID)
	if err != nil {
		return nil, fmt.Errorf("store: list lane assignments: %w", err)
	}
	defer rows.Close()

	var out []LaneAssignment
	for rows.Next() {
		var la LaneAssignment
		if err := rows.Scan(&la.ProjectID, &la.SquadID, &la.Lane, &la.AgentID); err != nil {
			return nil, fmt.Errorf("store: scan lane assignment: %w", err)
		}
		out = append(out, la)
	}
	return out, rows.Err()
}
