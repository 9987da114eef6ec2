package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Squad groups agents sharing one backend process (§3).
type Squad struct {
	ID             string
	ProjectID      string
	Name           string
	Description    string
	OpencodeStatus string // idle, provisioning, running, error
	OpencodeURL    string
	OpencodePID    int
	LastError      string
	Created        time.Time
	Updated        time.Time
}

const squadCols = `id, project_id, name, description, opencode_status, opencode_url, opencode_pid, last_error, created, updated`

func scanSquad(row interface{ Scan(dest ...any) error }) (Squad, error) {
	var sq Squad
	err := row.Scan(&sq.ID, &sq.ProjectID, &sq.Name, &sq.Description, &sq.OpencodeStatus, &sq.OpencodeURL, &sq.OpencodePID, &sq.LastError, &sq.Created, &sq.Updated)
	return sq, err
}

// CreateSquad inserts a new squad row in status "idle".
func (s *Store) CreateSquad(sq Squad) error {
	if sq.OpencodeStatus == "" {
		sq.OpencodeStatus = "idle"
	}
	_, err := s.db.Exec(
		`INSERT INTO squads (id, project_id, name, description, opencode_status) VALUES (?, ?, ?, ?, ?)`,
		sq.ID, sq.ProjectID, sq.Name, sq.Description, sq.OpencodeStatus,
	)
	if err != nil {
		return fmt.Errorf("store: create squad: %w", err)
	}
	return nil
}

// GetSquad returns a single squad by ID.
func (s *Store) GetSquad(id string) (*Squad, error) {
	row := s.db.QueryRow(`SELECT `+squadCols+` FROM squads WHERE id = ?`, id)
	sq, err := scanSquad(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get squad: %w", err)
	}
	return &sq, nil
}

// ListSquadsByProject returns all squads for a project.
func (s *Store) ListSquadsByProject(projectID string) ([]Squad, error) {
	rows, err := s.db.Query(`SELECT `+squadCols+` FROM squads WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list squads: %w", err)
	}
	defer rows.Close()

	var out []Squad
	for rows.Next() {
		sq, err := scanSquad(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan squad: %w", err)
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}

// UpdateSquadStatus transitions a squad's opencode_status and records the
// backend base URL, PID, and last error observed.
func (s *Store) UpdateSquadStatus(id, status, url string, pid int, lastErr string) error {
	_, err := s.db.Exec(
		`UPDATE squads SET opencode_status = ?, opencode_url = ?, opencode_pid = ?, last_error = ?, updated = datetime('now') WHERE id = ?`,
		status, url, pid, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("store: update squad status: %w", err)
	}
	return nil
}

// UpdateSquad updates mutable squad metadata.
func (s *Store) UpdateSquad(id, name, description string) error {
	_, err := s.db.Exec(`UPDATE squads SET name = ?, description = ?, updated = datetime('now') WHERE id = ?`, name, description, id)
	if err != nil {
		return fmt.Errorf("store: update squad: %w", err)
	}
	return nil
}

// DeleteSquad removes a squad row.
func (s *Store) DeleteSquad(id string) error {
	_, err := s.db.Exec(`DELETE FROM squads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete squad: %w", err)
	}
	return nil
}

// ListRunningSquads returns every squad currently in status "running",
// used by the health prober and the restart supervisor.
func (s *Store) ListRunningSquads() ([]Squad, error) {
	rows, err := s.db.Query(`SELECT ` + squadCols + ` FROM squads WHERE opencode_status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("store: list running squads: %w", err)
	}
	defer rows.Close()

	var out []Squad
	for rows.Next() {
		sq, err := scanSquad(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan squad: %w", err)
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}
