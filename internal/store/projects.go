package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Project is a filesystem path plus configuration owning squads, cards,
// events and MCP servers.
type Project struct {
	ID      string
	Name    string
	Path    string
	Config  string // opaque JSON blob; shape owned by the caller
	Created time.Time
	Updated time.Time
}

const projectCols = `id, name, path, config, created, updated`

func scanProject(row interface {
	Scan(dest ...any) error
}) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Config, &p.Created, &p.Updated)
	return p, err
}

// CreateProject inserts a new project row.
func (s *Store) CreateProject(p Project) error {
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, path, config) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Config,
	)
	if err != nil {
		return fmt.Errorf("store: create project: %w", err)
	}
	return nil
}

// GetProject returns a single project by ID.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(`SELECT `+projectCols+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all known projects ordered by name.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT ` + projectCols + ` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProjectConfig persists a project's config blob.
func (s *Store) UpdateProjectConfig(id, config string) error {
	_, err := s.db.Exec(`UPDATE projects SET config = ?, updated = datetime('now') WHERE id = ?`, config, id)
	if err != nil {
		return fmt.Errorf("store: update project config: %w", err)
	}
	return nil
}

// DeleteProject removes the project row only. It does not delete the
// project's squads, sessions, cards or events, and no caller deletes them
// beforehand; with foreign keys enforced, deleting a project that still has
// squads, sessions or cards fails with a constraint error.
func (s *Store) DeleteProject(id string) error {
	_, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	return nil
}
