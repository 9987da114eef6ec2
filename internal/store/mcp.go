package store

import (
	"database/sql"
	"fmt"
)

// MCPServer is an external tool provider the backend can call, resolved
// from a catalog or custom spec (§3).
type MCPServer struct {
	ID          string
	SquadID     string
	Name        string
	Source      string // builtin, registry, custom
	Type        string // remote, container
	Image       string
	URL         string
	Command     string
	Args        string // opaque JSON array
	Headers     string // opaque JSON object
	Enabled     bool
	Status      string
	LastError   string
	CatalogMeta string // opaque JSON
}

const mcpCols = `id, squad_id, name, source, type, image, url, command, args, headers, enabled, status, last_error, catalog_meta`

func scanMCPServer(row interface{ Scan(dest ...any) error }) (MCPServer, error) {
	var m MCPServer
	var enabled int
	err := row.Scan(&m.ID, &m.SquadID, &m.Name, &m.Source, &m.Type, &m.Image, &m.URL, &m.Command, &m.Args, &m.Headers, &enabled, &m.Status, &m.LastError, &m.CatalogMeta)
	m.Enabled = enabled != 0
	return m, err
}

// CreateMCPServer inserts a new MCP server row, not yet enabled
// (§4.1 mcp.add: "no activation until explicit enable").
func (s *Store) CreateMCPServer(m MCPServer) error {
	if m.Args == "" {
		m.Args = "[]"
	}
	if m.Headers == "" {
		m.Headers = "{}"
	}
	if m.CatalogMeta == "" {
		m.CatalogMeta = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO mcp_servers (id, squad_id, name, source, type, image, url, command, args, headers, enabled, status, catalog_meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		m.ID, m.SquadID, m.Name, m.Source, m.Type, m.Image, m.URL, m.Command, m.Args, m.Headers, m.CatalogMeta,
	)
	if err != nil {
		return fmt.Errorf("store: create mcp server: %w", err)
	}
	return nil
}

// GetMCPServer returns a single MCP server row.
func (s *Store) GetMCPServer(id string) (*MCPServer, error) {
	row := s.db.QueryRow(`SELECT `+mcpCols+` FROM mcp_servers WHERE id = ?`, id)
	m, err := scanMCPServer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mcp server: %w", err)
	}
	return &m, nil
}

// GetMCPServerByName resolves an MCP server within a squad by name.
func (s *Store) GetMCPServerByName(squadID, name string) (*MCPServer, error) {
	row := s.db.QueryRow(`SELECT `+mcpCols+` FROM mcp_servers WHERE squad_id = ? AND name = ?`, squadID, name)
	m, err := scanMCPServer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mcp server by name: %w", err)
	}
	return &m, nil
}

// ListMCPServersBySquad returns every MCP server declared for a squad.
func (s *Store) ListMCPServersBySquad(squadID string) ([]MCPServer, error) {
	rows, err := s.db.Query(`SELECT `+mcpCols+` FROM mcp_servers WHERE squad_id = ? ORDER BY name`, squadID)
	if err != nil {
		return nil, fmt.Errorf("store: list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []MCPServer
	for rows.Next() {
		m, err := scanMCPServer(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan mcp server: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListEnabledMCPServersBySquad returns only the enabled MCP servers for a
// squad, used when rewriting the backend's MCP configuration file.
func (s *Store) ListEnabledMCPServersBySquad(squadID string) ([]MCPServer, error) {
	rows, err := s.db.Query(`SELECT `+mcpCols+` FROM mcp_servers WHERE squad_id = ? AND enabled = 1 ORDER BY name`, squadID)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled mcp servers: %w", err)
	}
	defer rows.Close()

	var out []MCPServer
	for rows.Next() {
		m, err := scanMCPServer(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan mcp server: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMCPServerEnabled flips the enabled flag.
func (s *Store) SetMCPServerEnabled(id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE mcp_servers SET enabled = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("store: set mcp server enabled: %w", err)
	}
	return nil
}

// SetMCPServerStatus records the reconciliation outcome for an MCP server.
func (s *Store) SetMCPServerStatus(id, status, lastErr string) error {
	_, err := s.db.Exec(`UPDATE mcp_servers SET status = ?, last_error = ? WHERE id = ?`, status, lastErr, id)
	if err != nil {
		return fmt.Errorf("store: set mcp server status: %w", err)
	}
	return nil
}
