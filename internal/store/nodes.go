package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ExternalNode is another backend instance discovered on the network,
// browsed in read-only proxy mode (§3).
type ExternalNode struct {
	BaseURL      string
	Healthy      bool
	Version      string
	Source       string // local_lsof, config, manual
	MissedProbes int
	LastSeen     time.Time
}

const nodeCols = `base_url, healthy, version, source, missed_probes, last_seen`

func scanExternalNode(row interface{ Scan(dest ...any) error }) (ExternalNode, error) {
	var n ExternalNode
	var healthy int
	err := row.Scan(&n.BaseURL, &healthy, &n.Version, &n.Source, &n.MissedProbes, &n.LastSeen)
	n.Healthy = healthy != 0
	return n, err
}

// UpsertExternalNode records a node seen via discovery or manual probe,
// resetting its missed-probe counter.
func (s *Store) UpsertExternalNode(n ExternalNode) error {
	healthy := 0
	if n.Healthy {
		healthy = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO external_nodes (base_url, healthy, version, source, missed_probes, last_seen) VALUES (?, ?, ?, ?, 0, datetime('now'))
		 ON CONFLICT(base_url) DO UPDATE SET healthy = excluded.healthy, version = excluded.version, missed_probes = 0, last_seen = datetime('now')`,
		n.BaseURL, healthy, n.Version, n.Source,
	)
	if err != nil {
		return fmt.Errorf("store: upsert external node: %w", err)
	}
	return nil
}

// MarkExternalNodeMissed increments the miss counter and, once it reaches
// 3, marks the node unhealthy without removing it (§4.5, §8 boundary
// behavior: "retained until explicit removal").
func (s *Store) MarkExternalNodeMissed(baseURL string) error {
	_, err := s.db.Exec(
		`UPDATE external_nodes SET missed_probes = missed_probes + 1,
		 healthy = CASE WHEN missed_probes + 1 >= 3 THEN 0 ELSE healthy END
		 WHERE base_url = ?`,
		baseURL,
	)
	if err != nil {
		return fmt.Errorf("store: mark external node missed: %w", err)
	}
	return nil
}

// ListExternalNodes returns every known node.
func (s *Store) ListExternalNodes() ([]ExternalNode, error) {
	rows, err := s.db.Query(`SELECT ` + nodeCols + ` FROM external_nodes ORDER BY base_url`)
	if err != nil {
		return nil, fmt.Errorf("store: list external nodes: %w", err)
	}
	defer rows.Close()

	var out []ExternalNode
	for rows.Next() {
		n, err := scanExternalNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan external node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetExternalNode returns a single node by base URL.
func (s *Store) GetExternalNode(baseURL string) (*ExternalNode, error) {
	row := s.db.QueryRow(`SELECT `+nodeCols+` FROM external_nodes WHERE base_url = ?`, baseURL)
	n, err := scanExternalNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get external node: %w", err)
	}
	return &n, nil
}

// DeleteExternalNode removes a node explicitly (operator action).
func (s *Store) DeleteExternalNode(baseURL string) error {
	_, err := s.db.Exec(`DELETE FROM external_nodes WHERE base_url = ?`, baseURL)
	if err != nil {
		return fmt.Errorf("store: delete external node: %w", err)
	}
	return nil
}
