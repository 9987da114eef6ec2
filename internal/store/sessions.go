package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ActiveSessionStatuses are the statuses counted toward the "at most one
// active session per agent" invariant (§3, §8 property 2).
var ActiveSessionStatuses = []string{"pending", "starting", "running", "paused"}

// Session is one conversation with the backend; owns a transcript (§3).
type Session struct {
	ID                string
	ProjectID         string
	AgentID           string
	BackendSessionID  string
	Status            string // pending, starting, running, paused, completed, failed, cancelled, archived
	Model             string
	Mode              string // plan, build
	TicketKey         string
	WorktreePath      string
	Branch            string
	BaseBranch        string
	PendingTurn       bool // §9 open question (a): made explicit, persisted
	InputTokens       int
	OutputTokens      int
	CostUSD           float64
	Started           *time.Time
	Finished          *time.Time
	Metadata          string // opaque JSON
	Version           int64
	Created           time.Time
}

const sessionCols = `id, project_id, agent_id, backend_session_id, status, model, mode, ticket_key, worktree_path, branch, base_branch, pending_turn, input_tokens, output_tokens, cost_usd, started, finished, metadata, version, created`

func scanSession(row interface{ Scan(dest ...any) error }) (Session, error) {
	var sess Session
	var started, finished sql.NullTime
	var pendingTurn int
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.AgentID, &sess.BackendSessionID, &sess.Status, &sess.Model, &sess.Mode,
		&sess.TicketKey, &sess.WorktreePath, &sess.Branch, &sess.BaseBranch, &pendingTurn,
		&sess.InputTokens, &sess.OutputTokens, &sess.CostUSD, &started, &finished, &sess.Metadata, &sess.Version, &sess.Created,
	)
	sess.PendingTurn = pendingTurn != 0
	sess.Started = timePtr(started)
	sess.Finished = timePtr(finished)
	return sess, err
}

// CreateSession inserts a new session in status "pending".
func (s *Store) CreateSession(sess Session) error {
	if sess.Status == "" {
		sess.Status = "pending"
	}
	if sess.Metadata == "" {
		sess.Metadata = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, project_id, agent_id, status, model, mode, ticket_key, worktree_path, branch, base_branch, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.AgentID, sess.Status, sess.Model, sess.Mode, sess.TicketKey, sess.WorktreePath, sess.Branch, sess.BaseBranch, sess.Metadata,
	)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession returns a single session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &sess, nil
}

// CountActiveSessionsForAgent returns how many of an agent's sessions are in
// an active status. Used to enforce the at-most-one-active invariant before
// Session Orchestrator's start() call creates a new row.
func (s *Store) CountActiveSessionsForAgent(agentID string) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE agent_id = ? AND status IN (?, ?, ?, ?)`
	var count int
	err := s.db.QueryRow(query, agentID, ActiveSessionStatuses[0], ActiveSessionStatuses[1], ActiveSessionStatuses[2], ActiveSessionStatuses[3]).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count active sessions: %w", err)
	}
	return count, nil
}

// ListSessions lists sessions optionally filtered by project, agent, and status.
func (s *Store) ListSessions(projectID, agentID, status string) ([]Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetBackendSessionID assigns the backend-issued session id exactly once;
// it is a no-op if already set, matching the immutability invariant in §3.
func (s *Store) SetBackendSessionID(id, backendSessionID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET backend_session_id = ? WHERE id = ? AND backend_session_id = ''`,
		backendSessionID, id,
	)
	if err != nil {
		return fmt.Errorf("store: set backend session id: %w", err)
	}
	return nil
}

// UpdateSessionStatus transitions status, bumping the optimistic-concurrency
// version column. expectedVersion must match the row's current version or
// the update is a no-op and it returns false with a nil error; callers
// detect a lost race from that boolean.
func (s *Store) UpdateSessionStatus(id, status string, expectedVersion int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, version = version + 1 WHERE id = ? AND version = ?`,
		status, id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("store: update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetPendingTurn flips the session's pending-turn flag, persisting the
// open question from §9(a) explicitly rather than leaving it implicit.
func (s *Store) SetPendingTurn(id string, pending bool) error {
	v := 0
	if pending {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE sessions SET pending_turn = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("store: set pending turn: %w", err)
	}
	return nil
}

// MarkSessionStarted records the start timestamp on transition to "running".
func (s *Store) MarkSessionStarted(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET started = ? WHERE id = ? AND started IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("store: mark session started: %w", err)
	}
	return nil
}

// MarkSessionFinished records the finish timestamp on transition to a
// terminal status.
func (s *Store) MarkSessionFinished(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET finished = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("store: mark session finished: %w", err)
	}
	return nil
}

// AccumulateSessionTokens adds to a session's running token/cost totals, as
// observed from message part usage metadata (§ SPEC_FULL supplemented
// feature: per-session cost accounting).
func (s *Store) AccumulateSessionTokens(id string, inputTokens, outputTokens int, costUSD float64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, cost_usd = cost_usd + ? WHERE id = ?`,
		inputTokens, outputTokens, costUSD, id,
	)
	if err != nil {
		return fmt.Errorf("store: accumulate session tokens: %w", err)
	}
	return nil
}

// GetLatestSessionForAgent returns the most recently created session for an
// agent, used by resumption (§4.3) to decide whether the agent's latest
// session is still active or a new one has to be started.
func (s *Store) GetLatestSessionForAgent(agentID string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE agent_id = ? ORDER BY created DESC LIMIT 1`, agentID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get latest session: %w", err)
	}
	return &sess, nil
}
