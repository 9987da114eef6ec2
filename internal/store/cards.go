package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Card is a work item moving through the five-lane pipeline (§3).
type Card struct {
	ID                  string
	ProjectID           string
	SquadID             string
	Lane                string // todo, plan, build, review, done
	Position            int
	Title               string
	Body                string
	PRDPath             string
	IssuePlan           string // opaque JSON: {"issues":[...],"repo":...,"prd_path":...,"questions":[...]}
	IssueRefs           string // opaque JSON array
	PRURL               string
	PlanAgentID         string
	BuildAgentID        string
	ReviewAgentID       string
	PlanSessionID       string
	BuildSessionID      string
	ReviewSessionID     string
	BuildWorktreeName   string
	BuildWorktreePath   string
	BuildBranch         string
	BaseBranch          string
	AIReview            string // opaque JSON: {"recommendation":...,"risk":...,"summary":...,"findings":[...]}
	AIReviewSessionID   string
	HumanReviewStatus   string // pending, approved, changes_requested
	HumanReviewFeedback string
	HumanReviewed       bool
	Version             int64
	Created             time.Time
	Updated             time.Time
}

const cardCols = `id, project_id, squad_id, lane, position, title, body, prd_path, issue_plan, issue_refs, pr_url,
	plan_agent_id, build_agent_id, review_agent_id, plan_session_id, build_session_id, review_session_id,
	build_worktree_name, build_worktree_path, build_branch, base_branch, ai_review, ai_review_session_id,
	human_review_status, human_review_feedback, human_reviewed, version, created, updated`

func scanCard(row interface{ Scan(dest ...any) error }) (Card, error) {
	var c Card
	var humanReviewed int
	err := row.Scan(
		&c.ID, &c.ProjectID, &c.SquadID, &c.Lane, &c.Position, &c.Title, &c.Body, &c.PRDPath, &c.IssuePlan, &c.IssueRefs, &c.PRURL,
		&c.PlanAgentID, &c.BuildAgentID, &c.ReviewAgentID, &c.PlanSessionID, &c.BuildSessionID, &c.ReviewSessionID,
		&c.BuildWorktreeName, &c.BuildWorktreePath, &c.BuildBranch, &c.BaseBranch, &c.AIReview, &c.AIReviewSessionID,
		&c.HumanReviewStatus, &c.HumanReviewFeedback, &humanReviewed, &c.Version, &c.Created, &c.Updated,
	)
	c.HumanReviewed = humanReviewed != 0
	return c, err
}

// CreateCard inserts a new card in lane "todo".
func (s *Store) CreateCard(c Card) error {
	if c.Lane == "" {
		c.Lane = "todo"
	}
	if c.IssuePlan == "" {
		c.IssuePlan = "{}"
	}
	if c.AIReview == "" {
		c.AIReview = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO cards (id, project_id, squad_id, lane, position, title, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.SquadID, c.Lane, c.Position, c.Title, c.Body,
	)
	if err != nil {
		return fmt.Errorf("store: create card: %w", err)
	}
	return nil
}

// GetCard returns a single card by ID.
func (s *Store) GetCard(id string) (*Card, error) {
	row := s.db.QueryRow(`SELECT `+cardCols+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get card: %w", err)
	}
	return &c, nil
}

// ListCardsByProject returns all cards for a project ordered by lane then position.
func (s *Store) ListCardsByProject(projectID string) ([]Card, error) {
	rows, err := s.db.Query(`SELECT `+cardCols+` FROM cards WHERE project_id = ? ORDER BY lane, position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list cards: %w", err)
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdvanceCardLane performs a compare-and-swap lane transition, bumping the
// optimistic version. Returns false if the card's lane or version no longer
// matches (a concurrent writer beat us to it).
func (s *Store) AdvanceCardLane(id, fromLane, toLane string, expectedVersion int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE cards SET lane = ?, version = version + 1, updated = datetime('now') WHERE id = ? AND lane = ? AND version = ?`,
		toLane, id, fromLane, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("store: advance card lane: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetCardPlanArtifacts records the outcome of the todo->plan transition:
// the extracted issue plan, the agent/session that produced it, and the
// reserved PRD path.
func (s *Store) SetCardPlanArtifacts(id, issuePlan, prdPath, planAgentID, planSessionID string) error {
	_, err := s.db.Exec(
		`UPDATE cards SET issue_plan = ?, prd_path = ?, plan_agent_id = ?, plan_session_id = ?, updated = datetime('now') WHERE id = ?`,
		issuePlan, prdPath, planAgentID, planSessionID, id,
	)
	if err != nil {
		return fmt.Errorf("store: set card plan artifacts: %w", err)
	}
	return nil
}

// SetCardBuildArtifacts records the outcome of the plan->build transition.
func (s *Store) SetCardBuildArtifacts(id, prURL, buildAgentID, buildSessionID, worktreeName, worktreePath, branch, baseBranch string) error {
	_, err := s.db.Exec(
		`UPDATE cards SET pr_url = ?, build_agent_id = ?, build_session_id = ?, build_worktree_name = ?, build_worktree_path = ?, build_branch = ?, base_branch = ?, updated = datetime('now') WHERE id = ?`,
		prURL, buildAgentID, buildSessionID, worktreeName, worktreePath, branch, baseBranch, id,
	)
	if err != nil {
		return fmt.Errorf("store: set card build artifacts: %w", err)
	}
	return nil
}

// SetCardReviewArtifacts records the outcome of the build->review transition.
func (s *Store) SetCardReviewArtifacts(id, aiReview, reviewAgentID, reviewSessionID string) error {
	_, err := s.db.Exec(
		`UPDATE cards SET ai_review = ?, review_agent_id = ?, review_session_id = ?, ai_review_session_id = ?, human_review_status = 'pending', updated = datetime('now') WHERE id = ?`,
		aiReview, reviewAgentID, reviewSessionID, reviewSessionID, id,
	)
	if err != nil {
		return fmt.Errorf("store: set card review artifacts: %w", err)
	}
	return nil
}

// SetHumanReview records the operator's review decision (§4.4 review->done,
// §8 property 7).
func (s *Store) SetHumanReview(id, status, feedback string) error {
	_, err := s.db.Exec(
		`UPDATE cards SET human_review_status = ?, human_review_feedback = ?, human_reviewed = 1, updated = datetime('now') WHERE id = ?`,
		status, feedback, id,
	)
	if err != nil {
		return fmt.Errorf("store: set human review: %w", err)
	}
	return nil
}

// ResetNextLaneSlot clears the next lane's session pointer on a reverse
// transition (*_changes_requested), preserving the transcript for audit
// per §4.4 "Reverse transitions".
func (s *Store) ResetNextLaneSlot(id, lane string) error {
	var query string
	switch lane {
	case "build":
		query = `UPDATE cards SET build_session_id = '', pr_url = '', build_worktree_name = '', build_worktree_path = '', build_branch = '', updated = datetime('now') WHERE id = ?`
	case "review":
		query = `UPDATE cards SET review_session_id = '', ai_review = '{}', ai_review_session_id = '', human_review_status = '', human_review_feedback = '', human_reviewed = 0, updated = datetime('now') WHERE id = ?`
	default:
		return fmt.Errorf("store: reset next lane slot: unknown lane %q", lane)
	}
	_, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("store: reset next lane slot: %w", err)
	}
	return nil
}

// SetPRDPath sets the reserved PRD file path for a card.
func (s *Store) SetPRDPath(id, path string) error {
	_, err := s.db.Exec(`UPDATE cards SET prd_path = ?, updated = datetime('now') WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("store: set prd path: %w", err)
	}
	return nil
}
