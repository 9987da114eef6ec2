package board

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/session"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// nextLane maps a forward transition's origin lane to its destination.
var nextLane = map[string]string{
	"todo":   "plan",
	"plan":   "build",
	"build":  "review",
}

// Engine is the operator-facing entry point for the Board Engine: it
// starts one StageWorkflow execution per lane promotion and handles the
// synchronous operations that don't need a workflow (human review,
// reverse transitions).
type Engine struct {
	store  *store.Store
	bus    *eventbus.Bus
	tc     client.Client
	repoByProject func(projectID string) (repoPath string, worktreesDir string)
}

// New constructs an Engine. repoByProject resolves a project's checkout
// path and worktrees directory, supplied by the caller (it owns project
// configuration).
func New(st *store.Store, bus *eventbus.Bus, tc client.Client, repoByProject func(string) (string, string)) *Engine {
	return &Engine{store: st, bus: bus, tc: tc, repoByProject: repoByProject}
}

// Promote advances a card to the next lane in the pipeline by starting a
// StageWorkflow. It is a no-op trigger: the workflow itself performs the
// allocation/session/extraction/commit sequence asynchronously.
func (e *Engine) Promote(ctx context.Context, cardID string) error {
	card, err := e.store.GetCard(cardID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load card", err)
	}
	if card == nil {
		return apierr.New(apierr.KindNotFound, "card not found").WithDetail("card_id", cardID)
	}

	toLane, ok := nextLane[card.Lane]
	if !ok {
		return apierr.New(apierr.KindPreconditionFailed, "card has no forward transition from its lane").WithDetail("lane", card.Lane)
	}
	if toLane == "build" && card.IssuePlan == "" {
		return apierr.New(apierr.KindPreconditionFailed, "card has no issue plan to build from")
	}
	if toLane == "review" && card.PRURL == "" {
		return apierr.New(apierr.KindPreconditionFailed, "card has no pr_url to review")
	}

	repoPath, worktreesDir := e.repoByProject(card.ProjectID)
	req := StageWorkflowRequest{
		CardID:          card.ID,
		ProjectID:       card.ProjectID,
		SquadID:         card.SquadID,
		RepoPath:        repoPath,
		WorktreesDir:    worktreesDir,
		FromLane:        card.Lane,
		ToLane:          toLane,
		CardTitle:       card.Title,
		CardBody:        card.Body,
		BaseBranch:      card.BaseBranch,
		ExpectedVersion: card.Version,
	}

	workflowID := fmt.Sprintf("card-%s-%s-%s", card.ID, card.Lane, toLane)
	_, err = e.tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: TaskQueue,
	}, StageWorkflow, req)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "start stage workflow", err)
	}

	if e.bus != nil {
		e.bus.Broadcast(eventbus.Event{Kind: "card:lane_changing", ProjectID: card.ProjectID, Payload: map[string]string{"card_id": card.ID, "from": card.Lane, "to": toLane}})
	}
	return nil
}

// RequestChanges performs a reverse transition (*_changes_requested): it
// resets the next lane's session pointer while preserving the transcript
// for audit, and moves the card back to the prior lane (§4.4).
func (e *Engine) RequestChanges(cardID, fromLane, toLane string) error {
	card, err := e.store.GetCard(cardID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load card", err)
	}
	if card == nil {
		return apierr.New(apierr.KindNotFound, "card not found").WithDetail("card_id", cardID)
	}

	if err := e.store.ResetNextLaneSlot(cardID, fromLane); err != nil {
		return apierr.Wrap(apierr.KindInternal, "reset next lane slot", err)
	}
	ok, err := e.store.AdvanceCardLane(cardID, fromLane, toLane, card.Version)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "advance card lane", err)
	}
	if !ok {
		return apierr.New(apierr.KindPreconditionFailed, "card lane precondition unmet").WithDetail("reason", "lane_precondition_unmet")
	}
	return nil
}

// SetHumanReview records the operator's approve/request-changes decision
// on a card in the review lane (§4.4 review->done).
func (e *Engine) SetHumanReview(cardID, status, feedback string) error {
	if status != "approved" && status != "changes_requested" {
		return apierr.New(apierr.KindValidation, "human review status must be approved or changes_requested")
	}
	return e.store.SetHumanReview(cardID, status, feedback)
}

// Approve moves a card from review to done; it is the only lane
// transition reserved entirely for operator action (§4.4).
func (e *Engine) Approve(cardID string) error {
	card, err := e.store.GetCard(cardID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load card", err)
	}
	if card == nil {
		return apierr.New(apierr.KindNotFound, "card not found").WithDetail("card_id", cardID)
	}
	if card.HumanReviewStatus != "approved" {
		return apierr.New(apierr.KindPreconditionFailed, "card has not been approved by a human reviewer")
	}
	ok, err := e.store.AdvanceCardLane(cardID, "review", "done", card.Version)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "advance card lane", err)
	}
	if !ok {
		return apierr.New(apierr.KindPreconditionFailed, "card lane precondition unmet").WithDetail("reason", "lane_precondition_unmet")
	}
	return nil
}

// RequestPullRequest sends the create_pr_prompt follow-up to a build-stage
// session that completed without emitting a pr_url block on the first
// pass, nudging the agent to actually open the PR (§4.4 prompt templates).
func (e *Engine) RequestPullRequest(ctx context.Context, sessions *session.Orchestrator, sessionID, branch, baseBranch string) error {
	return sessions.SendPrompt(ctx, sessionID, createPRPrompt(branch, baseBranch), "build", "")
}
