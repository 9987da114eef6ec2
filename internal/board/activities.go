package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/git"
	"github.com/antigravity-dev/squadforge/internal/session"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// pollInterval governs how often WaitForSessionCompletionActivity checks
// session status; it heartbeats on every tick so Temporal doesn't time out
// a long-running plan/build/review turn.
const pollInterval = 2 * time.Second

// sessionStarter is the subset of *session.Orchestrator the activities
// call, narrowed so tests can substitute a fake.
type sessionStarter interface {
	Start(ctx context.Context, agentID string, opts session.StartOpts) (*store.Session, error)
	SendPrompt(ctx context.Context, sessionID, text, mode, model string) error
}

// Activities bundles the Board Engine's Temporal activities as methods on a
// single receiver struct.
type Activities struct {
	Store    *store.Store
	Sessions sessionStarter
}

// AllocateAgentActivity resolves which agent should run a lane, preferring
// the squad's configured lane assignment and falling back to any idle
// agent in the squad (§4.4 lane advancement rules).
func (a *Activities) AllocateAgentActivity(ctx context.Context, projectID, squadID, lane string) (string, error) {
	if assignment, err := a.Store.GetLaneAssignment(projectID, squadID, lane); err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "load lane assignment", err)
	} else if assignment != nil && assignment.AgentID != "" {
		return assignment.AgentID, nil
	}

	idle, err := a.Store.ListIdleAgentsBySquad(squadID)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "list idle agents", err)
	}
	if len(idle) == 0 {
		return "", apierr.New(apierr.KindConflict, "no idle agent available for lane").WithDetail("lane", lane)
	}
	return idle[0].ID, nil
}

// StartStageSessionActivity opens a session for agentID and sends prompt
// as its first turn, returning the new session id.
func (a *Activities) StartStageSessionActivity(ctx context.Context, agentID, ticketKey, mode, prompt string, opts session.StartOpts) (string, error) {
	opts.TicketKey = ticketKey
	opts.Mode = mode
	sess, err := a.Sessions.Start(ctx, agentID, opts)
	if err != nil {
		return "", err
	}
	if err := a.Sessions.SendPrompt(ctx, sess.ID, prompt, mode, opts.Model); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// WaitForSessionCompletionActivity polls the session until it reaches a
// terminal status, heartbeating so the activity's HeartbeatTimeout doesn't
// expire during a long-running turn.
func (a *Activities) WaitForSessionCompletionActivity(ctx context.Context, sessionID string) (string, error) {
	for {
		sess, err := a.Store.GetSession(sessionID)
		if err != nil {
			return "", apierr.Wrap(apierr.KindInternal, "poll session", err)
		}
		if sess == nil {
			return "", apierr.New(apierr.KindNotFound, "session not found").WithDetail("session_id", sessionID)
		}
		switch sess.Status {
		case "completed", "failed", "cancelled":
			return sess.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
			activity.RecordHeartbeat(ctx)
		}
	}
}

// LoadCardActivity returns a card row, used by later stages to read
// artifacts produced by earlier ones (e.g. the build prompt needs the
// plan stage's issue plan).
func (a *Activities) LoadCardActivity(ctx context.Context, cardID string) (*store.Card, error) {
	card, err := a.Store.GetCard(cardID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "load card", err)
	}
	if card == nil {
		return nil, apierr.New(apierr.KindNotFound, "card not found").WithDetail("card_id", cardID)
	}
	return card, nil
}

// LoadTranscriptActivity returns a session's full transcript for artifact
// extraction.
func (a *Activities) LoadTranscriptActivity(ctx context.Context, sessionID string) ([]store.TranscriptEntry, error) {
	entries, err := a.Store.ListTranscript(sessionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "load transcript", err)
	}
	return entries, nil
}

// ApplyPlanArtifactActivity persists the plan stage's extracted issue plan
// and PRD path on the card. It does not change the card's lane.
func (a *Activities) ApplyPlanArtifactActivity(ctx context.Context, cardID, agentID, sessionID string, plan IssuePlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal issue plan", err)
	}
	prdPath := plan.PRDPath
	if prdPath == "" {
		prdPath = fmt.Sprintf(".squads/prds/%s.md", cardID)
	}
	if err := a.Store.SetCardPlanArtifacts(cardID, string(data), prdPath, agentID, sessionID); err != nil {
		return apierr.Wrap(apierr.KindInternal, "set card plan artifacts", err)
	}
	return nil
}

// ProvisionWorktreeActivity creates the exclusive git worktree for a card's
// build stage, refusing if the path is already claimed by another build
// session (§4.3 shared resources).
func (a *Activities) ProvisionWorktreeActivity(ctx context.Context, repoPath, worktreesDir, cardID, baseBranch string) (worktreePath, branch string, err error) {
	worktreePath, branch, err = git.CreateWorktree(repoPath, worktreesDir, cardID, baseBranch)
	if err != nil {
		if errors.Is(err, git.ErrWorktreeClaimed) {
			return "", "", apierr.New(apierr.KindConflict, "worktree already claimed").WithDetail("reason", "worktree_claimed")
		}
		return "", "", apierr.Wrap(apierr.KindInternal, "provision worktree", err)
	}
	return worktreePath, branch, nil
}

// ApplyBuildArtifactActivity persists the build stage's extracted PR URL
// and worktree metadata.
func (a *Activities) ApplyBuildArtifactActivity(ctx context.Context, cardID, agentID, sessionID string, artifact BuildArtifact, worktreeName, worktreePath, branch, baseBranch string) error {
	if err := a.Store.SetCardBuildArtifacts(cardID, artifact.PRURL, agentID, sessionID, worktreeName, worktreePath, branch, baseBranch); err != nil {
		return apierr.Wrap(apierr.KindInternal, "set card build artifacts", err)
	}
	return nil
}

// ApplyReviewArtifactActivity persists the review stage's extracted AI
// review and opens the card for human review (§4.4).
func (a *Activities) ApplyReviewArtifactActivity(ctx context.Context, cardID, agentID, sessionID string, artifact ReviewArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal review artifact", err)
	}
	if err := a.Store.SetCardReviewArtifacts(cardID, string(data), agentID, sessionID); err != nil {
		return apierr.Wrap(apierr.KindInternal, "set card review artifacts", err)
	}
	return nil
}

// AdvanceLaneActivity performs the card's lane transition under optimistic
// concurrency, returning a precondition_failed error (reason
// lane_precondition_unmet) if the card moved under us.
func (a *Activities) AdvanceLaneActivity(ctx context.Context, cardID, fromLane, toLane string, expectedVersion int64) error {
	ok, err := a.Store.AdvanceCardLane(cardID, fromLane, toLane, expectedVersion)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "advance card lane", err)
	}
	if !ok {
		return apierr.New(apierr.KindPreconditionFailed, "card lane precondition unmet").WithDetail("reason", "lane_precondition_unmet")
	}
	return nil
}
