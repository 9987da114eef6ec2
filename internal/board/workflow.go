package board

import (
	"encoding/json"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/squadforge/internal/session"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// StageWorkflowRequest starts one lane advancement, carrying what a single
// plan/build/review pass needs (§4.4).
type StageWorkflowRequest struct {
	CardID          string
	ProjectID       string
	SquadID         string
	RepoPath        string
	WorktreesDir    string
	FromLane        string
	ToLane          string
	CardTitle       string
	CardBody        string
	BaseBranch      string
	ExpectedVersion int64
}

// StageWorkflow advances one card one lane forward: allocate an agent,
// open a session, send the stage prompt, wait for completion, extract the
// stage's artifact, and commit the lane transition — a single automated
// stage, since each lane transition here is already gated by an upstream
// operator action (§4.4).
func StageWorkflow(ctx workflow.Context, req StageWorkflowRequest) error {
	logger := workflow.GetLogger(ctx)

	shortOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	turnOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    15 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}

	var a *Activities
	shortCtx := workflow.WithActivityOptions(ctx, shortOpts)
	turnCtx := workflow.WithActivityOptions(ctx, turnOpts)

	agentID, err := runAllocateAgent(shortCtx, a, req)
	if err != nil {
		return err
	}

	switch req.ToLane {
	case "plan":
		return runPlanStage(shortCtx, turnCtx, a, req, agentID)
	case "build":
		return runBuildStage(shortCtx, turnCtx, a, req, agentID)
	case "review":
		return runReviewStage(shortCtx, turnCtx, a, req, agentID)
	default:
		logger.Error("unsupported stage transition", "from", req.FromLane, "to", req.ToLane)
		return fmt.Errorf("board: unsupported stage transition %s -> %s", req.FromLane, req.ToLane)
	}
}

func runAllocateAgent(ctx workflow.Context, a *Activities, req StageWorkflowRequest) (string, error) {
	var agentID string
	err := workflow.ExecuteActivity(ctx, a.AllocateAgentActivity, req.ProjectID, req.SquadID, req.ToLane).Get(ctx, &agentID)
	return agentID, err
}

func runStageSession(ctx workflow.Context, a *Activities, req StageWorkflowRequest, agentID, prompt string, opts session.StartOpts) (string, []store.TranscriptEntry, string, error) {
	var sessionID string
	if err := workflow.ExecuteActivity(ctx, a.StartStageSessionActivity, agentID, req.CardID, req.ToLane, prompt, opts).Get(ctx, &sessionID); err != nil {
		return "", nil, "", err
	}

	var status string
	if err := workflow.ExecuteActivity(ctx, a.WaitForSessionCompletionActivity, sessionID).Get(ctx, &status); err != nil {
		return sessionID, nil, "", err
	}
	if status != "completed" {
		return sessionID, nil, status, fmt.Errorf("board: session ended with status %q, expected completed", status)
	}

	var entries []store.TranscriptEntry
	if err := workflow.ExecuteActivity(ctx, a.LoadTranscriptActivity, sessionID).Get(ctx, &entries); err != nil {
		return sessionID, nil, status, err
	}
	return sessionID, entries, status, nil
}

func runPlanStage(shortCtx, turnCtx workflow.Context, a *Activities, req StageWorkflowRequest, agentID string) error {
	prompt := planPrompt(req.CardTitle, req.CardBody)
	sessionID, entries, _, err := runStageSession(turnCtx, a, req, agentID, prompt, session.StartOpts{Mode: "plan"})
	if err != nil {
		return err
	}

	plan, ok := ExtractIssuePlan(entries)
	if !ok {
		return fmt.Errorf("board: extraction_failed: no qualifying issue plan block in session %s", sessionID)
	}

	if err := workflow.ExecuteActivity(shortCtx, a.ApplyPlanArtifactActivity, req.CardID, agentID, sessionID, *plan).Get(shortCtx, nil); err != nil {
		return err
	}
	return workflow.ExecuteActivity(shortCtx, a.AdvanceLaneActivity, req.CardID, req.FromLane, req.ToLane, req.ExpectedVersion).Get(shortCtx, nil)
}

func runBuildStage(shortCtx, turnCtx workflow.Context, a *Activities, req StageWorkflowRequest, agentID string) error {
	var card *store.Card
	if err := workflow.ExecuteActivity(shortCtx, a.LoadCardActivity, req.CardID).Get(shortCtx, &card); err != nil {
		return err
	}

	var plan IssuePlan
	_ = json.Unmarshal([]byte(card.IssuePlan), &plan)

	var worktreePath, branch string
	if err := workflow.ExecuteActivity(shortCtx, a.ProvisionWorktreeActivity, req.RepoPath, req.WorktreesDir, req.CardID, req.BaseBranch).Get(shortCtx, &worktreePath, &branch); err != nil {
		return err
	}

	prompt := buildPrompt(req.CardTitle, plan)
	opts := session.StartOpts{Mode: "build", WorktreePath: worktreePath, Branch: branch, BaseBranch: req.BaseBranch}
	sessionID, entries, _, err := runStageSession(turnCtx, a, req, agentID, prompt, opts)
	if err != nil {
		return err
	}

	artifact, ok := ExtractBuildArtifact(entries)
	if !ok {
		return fmt.Errorf("board: extraction_failed: no qualifying pr_url block in session %s", sessionID)
	}

	worktreeName := worktreeDirBase(worktreePath)
	if err := workflow.ExecuteActivity(shortCtx, a.ApplyBuildArtifactActivity, req.CardID, agentID, sessionID, *artifact, worktreeName, worktreePath, branch, req.BaseBranch).Get(shortCtx, nil); err != nil {
		return err
	}
	return workflow.ExecuteActivity(shortCtx, a.AdvanceLaneActivity, req.CardID, req.FromLane, req.ToLane, req.ExpectedVersion).Get(shortCtx, nil)
}

func runReviewStage(shortCtx, turnCtx workflow.Context, a *Activities, req StageWorkflowRequest, agentID string) error {
	var card *store.Card
	if err := workflow.ExecuteActivity(shortCtx, a.LoadCardActivity, req.CardID).Get(shortCtx, &card); err != nil {
		return err
	}

	prompt := reviewPrompt(card.PRURL)
	sessionID, entries, _, err := runStageSession(turnCtx, a, req, agentID, prompt, session.StartOpts{Mode: "review"})
	if err != nil {
		return err
	}

	artifact, ok := ExtractReviewArtifact(entries)
	if !ok {
		return fmt.Errorf("board: extraction_failed: no qualifying recommendation block in session %s", sessionID)
	}

	if err := workflow.ExecuteActivity(shortCtx, a.ApplyReviewArtifactActivity, req.CardID, agentID, sessionID, *artifact).Get(shortCtx, nil); err != nil {
		return err
	}
	return workflow.ExecuteActivity(shortCtx, a.AdvanceLaneActivity, req.CardID, req.FromLane, req.ToLane, req.ExpectedVersion).Get(shortCtx, nil)
}

func worktreeDirBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
