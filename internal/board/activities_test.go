package board

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/squadforge/internal/git"
	"github.com/antigravity-dev/squadforge/internal/store"
)

func testActivities(t *testing.T) (*Activities, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &Activities{Store: st}, st
}

func seedCard(t *testing.T, st *store.Store) store.Card {
	t.Helper()
	require.NoError(t, st.CreateProject(store.Project{ID: "proj-1", Name: "demo", Path: "/tmp/demo"}))
	require.NoError(t, st.CreateSquad(store.Squad{ID: "squad-1", ProjectID: "proj-1", Name: "alpha"}))
	require.NoError(t, st.CreateAgent(store.Agent{ID: "agent-1", SquadID: "squad-1", Name: "Ada", Slug: "ada", Status: "idle"}))
	card := store.Card{ID: "card-1", ProjectID: "proj-1", SquadID: "squad-1", Lane: "todo", Title: "t", Body: "b"}
	require.NoError(t, st.CreateCard(card))
	stored, err := st.GetCard("card-1")
	require.NoError(t, err)
	return *stored
}

func TestAllocateAgentActivityFallsBackToIdleAgent(t *testing.T) {
	a, st := testActivities(t)
	seedCard(t, st)

	agentID, err := a.AllocateAgentActivity(context.Background(), "proj-1", "squad-1", "plan")
	require.NoError(t, err)
	require.Equal(t, "agent-1", agentID)
}

func TestAllocateAgentActivityPrefersLaneAssignment(t *testing.T) {
	a, st := testActivities(t)
	seedCard(t, st)
	require.NoError(t, st.CreateAgent(store.Agent{ID: "agent-2", SquadID: "squad-1", Name: "Bo", Slug: "bo", Status: "idle"}))
	require.NoError(t, st.SetLaneAssignment(store.LaneAssignment{ProjectID: "proj-1", SquadID: "squad-1", Lane: "plan", AgentID: "agent-2"}))

	agentID, err := a.AllocateAgentActivity(context.Background(), "proj-1", "squad-1", "plan")
	require.NoError(t, err)
	require.Equal(t, "agent-2", agentID)
}

func TestApplyPlanArtifactActivityPersistsPlanAndPRDPath(t *testing.T) {
	a, st := testActivities(t)
	seedCard(t, st)

	plan := IssuePlan{Issues: []Issue{{Title: "RL middleware"}}}
	require.NoError(t, a.ApplyPlanArtifactActivity(context.Background(), "card-1", "agent-1", "sess-1", plan))

	card, err := st.GetCard("card-1")
	require.NoError(t, err)
	require.Equal(t, ".squads/prds/card-1.md", card.PRDPath)
	require.Contains(t, card.IssuePlan, "RL middleware")
}

func TestWaitForSessionCompletionActivityReturnsImmediatelyWhenTerminal(t *testing.T) {
	a, st := testActivities(t)
	require.NoError(t, st.CreateProject(store.Project{ID: "proj-1", Name: "demo", Path: "/tmp/demo"}))
	require.NoError(t, st.CreateSquad(store.Squad{ID: "squad-1", ProjectID: "proj-1", Name: "alpha"}))
	require.NoError(t, st.CreateAgent(store.Agent{ID: "agent-1", SquadID: "squad-1", Name: "Ada", Slug: "ada"}))
	require.NoError(t, st.CreateSession(store.Session{ID: "sess-1", ProjectID: "proj-1", AgentID: "agent-1", Status: "pending"}))
	_, err := st.UpdateSessionStatus("sess-1", "completed", 0)
	require.NoError(t, err)

	status, err := a.WaitForSessionCompletionActivity(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "completed", status)
}

func TestProvisionWorktreeActivityCreatesAndRejectsDoubleClaim(t *testing.T) {
	a, _ := testActivities(t)

	repo := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.name", "Test")
	run("config", "user.email", "test@example.com")
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+filepath.Join(repo, "README.md")).Run())
	run("add", "README.md")
	run("commit", "-m", "init")

	worktreesDir := filepath.Join(repo, ".worktrees")
	path, branch, err := a.ProvisionWorktreeActivity(context.Background(), repo, worktreesDir, "card-1", "main")
	require.NoError(t, err)
	require.Equal(t, git.BranchName("card-1"), branch)
	require.DirExists(t, path)

	_, _, err = a.ProvisionWorktreeActivity(context.Background(), repo, worktreesDir, "card-1", "main")
	require.Error(t, err)
}

func TestAdvanceLaneActivityRejectsStaleVersion(t *testing.T) {
	a, st := testActivities(t)
	seedCard(t, st)

	err := a.AdvanceLaneActivity(context.Background(), "card-1", "todo", "plan", 99)
	require.Error(t, err)

	require.NoError(t, a.AdvanceLaneActivity(context.Background(), "card-1", "todo", "plan", 0))
	card, err := st.GetCard("card-1")
	require.NoError(t, err)
	require.Equal(t, "plan", card.Lane)
}
