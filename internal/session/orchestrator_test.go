package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/backendclient"
	"github.com/antigravity-dev/squadforge/internal/store"
)

type fakeBackend struct {
	createErr  error
	promptErr  error
	abortErr   error
	nextID     string
	aborts     int
	prompts    []string
}

func (f *fakeBackend) CreateSession(ctx context.Context, req backendclient.CreateSessionRequest) (backendclient.CreateSessionResponse, error) {
	if f.createErr != nil {
		return backendclient.CreateSessionResponse{}, f.createErr
	}
	id := f.nextID
	if id == "" {
		id = "backend-1"
	}
	return backendclient.CreateSessionResponse{SessionID: id}, nil
}

func (f *fakeBackend) Prompt(ctx context.Context, backendSessionID string, req backendclient.PromptRequest) error {
	f.prompts = append(f.prompts, req.Text)
	return f.promptErr
}

func (f *fakeBackend) Command(ctx context.Context, backendSessionID string, req backendclient.CommandRequest) error {
	return nil
}

func (f *fakeBackend) Shell(ctx context.Context, backendSessionID string, req backendclient.ShellRequest) error {
	return nil
}

func (f *fakeBackend) Abort(ctx context.Context, backendSessionID string) error {
	f.aborts++
	return f.abortErr
}

func setupOrchestrator(t *testing.T, backend *fakeBackend) (*Orchestrator, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.CreateProject(store.Project{ID: "proj-1", Name: "demo", Path: "/tmp/demo"}))
	require.NoError(t, st.CreateSquad(store.Squad{ID: "squad-1", ProjectID: "proj-1", Name: "alpha"}))
	require.NoError(t, st.UpdateSquadStatus("squad-1", "running", "http://squad-1.local", 1234, ""))
	require.NoError(t, st.CreateAgent(store.Agent{ID: "agent-1", SquadID: "squad-1", Name: "Ada", Slug: "ada", Role: "engineer"}))

	o := New(st, nil, slog.Default())
	o.clientFor = func(string) backendOps { return backend }
	return o, st, "agent-1"
}

func TestStartOpensBackendSessionAndPersists(t *testing.T) {
	backend := &fakeBackend{nextID: "backend-xyz"}
	o, st, agentID := setupOrchestrator(t, backend)

	sess, err := o.Start(context.Background(), agentID, StartOpts{TicketKey: "TICK-1", Mode: "plan"})
	require.NoError(t, err)
	require.Equal(t, "running", sess.Status)
	require.Equal(t, "backend-xyz", sess.BackendSessionID)

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "running", stored.Status)
	require.NotNil(t, stored.Started)
}

func TestStartRejectsWhenAgentAlreadyBusy(t *testing.T) {
	backend := &fakeBackend{}
	o, _, agentID := setupOrchestrator(t, backend)

	_, err := o.Start(context.Background(), agentID, StartOpts{})
	require.NoError(t, err)

	_, err = o.Start(context.Background(), agentID, StartOpts{})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindConflict, apiErr.Kind)
	require.Equal(t, "agent_busy", apiErr.Details["reason"])
}

func TestSendPromptRejectsTurnInProgress(t *testing.T) {
	backend := &fakeBackend{}
	o, _, agentID := setupOrchestrator(t, backend)

	sess, err := o.Start(context.Background(), agentID, StartOpts{})
	require.NoError(t, err)

	require.NoError(t, o.SendPrompt(context.Background(), sess.ID, "do the thing", "build", ""))

	err = o.SendPrompt(context.Background(), sess.ID, "another", "build", "")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "turn_in_progress", apiErr.Details["reason"])
}

func TestSendPromptWritesLocalEchoEntry(t *testing.T) {
	backend := &fakeBackend{}
	o, st, agentID := setupOrchestrator(t, backend)

	sess, err := o.Start(context.Background(), agentID, StartOpts{})
	require.NoError(t, err)
	require.NoError(t, o.SendPrompt(context.Background(), sess.ID, "hello there", "build", ""))

	entries, err := st.ListTranscript(sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "user", entries[0].Role)

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	require.True(t, stored.PendingTurn)
}

func TestAbortReturnsAlreadyIdleForTerminalSession(t *testing.T) {
	backend := &fakeBackend{}
	o, st, agentID := setupOrchestrator(t, backend)

	sess, err := o.Start(context.Background(), agentID, StartOpts{})
	require.NoError(t, err)
	_, err = st.UpdateSessionStatus(sess.ID, "completed", 0)
	require.NoError(t, err)

	err = o.Abort(context.Background(), sess.ID)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "already_idle", apiErr.Details["reason"])
	require.Equal(t, 0, backend.aborts)
}

func TestStopTransitionsToCancelledEvenIfAbortFails(t *testing.T) {
	backend := &fakeBackend{abortErr: apierr.New(apierr.KindBackendUnavailable, "down")}
	o, st, agentID := setupOrchestrator(t, backend)

	sess, err := o.Start(context.Background(), agentID, StartOpts{})
	require.NoError(t, err)

	require.NoError(t, o.Stop(context.Background(), sess.ID, "operator requested"))

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", stored.Status)
	require.NotNil(t, stored.Finished)
	require.Equal(t, 1, backend.aborts)
}

func TestArchiveRequiresTerminalStatus(t *testing.T) {
	backend := &fakeBackend{}
	o, st, agentID := setupOrchestrator(t, backend)

	sess, err := o.Start(context.Background(), agentID, StartOpts{})
	require.NoError(t, err)

	err = o.Archive(sess.ID)
	require.Error(t, err)
	require.Equal(t, apierr.KindPreconditionFailed, apierr.KindOf(err))

	require.NoError(t, o.Stop(context.Background(), sess.ID, ""))
	require.NoError(t, o.Archive(sess.ID))

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "archived", stored.Status)
}

func TestResumeStartsFreshSessionAfterTerminal(t *testing.T) {
	backend := &fakeBackend{nextID: "backend-a"}
	o, st, agentID := setupOrchestrator(t, backend)

	first, err := o.Start(context.Background(), agentID, StartOpts{TicketKey: "TICK-9"})
	require.NoError(t, err)
	require.NoError(t, o.Stop(context.Background(), first.ID, ""))

	backend.nextID = "backend-b"
	resumed, err := o.Resume(context.Background(), agentID, "continue please", "build", "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, resumed.ID)
	require.Equal(t, "TICK-9", resumed.TicketKey)

	stored, err := st.GetSession(resumed.ID)
	require.NoError(t, err)
	require.True(t, stored.PendingTurn)
}
