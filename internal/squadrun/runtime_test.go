package squadrun

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/squadforge/internal/config"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// fakeDispatcher launches real httptest servers in place of containers, so
// health probing exercises the real HTTP path without Docker.
type fakeDispatcher struct {
	mu      sync.Mutex
	servers map[string]*httptest.Server
	healthy map[string]bool
	failLaunch bool
	launches   int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{servers: make(map[string]*httptest.Server), healthy: make(map[string]bool)}
}

func (f *fakeDispatcher) Name() string { return "fake" }

func (f *fakeDispatcher) Launch(ctx context.Context, opts LaunchOpts) (ProcessHandle, string, error) {
	if f.failLaunch {
		return ProcessHandle{}, "", context.DeadlineExceeded
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ok := f.healthy[opts.SquadID]
		f.mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	srv := httptest.NewServer(mux)

	f.mu.Lock()
	f.servers[opts.SquadID] = srv
	f.healthy[opts.SquadID] = true
	f.launches++
	f.mu.Unlock()

	return ProcessHandle{ID: opts.SquadID, Name: opts.SquadID}, srv.URL, nil
}

func (f *fakeDispatcher) Inspect(ctx context.Context, handle ProcessHandle) (ProcessState, error) {
	return ProcessState{Running: true}, nil
}

func (f *fakeDispatcher) Stop(ctx context.Context, handle ProcessHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if srv, ok := f.servers[handle.ID]; ok {
		srv.Close()
		delete(f.servers, handle.ID)
	}
	return nil
}

func (f *fakeDispatcher) setHealthy(squadID string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy[squadID] = healthy
}

func testConfig() config.Squads {
	return config.Squads{
		HealthCheckInterval:    config.Duration{Duration: 10 * time.Millisecond},
		HealthFailureThreshold: 2,
		RestartBackoffBase:     config.Duration{Duration: time.Millisecond},
		RestartMaxDelay:        config.Duration{Duration: 10 * time.Millisecond},
		MaxRestarts:            3,
		StabilityWindow:        config.Duration{Duration: time.Hour},
	}
}

func setupRuntime(t *testing.T) (*Runtime, *store.Store, *fakeDispatcher, string, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateProject(store.Project{ID: "proj-1", Name: "demo", Path: "/tmp"}))
	require.NoError(t, st.CreateSquad(store.Squad{ID: "squad-1", ProjectID: "proj-1", Name: "alpha"}))

	disp := newFakeDispatcher()
	rt := New(st, eventbus.New(nil), disp, testConfig(), slog.Default())
	return rt, st, disp, "proj-1", "squad-1"
}

func TestEnsureRunningTransitionsToRunning(t *testing.T) {
	rt, st, _, _, squadID := setupRuntime(t)

	err := rt.EnsureRunning(context.Background(), squadID, t.TempDir())
	require.NoError(t, err)

	sq, err := st.GetSquad(squadID)
	require.NoError(t, err)
	require.Equal(t, "running", sq.OpencodeStatus)
	require.NotEmpty(t, sq.OpencodeURL)
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	rt, _, disp, _, squadID := setupRuntime(t)

	require.NoError(t, rt.EnsureRunning(context.Background(), squadID, t.TempDir()))
	disp.mu.Lock()
	launches := disp.launches
	disp.mu.Unlock()
	require.Equal(t, 1, launches)

	require.NoError(t, rt.EnsureRunning(context.Background(), squadID, t.TempDir()))
	disp.mu.Lock()
	launchesAfter := disp.launches
	disp.mu.Unlock()
	require.Equal(t, 1, launchesAfter, "ensure_running should be a no-op when already running")
}

func TestStopMarksSquadIdle(t *testing.T) {
	rt, st, _, _, squadID := setupRuntime(t)
	require.NoError(t, rt.EnsureRunning(context.Background(), squadID, t.TempDir()))

	require.NoError(t, rt.Stop(context.Background(), squadID))

	sq, err := st.GetSquad(squadID)
	require.NoError(t, err)
	require.Equal(t, "idle", sq.OpencodeStatus)
}

func TestHealthLoopRestartsAfterConsecutiveFailures(t *testing.T) {
	rt, st, disp, _, squadID := setupRuntime(t)
	require.NoError(t, rt.EnsureRunning(context.Background(), squadID, t.TempDir()))
	before, err := st.GetSquad(squadID)
	require.NoError(t, err)
	disp.setHealthy(squadID, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go rt.RunHealthLoop(ctx)

	require.Eventually(t, func() bool {
		sq, err := st.GetSquad(squadID)
		if err != nil || sq == nil {
			return false
		}
		return sq.OpencodeStatus == "running" && sq.OpencodeURL != "" && sq.OpencodeURL != before.OpencodeURL
	}, time.Second, 5*time.Millisecond, "expected squad to be restarted and become running again")
}

func TestAddAndEnableMCPServer(t *testing.T) {
	rt, _, _, _, squadID := setupRuntime(t)

	require.NoError(t, rt.AddMCPServer(store.MCPServer{ID: "mcp-1", SquadID: squadID, Name: "github", Type: "remote"}))

	dataDir := t.TempDir()
	err := rt.EnableMCPServer(context.Background(), config.MCP{}, dataDir, squadID, "github", true)
	require.NoError(t, err)
}
