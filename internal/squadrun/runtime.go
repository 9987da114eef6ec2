// Package squadrun is the Squad Runtime (C4): it owns the lifecycle of each
// squad's backend process — provisioning, health probing, restart with
// backoff, and MCP server reconciliation (§4.1).
package squadrun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/config"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// squadState tracks restart bookkeeping for one squad, independent of the
// persisted status so repeated Ensure calls share in-memory backoff state.
type squadState struct {
	mu          sync.Mutex
	handle      ProcessHandle
	workDir     string // last workdir used to launch, reused across restarts
	consecutive int    // consecutive health-check failures
	restarts    int
	lastRestart time.Time
	stableSince time.Time
}

// Runtime supervises every squad's backend process for a project set.
type Runtime struct {
	store      *store.Store
	bus        *eventbus.Bus
	dispatcher Dispatcher
	cfg        config.Squads
	log        *slog.Logger
	httpClient *http.Client

	mu     sync.Mutex
	states map[string]*squadState // squadID -> state

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New constructs a Runtime.
func New(st *store.Store, bus *eventbus.Bus, dispatcher Dispatcher, cfg config.Squads, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		store:      st,
		bus:        bus,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		states:     make(map[string]*squadState),
	}
}

func (r *Runtime) stateFor(squadID string) *squadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[squadID]
	if !ok {
		s = &squadState{}
		r.states[squadID] = s
	}
	return s
}

// EnsureRunning provisions the squad's backend process if it is not already
// running, transitioning idle/error -> provisioning -> running (§4.1).
func (r *Runtime) EnsureRunning(ctx context.Context, squadID, workDir string) error {
	sq, err := r.store.GetSquad(squadID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load squad", err)
	}
	if sq == nil {
		return apierr.New(apierr.KindNotFound, "squad not found").WithDetail("squad_id", squadID)
	}
	if sq.OpencodeStatus == "running" {
		return nil
	}

	if err := r.store.UpdateSquadStatus(squadID, "provisioning", "", 0, ""); err != nil {
		return apierr.Wrap(apierr.KindInternal, "mark squad provisioning", err)
	}
	r.publish(squadID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "provisioning"})

	handle, baseURL, err := r.dispatcher.Launch(ctx, LaunchOpts{SquadID: squadID, SquadName: sq.Name, WorkDir: workDir})
	if err != nil {
		_ = r.store.UpdateSquadStatus(squadID, "error", "", 0, err.Error())
		r.publish(squadID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "error", "error": err.Error()})
		return apierr.Wrap(apierr.KindBackendUnavailable, "launch squad backend", err)
	}

	state := r.stateFor(squadID)
	state.mu.Lock()
	state.handle = handle
	state.workDir = workDir
	state.consecutive = 0
	state.stableSince = time.Time{}
	state.mu.Unlock()

	if err := r.waitForHealthy(ctx, baseURL); err != nil {
		_ = r.dispatcher.Stop(ctx, handle)
		_ = r.store.UpdateSquadStatus(squadID, "error", "", 0, err.Error())
		r.publish(squadID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "error", "error": err.Error()})
		return apierr.Wrap(apierr.KindBackendUnavailable, "squad backend did not become healthy", err)
	}

	if err := r.store.UpdateSquadStatus(squadID, "running", baseURL, 0, ""); err != nil {
		return apierr.Wrap(apierr.KindInternal, "mark squad running", err)
	}
	r.publish(squadID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "running", "url": baseURL})
	return nil
}

func (r *Runtime) waitForHealthy(ctx context.Context, baseURL string) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if r.probe(ctx, baseURL) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("backend did not respond within startup window")
}

func (r *Runtime) probe(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Stop tears down a squad's backend process and marks it idle.
func (r *Runtime) Stop(ctx context.Context, squadID string) error {
	sq, err := r.store.GetSquad(squadID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load squad", err)
	}
	if sq == nil {
		return apierr.New(apierr.KindNotFound, "squad not found")
	}

	state := r.stateFor(squadID)
	state.mu.Lock()
	handle := state.handle
	state.handle = ProcessHandle{}
	state.mu.Unlock()

	if handle.ID != "" {
		if err := r.dispatcher.Stop(ctx, handle); err != nil {
			r.log.Warn("squadrun: stop failed", "squad_id", squadID, "error", err)
		}
	}

	if err := r.store.UpdateSquadStatus(squadID, "idle", "", 0, ""); err != nil {
		return apierr.Wrap(apierr.KindInternal, "mark squad idle", err)
	}
	r.publish(squadID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "idle"})
	return nil
}

// Status returns the persisted squad record, the source of truth for
// external callers (§4.1 status).
func (r *Runtime) Status(squadID string) (*store.Squad, error) {
	sq, err := r.store.GetSquad(squadID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "load squad", err)
	}
	if sq == nil {
		return nil, apierr.New(apierr.KindNotFound, "squad not found")
	}
	return sq, nil
}

// RunHealthLoop ticks every HealthCheckInterval, probing every running
// squad concurrently and restarting any squad that crosses the configured
// consecutive-failure threshold (§4.1, §9 restart/backoff design note).
func (r *Runtime) RunHealthLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	ticker := time.NewTicker(r.cfg.HealthCheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

// Shutdown stops the health loop.
func (r *Runtime) Shutdown() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
}

func (r *Runtime) probeAll(ctx context.Context) {
	squads, err := r.store.ListRunningSquads()
	if err != nil {
		r.log.Error("squadrun: list running squads", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sq := range squads {
		sq := sq
		g.Go(func() error {
			r.probeOne(gctx, sq)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runtime) probeOne(ctx context.Context, sq store.Squad) {
	state := r.stateFor(sq.ID)
	healthy := r.probe(ctx, sq.OpencodeURL)

	state.mu.Lock()
	if healthy {
		if state.consecutive > 0 {
			r.log.Info("squadrun: squad recovered", "squad_id", sq.ID, "after_failures", state.consecutive)
		}
		state.consecutive = 0
		if state.stableSince.IsZero() {
			state.stableSince = time.Now()
		}
		if time.Since(state.stableSince) >= r.cfg.StabilityWindow.Duration {
			state.restarts = 0
		}
		state.mu.Unlock()
		return
	}

	state.consecutive++
	r.log.Warn("squadrun: squad health probe failed", "squad_id", sq.ID, "consecutive", state.consecutive)
	if state.consecutive < r.cfg.HealthFailureThreshold {
		state.mu.Unlock()
		return
	}

	if state.restarts >= r.cfg.MaxRestarts {
		state.mu.Unlock()
		r.log.Error("squadrun: squad exceeded max restarts, leaving in error state", "squad_id", sq.ID)
		_ = r.store.UpdateSquadStatus(sq.ID, "error", sq.OpencodeURL, sq.OpencodePID, "exceeded max restarts")
		r.publish(sq.ID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "error", "error": "exceeded max restarts"})
		return
	}

	if !backoffElapsed(state.lastRestart, state.restarts, r.cfg.RestartBackoffBase.Duration, r.cfg.RestartMaxDelay.Duration) {
		state.mu.Unlock()
		return
	}

	r.log.Info("squadrun: restarting unhealthy squad", "squad_id", sq.ID, "restart_attempt", state.restarts+1)
	state.restarts++
	state.lastRestart = time.Now()
	state.consecutive = 0
	state.stableSince = time.Time{}
	oldHandle := state.handle
	workDir := state.workDir
	state.mu.Unlock()

	_ = r.store.UpdateSquadStatus(sq.ID, "provisioning", "", 0, "")
	r.publish(sq.ID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "provisioning", "reason": "restart"})

	if oldHandle.ID != "" {
		_ = r.dispatcher.Stop(ctx, oldHandle)
	}

	handle, baseURL, err := r.dispatcher.Launch(ctx, LaunchOpts{SquadID: sq.ID, SquadName: sq.Name, WorkDir: workDir})
	if err != nil {
		r.log.Error("squadrun: restart launch failed", "squad_id", sq.ID, "error", err)
		_ = r.store.UpdateSquadStatus(sq.ID, "error", "", 0, err.Error())
		r.publish(sq.ID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "error", "error": err.Error()})
		return
	}
	state.mu.Lock()
	state.handle = handle
	state.mu.Unlock()

	if err := r.waitForHealthy(ctx, baseURL); err != nil {
		r.log.Error("squadrun: restarted squad failed health check", "squad_id", sq.ID, "error", err)
		_ = r.store.UpdateSquadStatus(sq.ID, "error", "", 0, err.Error())
		r.publish(sq.ID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "error", "error": err.Error()})
		return
	}

	_ = r.store.UpdateSquadStatus(sq.ID, "running", baseURL, 0, "")
	r.publish(sq.ID, sq.ProjectID, "squad:status_changed", map[string]string{"status": "running", "url": baseURL})
}

func backoffElapsed(lastAttempt time.Time, retries int, base, maxDelay time.Duration) bool {
	if retries == 0 {
		return true
	}
	return time.Since(lastAttempt) >= backoffDelay(retries, base, maxDelay)
}

func (r *Runtime) publish(squadID, projectID, kind string, payload interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Broadcast(eventbus.Event{Kind: kind, ProjectID: projectID, Payload: payload})
}
