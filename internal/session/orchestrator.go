// Package session is the Session Orchestrator (C6): it owns the lifecycle
// of one session at a time, enforces the single-in-flight-turn invariant
// via a depth-1 queue rather than a mutex (so abort can preempt without
// deadlock, §9), and translates operator intents into backend calls.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/backendclient"
	"github.com/antigravity-dev/squadforge/internal/ingest"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// terminalStatuses lists the statuses that end a session (the complement of
// store.ActiveSessionStatuses); kept local so the orchestrator's notion of
// "terminal" is explicit at the call site.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"archived":  true,
}

// pendingTurnTimeout is the default turn contract window (§4.3): a prompt
// with no observed session:idle within this window moves the session to
// failed. No failure reason is stored on the session.
const pendingTurnTimeout = 10 * time.Minute

// StartOpts parameterizes session creation.
type StartOpts struct {
	TicketKey    string
	Title        string
	WorktreePath string
	Branch       string
	BaseBranch   string
	Model        string
	Mode         string // plan, build
	Metadata     string
}

// Orchestrator manages sessions across all agents. One Orchestrator serves
// the whole process; per-session serialization is handled by a depth-1
// pending-turn flag on the stored row plus an in-memory timer registry.
type Orchestrator struct {
	store    *store.Store
	ingester *ingest.Ingester
	log      *slog.Logger

	clientFor func(baseURL string) backendOps

	mu     sync.Mutex
	timers map[string]*time.Timer // sessionID -> pending-turn watchdog
}

// backendOps is the subset of backendclient.Client the orchestrator calls,
// narrowed to an interface so tests can substitute a fake backend.
type backendOps interface {
	CreateSession(ctx context.Context, req backendclient.CreateSessionRequest) (backendclient.CreateSessionResponse, error)
	Prompt(ctx context.Context, backendSessionID string, req backendclient.PromptRequest) error
	Command(ctx context.Context, backendSessionID string, req backendclient.CommandRequest) error
	Shell(ctx context.Context, backendSessionID string, req backendclient.ShellRequest) error
	Abort(ctx context.Context, backendSessionID string) error
}

// New constructs an Orchestrator.
func New(st *store.Store, ing *ingest.Ingester, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store:    st,
		ingester: ing,
		log:      log,
		timers:   make(map[string]*time.Timer),
		clientFor: func(baseURL string) backendOps {
			return backendclient.New(baseURL)
		},
	}
	if ing != nil {
		ing.SetTurnIdleHook(o.NotifyTurnIdle)
	}
	return o
}

// squadBaseURL resolves the backend base URL for the squad an agent
// belongs to, failing if the squad's backend isn't running.
func (o *Orchestrator) squadBaseURL(agentID string) (*store.Agent, *store.Squad, error) {
	agent, err := o.store.GetAgent(agentID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "load agent", err)
	}
	if agent == nil {
		return nil, nil, apierr.New(apierr.KindNotFound, "agent not found").WithDetail("agent_id", agentID)
	}
	squad, err := o.store.GetSquad(agent.SquadID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "load squad", err)
	}
	if squad == nil || squad.OpencodeStatus != "running" || squad.OpencodeURL == "" {
		return agent, squad, apierr.New(apierr.KindBackendUnavailable, "squad backend is not running").WithDetail("agent_id", agentID)
	}
	return agent, squad, nil
}

// Start creates a new session for agentID and opens it against the squad's
// backend. It rejects with conflict/agent_busy if that agent already has an
// active session (§4.3, §8 invariant 2).
func (o *Orchestrator) Start(ctx context.Context, agentID string, opts StartOpts) (*store.Session, error) {
	agent, squad, err := o.squadBaseURL(agentID)
	if err != nil {
		return nil, err
	}

	count, err := o.store.CountActiveSessionsForAgent(agentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "count active sessions", err)
	}
	if count > 0 {
		return nil, apierr.New(apierr.KindConflict, "agent already has an active session").WithDetail("reason", "agent_busy")
	}

	sess := store.Session{
		ID:           uuid.NewString(),
		ProjectID:    squad.ProjectID,
		AgentID:      agentID,
		Status:       "pending",
		Model:        opts.Model,
		Mode:         opts.Mode,
		TicketKey:    opts.TicketKey,
		WorktreePath: opts.WorktreePath,
		Branch:       opts.Branch,
		BaseBranch:   opts.BaseBranch,
		Metadata:     opts.Metadata,
	}
	if sess.Mode == "" {
		sess.Mode = "build"
	}
	if err := o.store.CreateSession(sess); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create session", err)
	}

	if err := o.openBackendSession(ctx, &sess, squad.OpencodeURL, agent.Slug); err != nil {
		_, _ = o.store.UpdateSessionStatus(sess.ID, "failed", 0)
		return nil, err
	}
	return &sess, nil
}

func (o *Orchestrator) openBackendSession(ctx context.Context, sess *store.Session, baseURL, agentSlug string) error {
	client := o.clientFor(baseURL)
	resp, err := client.CreateSession(ctx, backendclient.CreateSessionRequest{AgentSlug: agentSlug, Model: sess.Model})
	if err != nil {
		return err
	}
	// backend_session_id is assigned exactly once and is then immutable (§3).
	if err := o.store.SetBackendSessionID(sess.ID, resp.SessionID); err != nil {
		return apierr.Wrap(apierr.KindInternal, "persist backend session id", err)
	}
	sess.BackendSessionID = resp.SessionID

	if err := o.store.MarkSessionStarted(sess.ID, time.Now()); err != nil {
		return apierr.Wrap(apierr.KindInternal, "mark session started", err)
	}
	if _, err := o.store.UpdateSessionStatus(sess.ID, "running", 0); err != nil {
		return apierr.Wrap(apierr.KindInternal, "transition session to running", err)
	}
	sess.Status = "running"

	if o.ingester != nil {
		o.ingester.StartSession(context.Background(), baseURL, *sess)
	}
	return nil
}

// SendPrompt submits a turn. It rejects with conflict/turn_in_progress if
// the session already has an unanswered prompt outstanding.
func (o *Orchestrator) SendPrompt(ctx context.Context, sessionID, text, mode, model string) error {
	sess, err := o.requireActiveSession(sessionID)
	if err != nil {
		return err
	}
	if sess.PendingTurn {
		return apierr.New(apierr.KindConflict, "a turn is already in progress").WithDetail("reason", "turn_in_progress")
	}

	_, squad, err := o.squadBaseURL(sess.AgentID)
	if err != nil {
		return err
	}

	if err := o.store.SetPendingTurn(sessionID, true); err != nil {
		return apierr.Wrap(apierr.KindInternal, "set pending turn", err)
	}
	o.echoUserEntry(sessionID, text)
	o.armWatchdog(sessionID)

	client := o.clientFor(squad.OpencodeURL)
	if err := client.Prompt(ctx, sess.BackendSessionID, backendclient.PromptRequest{Text: text}); err != nil {
		_ = o.store.SetPendingTurn(sessionID, false)
		o.disarmWatchdog(sessionID)
		return err
	}
	return nil
}

// echoUserEntry writes a local role=user transcript entry immediately, for
// UI responsiveness, under a fresh id. When the backend echoes the same
// message, the ingester stores that copy as a separate entry; the two are
// not merged. It logs but does not fail the prompt if persistence stumbles.
func (o *Orchestrator) echoUserEntry(sessionID, text string) {
	seq, err := o.store.NextSequence(sessionID)
	if err != nil {
		o.log.Error("session: next sequence for echo entry", "session_id", sessionID, "error", err)
		return
	}
	entry := store.TranscriptEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sequence:  seq,
		Role:      "user",
		Payload:   fmt.Sprintf(`{"text":%q,"echo":true}`, text),
	}
	if err := o.store.AppendTranscriptEntry(entry); err != nil {
		o.log.Error("session: append echo entry", "session_id", sessionID, "error", err)
	}
}

// ExecuteCommand dispatches a slash command. /new is intercepted locally:
// it spawns a fresh session for the same agent rather than reaching the
// backend (§4.3).
func (o *Orchestrator) ExecuteCommand(ctx context.Context, sessionID, command string, args []string, mode string) (*store.Session, error) {
	if command == "/new" {
		sess, err := o.requireActiveSession(sessionID)
		if err != nil {
			return nil, err
		}
		return o.Start(ctx, sess.AgentID, StartOpts{TicketKey: sess.TicketKey, Mode: sess.Mode, Model: sess.Model})
	}

	sess, err := o.requireActiveSession(sessionID)
	if err != nil {
		return nil, err
	}
	_, squad, err := o.squadBaseURL(sess.AgentID)
	if err != nil {
		return nil, err
	}
	client := o.clientFor(squad.OpencodeURL)
	if err := client.Command(ctx, sess.BackendSessionID, backendclient.CommandRequest{Command: command, Args: args, Mode: mode}); err != nil {
		return nil, err
	}
	return sess, nil
}

// RunShell issues a one-shot shell invocation against the session's backend.
func (o *Orchestrator) RunShell(ctx context.Context, sessionID, command, mode string) error {
	sess, err := o.requireActiveSession(sessionID)
	if err != nil {
		return err
	}
	_, squad, err := o.squadBaseURL(sess.AgentID)
	if err != nil {
		return err
	}
	client := o.clientFor(squad.OpencodeURL)
	return client.Shell(ctx, sess.BackendSessionID, backendclient.ShellRequest{Command: command, Mode: mode})
}

// Abort signals the backend to stop the current turn. If the session has
// already reached a terminal status by the time the request lands (the
// idle/abort race, §9), it returns conflict/already_idle and leaves the
// session's completion untouched.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load session", err)
	}
	if sess == nil {
		return apierr.New(apierr.KindNotFound, "session not found").WithDetail("session_id", sessionID)
	}
	if terminalStatuses[sess.Status] {
		return apierr.New(apierr.KindConflict, "session already reached a terminal state").WithDetail("reason", "already_idle")
	}

	_, squad, err := o.squadBaseURL(sess.AgentID)
	if err != nil {
		return err
	}
	client := o.clientFor(squad.OpencodeURL)
	return client.Abort(ctx, sess.BackendSessionID)
}

// Stop terminally ends a session: best-effort backend cancellation, then
// transitions to cancelled regardless of backend reachability.
func (o *Orchestrator) Stop(ctx context.Context, sessionID, reason string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load session", err)
	}
	if sess == nil {
		return apierr.New(apierr.KindNotFound, "session not found").WithDetail("session_id", sessionID)
	}

	if !terminalStatuses[sess.Status] {
		if _, squad, err := o.squadBaseURL(sess.AgentID); err == nil {
			client := o.clientFor(squad.OpencodeURL)
			if abortErr := client.Abort(ctx, sess.BackendSessionID); abortErr != nil {
				o.log.Warn("session: best-effort abort on stop failed", "session_id", sessionID, "error", abortErr)
			}
		}
	}

	o.disarmWatchdog(sessionID)
	if o.ingester != nil {
		o.ingester.StopSession(sessionID)
	}

	ok, err := o.store.UpdateSessionStatus(sessionID, "cancelled", sess.Version)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "transition session to cancelled", err)
	}
	if !ok {
		return apierr.New(apierr.KindPreconditionFailed, "session was concurrently modified")
	}
	return o.store.MarkSessionFinished(sessionID, time.Now())
}

// Archive marks a terminal session archived. Archived sessions remain
// addressable but are read-only (§3).
func (o *Orchestrator) Archive(sessionID string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "load session", err)
	}
	if sess == nil {
		return apierr.New(apierr.KindNotFound, "session not found").WithDetail("session_id", sessionID)
	}
	if !terminalStatuses[sess.Status] {
		return apierr.New(apierr.KindPreconditionFailed, "session must be in a terminal status to archive")
	}
	ok, err := o.store.UpdateSessionStatus(sessionID, "archived", sess.Version)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "archive session", err)
	}
	if !ok {
		return apierr.New(apierr.KindPreconditionFailed, "session was concurrently modified")
	}
	return nil
}

// Resume sends a prompt to the agent's most recent session while it is
// still active. If that session is terminal, or the agent has none, it
// starts a new session carrying the previous session's ticket key and sends
// the prompt there (§4.3 resumption); a terminal session is never re-opened
// and its backend session id is not reused.
func (o *Orchestrator) Resume(ctx context.Context, agentID, text, mode, model string) (*store.Session, error) {
	latest, err := o.store.GetLatestSessionForAgent(agentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "load latest session", err)
	}

	if latest == nil || terminalStatuses[latest.Status] {
		ticketKey := ""
		if latest != nil {
			ticketKey = latest.TicketKey
		}
		sess, err := o.Start(ctx, agentID, StartOpts{TicketKey: ticketKey, Mode: mode, Model: model})
		if err != nil {
			return nil, err
		}
		return sess, o.SendPrompt(ctx, sess.ID, text, mode, model)
	}

	return latest, o.SendPrompt(ctx, latest.ID, text, mode, model)
}

func (o *Orchestrator) requireActiveSession(sessionID string) (*store.Session, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "load session", err)
	}
	if sess == nil {
		return nil, apierr.New(apierr.KindNotFound, "session not found").WithDetail("session_id", sessionID)
	}
	if terminalStatuses[sess.Status] {
		return nil, apierr.New(apierr.KindPreconditionFailed, "session is in a terminal status")
	}
	return sess, nil
}

// armWatchdog starts (or restarts) the pending-turn timer for a session.
// If no session:idle is observed before it fires, the session is moved to
// failed (§4.3 turn contract); no failure reason is recorded.
func (o *Orchestrator) armWatchdog(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[sessionID]; ok {
		t.Stop()
	}
	o.timers[sessionID] = time.AfterFunc(pendingTurnTimeout, func() {
		o.onWatchdogFired(sessionID)
	})
}

func (o *Orchestrator) disarmWatchdog(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[sessionID]; ok {
		t.Stop()
		delete(o.timers, sessionID)
	}
}

func (o *Orchestrator) onWatchdogFired(sessionID string) {
	o.mu.Lock()
	delete(o.timers, sessionID)
	o.mu.Unlock()

	sess, err := o.store.GetSession(sessionID)
	if err != nil || sess == nil || !sess.PendingTurn {
		return // the turn already resolved; nothing to do
	}
	o.log.Warn("session: turn watchdog fired, no idle observed", "session_id", sessionID)
	if _, err := o.store.UpdateSessionStatus(sessionID, "failed", sess.Version); err != nil {
		o.log.Error("session: transition to failed after watchdog", "session_id", sessionID, "error", err)
		return
	}
	_ = o.store.MarkSessionFinished(sessionID, time.Now())
}

// NotifyTurnIdle disarms the watchdog for a session whose turn just
// resolved. The Event Ingester calls this when it observes session:idle.
func (o *Orchestrator) NotifyTurnIdle(sessionID string) {
	o.disarmWatchdog(sessionID)
}
