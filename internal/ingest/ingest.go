// Package ingest is the Event Ingester (C5): it consumes each active
// session's backend SSE stream, normalizes backend-native event names into
// the bus taxonomy (§6.2), persists transcript entries and events, and
// republishes on the Event Bus.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/squadforge/internal/backendclient"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// backendMessage is the normalized shape of a backend message.updated /
// message.part.updated / message.completed payload. Fields beyond what the
// ingester needs are preserved opaquely in the transcript payload.
type backendMessage struct {
	MessageID string          `json:"message_id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Usage     *usagePayload   `json:"usage,omitempty"`
}

type usagePayload struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Ingester supervises one SSE consumer goroutine per active session.
type Ingester struct {
	store *store.Store
	bus   *eventbus.Bus
	log   *slog.Logger

	clientFor func(baseURL string) sseClient

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc // sessionID -> cancel

	turnIdleHook func(sessionID string)
}

type sseClient interface {
	StreamSessionEvents(ctx context.Context, backendSessionID, lastEventID string, opts backendclient.StreamOpts, handler backendclient.Handler, log *slog.Logger) error
}

// New constructs an Ingester.
func New(st *store.Store, bus *eventbus.Bus, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		store:   st,
		bus:     bus,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
		clientFor: func(baseURL string) sseClient {
			return backendclient.New(baseURL)
		},
	}
}

// SetTurnIdleHook registers a callback invoked whenever the ingester
// observes session.idle, after the pending-turn flag has been cleared. The
// Session Orchestrator uses this to disarm its per-turn watchdog without
// ingest importing session (which would cycle back, since session already
// imports ingest).
func (in *Ingester) SetTurnIdleHook(fn func(sessionID string)) {
	in.turnIdleHook = fn
}

// StartSession begins consuming sess's backend event stream in the
// background, tracking the transcript and token accounting. It is a no-op
// if that session is already being consumed.
func (in *Ingester) StartSession(parent context.Context, baseURL string, sess store.Session) {
	in.mu.Lock()
	if _, ok := in.cancels[sess.ID]; ok {
		in.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	in.cancels[sess.ID] = cancel
	in.mu.Unlock()

	go func() {
		defer func() {
			in.mu.Lock()
			delete(in.cancels, sess.ID)
			in.mu.Unlock()
		}()

		client := in.clientFor(baseURL)
		lastEventID := in.resumeCursor(sess.ID)

		handler := func(ev backendclient.RawEvent) {
			in.handleEvent(sess, ev)
		}

		if err := client.StreamSessionEvents(ctx, sess.BackendSessionID, lastEventID, backendclient.StreamOpts{}, handler, in.log); err != nil && ctx.Err() == nil {
			in.log.Error("ingest: session stream ended with error", "session_id", sess.ID, "error", err)
		}
	}()
}

// StopSession cancels the background consumer for a session, if running.
func (in *Ingester) StopSession(sessionID string) {
	in.mu.Lock()
	cancel, ok := in.cancels[sessionID]
	delete(in.cancels, sessionID)
	in.mu.Unlock()
	if ok {
		cancel()
	}
}

// resumeCursor finds the last ingested backend event id for a session, so
// a process restart resumes the SSE stream without reprocessing already
// persisted events (§4.3 resumption).
func (in *Ingester) resumeCursor(sessionID string) string {
	last, err := in.store.LastTranscriptEntry(sessionID)
	if err != nil || last == nil {
		return ""
	}
	return last.ID
}

func (in *Ingester) handleEvent(sess store.Session, ev backendclient.RawEvent) {
	switch ev.Name {
	case "message.updated":
		in.applyMessageUpdate(sess, ev)
	case "message.part.updated":
		in.applyMessageUpdate(sess, ev)
	case "message.completed":
		in.applyMessageUpdate(sess, ev)
		in.publishKind(sess, "session:turn_completed", nil)
		_ = in.store.SetPendingTurn(sess.ID, false)
	case "session.idle":
		in.handleSessionIdle(sess)
	case "session.error":
		in.recordSessionError(sess, ev)
	default:
		in.log.Debug("ingest: ignoring unrecognized backend event", "event", ev.Name, "session_id", sess.ID)
	}
}

func (in *Ingester) applyMessageUpdate(sess store.Session, ev backendclient.RawEvent) {
	var msg backendMessage
	if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
		in.log.Warn("ingest: malformed message payload", "session_id", sess.ID, "error", err)
		return
	}

	existing, err := in.findByBackendMessageID(sess.ID, msg.MessageID)
	if err != nil {
		in.log.Error("ingest: lookup transcript entry", "session_id", sess.ID, "error", err)
		return
	}

	if existing != nil {
		if err := in.store.UpsertTranscriptEntryPayload(existing.ID, string(ev.Data)); err != nil {
			in.log.Error("ingest: upsert transcript entry", "session_id", sess.ID, "error", err)
			return
		}
	} else {
		seq, err := in.store.NextSequence(sess.ID)
		if err != nil {
			in.log.Error("ingest: next sequence", "session_id", sess.ID, "error", err)
			return
		}
		entry := store.TranscriptEntry{
			ID:        transcriptEntryID(sess.ID, msg.MessageID),
			SessionID: sess.ID,
			Sequence:  seq,
			Role:      msg.Role,
			Payload:   string(ev.Data),
		}
		if err := in.store.AppendTranscriptEntry(entry); err != nil {
			in.log.Error("ingest: append transcript entry", "session_id", sess.ID, "error", err)
			return
		}
	}

	if msg.Usage != nil {
		if err := in.store.AccumulateSessionTokens(sess.ID, msg.Usage.InputTokens, msg.Usage.OutputTokens, msg.Usage.CostUSD); err != nil {
			in.log.Error("ingest: accumulate tokens", "session_id", sess.ID, "error", err)
		}
	}

	in.publishKind(sess, "message:updated", map[string]string{"message_id": msg.MessageID})
}

// handleSessionIdle implements §4.2's normalization rule for session.idle:
// transition the session to completed if a turn was pending, otherwise
// no-op beyond clearing the flag and republishing.
func (in *Ingester) handleSessionIdle(sess store.Session) {
	current, err := in.store.GetSession(sess.ID)
	wasPending := err == nil && current != nil && current.PendingTurn

	_ = in.store.SetPendingTurn(sess.ID, false)
	in.publishKind(sess, "session:idle", nil)

	if in.turnIdleHook != nil {
		in.turnIdleHook(sess.ID)
	}

	if !wasPending {
		return
	}
	if _, err := in.store.UpdateSessionStatus(sess.ID, "completed", current.Version); err != nil {
		in.log.Error("ingest: transition to completed", "session_id", sess.ID, "error", err)
		return
	}
	_ = in.store.MarkSessionFinished(sess.ID, time.Now())
	in.publishKind(sess, "session:completed", nil)
}

func (in *Ingester) recordSessionError(sess store.Session, ev backendclient.RawEvent) {
	sessRow, err := in.store.GetSession(sess.ID)
	if err != nil || sessRow == nil {
		return
	}
	_, _ = in.store.UpdateSessionStatus(sess.ID, "failed", sessRow.Version)
	_ = in.store.MarkSessionFinished(sess.ID, time.Now())
	in.publishKind(sess, "session:failed", map[string]string{"detail": ev.Data})
}

// findByBackendMessageID looks up a transcript entry by the deterministic
// id derived from the backend message id, so repeated deltas merge into
// one entry idempotently.
func (in *Ingester) findByBackendMessageID(sessionID, backendMessageID string) (*store.TranscriptEntry, error) {
	return in.store.GetTranscriptEntry(transcriptEntryID(sessionID, backendMessageID))
}

func transcriptEntryID(sessionID, backendMessageID string) string {
	if backendMessageID == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s:%s", sessionID, backendMessageID)
}

func (in *Ingester) publishKind(sess store.Session, kind string, payload interface{}) {
	_ = in.store.RecordEvent(store.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    marshalOrEmpty(payload),
		ProjectID:  sess.ProjectID,
		SessionID:  sess.ID,
		AgentID:    sess.AgentID,
		OccurredAt: time.Now(),
	})
	if in.bus != nil {
		in.bus.Broadcast(eventbus.Event{Kind: kind, ProjectID: sess.ProjectID, SessionID: sess.ID, AgentID: sess.AgentID, Payload: payload})
	}
}

func marshalOrEmpty(v interface{}) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
