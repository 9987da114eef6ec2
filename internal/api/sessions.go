package api

import (
	"net/http"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/session"
)

// GET /sessions?project_id=&agent_id=&status=
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := s.store.ListSessions(q.Get("project_id"), q.Get("agent_id"), q.Get("status"))
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list sessions", err))
		return
	}
	writeJSON(w, sessions)
}

type startSessionRequest struct {
	AgentID      string `json:"agent_id"`
	TicketKey    string `json:"ticket_key"`
	Title        string `json:"title"`
	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch"`
	BaseBranch   string `json:"base_branch"`
	Model        string `json:"model"`
	Mode         string `json:"mode"`
	Metadata     string `json:"metadata"`
}

// POST /sessions
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.AgentID, session.StartOpts{
		TicketKey:    req.TicketKey,
		Title:        req.Title,
		WorktreePath: req.WorktreePath,
		Branch:       req.Branch,
		BaseBranch:   req.BaseBranch,
		Model:        req.Model,
		Mode:         req.Mode,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, sess)
}

// routeSessionDetail dispatches /sessions/{id}[/action].
func (s *Server) routeSessionDetail(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/sessions/")
	if tail == "" {
		s.routeByMethod(s.handleListSessions, s.auth.RequireAuth(s.handleStartSession))(w, r)
		return
	}

	id, action := tail, ""
	if idx := indexOf(tail, '/'); idx >= 0 {
		id, action = tail[:idx], tail[idx+1:]
	}

	switch action {
	case "":
		s.handleGetSession(w, r, id)
	case "prompt":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleSendPrompt(w, r, id) })(w, r)
	case "command":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleExecuteCommand(w, r, id) })(w, r)
	case "shell":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleRunShell(w, r, id) })(w, r)
	case "abort":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleAbortSession(w, r, id) })(w, r)
	case "stop":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleStopSession(w, r, id) })(w, r)
	case "archive":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleArchiveSession(w, r, id) })(w, r)
	case "messages":
		s.handleListMessages(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown session action")
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get session", err))
		return
	}
	if sess == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "session not found"))
		return
	}
	writeJSON(w, sess)
}

type promptRequest struct {
	Text  string `json:"text"`
	Mode  string `json:"mode"`
	Model string `json:"model"`
}

// POST /sessions/{id}/prompt
func (s *Server) handleSendPrompt(w http.ResponseWriter, r *http.Request, id string) {
	var req promptRequest
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.sessions.SendPrompt(r.Context(), id, req.Text, req.Mode, req.Model); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "sent"})
}

type commandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Mode    string   `json:"mode"`
}

// POST /sessions/{id}/command
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request, id string) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	sess, err := s.sessions.ExecuteCommand(r.Context(), id, req.Command, req.Args, req.Mode)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, sess)
}

type shellRequest struct {
	Command string `json:"command"`
	Mode    string `json:"mode"`
}

// POST /sessions/{id}/shell
func (s *Server) handleRunShell(w http.ResponseWriter, r *http.Request, id string) {
	var req shellRequest
	if err := decodeJSON(r, &req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if err := s.sessions.RunShell(r.Context(), id, req.Command, req.Mode); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "sent"})
}

// POST /sessions/{id}/abort
func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.sessions.Abort(r.Context(), id); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "aborted"})
}

type stopSessionRequest struct {
	Reason string `json:"reason"`
}

// POST /sessions/{id}/stop
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request, id string) {
	var req stopSessionRequest
	_ = decodeJSON(r, &req)
	if err := s.sessions.Stop(r.Context(), id, req.Reason); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "stopped"})
}

// POST /sessions/{id}/archive
func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.sessions.Archive(id); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "archived"})
}

// GET /sessions/{id}/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id string) {
	entries, err := s.store.ListTranscript(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list transcript", err))
		return
	}
	writeJSON(w, entries)
}
