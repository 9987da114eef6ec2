package api

import (
	"net/http"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// GET /agents?squad_id=...
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	squadID := r.URL.Query().Get("squad_id")
	if squadID == "" {
		writeError(w, http.StatusBadRequest, "squad_id is required")
		return
	}
	agents, err := s.store.ListAgentsBySquad(squadID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list agents", err))
		return
	}
	writeJSON(w, agents)
}

type createAgentRequest struct {
	SquadID           string `json:"squad_id"`
	Name              string `json:"name"`
	Slug              string `json:"slug"`
	Role              string `json:"role"`
	Level             string `json:"level"`
	SystemInstruction string `json:"system_instruction"`
	Model             string `json:"model"`
	MentorID          string `json:"mentor_id"`
}

// POST /agents
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil || req.SquadID == "" || req.Name == "" || req.Slug == "" {
		writeError(w, http.StatusBadRequest, "squad_id, name and slug are required")
		return
	}
	if existing, err := s.store.GetAgentBySlug(req.SquadID, req.Slug); err == nil && existing != nil {
		writeAPIErr(w, apierr.New(apierr.KindConflict, "agent slug already in use for this squad"))
		return
	}
	a := store.Agent{
		ID:                newID(),
		SquadID:           req.SquadID,
		Name:              req.Name,
		Slug:              req.Slug,
		Role:              req.Role,
		Level:             req.Level,
		SystemInstruction: req.SystemInstruction,
		Model:             req.Model,
		MentorID:          req.MentorID,
	}
	if err := s.store.CreateAgent(a); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "create agent", err))
		return
	}
	writeJSON(w, a)
}

// routeAgentDetail dispatches /agents/{id}[/status].
func (s *Server) routeAgentDetail(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/agents/")
	if tail == "" {
		s.routeByMethod(s.handleListAgents, s.auth.RequireAuth(s.handleCreateAgent))(w, r)
		return
	}

	id, action := tail, ""
	if idx := indexOf(tail, '/'); idx >= 0 {
		id, action = tail[:idx], tail[idx+1:]
	}

	switch action {
	case "":
		s.routeAgentByMethod(w, r, id)
	case "status":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleSetAgentStatus(w, r, id) })(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown agent action")
	}
}

func (s *Server) routeAgentByMethod(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		a, err := s.store.GetAgent(id)
		if err != nil {
			writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get agent", err))
			return
		}
		if a == nil {
			writeAPIErr(w, apierr.New(apierr.KindNotFound, "agent not found"))
			return
		}
		writeJSON(w, a)
	case http.MethodPatch:
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleUpdateAgent(w, r, id) })(w, r)
	case http.MethodDelete:
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
			if err := s.store.DeleteAgent(id); err != nil {
				writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "delete agent", err))
				return
			}
			writeJSON(w, map[string]string{"status": "deleted"})
		})(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type updateAgentRequest struct {
	Name              string `json:"name"`
	Role              string `json:"role"`
	Level             string `json:"level"`
	SystemInstruction string `json:"system_instruction"`
	Model             string `json:"model"`
	MentorID          string `json:"mentor_id"`
}

// PATCH /agents/{id}
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request, id string) {
	existing, err := s.store.GetAgent(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get agent", err))
		return
	}
	if existing == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "agent not found"))
		return
	}
	var req updateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	existing.Name = req.Name
	existing.Role = req.Role
	existing.Level = req.Level
	existing.SystemInstruction = req.SystemInstruction
	existing.Model = req.Model
	existing.MentorID = req.MentorID
	if err := s.store.UpdateAgent(*existing); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "update agent", err))
		return
	}
	writeJSON(w, existing)
}

type setAgentStatusRequest struct {
	Status string `json:"status"`
}

// POST /agents/{id}/status — {idle, working, blocked, offline}
func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request, id string) {
	var req setAgentStatusRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := s.store.UpdateAgentStatus(id, req.Status); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "update agent status", err))
		return
	}
	writeJSON(w, map[string]string{"status": req.Status})
}
