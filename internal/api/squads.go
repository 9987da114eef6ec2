package api

import (
	"net/http"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// GET /squads?project_id=...
func (s *Server) handleListSquads(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	squads, err := s.store.ListSquadsByProject(projectID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list squads", err))
		return
	}
	writeJSON(w, squads)
}

type createSquadRequest struct {
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateSquad(w http.ResponseWriter, r *http.Request) {
	var req createSquadRequest
	if err := decodeJSON(r, &req); err != nil || req.ProjectID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "project_id and name are required")
		return
	}
	sq := store.Squad{ID: newID(), ProjectID: req.ProjectID, Name: req.Name, Description: req.Description}
	if err := s.store.CreateSquad(sq); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "create squad", err))
		return
	}
	writeJSON(w, sq)
}

// routeSquadDetail dispatches /squads/{id}[/action].
func (s *Server) routeSquadDetail(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/squads/")
	if tail == "" {
		s.routeByMethod(s.handleListSquads, s.auth.RequireAuth(s.handleCreateSquad))(w, r)
		return
	}

	id, action := tail, ""
	if idx := indexOf(tail, '/'); idx >= 0 {
		id, action = tail[:idx], tail[idx+1:]
	}

	switch action {
	case "":
		s.routeSquadByMethod(w, r, id)
	case "ensure_running":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleEnsureRunning(w, r, id) })(w, r)
	case "stop":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleStopSquad(w, r, id) })(w, r)
	case "message":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleSquadMessage(w, r, id) })(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown squad action")
	}
}

func (s *Server) routeSquadByMethod(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		sq, err := s.squads.Status(id)
		if err != nil {
			writeAPIErr(w, err)
			return
		}
		writeJSON(w, sq)
	case http.MethodDelete:
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
			if err := s.store.DeleteSquad(id); err != nil {
				writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "delete squad", err))
				return
			}
			writeJSON(w, map[string]string{"status": "deleted"})
		})(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// POST /squads/{id}/ensure_running — (§4.1 ensure_running)
func (s *Server) handleEnsureRunning(w http.ResponseWriter, r *http.Request, id string) {
	sq, err := s.store.GetSquad(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get squad", err))
		return
	}
	if sq == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "squad not found"))
		return
	}
	proj, err := s.store.GetProject(sq.ProjectID)
	if err != nil || proj == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "owning project not found"))
		return
	}
	if err := s.squads.EnsureRunning(r.Context(), id, proj.Path); err != nil {
		writeAPIErr(w, err)
		return
	}
	updated, _ := s.squads.Status(id)
	writeJSON(w, updated)
}

// POST /squads/{id}/stop
func (s *Server) handleStopSquad(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.squads.Stop(r.Context(), id); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "idle"})
}

type squadMessageRequest struct {
	ToSquadID  string `json:"to_squad_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	SenderName string `json:"sender_name"`
}

// POST /squads/{id}/message — inter-squad mail, recorded as an event for
// the recipient squad's subscribers to pick up (§6.1 squads.message).
func (s *Server) handleSquadMessage(w http.ResponseWriter, r *http.Request, id string) {
	var req squadMessageRequest
	if err := decodeJSON(r, &req); err != nil || req.ToSquadID == "" {
		writeError(w, http.StatusBadRequest, "to_squad_id is required")
		return
	}
	s.bus.Broadcast(eventbus.Event{
		Kind: "mail:sent",
		Payload: map[string]any{
			"from_squad_id": id,
			"to_squad_id":   req.ToSquadID,
			"subject":       req.Subject,
			"body":          req.Body,
			"sender_name":   req.SenderName,
		},
	})
	writeJSON(w, map[string]string{"status": "sent"})
}
