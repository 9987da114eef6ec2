package api

import (
	"net/http"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// GET /cards?project_id=...
func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	cards, err := s.store.ListCardsByProject(projectID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list cards", err))
		return
	}
	writeJSON(w, cards)
}

type createCardRequest struct {
	ProjectID string `json:"project_id"`
	SquadID   string `json:"squad_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// POST /cards
func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req createCardRequest
	if err := decodeJSON(r, &req); err != nil || req.ProjectID == "" || req.SquadID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "project_id, squad_id and title are required")
		return
	}
	c := store.Card{ID: newID(), ProjectID: req.ProjectID, SquadID: req.SquadID, Title: req.Title, Body: req.Body}
	if err := s.store.CreateCard(c); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "create card", err))
		return
	}
	writeJSON(w, c)
}

// routeCardDetail dispatches /cards/{id}[/action].
func (s *Server) routeCardDetail(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/cards/")
	if tail == "" {
		s.routeByMethod(s.handleListCards, s.auth.RequireAuth(s.handleCreateCard))(w, r)
		return
	}

	id, action := tail, ""
	if idx := indexOf(tail, '/'); idx >= 0 {
		id, action = tail[:idx], tail[idx+1:]
	}

	switch action {
	case "":
		s.handleGetCard(w, r, id)
	case "advance":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleAdvanceCard(w, r, id) })(w, r)
	case "human_review":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleSetHumanReview(w, r, id) })(w, r)
	case "prd_path":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleSetPRDPath(w, r, id) })(w, r)
	case "confirm_issue_plan":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleConfirmIssuePlan(w, r, id) })(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown card action")
	}
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request, id string) {
	c, err := s.store.GetCard(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get card", err))
		return
	}
	if c == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "card not found"))
		return
	}
	writeJSON(w, c)
}

type advanceCardRequest struct {
	FromLane string `json:"from_lane"`
	ToLane   string `json:"to_lane"`
}

// POST /cards/{id}/advance — {from_lane, to_lane}. A forward transition
// (to_lane is from_lane's successor) starts a StageWorkflow via the Board
// Engine; a reverse *_changes_requested transition is handled synchronously.
func (s *Server) handleAdvanceCard(w http.ResponseWriter, r *http.Request, id string) {
	var req advanceCardRequest
	if err := decodeJSON(r, &req); err != nil || req.FromLane == "" || req.ToLane == "" {
		writeError(w, http.StatusBadRequest, "from_lane and to_lane are required")
		return
	}
	if laneRank(req.ToLane) < laneRank(req.FromLane) {
		if err := s.board.RequestChanges(id, req.FromLane, req.ToLane); err != nil {
			writeAPIErr(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "reverted"})
		return
	}
	if err := s.board.Promote(r.Context(), id); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "advancing"})
}

func laneRank(lane string) int {
	switch lane {
	case "todo":
		return 0
	case "plan":
		return 1
	case "build":
		return 2
	case "review":
		return 3
	case "done":
		return 4
	default:
		return -1
	}
}

type setHumanReviewRequest struct {
	Status   string `json:"status"`
	Feedback string `json:"feedback"`
}

// POST /cards/{id}/human_review — {status, feedback}. Gates review->done.
func (s *Server) handleSetHumanReview(w http.ResponseWriter, r *http.Request, id string) {
	var req setHumanReviewRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := s.board.SetHumanReview(id, req.Status, req.Feedback); err != nil {
		writeAPIErr(w, err)
		return
	}
	if req.Status == "approved" {
		if err := s.board.Approve(id); err != nil {
			writeAPIErr(w, err)
			return
		}
	}
	writeJSON(w, map[string]string{"status": req.Status})
}

type setPRDPathRequest struct {
	Path string `json:"path"`
}

// POST /cards/{id}/prd_path
func (s *Server) handleSetPRDPath(w http.ResponseWriter, r *http.Request, id string) {
	var req setPRDPathRequest
	if err := decodeJSON(r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.store.SetPRDPath(id, req.Path); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "set prd path", err))
		return
	}
	writeJSON(w, map[string]string{"status": "set"})
}

// POST /cards/{id}/confirm_issue_plan — operator confirmation gating
// plan->build (§4.4 "requires issue_plan present and operator
// confirmation"); the plan is already persisted by the plan-stage
// workflow, so confirmation here is the human gate before advance.
func (s *Server) handleConfirmIssuePlan(w http.ResponseWriter, r *http.Request, id string) {
	c, err := s.store.GetCard(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get card", err))
		return
	}
	if c == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "card not found"))
		return
	}
	if c.IssuePlan == "" || c.IssuePlan == "{}" {
		writeAPIErr(w, apierr.New(apierr.KindPreconditionFailed, "card has no issue plan to confirm"))
		return
	}
	if err := s.board.Promote(r.Context(), id); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "advancing"})
}
