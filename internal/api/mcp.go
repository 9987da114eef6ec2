package api

import (
	"net/http"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/mcp"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// GET /mcp?squad_id=...
func (s *Server) handleListMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.auth.RequireAuth(s.handleCreateMCPServer)(w, r)
		return
	}
	squadID := r.URL.Query().Get("squad_id")
	if squadID == "" {
		writeError(w, http.StatusBadRequest, "squad_id is required")
		return
	}
	servers, err := s.store.ListMCPServersBySquad(squadID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list mcp servers", err))
		return
	}
	writeJSON(w, servers)
}

type createMCPServerRequest struct {
	SquadID string `json:"squad_id"`
	Name    string `json:"name"`
	Source  string `json:"source"`
	Type    string `json:"type"`
	Image   string `json:"image"`
	URL     string `json:"url"`
	Command string `json:"command"`
	Args    string `json:"args"`
	Headers string `json:"headers"`
}

// POST /mcp
func (s *Server) handleCreateMCPServer(w http.ResponseWriter, r *http.Request) {
	var req createMCPServerRequest
	if err := decodeJSON(r, &req); err != nil || req.SquadID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "squad_id and name are required")
		return
	}
	m := store.MCPServer{
		ID: newID(), SquadID: req.SquadID, Name: req.Name, Source: req.Source, Type: req.Type,
		Image: req.Image, URL: req.URL, Command: req.Command, Args: req.Args, Headers: req.Headers,
	}
	if err := s.squads.AddMCPServer(m); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, m)
}

// routeMCPDetail dispatches /mcp/{id}[/action] and the non-id subpaths
// /mcp/catalog and /mcp/cli_status.
func (s *Server) routeMCPDetail(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/mcp/")
	switch {
	case tail == "catalog":
		s.handleGetCatalog(w, r)
		return
	case tail == "cli_status":
		s.handleMCPCLIStatus(w, r)
		return
	case tail == "":
		s.handleListMCP(w, r)
		return
	}

	id, action := tail, ""
	if idx := indexOf(tail, '/'); idx >= 0 {
		id, action = tail[:idx], tail[idx+1:]
	}

	switch action {
	case "":
		s.handleGetMCPServer(w, r, id)
	case "enable":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleSetMCPEnabled(w, r, id, true) })(w, r)
	case "disable":
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleSetMCPEnabled(w, r, id, false) })(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown mcp action")
	}
}

func (s *Server) handleGetMCPServer(w http.ResponseWriter, r *http.Request, id string) {
	m, err := s.store.GetMCPServer(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get mcp server", err))
		return
	}
	if m == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "mcp server not found"))
		return
	}
	writeJSON(w, m)
}

// GET /mcp/catalog?query=&category=&tag=
func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := mcp.Load(s.mcpCfg.CatalogPath)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	q := r.URL.Query()
	writeJSON(w, cat.Query(q.Get("query"), q.Get("category"), q.Get("tag")))
}

// GET /mcp/cli_status
func (s *Server) handleMCPCLIStatus(w http.ResponseWriter, r *http.Request) {
	err := s.squads.CheckMCPCLI(r.Context(), s.mcpCfg)
	writeJSON(w, map[string]bool{"available": err == nil})
}

func (s *Server) handleSetMCPEnabled(w http.ResponseWriter, r *http.Request, id string, enabled bool) {
	m, err := s.store.GetMCPServer(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get mcp server", err))
		return
	}
	if m == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "mcp server not found"))
		return
	}
	if err := s.squads.EnableMCPServer(r.Context(), s.mcpCfg, s.dataDir, m.SquadID, m.Name, enabled); err != nil {
		writeAPIErr(w, err)
		return
	}
	updated, _ := s.store.GetMCPServer(id)
	writeJSON(w, updated)
}
