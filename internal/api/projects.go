package api

import (
	"net/http"
	"os"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// GET /projects
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list projects", err))
		return
	}
	writeJSON(w, projects)
}

type createProjectRequest struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Config string `json:"config"`
}

// POST /projects — {path, name, config?}
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "path and name are required")
		return
	}
	if info, err := os.Stat(req.Path); err != nil || !info.IsDir() {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "project path must exist and be a directory"))
		return
	}

	p := store.Project{ID: newID(), Name: req.Name, Path: req.Path, Config: req.Config}
	if err := s.store.CreateProject(p); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "create project", err))
		return
	}
	writeJSON(w, p)
}

// routeProjectDetail dispatches /projects/{id} and /projects/{id}/browse.
func (s *Server) routeProjectDetail(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r, "/projects/")
	if tail == "" {
		s.routeByMethod(s.handleListProjects, s.auth.RequireAuth(s.handleCreateProject))(w, r)
		return
	}

	if idx := indexOf(tail, '/'); idx >= 0 {
		id, action := tail[:idx], tail[idx+1:]
		if action == "browse" {
			s.handleBrowseProject(w, r, id)
			return
		}
		writeError(w, http.StatusNotFound, "unknown project action")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetProject(w, r, tail)
	case http.MethodDelete:
		s.auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) { s.handleDeleteProject(w, r, tail) })(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.store.GetProject(id)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get project", err))
		return
	}
	if p == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "project not found"))
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteProject(id); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "delete project", err))
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

type browseEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	HasChildren bool   `json:"has_children"`
	IsGitRepo   bool   `json:"is_git_repo"`
}

// GET /projects/{id}/browse?path=... — directory listing for the
// project-picker UI (§6.1 "browse {path}").
func (s *Server) handleBrowseProject(w http.ResponseWriter, r *http.Request, projectID string) {
	p, err := s.store.GetProject(projectID)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "get project", err))
		return
	}
	if p == nil {
		writeAPIErr(w, apierr.New(apierr.KindNotFound, "project not found"))
		return
	}

	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = p.Path
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindValidation, "read directory", err))
		return
	}

	var out []browseEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := dir + "/" + e.Name()
		hasChildren := false
		if children, err := os.ReadDir(full); err == nil {
			for _, c := range children {
				if c.IsDir() {
					hasChildren = true
					break
				}
			}
		}
		_, gitErr := os.Stat(full + "/.git")
		out = append(out, browseEntry{Name: e.Name(), Path: full, HasChildren: hasChildren, IsGitRepo: gitErr == nil})
	}
	writeJSON(w, out)
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
