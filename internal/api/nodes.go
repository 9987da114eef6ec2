package api

import (
	"net/http"

	"github.com/antigravity-dev/squadforge/internal/apierr"
)

// GET /nodes
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	all, err := s.nodes.List()
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "list external nodes", err))
		return
	}
	writeJSON(w, all)
}

type probeNodeRequest struct {
	BaseURL string `json:"base_url"`
}

// POST /nodes — manually register and probe an external node (§4.5).
func (s *Server) handleProbeNode(w http.ResponseWriter, r *http.Request) {
	var req probeNodeRequest
	if err := decodeJSON(r, &req); err != nil || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "base_url is required")
		return
	}
	n, err := s.nodes.Probe(r.Context(), req.BaseURL, "manual")
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindBackendUnavailable, "probe node", err))
		return
	}
	writeJSON(w, n)
}

// DELETE /nodes?base_url=... — base_url carries "://" and is passed as a
// query parameter rather than a path segment to avoid ambiguous slashes.
func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	baseURL := r.URL.Query().Get("base_url")
	if baseURL == "" {
		writeError(w, http.StatusBadRequest, "base_url is required")
		return
	}
	if err := s.nodes.Remove(baseURL); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, "remove node", err))
		return
	}
	writeJSON(w, map[string]string{"status": "removed"})
}
