// Package api is the thin HTTP/SSE adapter over C4-C8 described in §6.1: it
// translates requests into calls against the Squad Runtime, Session
// Orchestrator, Board Engine, and External Node Registry, reads state
// straight from the repository, and fans events out to UI subscribers over
// SSE.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/board"
	"github.com/antigravity-dev/squadforge/internal/config"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/nodes"
	"github.com/antigravity-dev/squadforge/internal/session"
	"github.com/antigravity-dev/squadforge/internal/squadrun"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// Server is the HTTP/SSE API surface (C9).
type Server struct {
	store      *store.Store
	bus        *eventbus.Bus
	squads     *squadrun.Runtime
	sessions   *session.Orchestrator
	board      *board.Engine
	nodes      *nodes.Registry
	cfg        config.API
	mcpCfg     config.MCP
	dataDir    string
	log        *slog.Logger
	auth       *AuthMiddleware
	startTime  time.Time
	httpServer *http.Server
}

// Deps bundles every component the API surface dispatches into.
type Deps struct {
	Store    *store.Store
	Bus      *eventbus.Bus
	Squads   *squadrun.Runtime
	Sessions *session.Orchestrator
	Board    *board.Engine
	Nodes    *nodes.Registry
	MCP      config.MCP
	DataDir  string
}

// NewServer constructs an API server wired to every upstream component.
func NewServer(cfg config.API, deps Deps, log *slog.Logger) *Server {
	return &Server{
		store:     deps.Store,
		bus:       deps.Bus,
		squads:    deps.Squads,
		sessions:  deps.Sessions,
		board:     deps.Board,
		nodes:     deps.Nodes,
		cfg:       cfg,
		mcpCfg:    deps.MCP,
		dataDir:   deps.DataDir,
		log:       log,
		auth:      NewAuthMiddleware(cfg),
		startTime: time.Now(),
	}
}

// Start begins listening on cfg.Addr. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.handleStatus)

	mux.HandleFunc("/projects", s.routeByMethod(s.handleListProjects, s.auth.RequireAuth(s.handleCreateProject)))
	mux.HandleFunc("/projects/", s.routeProjectDetail)

	mux.HandleFunc("/squads", s.routeByMethod(s.handleListSquads, s.auth.RequireAuth(s.handleCreateSquad)))
	mux.HandleFunc("/squads/", s.routeSquadDetail)

	mux.HandleFunc("/agents", s.routeByMethod(s.handleListAgents, s.auth.RequireAuth(s.handleCreateAgent)))
	mux.HandleFunc("/agents/", s.routeAgentDetail)

	mux.HandleFunc("/sessions", s.routeByMethod(s.handleListSessions, s.auth.RequireAuth(s.handleStartSession)))
	mux.HandleFunc("/sessions/", s.routeSessionDetail)

	mux.HandleFunc("/cards", s.routeByMethod(s.handleListCards, s.auth.RequireAuth(s.handleCreateCard)))
	mux.HandleFunc("/cards/", s.routeCardDetail)

	mux.HandleFunc("/mcp", s.handleListMCP)
	mux.HandleFunc("/mcp/", s.routeMCPDetail)

	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleListNodes(w, r)
		case http.MethodPost:
			s.auth.RequireAuth(s.handleProbeNode)(w, r)
		case http.MethodDelete:
			s.auth.RequireAuth(s.handleRemoveNode)(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/events/stream", s.handleEventStream)

	s.httpServer = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.withCORS(mux),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
	}()

	s.log.Info("api: starting", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.cfg.AllowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range s.cfg.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE")
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routeByMethod(get, post http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			get(w, r)
		case http.MethodPost:
			post(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

// writeAPIErr shapes an error per §7's {kind, message, details}.
func writeAPIErr(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(apiErr.Kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"kind":    apiErr.Kind,
		"message": apiErr.Message,
		"details": apiErr.Details,
	})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	subs := 0
	if s.bus != nil {
		subs = s.bus.SubscriberCount()
	}
	writeJSON(w, map[string]any{
		"uptime_s":    time.Since(s.startTime).Seconds(),
		"subscribers": subs,
	})
}

func pathTail(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

func newID() string { return uuid.NewString() }
