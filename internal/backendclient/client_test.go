package backendclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/squadforge/internal/apierr"
)

func TestCreateSessionAndPrompt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		require.Equal(t, "ada", req.AgentSlug)
		_ = json.NewEncoder(w).Encode(CreateSessionResponse{SessionID: "backend-sess-1"})
	})
	mux.HandleFunc("/sessions/backend-sess-1/message", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.CreateSession(context.Background(), CreateSessionRequest{AgentSlug: "ada"})
	require.NoError(t, err)
	require.Equal(t, "backend-sess-1", resp.SessionID)

	require.NoError(t, c.Prompt(context.Background(), "backend-sess-1", PromptRequest{Text: "hello"}))
}

func TestBackendErrorClassification(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/unavailable/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/sessions/bad/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)

	err := c.Abort(context.Background(), "unavailable")
	require.Error(t, err)
	require.Equal(t, apierr.KindBackendUnavailable, apierr.KindOf(err))

	err = c.Abort(context.Background(), "bad")
	require.Error(t, err)
	require.Equal(t, apierr.KindBackendProtocol, apierr.KindOf(err))
}
