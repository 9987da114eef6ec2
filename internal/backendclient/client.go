// Package backendclient is the Backend Client (C3): a thin HTTP+SSE client
// for a squad's opencode-compatible backend, used to start/abort sessions
// and consume its event stream (§4.2, §6.2).
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/antigravity-dev/squadforge/internal/apierr"
)

// Client talks to one squad backend's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client targeting baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateSessionRequest is the payload sent to start a new backend session.
type CreateSessionRequest struct {
	AgentSlug string `json:"agent_slug"`
	Model     string `json:"model,omitempty"`
}

// CreateSessionResponse echoes the backend-assigned session id.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession asks the backend to open a new session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error) {
	var out CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", req, &out); err != nil {
		return CreateSessionResponse{}, err
	}
	return out, nil
}

// PromptRequest is a single turn sent to an existing session.
type PromptRequest struct {
	Text string `json:"text"`
}

// Prompt submits a turn to backendSessionID. The backend answers
// asynchronously via the event stream.
func (c *Client) Prompt(ctx context.Context, backendSessionID string, req PromptRequest) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/message", backendSessionID), req, nil)
}

// Abort interrupts an in-flight turn for backendSessionID.
func (c *Client) Abort(ctx context.Context, backendSessionID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/abort", backendSessionID), nil, nil)
}

// CommandRequest dispatches a slash command (/compact, /help, ...) to a
// session. /new is intercepted by the Session Orchestrator before it
// reaches here (§4.3).
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Mode    string   `json:"mode,omitempty"`
}

// Command submits a slash command to backendSessionID.
func (c *Client) Command(ctx context.Context, backendSessionID string, req CommandRequest) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/command", backendSessionID), req, nil)
}

// ShellRequest is a one-shot shell invocation recorded as a tool part.
type ShellRequest struct {
	Command string `json:"command"`
	Mode    string `json:"mode,omitempty"`
}

// Shell runs a one-shot shell command against backendSessionID.
func (c *Client) Shell(ctx context.Context, backendSessionID string, req ShellRequest) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/shell", backendSessionID), req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, "marshal request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, "backend request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apierr.New(apierr.KindBackendUnavailable, fmt.Sprintf("backend returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return apierr.New(apierr.KindBackendProtocol, fmt.Sprintf("backend returned %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apierr.Wrap(apierr.KindBackendProtocol, "decode backend response", err)
		}
	}
	return nil
}
