package squadrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/config"
	"github.com/antigravity-dev/squadforge/internal/store"
)

// mcpConfigFile is the on-disk shape the backend reads to know which MCP
// servers are active, rewritten atomically as mcp.toml on every
// reconciliation (§6.4).
type mcpConfigFile struct {
	Servers []mcpConfigEntry `toml:"servers"`
}

type mcpConfigEntry struct {
	Name    string            `toml:"name"`
	Type    string            `toml:"type"`
	Image   string            `toml:"image,omitempty"`
	URL     string            `toml:"url,omitempty"`
	Command string            `toml:"command,omitempty"`
	Headers map[string]string `toml:"headers,omitempty"`
}

// AddMCPServer registers a new MCP server definition for a squad, disabled
// until explicitly enabled (§4.1 mcp.add).
func (r *Runtime) AddMCPServer(m store.MCPServer) error {
	if err := r.store.CreateMCPServer(m); err != nil {
		return apierr.Wrap(apierr.KindInternal, "create mcp server", err)
	}
	return nil
}

// EnableMCPServer flips a server's enabled flag and reconciles the squad's
// backend MCP config file, requiring a working `docker mcp` CLI for
// container-type servers (§4.1, §7 cli_unavailable).
func (r *Runtime) EnableMCPServer(ctx context.Context, mcpCfg config.MCP, dataDir, squadID, name string, enabled bool) error {
	m, err := r.store.GetMCPServerByName(squadID, name)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "lookup mcp server", err)
	}
	if m == nil {
		return apierr.New(apierr.KindNotFound, "mcp server not found").WithDetail("name", name)
	}

	if enabled && m.Type == "container" {
		if err := checkDockerMCPCLI(ctx, mcpCfg.DockerMCPCLI); err != nil {
			return apierr.Wrap(apierr.KindCLIUnavailable, "docker mcp CLI unavailable", err)
		}
	}

	if err := r.store.SetMCPServerEnabled(m.ID, enabled); err != nil {
		return apierr.Wrap(apierr.KindInternal, "set mcp server enabled", err)
	}

	if err := r.rewriteMCPConfig(dataDir, squadID); err != nil {
		_ = r.store.SetMCPServerStatus(m.ID, "error", err.Error())
		return apierr.Wrap(apierr.KindInternal, "rewrite mcp config", err)
	}

	_ = r.store.SetMCPServerStatus(m.ID, "ready", "")
	sq, _ := r.store.GetSquad(squadID)
	projectID := ""
	if sq != nil {
		projectID = sq.ProjectID
	}
	r.publish(squadID, projectID, "mcp:changed", map[string]interface{}{"name": name, "enabled": enabled})
	return nil
}

// CheckMCPCLI reports whether the `docker mcp` CLI is usable, exposed for
// the API surface's CLI-status endpoint (§6.1 "CLI-status").
func (r *Runtime) CheckMCPCLI(ctx context.Context, mcpCfg config.MCP) error {
	return checkDockerMCPCLI(ctx, mcpCfg.DockerMCPCLI)
}

func checkDockerMCPCLI(ctx context.Context, binary string) error {
	if binary == "" {
		binary = "docker"
	}
	cmd := exec.CommandContext(ctx, binary, "mcp", "--help")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker mcp CLI check failed: %w", err)
	}
	return nil
}

// rewriteMCPConfig regenerates the squad's MCP config file from the enabled
// servers in the store, writing to a temp file and renaming into place so a
// concurrent backend read never observes a partial write.
func (r *Runtime) rewriteMCPConfig(dataDir, squadID string) error {
	servers, err := r.store.ListEnabledMCPServersBySquad(squadID)
	if err != nil {
		return fmt.Errorf("list enabled mcp servers: %w", err)
	}

	out := mcpConfigFile{}
	for _, s := range servers {
		var headers map[string]string
		if s.Headers != "" {
			_ = json.Unmarshal([]byte(s.Headers), &headers)
		}
		out.Servers = append(out.Servers, mcpConfigEntry{
			Name: s.Name, Type: s.Type, Image: s.Image, URL: s.URL, Command: s.Command, Headers: headers,
		})
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(out); err != nil {
		return fmt.Errorf("marshal mcp config: %w", err)
	}

	squadDir := filepath.Join(dataDir, squadID)
	if err := os.MkdirAll(squadDir, 0o755); err != nil {
		return fmt.Errorf("create squad runtime directory: %w", err)
	}
	path := filepath.Join(squadDir, "mcp.toml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write mcp config temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename mcp config into place: %w", err)
	}
	return nil
}
