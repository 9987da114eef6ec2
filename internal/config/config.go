// Package config loads and validates the orchestrator's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of the orchestrator's configuration tree.
type Config struct {
	General  General            `toml:"general"`
	Projects map[string]Project `toml:"projects"`
	Squads   Squads             `toml:"squads"`
	Backend  Backend            `toml:"backend"`
	MCP      MCP                `toml:"mcp"`
	API      API                `toml:"api"`
	Nodes    Nodes              `toml:"nodes"`
}

// General holds process-wide settings.
type General struct {
	LogLevel         string `toml:"log_level"`
	StateDB          string `toml:"state_db"`
	LockFile         string `toml:"lock_file"`
	DataDir          string `toml:"data_dir"`
	TemporalHostPort string `toml:"temporal_host_port"`
}

// Project declares a repository the orchestrator manages squads for.
type Project struct {
	Enabled    bool   `toml:"enabled"`
	Path       string `toml:"path"`
	BaseBranch string `toml:"base_branch"`
}

// Squads holds defaults applied to every squad's backend runtime.
type Squads struct {
	HealthCheckInterval    Duration `toml:"health_check_interval"`
	HealthFailureThreshold int      `toml:"health_failure_threshold"`
	RestartBackoffBase     Duration `toml:"restart_backoff_base"`
	RestartMaxDelay        Duration `toml:"restart_max_delay"`
	MaxRestarts            int      `toml:"max_restarts"`
	StabilityWindow        Duration `toml:"stability_window"`
}

// Backend configures how squad backend processes are launched.
type Backend struct {
	Driver      string   `toml:"driver"` // "docker" or "local"
	Image       string   `toml:"image"`
	BindMounts  []string `toml:"bind_mounts"`
	StartupPort int      `toml:"startup_port"`
	StartupWait Duration `toml:"startup_wait"`
}

// MCP configures MCP server catalog resolution.
type MCP struct {
	CatalogPath  string `toml:"catalog_path"`
	DockerMCPCLI string `toml:"docker_mcp_cli"`
}

// API configures the HTTP/SSE surface.
type API struct {
	Addr           string   `toml:"addr"`
	AuthToken      string   `toml:"auth_token"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Nodes configures the external node registry.
type Nodes struct {
	ScanInterval   Duration `toml:"scan_interval"`
	ProbeInterval  Duration `toml:"probe_interval"`
	MissThreshold  int      `toml:"miss_threshold"`
	ManualBaseURLs []string `toml:"manual_base_urls"`
}

// Clone returns a deep-enough copy safe to hand to a reader without it
// observing subsequent mutation through the manager.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg

	out.Projects = make(map[string]Project, len(cfg.Projects))
	for k, v := range cfg.Projects {
		out.Projects[k] = v
	}

	out.Backend.BindMounts = append([]string(nil), cfg.Backend.BindMounts...)
	out.API.AllowedOrigins = append([]string(nil), cfg.API.AllowedOrigins...)
	out.Nodes.ManualBaseURLs = append([]string(nil), cfg.Nodes.ManualBaseURLs...)

	return &out
}

// Load reads, defaults, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(filepath.Dir(path), &cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "squadforge.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "squadforge.lock"
	}
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = "."
	}
	if cfg.General.TemporalHostPort == "" {
		cfg.General.TemporalHostPort = "127.0.0.1:7233"
	}

	if cfg.Squads.HealthCheckInterval.Duration == 0 {
		cfg.Squads.HealthCheckInterval = Duration{10 * time.Second}
	}
	if cfg.Squads.HealthFailureThreshold == 0 {
		cfg.Squads.HealthFailureThreshold = 3
	}
	if cfg.Squads.RestartBackoffBase.Duration == 0 {
		cfg.Squads.RestartBackoffBase = Duration{2 * time.Second}
	}
	if cfg.Squads.RestartMaxDelay.Duration == 0 {
		cfg.Squads.RestartMaxDelay = Duration{2 * time.Minute}
	}
	if cfg.Squads.MaxRestarts == 0 {
		cfg.Squads.MaxRestarts = 5
	}
	if cfg.Squads.StabilityWindow.Duration == 0 {
		cfg.Squads.StabilityWindow = Duration{5 * time.Minute}
	}

	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = "docker"
	}
	if cfg.Backend.StartupWait.Duration == 0 {
		cfg.Backend.StartupWait = Duration{30 * time.Second}
	}

	if cfg.MCP.DockerMCPCLI == "" {
		cfg.MCP.DockerMCPCLI = "docker"
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = "127.0.0.1:8787"
	}

	if cfg.Nodes.ScanInterval.Duration == 0 {
		cfg.Nodes.ScanInterval = Duration{30 * time.Second}
	}
	if cfg.Nodes.ProbeInterval.Duration == 0 {
		cfg.Nodes.ProbeInterval = Duration{30 * time.Second}
	}
	if cfg.Nodes.MissThreshold == 0 {
		cfg.Nodes.MissThreshold = 3
	}
}

func normalizePaths(baseDir string, cfg *Config) {
	if !filepath.IsAbs(cfg.General.StateDB) {
		cfg.General.StateDB = filepath.Join(baseDir, cfg.General.StateDB)
	}
	if !filepath.IsAbs(cfg.General.LockFile) {
		cfg.General.LockFile = filepath.Join(baseDir, cfg.General.LockFile)
	}
	for name, p := range cfg.Projects {
		if p.Path != "" && !filepath.IsAbs(p.Path) {
			p.Path = filepath.Join(baseDir, p.Path)
			cfg.Projects[name] = p
		}
	}
}

func validate(cfg *Config) error {
	for name, p := range cfg.Projects {
		if p.Enabled && p.Path == "" {
			return fmt.Errorf("project %q: enabled project requires a path", name)
		}
	}
	if cfg.Backend.Driver != "docker" && cfg.Backend.Driver != "local" {
		return fmt.Errorf("backend.driver: unknown driver %q", cfg.Backend.Driver)
	}
	if cfg.Squads.HealthFailureThreshold < 1 {
		return fmt.Errorf("squads.health_failure_threshold must be >= 1")
	}
	if cfg.Nodes.MissThreshold < 1 {
		return fmt.Errorf("nodes.miss_threshold must be >= 1")
	}
	return nil
}
