package squadrun

import "context"

// LaunchOpts parameterizes starting a squad's backend process.
type LaunchOpts struct {
	SquadID   string
	SquadName string
	WorkDir   string // bind-mounted as the backend's project root
	Env       []string
}

// ProcessHandle identifies a launched backend process.
type ProcessHandle struct {
	ID   string // container id or PID, driver-specific
	Name string // human-readable session/container name
}

// ProcessState is the observed liveness of a launched backend process.
type ProcessState struct {
	Running  bool
	ExitCode int
}

// Dispatcher is the pluggable interface for launching and supervising a
// squad's long-lived backend process (§4.1 ensure_running/stop).
type Dispatcher interface {
	// Launch starts a new backend process and returns its handle plus the
	// base URL the Squad Runtime should target for HTTP+SSE traffic.
	Launch(ctx context.Context, opts LaunchOpts) (ProcessHandle, string, error)

	// Inspect reports whether a previously launched process is still running.
	Inspect(ctx context.Context, handle ProcessHandle) (ProcessState, error)

	// Stop terminates a running process and releases its resources.
	Stop(ctx context.Context, handle ProcessHandle) error

	// Name identifies the driver for logging/config ("docker", "local").
	Name() string
}
