// Package nodes implements the External Node Registry (C8): discovery of
// other backend instances on the local host, manual URL registration, and
// periodic liveness probing (§4.5).
package nodes

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/squadforge/internal/apierr"
	"github.com/antigravity-dev/squadforge/internal/eventbus"
	"github.com/antigravity-dev/squadforge/internal/store"
)

const (
	scanInterval  = 30 * time.Second
	probeInterval = 30 * time.Second
	probeTimeout  = 3 * time.Second
)

// Registry discovers, probes, and tracks external opencode backend nodes.
type Registry struct {
	store      *store.Store
	bus        *eventbus.Bus
	log        *slog.Logger
	httpClient *http.Client

	listListeningPorts func() ([]int, error)
}

// New constructs a Registry.
func New(st *store.Store, bus *eventbus.Bus, log *slog.Logger) *Registry {
	return &Registry{
		store:              st,
		bus:                bus,
		log:                log,
		httpClient:         &http.Client{Timeout: probeTimeout},
		listListeningPorts: listOpencodeListeningPorts,
	}
}

// Probe registers or re-registers a node by its base URL, probing /info
// synchronously and persisting the result (§6.1 "External nodes: probe").
func (r *Registry) Probe(ctx context.Context, baseURL, source string) (*store.ExternalNode, error) {
	version, healthy := r.probeInfo(ctx, baseURL)
	if !healthy {
		return nil, apierr.New(apierr.KindBackendUnavailable, "node did not respond to /info").WithDetail("base_url", baseURL)
	}

	n := store.ExternalNode{BaseURL: baseURL, Healthy: true, Version: version, Source: source}
	if err := r.store.UpsertExternalNode(n); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "upsert external node", err)
	}
	r.publish("node:discovered", n)

	stored, err := r.store.GetExternalNode(baseURL)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "load external node", err)
	}
	return stored, nil
}

// List returns every known node, healthy or not.
func (r *Registry) List() ([]store.ExternalNode, error) {
	out, err := r.store.ListExternalNodes()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list external nodes", err)
	}
	return out, nil
}

// Remove deletes a node explicitly; the registry never does this on its
// own (§4.5: "retained until explicit removal").
func (r *Registry) Remove(baseURL string) error {
	if err := r.store.DeleteExternalNode(baseURL); err != nil {
		return apierr.Wrap(apierr.KindInternal, "delete external node", err)
	}
	return nil
}

// RunScanLoop ticks every scanInterval, enumerating local opencode
// processes by listening port and probing each one (§4.5 "local scan").
func (r *Registry) RunScanLoop(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

// RunProbeLoop ticks every probeInterval, re-probing every known node
// concurrently (§4.5 "Health re-probe every 30s per known node").
func (r *Registry) RunProbeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAllKnown(ctx)
		}
	}
}

func (r *Registry) scanOnce(ctx context.Context) {
	ports, err := r.listListeningPorts()
	if err != nil {
		r.log.Debug("nodes: no local opencode processes found", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		port := port
		g.Go(func() error {
			baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
			if _, err := r.Probe(gctx, baseURL, "local_lsof"); err != nil {
				r.log.Debug("nodes: local scan probe failed", "base_url", baseURL, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) probeAllKnown(ctx context.Context) {
	known, err := r.store.ListExternalNodes()
	if err != nil {
		r.log.Error("nodes: list known nodes", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range known {
		n := n
		g.Go(func() error {
			r.probeKnown(gctx, n)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) probeKnown(ctx context.Context, n store.ExternalNode) {
	if _, healthy := r.probeInfo(ctx, n.BaseURL); healthy {
		_ = r.store.UpsertExternalNode(store.ExternalNode{BaseURL: n.BaseURL, Healthy: true, Version: n.Version, Source: n.Source})
		return
	}

	if err := r.store.MarkExternalNodeMissed(n.BaseURL); err != nil {
		r.log.Error("nodes: mark node missed", "base_url", n.BaseURL, "error", err)
		return
	}
	updated, err := r.store.GetExternalNode(n.BaseURL)
	if err == nil && updated != nil && n.Healthy && !updated.Healthy {
		r.publish("node:lost", *updated)
	}
}

func (r *Registry) probeInfo(ctx context.Context, baseURL string) (version string, healthy bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/info", nil)
	if err != nil {
		return "", false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", false
	}
	return resp.Header.Get("X-Opencode-Version"), true
}

func (r *Registry) publish(kind string, n store.ExternalNode) {
	if r.bus == nil {
		return
	}
	r.bus.Broadcast(eventbus.Event{Kind: kind, Payload: n})
}

// listOpencodeListeningPorts enumerates TCP ports locally bound by
// processes named "opencode", via a pgrep lookup plus a per-PID lsof
// lookup for the listening socket.
func listOpencodeListeningPorts() ([]int, error) {
	pids, err := opencodePIDs()
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(pids))
	var ports []int
	for _, pid := range pids {
		for _, port := range listeningPortsForPID(pid) {
			if !seen[port] {
				seen[port] = true
				ports = append(ports, port)
			}
		}
	}
	return ports, nil
}

func opencodePIDs() ([]int, error) {
	cmd := exec.Command("pgrep", "-f", "opencode")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func listeningPortsForPID(pid int) []int {
	cmd := exec.Command("lsof", "-a", "-p", strconv.Itoa(pid), "-iTCP", "-sTCP:LISTEN", "-Pn")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var ports []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[len(fields)-1] != "(LISTEN)" {
			continue
		}
		addr := fields[len(fields)-2]
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			continue
		}
		ports = append(ports, p)
	}
	return ports
}
