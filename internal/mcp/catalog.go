// Package mcp resolves MCP (tool-server) catalog entries against the
// cached registry snapshot described in §4.1 "mcp.add". The snapshot is a
// JSON file at config.MCP.CatalogPath, refreshed out-of-band by the
// operator; this package only reads and filters it.
package mcp

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/antigravity-dev/squadforge/internal/apierr"
)

// CatalogEntry is one resolvable MCP server definition in the registry
// snapshot (§3 MCP Server fields that come from the catalog rather than a
// custom spec).
type CatalogEntry struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"` // remote, container
	Image    string   `json:"image,omitempty"`
	URL      string   `json:"url,omitempty"`
	Command  string   `json:"command,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Summary  string   `json:"summary,omitempty"`
}

// Catalog is the in-memory registry snapshot.
type Catalog struct {
	entries []CatalogEntry
}

// Load reads the catalog snapshot from path. A missing file yields an
// empty catalog rather than an error, since the registry is optional
// (operators relying only on custom specs never configure catalog_path).
func Load(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "read mcp catalog", err)
	}
	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "parse mcp catalog", err)
	}
	return &Catalog{entries: entries}, nil
}

// Query filters the catalog by a free-text substring match on name/summary,
// an exact category match, and an exact tag match, each applied only when
// non-empty (§6.1 "get catalog {query?, category?, tag?}").
func (c *Catalog) Query(query, category, tag string) []CatalogEntry {
	query = strings.ToLower(query)
	var out []CatalogEntry
	for _, e := range c.entries {
		if category != "" && e.Category != category {
			continue
		}
		if tag != "" && !hasTag(e.Tags, tag) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Name), query) && !strings.Contains(strings.ToLower(e.Summary), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
