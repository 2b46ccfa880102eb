package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loopgate/loopgate/internal/agent"
)

// CatalogEntry describes a known skill that is not installed yet. Entries
// carry everything needed to install without a network fetch.
type CatalogEntry struct {
	Manifest Manifest `json:"manifest"`

	// Handler is the handler script body written on install.
	Handler string `json:"handler"`

	// RequiredEnv lists environment variables the skill needs at runtime.
	RequiredEnv []string `json:"required_env,omitempty"`
}

// Catalog holds installable skills and exposes the suggest_skill tool the
// model uses to request one. Installation of a suggestion goes through the
// approval gate like any other risky tool call.
type Catalog struct {
	loader *Loader
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*CatalogEntry
}

// NewCatalog creates an empty catalog bound to a loader.
func NewCatalog(loader *Loader, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Catalog{
		loader:  loader,
		logger:  logger,
		entries: make(map[string]*CatalogEntry),
	}
}

// LoadFile reads catalog entries from the given file, defaulting to
// _catalog.json in the skills dir when path is empty. A missing file
// leaves the catalog empty.
func (c *Catalog) LoadFile(path string) error {
	if path == "" {
		path = filepath.Join(c.loader.dir, CatalogFilename)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read skill catalog: %w", err)
	}

	var entries []*CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse skill catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CatalogEntry, len(entries))
	for _, e := range entries {
		if err := e.Manifest.Validate(); err != nil {
			c.logger.Warn("skipping invalid catalog entry", "error", err)
			continue
		}
		c.entries[e.Manifest.Name] = e
	}
	return nil
}

// Add registers a catalog entry in memory.
func (c *Catalog) Add(entry *CatalogEntry) error {
	if err := entry.Manifest.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[entry.Manifest.Name] = entry
	c.mu.Unlock()
	return nil
}

// Available lists catalog entries whose skill is not installed, sorted by
// name.
func (c *Catalog) Available() []*CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*CatalogEntry
	for name, entry := range c.entries {
		if _, installed := c.loader.Get(name); installed {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Name < out[j].Manifest.Name })
	return out
}

// Addendum renders the system-prompt section listing installable skills.
// Empty when everything is installed.
func (c *Catalog) Addendum() string {
	available := c.Available()
	if len(available) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("The following skills are known but not installed. If one would help with the user's request, call the suggest_skill tool with its name:\n")
	for _, e := range available {
		sb.WriteString("- ")
		sb.WriteString(e.Manifest.Name)
		sb.WriteString(": ")
		sb.WriteString(e.Manifest.Description)
		if len(e.RequiredEnv) > 0 {
			sb.WriteString(" (requires ")
			sb.WriteString(strings.Join(e.RequiredEnv, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Install installs a catalog entry through the loader.
func (c *Catalog) Install(ctx context.Context, name string) error {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("skill not in catalog: %s", name)
	}
	if _, installed := c.loader.Get(name); installed {
		return fmt.Errorf("skill already installed: %s", name)
	}
	return c.loader.Install(ctx, &entry.Manifest, []byte(entry.Handler))
}

// SuggestSkillName is the built-in tool name for skill activation.
const SuggestSkillName = "suggest_skill"

var suggestSkillSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string", "description": "Catalog name of the skill to install"},
		"reason": {"type": "string", "description": "Why this skill is needed now"}
	},
	"required": ["name"],
	"additionalProperties": false
}`)

// SuggestSkillTool lets the model request installation of a catalog skill.
// Gate it with an approval rule so a human confirms the activation.
type SuggestSkillTool struct {
	catalog *Catalog
}

// NewSuggestSkillTool builds the tool for a catalog.
func NewSuggestSkillTool(catalog *Catalog) *SuggestSkillTool {
	return &SuggestSkillTool{catalog: catalog}
}

func (t *SuggestSkillTool) Name() string { return SuggestSkillName }

func (t *SuggestSkillTool) Description() string {
	return "Install a skill from the catalog of known skills. Use when a listed skill would help with the current request."
}

func (t *SuggestSkillTool) Schema() json.RawMessage { return suggestSkillSchema }

func (t *SuggestSkillTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return &agent.ToolResult{Content: "invalid suggest_skill input: " + err.Error(), IsError: true}, nil
	}

	if err := t.catalog.Install(ctx, args.Name); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	t.catalog.logger.Info("skill installed via suggestion", "skill", args.Name, "reason", args.Reason)
	return &agent.ToolResult{
		Content: fmt.Sprintf("skill %s installed and ready to use", args.Name),
	}, nil
}
