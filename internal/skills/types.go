// Package skills loads user-installed tools from a watched directory.
// Each skill is a subdirectory with a skill.json manifest and an
// executable handler speaking JSON over stdin/stdout.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// ManifestFilename is the per-skill manifest file.
	ManifestFilename = "skill.json"

	// RegistryFilename records per-skill enabled flags next to the skill
	// directories.
	RegistryFilename = "_registry.json"

	// CatalogFilename lists known-but-uninstalled skills.
	CatalogFilename = "_catalog.json"
)

var skillNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Manifest describes one skill on disk.
type Manifest struct {
	// Name is the tool identifier, unique across the flat tool namespace.
	Name string `json:"name"`

	// Description is shown to the model.
	Description string `json:"description"`

	// Version is informational.
	Version string `json:"version,omitempty"`

	// InputSchema is the JSON Schema for the handler's input object.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// Handler is the executable path, relative to the skill directory.
	Handler string `json:"handler"`

	// TimeoutSec bounds one handler invocation. Zero means the default.
	TimeoutSec int `json:"timeout_sec,omitempty"`

	// Sandbox requests container isolation for the handler.
	Sandbox bool `json:"sandbox,omitempty"`

	// ContainerCompatible marks the skill safe to mount into the
	// container runner.
	ContainerCompatible bool `json:"container_compatible,omitempty"`
}

// Validate checks manifest fields the loader depends on.
func (m *Manifest) Validate() error {
	if !skillNameRe.MatchString(m.Name) {
		return fmt.Errorf("invalid skill name %q", m.Name)
	}
	if strings.TrimSpace(m.Description) == "" {
		return fmt.Errorf("skill %s: description is required", m.Name)
	}
	if m.Handler == "" {
		return fmt.Errorf("skill %s: handler is required", m.Name)
	}
	if filepath.IsAbs(m.Handler) || strings.Contains(m.Handler, "..") {
		return fmt.Errorf("skill %s: handler must be a relative path inside the skill directory", m.Name)
	}
	if len(m.InputSchema) > 0 && !json.Valid(m.InputSchema) {
		return fmt.Errorf("skill %s: input_schema is not valid JSON", m.Name)
	}
	return nil
}

// Skill is a parsed manifest bound to its directory.
type Skill struct {
	Manifest
	Dir string
}

// HandlerPath returns the absolute handler path.
func (s *Skill) HandlerPath() string {
	return filepath.Join(s.Dir, filepath.Clean(s.Manifest.Handler))
}

// ParseManifest reads and validates a skill.json file.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// registryFile is the on-disk _registry.json shape.
type registryFile struct {
	Enabled map[string]bool `json:"enabled"`
}

func readRegistryFile(dir string) (map[string]bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, RegistryFilename))
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read skill registry: %w", err)
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse skill registry: %w", err)
	}
	if reg.Enabled == nil {
		reg.Enabled = map[string]bool{}
	}
	return reg.Enabled, nil
}

func writeRegistryFile(dir string, enabled map[string]bool) error {
	data, err := json.MarshalIndent(registryFile{Enabled: enabled}, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, RegistryFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write skill registry: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, RegistryFilename))
}
