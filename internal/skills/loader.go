package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loopgate/loopgate/internal/agent"
	"github.com/loopgate/loopgate/internal/bus"
)

// SkillEvent is the bus payload for skill lifecycle topics.
type SkillEvent struct {
	Name    string
	Action  string // installed, updated, removed
	Enabled bool
}

// Loader scans the skills directory, registers enabled handlers as tools,
// and keeps the registry in sync when files change on disk.
type Loader struct {
	dir      string
	registry *agent.ToolRegistry
	events   *bus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	skills  map[string]*Skill
	enabled map[string]bool

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	debounce    time.Duration
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string, registry *agent.ToolRegistry, events *bus.Bus, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{
		dir:      dir,
		registry: registry,
		events:   events,
		logger:   logger.With("component", "skills"),
		skills:   make(map[string]*Skill),
		enabled:  make(map[string]bool),
		debounce: 250 * time.Millisecond,
	}
}

// Scan walks the skills directory, validates manifests, and reconciles
// tool registrations with the enabled flags in _registry.json. Skills
// whose name collides with a built-in tool are skipped.
func (l *Loader) Scan(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create skills dir: %w", err)
	}

	enabled, err := readRegistryFile(l.dir)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read skills dir: %w", err)
	}

	found := make(map[string]*Skill)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '_' || entry.Name()[0] == '.' {
			continue
		}
		dir := filepath.Join(l.dir, entry.Name())
		manifest, err := ParseManifest(filepath.Join(dir, ManifestFilename))
		if err != nil {
			l.logger.Warn("skipping invalid skill", "dir", entry.Name(), "error", err)
			continue
		}
		skill := &Skill{Manifest: *manifest, Dir: dir}
		if _, statErr := os.Stat(skill.HandlerPath()); statErr != nil {
			l.logger.Warn("skipping skill with missing handler",
				"skill", manifest.Name, "handler", manifest.Handler)
			continue
		}
		found[manifest.Name] = skill
	}

	l.mu.Lock()
	previous := l.skills
	l.skills = found
	l.enabled = enabled
	l.mu.Unlock()

	for name := range previous {
		if _, ok := found[name]; !ok {
			l.registry.Unregister(name)
			l.publish(name, "removed", false)
			l.logger.Info("skill removed", "skill", name)
		}
	}

	for name, skill := range found {
		on, known := enabled[name]
		if !known {
			// New skills default to enabled.
			on = true
		}
		if !on {
			l.registry.Unregister(name)
			continue
		}
		if err := l.registry.Register(NewSkillTool(skill, l.logger)); err != nil {
			l.logger.Warn("skill name collides with built-in, skipped", "skill", name)
			continue
		}
		if _, existed := previous[name]; !existed {
			l.publish(name, "installed", true)
			l.logger.Info("skill loaded", "skill", name, "version", skill.Version)
		}
	}

	return nil
}

// Enabled returns the filter the agent loop applies to dynamic tools.
func (l *Loader) Enabled() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]bool, len(l.skills))
	for name := range l.skills {
		on, known := l.enabled[name]
		out[name] = !known || on
	}
	return out
}

// List returns all discovered skills with their enabled state.
func (l *Loader) List() []*Skill {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	return out
}

// Get returns one discovered skill.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.skills[name]
	return s, ok
}

// SetEnabled flips a skill's enabled flag, persists it, and reconciles the
// registration.
func (l *Loader) SetEnabled(ctx context.Context, name string, on bool) error {
	l.mu.Lock()
	skill, ok := l.skills[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("unknown skill: %s", name)
	}
	l.enabled[name] = on
	snapshot := copyFlags(l.enabled)
	l.mu.Unlock()

	if err := writeRegistryFile(l.dir, snapshot); err != nil {
		return err
	}

	if on {
		if err := l.registry.Register(NewSkillTool(skill, l.logger)); err != nil {
			return err
		}
	} else {
		l.registry.Unregister(name)
	}
	l.publish(name, "updated", on)
	return nil
}

// Install writes a new skill directory (manifest plus handler) and
// registers it immediately.
func (l *Loader) Install(ctx context.Context, manifest *Manifest, handler []byte) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	dir := filepath.Join(l.dir, manifest.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create skill dir: %w", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFilename), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filepath.Clean(manifest.Handler)), handler, 0o755); err != nil {
		return fmt.Errorf("failed to write handler: %w", err)
	}

	l.mu.Lock()
	l.enabled[manifest.Name] = true
	snapshot := copyFlags(l.enabled)
	l.mu.Unlock()
	if err := writeRegistryFile(l.dir, snapshot); err != nil {
		return err
	}

	return l.Scan(ctx)
}

// Delete removes a skill's directory and registration.
func (l *Loader) Delete(ctx context.Context, name string) error {
	l.mu.Lock()
	skill, ok := l.skills[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("unknown skill: %s", name)
	}
	delete(l.enabled, name)
	snapshot := copyFlags(l.enabled)
	l.mu.Unlock()

	if err := os.RemoveAll(skill.Dir); err != nil {
		return fmt.Errorf("failed to remove skill dir: %w", err)
	}
	if err := writeRegistryFile(l.dir, snapshot); err != nil {
		return err
	}
	return l.Scan(ctx)
}

// Watch rescans when the skills directory changes. Events are debounced
// so editors and installers touching several files trigger one rescan.
func (l *Loader) Watch(ctx context.Context) error {
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	l.watchCancel = cancel
	debounce := l.debounce
	l.mu.Unlock()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch skills dir: %w", err)
	}

	l.watchWg.Add(1)
	go l.watchLoop(watchCtx, watcher, debounce)
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.watchCancel != nil {
		l.watchCancel()
		l.watchCancel = nil
	}
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	l.watchWg.Wait()
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer l.watchWg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleRescan := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := l.Scan(context.Background()); err != nil {
				l.logger.Warn("rescan after change failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							l.logger.Debug("failed to watch new skill dir", "path", event.Name, "error", err)
						}
					}
				}
				scheduleRescan()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("skills watch error", "error", err)
		}
	}
}

func (l *Loader) publish(name, action string, enabled bool) {
	if l.events == nil {
		return
	}
	l.events.Publish(bus.TopicSkillInstalled, SkillEvent{Name: name, Action: action, Enabled: enabled})
}

func copyFlags(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
