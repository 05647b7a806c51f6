package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Registry indexes the skills found under the configured directories.
// Agents create new skills at runtime, so access is guarded.
type Registry struct {
	mu     sync.RWMutex
	dirs   []string
	skills map[string]*Skill
}

// NewRegistry creates a skill registry over the given directories.
// The first directory is where newly created skills are written.
func NewRegistry(dirs []string) *Registry {
	return &Registry{
		dirs:   dirs,
		skills: make(map[string]*Skill),
	}
}

// Load scans every configured directory for SKILL.md documents.
// Unreadable or malformed files are logged and skipped so one bad
// skill cannot take down the whole registry.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dir := range r.dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			slog.Debug("skills directory not found, skipping", "dir", dir)
			continue
		}

		matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**/SKILL.md"))
		if err != nil {
			return fmt.Errorf("scan skills dir %s: %w", dir, err)
		}

		for _, path := range matches {
			skill, err := LoadSkill(path)
			if err != nil {
				slog.Warn("failed to load skill", "path", path, "error", err)
				continue
			}
			if err := r.register(skill); err != nil {
				slog.Warn("failed to register skill", "name", skill.Name, "error", err)
				continue
			}
		}
	}

	return nil
}

func (r *Registry) register(skill *Skill) error {
	if _, exists := r.skills[skill.Name]; exists {
		return fmt.Errorf("skill %q already registered", skill.Name)
	}
	r.skills[skill.Name] = skill
	return nil
}

// Get returns the skill with the given name, or nil.
func (r *Registry) Get(name string) *Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills[name]
}

// Lookup resolves a list of skill names, returning the skills that were
// found and the names that were not.
func (r *Registry) Lookup(names []string) ([]*Skill, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []*Skill
	var missing []string
	for _, name := range names {
		if s, ok := r.skills[name]; ok {
			found = append(found, s)
		} else {
			missing = append(missing, name)
		}
	}
	return found, missing
}

// All returns all registered skills sorted by name.
func (r *Registry) All() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Names returns all registered skill names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create writes a new skill to the primary skills directory and registers
// it. The skill becomes available to every agent immediately.
func (r *Registry) Create(name, description, body string) (*Skill, error) {
	skill := &Skill{Name: name, Description: description, Body: body}
	if err := skill.Validate(); err != nil {
		return nil, err
	}
	if len(r.dirs) == 0 {
		return nil, fmt.Errorf("no skills directory configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[name]; exists {
		return nil, fmt.Errorf("skill %q already exists", name)
	}

	dir := filepath.Join(r.dirs[0], name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skill dir: %w", err)
	}
	path := filepath.Join(dir, "SKILL.md")
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("skill file %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(skill.Render()), 0o644); err != nil {
		return nil, fmt.Errorf("write skill: %w", err)
	}

	skill.Path = path
	r.skills[name] = skill
	return skill, nil
}
