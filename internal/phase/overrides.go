package phase

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Override replaces prompt content for one phase. Empty fields keep the
// built-in value.
type Override struct {
	Name         string `yaml:"name"`
	Title        string `yaml:"title"`
	SystemPrompt string `yaml:"system_prompt"`
	TaskSuffix   string `yaml:"task_suffix"`
}

// OverrideFile is the on-disk shape: a map from phase index to override.
type OverrideFile struct {
	Phases map[int]Override `yaml:"phases"`
}

// OverridableRegistry wraps Registry with file-loaded prompt overrides.
// Lookups take a read lock; Reload swaps the merged table in one write.
type OverridableRegistry struct {
	mu     sync.RWMutex
	base   []Spec
	merged []Spec
	path   string
}

// NewOverridableRegistry builds a registry that merges overrides from path
// on top of the built-in prompts. A missing file is not an error; the
// built-ins apply unchanged.
func NewOverridableRegistry(path string) (*OverridableRegistry, error) {
	r := &OverridableRegistry{base: builtinSpecs(), path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ByIndex returns the merged phase spec for index.
func (r *OverridableRegistry) ByIndex(index int) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.merged) {
		return nil, &InputError{Msg: fmt.Sprintf("unknown phase index %d (valid range 0-%d)", index, len(r.merged)-1)}
	}
	spec := r.merged[index]
	return &spec, nil
}

// Specs returns a copy of the merged table.
func (r *OverridableRegistry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, len(r.merged))
	copy(out, r.merged)
	return out
}

// Reload re-reads the override file and swaps in the merged table.
func (r *OverridableRegistry) Reload() error {
	merged := make([]Spec, len(r.base))
	copy(merged, r.base)

	if r.path != "" {
		raw, err := os.ReadFile(r.path)
		switch {
		case os.IsNotExist(err):
			// No override file; built-ins stand.
		case err != nil:
			return fmt.Errorf("read phase overrides: %w", err)
		default:
			var file OverrideFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("parse phase overrides: %w", err)
			}
			for idx, ov := range file.Phases {
				if idx < 0 || idx >= len(merged) {
					return fmt.Errorf("phase override for unknown index %d", idx)
				}
				applyOverride(&merged[idx], ov)
			}
		}
	}

	r.mu.Lock()
	r.merged = merged
	r.mu.Unlock()
	return nil
}

func applyOverride(spec *Spec, ov Override) {
	if ov.Name != "" {
		spec.Name = ov.Name
	}
	if ov.Title != "" {
		spec.Title = ov.Title
	}
	if ov.SystemPrompt != "" {
		spec.SystemPrompt = ov.SystemPrompt
	}
	if ov.TaskSuffix != "" {
		base := spec.TaskPrompt
		suffix := ov.TaskSuffix
		spec.TaskPrompt = func(in Input) string {
			return base(in) + "\n" + suffix
		}
	}
}
