package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/konduit-run/konduit/internal/domain"
)

// LoadBundleDir parses every *.yaml/*.yml file in dir as a
// WorkflowDefinition and registers it. Bundles are loaded once at
// startup; there is no hot reload.
func (r *Registry) LoadBundleDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflow bundle dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.LoadBundleFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// LoadBundleFile parses one YAML workflow bundle and registers it.
func (r *Registry) LoadBundleFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var def domain.WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("unmarshal yaml: %w", err)
	}
	return r.Register(def)
}
