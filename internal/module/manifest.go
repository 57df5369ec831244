package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownFactory is returned when a manifest names a factory that was
// never registered.
var ErrUnknownFactory = errors.New("unknown module factory")

// ManifestEntry describes one module in a manifest file. Go has no dynamic
// code loading, so manifests name a factory registered at build time instead
// of a source file to import.
type ManifestEntry struct {
	Factory       string                 `json:"factory" yaml:"factory"`
	ID            string                 `json:"id" yaml:"id"`
	Kind          Kind                   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Name          string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Version       string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Config        map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	DefaultRoutes []DefaultRoute         `json:"defaultRoutes,omitempty" yaml:"defaultRoutes,omitempty"`
}

// Factory builds a module from a manifest entry.
type Factory func(entry ManifestEntry) (*Module, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory makes a factory available to manifests. Later
// registrations with the same name replace earlier ones.
func RegisterFactory(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

func lookupFactory(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// LoadFromFile reads a manifest (single entry or array, JSON or YAML by
// extension), builds each module via its factory, and registers it.
// Returns the ids of the registered modules.
func (r *Registry) LoadFromFile(ctx context.Context, path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	entries, err := parseManifest(path, raw)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest %s declares no modules", path)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		factory, ok := lookupFactory(entry.Factory)
		if !ok {
			return ids, fmt.Errorf("%w: %q in %s", ErrUnknownFactory, entry.Factory, path)
		}
		m, err := factory(entry)
		if err != nil {
			return ids, fmt.Errorf("factory %q: %w", entry.Factory, err)
		}
		if err := r.Register(ctx, m); err != nil {
			return ids, err
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func parseManifest(path string, raw []byte) ([]ManifestEntry, error) {
	isYAML := false
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		isYAML = true
	}

	var list []ManifestEntry
	if isYAML {
		if err := yaml.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			return list, nil
		}
		var single ManifestEntry
		if err := yaml.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		return []ManifestEntry{single}, nil
	}

	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single ManifestEntry
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return []ManifestEntry{single}, nil
}
