package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Directions a gateway may declare.
const (
	DirectionInput         = "input"
	DirectionOutput        = "output"
	DirectionBidirectional = "bidirectional"
)

// TransportProcessStdio is the only supported transport.
const TransportProcessStdio = "process_stdio"

// ProcessSpec describes the child process of a gateway.
type ProcessSpec struct {
	Command          string            `json:"command" yaml:"command"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd              string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	RequestTimeoutMs int               `json:"requestTimeoutMs,omitempty" yaml:"requestTimeoutMs,omitempty"`
	AckTimeoutMs     int               `json:"ackTimeoutMs,omitempty" yaml:"ackTimeoutMs,omitempty"`
}

// ModeSpec declares the delivery modes a gateway supports.
type ModeSpec struct {
	Supported []string `json:"supported,omitempty" yaml:"supported,omitempty"`
	Default   string   `json:"default,omitempty" yaml:"default,omitempty"`
}

// Manifest is one gateway declaration from <home>/gateways/.
type Manifest struct {
	ID            string      `json:"id" yaml:"id"`
	Direction     string      `json:"direction" yaml:"direction"`
	Transport     string      `json:"transport,omitempty" yaml:"transport,omitempty"`
	Mode          ModeSpec    `json:"mode,omitempty" yaml:"mode,omitempty"`
	Process       ProcessSpec `json:"process" yaml:"process"`
	DefaultTarget string      `json:"defaultTarget,omitempty" yaml:"defaultTarget,omitempty"`
	Disabled      bool        `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Validate fills defaults and rejects malformed manifests.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("gateway manifest missing id")
	}
	switch m.Direction {
	case DirectionInput, DirectionOutput, DirectionBidirectional:
	default:
		return fmt.Errorf("gateway %s: invalid direction %q", m.ID, m.Direction)
	}
	if m.Transport == "" {
		m.Transport = TransportProcessStdio
	}
	if m.Transport != TransportProcessStdio {
		return fmt.Errorf("gateway %s: unsupported transport %q", m.ID, m.Transport)
	}
	if m.Process.Command == "" {
		return fmt.Errorf("gateway %s: process command is required", m.ID)
	}
	if m.Mode.Default == "" {
		m.Mode.Default = ModeSync
	}
	if len(m.Mode.Supported) == 0 {
		m.Mode.Supported = []string{m.Mode.Default}
	}
	supported := false
	for _, mode := range m.Mode.Supported {
		if mode == m.Mode.Default {
			supported = true
		}
	}
	if !supported {
		return fmt.Errorf("gateway %s: default mode %q not in supported set", m.ID, m.Mode.Default)
	}
	return nil
}

// LoadManifests reads every *.json, *.yaml, *.yml manifest in dir. A missing
// dir yields an empty set.
func LoadManifests(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read gateway dir: %w", err)
	}

	manifests := make([]*Manifest, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", entry.Name(), err)
		}
		var m Manifest
		if ext == ".json" {
			err = json.Unmarshal(raw, &m)
		} else {
			err = yaml.Unmarshal(raw, &m)
		}
		if err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", entry.Name(), err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		manifests = append(manifests, &m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}
