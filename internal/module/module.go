// Package module provides the registry of named input, output, and agent
// handlers routed through the hub.
package module

import (
	"context"

	"github.com/fingerdev/finger/internal/hub"
)

// Kind distinguishes module handler shapes.
type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
	KindAgent  Kind = "agent"
)

// Valid reports whether the kind is one of the three supported values.
func (k Kind) Valid() bool {
	switch k {
	case KindInput, KindOutput, KindAgent:
		return true
	}
	return false
}

// Endpoint converts the kind to its hub endpoint kind.
func (k Kind) Endpoint() hub.EndpointKind {
	switch k {
	case KindInput:
		return hub.EndpointInput
	case KindOutput:
		return hub.EndpointOutput
	default:
		return hub.EndpointAgent
	}
}

// DefaultRoute declares a hub route an input module wants installed at
// registration time. Default routes run at low priority so explicit routes
// win.
type DefaultRoute struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Blocking    bool   `json:"blocking" yaml:"blocking"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Module is a named handler registered with the hub.
type Module struct {
	ID            string
	Kind          Kind
	Name          string
	Version       string
	Metadata      map[string]interface{}
	Capabilities  []string
	Handler       hub.HandlerFunc
	DefaultRoutes []DefaultRoute

	// Initialize runs after registration, with hub access. Optional.
	Initialize func(ctx context.Context, h *hub.Hub) error
	// Destroy runs before unregistration. Optional.
	Destroy func(ctx context.Context) error
}
