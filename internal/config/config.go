// Package config handles two distinct on-disk concerns: a one-shot
// bootstrap load of the initial rule set at startup, and an on-demand
// snapshot export/import of all four rule families — the "future-
// compatibility hook" for serializing RuleStores to JSON. Neither is
// ongoing persistence: nothing is written back automatically, and a
// restart without an explicit load or import starts empty.
package config

import (
	"encoding/json"
	"os"

	"github.com/devproxy/devproxy/internal/models"
)

// Bootstrap is the JSON document `start --config` loads: the initial
// rule set for all four families plus process-level settings fields.
// `start` inserts only the rule lists; the settings fields are parsed
// but not applied, so ports, upstream URL, recorder capacity and max
// body bytes come from the command-line flags.
type Bootstrap struct {
	DataPlanePort    int    `json:"data_plane_port,omitempty"`
	ControlPlanePort int    `json:"control_plane_port,omitempty"`
	UpstreamURL      string `json:"upstream_url,omitempty"`
	RecorderCapacity int    `json:"recorder_capacity,omitempty"`
	MaxBodyBytes     int64  `json:"max_body_bytes,omitempty"`

	Mocks       []*models.MockRule      `json:"mocks,omitempty"`
	Modifiers   []*models.ModifierRule  `json:"modifiers,omitempty"`
	RateLimits  []*models.RateLimitRule `json:"rate_limits,omitempty"`
	Latencies   []*models.LatencyRule   `json:"latency_rules,omitempty"`
}

// LoadBootstrap reads and parses a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Snapshot is the document served by /api/rules/export and accepted by
// /api/rules/import: the live state of all four rule stores, with none
// of the ambient process settings a Bootstrap carries.
type Snapshot struct {
	Mocks      []*models.MockRule      `json:"mocks"`
	Modifiers  []*models.ModifierRule  `json:"modifiers"`
	RateLimits []*models.RateLimitRule `json:"rate_limits"`
	Latencies  []*models.LatencyRule   `json:"latency_rules"`
}

// SaveSnapshot writes snap to path as indented JSON.
func SaveSnapshot(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadSnapshot reads and parses a snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
