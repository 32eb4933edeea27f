package api

import (
	"github.com/ecoscale/ecoscale/pkg/types"
	"github.com/ecoscale/ecoscale/server/internal/store"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "unknown" with no live devices, "critical" if any device's last
	// run was poor, "degraded" if any was acceptable or undefined, else "healthy".
	State        string         `json:"state"`
	DeviceCount  int            `json:"device_count"`
	ActiveCount  int            `json:"active_count"` // devices with a run in progress
	IdleCount    int            `json:"idle_count"`
	CompletedRun int            `json:"completed_runs"`
	Verdicts     map[string]int `json:"verdicts"` // last-run verdict per device
	AlertCount   int            `json:"alert_count"`
}

// DeviceResponse is one device in GET /api/v1/devices or /api/v1/devices/{id}.
type DeviceResponse struct {
	types.DeviceStatus
	Progress    float64          `json:"progress"`
	Diagnostics []DiagnosticHint `json:"diagnostics"`
	LastSeen    string           `json:"last_seen"` // RFC3339

	// History is only filled for the single-device endpoint.
	History []store.Record `json:"history,omitempty"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the WebSocket
// broadcast.
type SnapshotResponse struct {
	Devices     []DeviceResponse `json:"devices"`
	GeneratedAt string           `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
