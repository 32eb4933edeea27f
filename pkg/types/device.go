package types

import "time"

// DeviceStatus is the collector's view of one measurement device.
type DeviceStatus struct {
	DeviceID   string    `json:"device_id"`
	RunID      string    `json:"run_id"`
	Phase      string    `json:"phase"`
	LastKind   string    `json:"last_kind"`
	Reading    float64   `json:"reading"`
	Drift      Drift     `json:"drift"`
	Done       int       `json:"done"`
	Target     int       `json:"target"`
	Runs       int       `json:"runs"`
	LastReport *Report   `json:"last_report,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Progress returns the recorded fraction of the current run in [0, 1].
func (d DeviceStatus) Progress() float64 {
	if d.Target <= 0 {
		return 0
	}
	p := float64(d.Done) / float64(d.Target)
	if p > 1 {
		return 1
	}
	return p
}
