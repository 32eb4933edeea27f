package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ecoscale/ecoscale/server/internal/alerts"
	"github.com/ecoscale/ecoscale/server/internal/store"
)

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	store  *store.Store
	alerts *alerts.Engine
	mux    *http.ServeMux
}

// New creates a Handler over the device store and registers all routes.
// eng may be nil, in which case /api/v1/alerts is always empty.
func New(st *store.Store, eng *alerts.Engine) http.Handler {
	h := &Handler{store: st, alerts: eng, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.get(h.health))
	h.mux.HandleFunc("/api/v1/devices", h.get(h.listDevices))
	h.mux.HandleFunc("/api/v1/devices/", h.get(h.getDevice))
	h.mux.HandleFunc("/api/v1/reports", h.get(h.reports))
	h.mux.HandleFunc("/api/v1/alerts", h.get(h.listAlerts))
	h.mux.HandleFunc("/api/v1/snapshot", h.get(h.snapshot))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// get rejects every method but GET with 405.
func (h *Handler) get(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	}
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: device counts and an overall state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	entries := h.store.List()
	resp := HealthResponse{
		State:       "unknown",
		DeviceCount: len(entries),
		Verdicts:    map[string]int{},
	}
	if h.alerts != nil {
		resp.AlertCount = h.alerts.FiringCount()
	}

	rank := map[string]int{"healthy": 0, "degraded": 1, "critical": 2}
	for _, e := range entries {
		st := e.Status
		resp.CompletedRun += st.Runs
		switch st.Phase {
		case "warming_up", "waiting_stable", "recording":
			resp.ActiveCount++
		default:
			resp.IdleCount++
		}

		rep := st.LastReport
		if rep == nil {
			continue
		}
		resp.Verdicts[rep.Verdict]++
		if state := stateFromVerdict(rep.Verdict); resp.State == "unknown" || rank[state] > rank[resp.State] {
			resp.State = state
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// listDevices returns GET /api/v1/devices: all live devices.
func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	entries := h.store.List()
	out := make([]DeviceResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDeviceResponse(e, false))
	}
	jsonResp(w, http.StatusOK, out)
}

// getDevice returns GET /api/v1/devices/{id}: one live device with its
// report history.
func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	if id == "" {
		h.listDevices(w, r)
		return
	}

	e, ok := h.store.Get(id)
	if !ok || h.store.Stale(e) {
		jsonErr(w, http.StatusNotFound, "device not found")
		return
	}
	jsonResp(w, http.StatusOK, toDeviceResponse(e, true))
}

// reports returns GET /api/v1/reports: completed run reports, newest first.
// Optional query parameters: device=<id>, limit=<n>.
func (h *Handler) reports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	out := make([]store.Record, 0)
	device := q.Get("device")
	for _, rec := range h.store.Reports(0) {
		if device != "" && rec.DeviceID != device {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	jsonResp(w, http.StatusOK, out)
}

// listAlerts returns GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	out := make([]*alerts.Alert, 0)
	if h.alerts != nil {
		out = append(out, h.alerts.Active()...)
	}
	jsonResp(w, http.StatusOK, out)
}

// snapshot returns GET /api/v1/snapshot: every live device.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, BuildSnapshot(h.store))
}

// BuildSnapshot assembles the snapshot payload from the store. The WebSocket
// hub broadcasts the same structure.
func BuildSnapshot(st *store.Store) SnapshotResponse {
	entries := st.List()
	devices := make([]DeviceResponse, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, toDeviceResponse(e, false))
	}
	return SnapshotResponse{
		Devices:     devices,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// stateFromVerdict maps a run verdict to a device health state.
func stateFromVerdict(v string) string {
	switch v {
	case "excellent", "good":
		return "healthy"
	case "poor":
		return "critical"
	default:
		return "degraded"
	}
}

func toDeviceResponse(e *store.Entry, withHistory bool) DeviceResponse {
	resp := DeviceResponse{
		DeviceStatus: e.Status,
		Progress:     e.Status.Progress(),
		Diagnostics:  computeDiagnostics(e.Status),
		LastSeen:     e.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Diagnostics == nil {
		resp.Diagnostics = []DiagnosticHint{}
	}
	if withHistory {
		resp.History = e.History
	}
	return resp
}
