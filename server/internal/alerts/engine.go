package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecoscale/ecoscale/pkg/types"
	"github.com/ecoscale/ecoscale/server/internal/config"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = time.Hour
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert is one alert produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	DeviceID   string     `json:"device_id"`
	RunID      string     `json:"run_id"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"`
}

// Engine evaluates alert rules against completed run reports and delivers
// webhook notifications when rules fire or resolve. Safe for concurrent use.
type Engine struct {
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	client   *http.Client
	now      func() time.Time
	wg       sync.WaitGroup

	mu       sync.Mutex
	tracks   map[trackKey]*track
	resolved []*Alert // bounded by maxHistoryLen
}

// trackKey identifies one rule on one scale.
type trackKey struct{ rule, device string }

type track struct {
	firing   *Alert
	lastFire time.Time
}

// New creates an Engine from the alert configuration. An Engine without
// rules is valid; Evaluate is then a no-op.
func New(cfg config.AlertsConfig) *Engine {
	return &Engine{
		rules:    cfg.Rules,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		tracks:   make(map[trackKey]*track),
	}
}

// Evaluate tests every rule against the report of a completed run. A rule
// that holds outside its cooldown raises an alert; a firing alert whose rule
// no longer holds is resolved. Webhooks are delivered asynchronously.
func (e *Engine) Evaluate(deviceID, runID string, rep *types.Report) {
	if len(e.rules) == 0 || rep == nil {
		return
	}

	now := e.now()
	var changed []*Alert

	e.mu.Lock()
	for _, rule := range e.rules {
		k := trackKey{rule.Name, deviceID}
		tr := e.tracks[k]
		if tr == nil {
			tr = &track{}
			e.tracks[k] = tr
		}

		var a *Alert
		if holds, value := evalCondition(rule.Condition, rep); holds {
			a = e.fire(tr, rule, deviceID, runID, value, now)
		} else {
			a = e.resolve(tr, now)
		}
		if a != nil {
			cp := *a
			changed = append(changed, &cp)
		}
	}
	e.mu.Unlock()

	if len(e.webhooks) == 0 {
		return
	}
	for _, a := range changed {
		e.wg.Add(1)
		go func(a *Alert) {
			defer e.wg.Done()
			e.deliver(a)
		}(a)
	}
}

// fire starts a new alert on tr unless the rule is cooling down. Caller
// holds e.mu.
func (e *Engine) fire(tr *track, rule config.AlertRule, deviceID, runID string, value float64, now time.Time) *Alert {
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if !tr.lastFire.IsZero() && now.Sub(tr.lastFire) < cooldown {
		return nil
	}
	sev := rule.Severity
	if sev == "" {
		sev = "warning"
	}

	tr.firing = &Alert{
		ID:       uuid.NewString(),
		RuleName: rule.Name,
		DeviceID: deviceID,
		RunID:    runID,
		Severity: sev,
		Value:    value,
		Message:  fmt.Sprintf("%s on %s: %s (value %.4g)", rule.Name, deviceID, rule.Condition, value),
		FiredAt:  now,
		State:    StateFiring,
	}
	tr.lastFire = now
	slog.Warn("alerts: rule fired", "rule", rule.Name, "device", deviceID, "run_id", runID, "value", value, "severity", sev)
	return tr.firing
}

// resolve closes the firing alert on tr, if any. Caller holds e.mu.
func (e *Engine) resolve(tr *track, now time.Time) *Alert {
	a := tr.firing
	if a == nil {
		return nil
	}
	tr.firing = nil
	a.State = StateResolved
	a.ResolvedAt = &now

	e.resolved = append(e.resolved, a)
	if n := len(e.resolved); n > maxHistoryLen {
		e.resolved = e.resolved[n-maxHistoryLen:]
	}
	slog.Info("alerts: rule resolved", "rule", a.RuleName, "device", a.DeviceID, "run_id", a.RunID)
	return a
}

// Wait blocks until in-flight webhook deliveries finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Active returns copies of all firing alerts plus alerts resolved within the
// past hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindow)
	out := make([]*Alert, 0)
	for _, tr := range e.tracks {
		if tr.firing != nil {
			cp := *tr.firing
			out = append(out, &cp)
		}
	}
	for _, a := range e.resolved {
		if a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// FiringCount returns the number of alerts currently firing.
func (e *Engine) FiringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, tr := range e.tracks {
		if tr.firing != nil {
			n++
		}
	}
	return n
}
