package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// payloadFunc renders an alert into the body a webhook type expects.
type payloadFunc func(a *Alert) any

var payloads = map[string]payloadFunc{
	"slack": slackPayload,
	"teams": teamsPayload,
	"http":  func(a *Alert) any { return map[string]any{"alert": a} },
}

// deliver posts a to every configured webhook. Failures are logged only.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}
		render, ok := payloads[wh.Type]
		if !ok {
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}
		if err := e.post(url, render(a)); err != nil {
			slog.Error("alerts: webhook delivery failed", "type", wh.Type, "rule", a.RuleName, "device", a.DeviceID, "err", err)
			continue
		}
		slog.Debug("alerts: webhook delivered", "type", wh.Type, "rule", a.RuleName, "state", a.State)
	}
}

func slackPayload(a *Alert) any {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* %s\n", badge(a), a.Message)
	fmt.Fprintf(&b, "scale `%s`, run `%s`", a.DeviceID, a.RunID)
	return map[string]string{"text": b.String()}
}

func teamsPayload(a *Alert) any {
	type fact struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": colour(a),
		"summary":    a.RuleName,
		"title":      fmt.Sprintf("%s ecoscale %s", badge(a), a.RuleName),
		"sections": []map[string]any{{
			"text": a.Message,
			"facts": []fact{
				{"Scale", a.DeviceID},
				{"Run", a.RunID},
				{"Value", fmt.Sprintf("%g", a.Value)},
				{"Fired", a.FiredAt.Format("2006-01-02 15:04:05 MST")},
			},
		}},
	}
}

func (e *Engine) post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	resp, err := e.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}

func badge(a *Alert) string {
	if a.State == StateResolved {
		return "[RESOLVED]"
	}
	if a.Severity == "" {
		return "[INFO]"
	}
	return "[" + strings.ToUpper(a.Severity) + "]"
}

func colour(a *Alert) string {
	switch {
	case a.State == StateResolved:
		return "2EB67D"
	case a.Severity == "critical":
		return "D7263D"
	case a.Severity == "warning":
		return "F49D37"
	default:
		return "3F88C5"
	}
}
