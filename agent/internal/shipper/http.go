package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ecoscale/ecoscale/agent/internal/config"
	"github.com/ecoscale/ecoscale/agent/internal/security"
	"github.com/ecoscale/ecoscale/pkg/types"
)

// HTTPSubmitter POSTs completed run events to a collection endpoint.
// Other event kinds are accepted and ignored.
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSubmitter builds a submitter with the configured auth mode.
func NewHTTPSubmitter(cfg config.HTTPPublish) (*HTTPSubmitter, error) {
	client, err := security.NewHTTPClient(cfg.Auth, config.TLSConfig{}, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("shipper: http submitter: %w", err)
	}
	return &HTTPSubmitter{endpoint: cfg.Endpoint, client: client}, nil
}

// Name implements Publisher.
func (h *HTTPSubmitter) Name() string { return "http" }

// Publish implements Publisher.
func (h *HTTPSubmitter) Publish(ctx context.Context, ev *types.Event) error {
	if ev.Kind != types.KindCompleted {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return Permanent(fmt.Errorf("marshal event: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("post report: status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("post report: rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("post report: status %d", resp.StatusCode)
	}
}
