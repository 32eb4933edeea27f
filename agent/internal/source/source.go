package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/ecoscale/ecoscale/agent/internal/config"
)

// Source is a non-blocking reading source.
type Source interface {
	// TryRead returns the latest unread reading, or false if none is ready.
	TryRead() (float64, bool)
	// Close releases connections and stops background polling.
	Close() error
}

// Stats counts mailbox traffic.
type Stats struct {
	// Received is the number of readings delivered into the mailbox.
	Received uint64
	// Overwritten is the number of readings replaced before they were read.
	Overwritten uint64
}

// New returns the Source selected by cfg.Type. Background work is bound to
// ctx as well as to Close.
func New(ctx context.Context, cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case config.SourceMQTT:
		return NewMQTT(cfg.MQTT)
	case config.SourcePrometheus:
		return NewPrometheus(ctx, cfg.Prometheus)
	case config.SourceSimulated:
		return NewSimulated(cfg.Simulated), nil
	default:
		return nil, fmt.Errorf("source: unsupported type %q", cfg.Type)
	}
}

// mailbox holds at most one unread reading.
type mailbox struct {
	mu    sync.Mutex
	v     float64
	full  bool
	stats Stats
}

func (m *mailbox) put(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		m.stats.Overwritten++
	}
	m.v, m.full = v, true
	m.stats.Received++
}

func (m *mailbox) take() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return 0, false
	}
	m.full = false
	return m.v, true
}

func (m *mailbox) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
