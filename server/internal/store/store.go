package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ecoscale/ecoscale/pkg/types"
)

// Record is one completed run report kept in a device's history.
type Record struct {
	DeviceID   string        `json:"device_id"`
	RunID      string        `json:"run_id"`
	Report     *types.Report `json:"report"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Entry is a device's latest status together with its report history.
// Entries are replaced, never mutated, so callers may hold them freely.
type Entry struct {
	Status    types.DeviceStatus
	History   []Record // oldest first, bounded by the store's max reports
	UpdatedAt time.Time
}

// LastReport returns the report of the most recently completed run, or nil.
func (e *Entry) LastReport() *types.Report {
	return e.Status.LastReport
}

// Store is a thread-safe in-memory device store keyed by device ID.
// A background goroutine (Run) evicts devices that have not sent an event
// within the configured TTL. A zero TTL disables expiry.
type Store struct {
	mu         sync.RWMutex
	data       map[string]*Entry
	ttl        time.Duration
	maxReports int
	now        func() time.Time
}

// New creates a Store with the given TTL and per-device report history bound.
func New(ttl time.Duration, maxReports int) *Store {
	if maxReports <= 0 {
		maxReports = 1
	}
	return &Store{
		data:       make(map[string]*Entry),
		ttl:        ttl,
		maxReports: maxReports,
		now:        time.Now,
	}
}

// TTL returns the configured retention.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Apply folds one run event into the device's status and returns the new
// entry. Completed events with a report are appended to the history.
func (s *Store) Apply(ev *types.Event) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := &Entry{UpdatedAt: now}
	if old, ok := s.data[ev.DeviceID]; ok {
		next.Status = old.Status
		next.History = old.History
	}

	st := &next.Status
	if st.RunID != ev.RunID {
		st.Done, st.Target = 0, 0
	}
	st.DeviceID = ev.DeviceID
	st.RunID = ev.RunID
	st.Phase = ev.Phase
	st.LastKind = ev.Kind
	st.Drift = ev.Drift
	st.UpdatedAt = now
	if ev.Kind != types.KindAborted {
		st.Reading = ev.Reading
	}
	if ev.Target > 0 {
		st.Done, st.Target = ev.Done, ev.Target
	}

	if ev.Kind == types.KindCompleted && ev.Report != nil {
		st.Runs++
		st.LastReport = ev.Report
		h := append(next.History[:len(next.History):len(next.History)], Record{
			DeviceID:   ev.DeviceID,
			RunID:      ev.RunID,
			Report:     ev.Report,
			ReceivedAt: now,
		})
		if len(h) > s.maxReports {
			h = h[len(h)-s.maxReports:]
		}
		next.History = h
	}

	s.data[ev.DeviceID] = next
	return next
}

// Get returns the Entry for the given device ID and whether one was found.
// The entry may be stale if the TTL has elapsed; see Stale.
func (s *Store) Get(deviceID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[deviceID]
	return e, ok
}

// Stale reports whether e is older than the TTL.
func (s *Store) Stale(e *Entry) bool {
	if s.ttl <= 0 {
		return false
	}
	return !e.UpdatedAt.After(s.now().Add(-s.ttl))
}

// List returns all live entries ordered by device ID.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.data))
	for _, e := range s.data {
		if !s.Stale(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Status.DeviceID < out[j].Status.DeviceID
	})
	return out
}

// Reports returns the report history of all live devices, newest first.
// A limit <= 0 returns everything.
func (s *Store) Reports(limit int) []Record {
	var out []Record
	for _, e := range s.List() {
		out = append(out, e.History...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL and
// returns the number removed.
func (s *Store) Evict(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run starts the background eviction loop, ticking at half the TTL (minimum
// one second). It blocks until ctx is cancelled and returns at once when
// expiry is disabled.
func (s *Store) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale devices", "count", n)
			}
		}
	}
}
