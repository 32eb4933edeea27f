package shipper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ecoscale/ecoscale/agent/internal/compute"
	"github.com/ecoscale/ecoscale/agent/internal/run"
	"github.com/ecoscale/ecoscale/pkg/types"
)

// mockPublisher records delivered events and fails on demand.
type mockPublisher struct {
	name string

	mu        sync.Mutex
	received  []*types.Event
	failN     int   // fail the first N calls
	failErr   error // error returned while failing
	calls     int
	delivered chan struct{}
}

func newMockPublisher(name string) *mockPublisher {
	return &mockPublisher{name: name, failErr: errors.New("broker unavailable"), delivered: make(chan struct{}, 100)}
}

func (m *mockPublisher) Name() string { return m.name }

func (m *mockPublisher) Publish(_ context.Context, ev *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failN > 0 {
		m.failN--
		return m.failErr
	}
	m.received = append(m.received, ev)
	m.delivered <- struct{}{}
	return nil
}

func (m *mockPublisher) events() []*types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Event, len(m.received))
	copy(out, m.received)
	return out
}

func (m *mockPublisher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// waitDelivered blocks until n events were delivered to m.
func waitDelivered(t *testing.T, m *mockPublisher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-m.delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: %d of %d events delivered", m.name, i, n)
		}
	}
}

func fastShipper(bufferSize int, pubs ...Publisher) *Shipper {
	s := New("scale-01", bufferSize, pubs...)
	s.boInitial = time.Millisecond
	s.boMax = 5 * time.Millisecond
	return s
}

func sampleEvent(done int) run.Event {
	return run.Event{
		Kind:   run.EventSample,
		RunID:  "run-1",
		Phase:  run.PhaseRecording,
		Time:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Done:   done,
		Target: 500,
	}
}

func runShipper(t *testing.T, s *Shipper) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run() did not return after context cancellation")
		}
	}
}

func TestShipper_DeliversToAllPublishers(t *testing.T) {
	a, b := newMockPublisher("a"), newMockPublisher("b")
	s := fastShipper(10, a, b)
	stop := runShipper(t, s)
	defer stop()

	s.Report(sampleEvent(1))
	s.Report(sampleEvent(2))
	waitDelivered(t, a, 2)
	waitDelivered(t, b, 2)

	got := b.events()
	if got[0].Done != 1 || got[1].Done != 2 {
		t.Errorf("delivery order = %d, %d, want 1, 2", got[0].Done, got[1].Done)
	}
	if got[0].DeviceID != "scale-01" {
		t.Errorf("DeviceID = %q, want scale-01", got[0].DeviceID)
	}
}

func TestShipper_RetriesTransientErrors(t *testing.T) {
	p := newMockPublisher("flaky")
	p.failN = 3
	s := fastShipper(10, p)
	stop := runShipper(t, s)
	defer stop()

	s.Report(sampleEvent(7))
	waitDelivered(t, p, 1)

	if n := p.callCount(); n != 4 {
		t.Errorf("publish calls = %d, want 3 failures + 1 success", n)
	}
}

func TestShipper_PermanentErrorDiscards(t *testing.T) {
	bad := newMockPublisher("bad")
	bad.failN = 1
	bad.failErr = Permanent(errors.New("rejected"))
	good := newMockPublisher("good")
	s := fastShipper(10, bad, good)
	stop := runShipper(t, s)
	defer stop()

	s.Report(sampleEvent(1))
	s.Report(sampleEvent(2))
	waitDelivered(t, good, 2)
	waitDelivered(t, bad, 1)

	if got := bad.events(); len(got) != 1 || got[0].Done != 2 {
		t.Errorf("bad publisher received %v, want only the second event", got)
	}
	if n := bad.callCount(); n != 2 {
		t.Errorf("bad publisher calls = %d, want 2 (no retry)", n)
	}
}

func TestShipper_RetrySkipsPublishersThatSucceeded(t *testing.T) {
	first := newMockPublisher("first")
	second := newMockPublisher("second")
	second.failN = 2
	s := fastShipper(10, first, second)
	stop := runShipper(t, s)
	defer stop()

	s.Report(sampleEvent(1))
	waitDelivered(t, second, 1)

	if n := first.callCount(); n != 1 {
		t.Errorf("first publisher called %d times, want 1", n)
	}
}

func TestShipper_BufferEvictsOldest(t *testing.T) {
	// BufferSize=3; report 5 events while the shipper is not running.
	// Only the 3 most recent should survive.
	s := New("scale-01", 3)
	for i := 0; i < 5; i++ {
		s.Report(sampleEvent(i))
	}

	var done []int
	for len(s.buf) > 0 {
		done = append(done, (<-s.buf).ev.Done)
	}
	if len(done) != 3 {
		t.Fatalf("buffer has %d items, want 3", len(done))
	}
	for i, want := range []int{2, 3, 4} {
		if done[i] != want {
			t.Errorf("done[%d] = %d, want %d", i, done[i], want)
		}
	}
}

func TestShipper_ReportNeverBlocks(t *testing.T) {
	s := New("scale-01", 1)
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Report(sampleEvent(i))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Report blocked with nobody draining")
	}
	if s.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", s.Pending())
	}
}

func TestShipper_FlushOnShutdown(t *testing.T) {
	p := newMockPublisher("p")
	s := fastShipper(10, p)

	for i := 0; i < 3; i++ {
		s.Report(sampleEvent(i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	if got := len(p.events()); got != 3 {
		t.Errorf("flushed %d events, want 3", got)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after flush", s.Pending())
	}
}

func TestShipper_GracefulShutdownWhileRetrying(t *testing.T) {
	p := newMockPublisher("down")
	p.failN = 1 << 30
	s := New("scale-01", 10, p)
	stop := runShipper(t, s)

	s.Report(sampleEvent(1))
	time.Sleep(20 * time.Millisecond)
	stop()
}

func TestShipper_FlushSkipsPublishersThatAccepted(t *testing.T) {
	first := newMockPublisher("first")
	second := newMockPublisher("second")
	second.failN = 1 << 30
	s := New("scale-01", 10, first, second)
	stop := runShipper(t, s)

	s.Report(sampleEvent(1))
	waitDelivered(t, first, 1)
	// second keeps failing; shutting down re-queues the event for the flush.
	time.Sleep(20 * time.Millisecond)
	second.mu.Lock()
	second.failN = 0
	second.mu.Unlock()
	stop()

	if n := len(first.events()); n != 1 {
		t.Errorf("first publisher received %d copies, want 1", n)
	}
	if n := len(second.events()); n != 1 {
		t.Errorf("second publisher received %d events after flush, want 1", n)
	}
}

// closingPublisher counts Close calls.
type closingPublisher struct {
	*mockPublisher
	closed int
}

func (c *closingPublisher) Close() { c.closed++ }

func TestShipper_CloseReleasesPublishers(t *testing.T) {
	conn := &closingPublisher{mockPublisher: newMockPublisher("mqtt")}
	plain := newMockPublisher("http")
	s := New("scale-01", 1, conn, plain)

	s.Close()
	if conn.closed != 1 {
		t.Errorf("Close() calls = %d, want 1", conn.closed)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad request")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent(%v) = %v, want a permanent error wrapping it", base, err)
	}
	if IsPermanent(base) {
		t.Error("IsPermanent() = true for a plain error")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := newBackoff(backoffInitial, backoffMax)
	first := b.next()
	if first > 2*time.Second {
		t.Errorf("first backoff too large: %v", first)
	}
	for i := 0; i < 50; i++ {
		d := b.next()
		// With jitter, max is backoffMax * 1.25
		if d > backoffMax*5/4 {
			t.Errorf("backoff[%d] = %v, exceeds 1.25×max", i, d)
		}
	}
	if b.current != backoffMax {
		t.Errorf("current = %v, want capped at %v", b.current, backoffMax)
	}
}

func TestToWire(t *testing.T) {
	rep := &compute.Report{
		Count:            500,
		Average:          0.5,
		MaxDeviation:     0.0004,
		StabilityRatio:   0.08,
		StabilityDefined: true,
		Elapsed:          50 * time.Second,
		Throughput:       10,
		Verdict:          compute.VerdictExcellent,
		Compensation:     compute.CompensationSummary{Active: true, Offset: -0.002, Improvement: 0.3},
	}
	ev := run.Event{
		Kind:   run.EventCompleted,
		RunID:  "run-9",
		Phase:  run.PhaseDone,
		Time:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("WIB", 7*3600)),
		Drift:  compute.DriftState{LongTermAverage: 0.5, SampleCount: 530, Offset: -0.002, Active: true},
		Check:  &compute.WindowCheck{Mean: 0.5, MaxDeviation: 0.0001, Status: compute.Stable},
		Report: rep,
	}

	w := toWire("scale-01", ev)
	if w.Kind != types.KindCompleted || w.Phase != "done" || w.RunID != "run-9" {
		t.Errorf("header = %+v", w)
	}
	if w.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp not normalised to UTC: %v", w.Timestamp)
	}
	if w.Drift.Baseline != 0.5 || w.Drift.SampleCount != 530 || !w.Drift.Active {
		t.Errorf("Drift = %+v", w.Drift)
	}
	if w.Check == nil || w.Check.Status != "stable" {
		t.Errorf("Check = %+v", w.Check)
	}
	if w.Report == nil || w.Report.StabilityRatio == nil || *w.Report.StabilityRatio != 0.08 {
		t.Fatalf("Report = %+v", w.Report)
	}
	if w.Report.ElapsedSeconds != 50 || w.Report.Verdict != "excellent" {
		t.Errorf("Report = %+v", w.Report)
	}
	if !w.Report.Compensation.Active || w.Report.Compensation.Improvement != 0.3 {
		t.Errorf("Compensation = %+v", w.Report.Compensation)
	}

	rep.StabilityDefined = false
	if w := toWire("scale-01", ev); w.Report.StabilityRatio != nil {
		t.Errorf("undefined ratio serialised as %v", *w.Report.StabilityRatio)
	}
}
