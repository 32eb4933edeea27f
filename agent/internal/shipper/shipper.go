package shipper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ecoscale/ecoscale/agent/internal/run"
	"github.com/ecoscale/ecoscale/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
	flushTimeout      = 5 * time.Second
)

// Publisher delivers one event to a destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev *types.Event) error
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the shipper discards the event instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Shipper buffers run events and ships them to every Publisher.
// Report is non-blocking; when the buffer is full the oldest event is
// evicted. Run must be called in a goroutine to drain the buffer.
type Shipper struct {
	device string
	buf    chan *pending
	pubs   []Publisher

	boInitial time.Duration
	boMax     time.Duration
}

// pending is a buffered event and the index of the first publisher that has
// not yet accepted or permanently rejected it.
type pending struct {
	ev   *types.Event
	next int
}

// New creates a Shipper for device holding up to bufferSize events.
func New(device string, bufferSize int, pubs ...Publisher) *Shipper {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Shipper{
		device:    device,
		buf:       make(chan *pending, bufferSize),
		pubs:      pubs,
		boInitial: backoffInitial,
		boMax:     backoffMax,
	}
}

// Report converts ev to its wire form and enqueues it. It implements
// run.Reporter.
func (s *Shipper) Report(ev run.Event) {
	s.enqueue(&pending{ev: toWire(s.device, ev)})
}

func (s *Shipper) enqueue(p *pending) {
	select {
	case s.buf <- p:
	default:
		select {
		case old := <-s.buf:
			slog.Warn("shipper: buffer full, evicted oldest event",
				"kind", old.ev.Kind, "run_id", old.ev.RunID, "buffer_cap", cap(s.buf))
		default:
		}
		select {
		case s.buf <- p:
		default:
		}
	}
}

// Pending returns the number of buffered events.
func (s *Shipper) Pending() int { return len(s.buf) }

// Run drains the buffer until ctx is cancelled, retrying transient publish
// failures with exponential backoff. On cancellation the remaining events
// get one delivery attempt within flushTimeout.
func (s *Shipper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case p := <-s.buf:
			s.deliver(ctx, p)
		}
	}
}

// Close releases publishers holding a connection, such as the MQTT
// publisher. Call it after Run has returned.
func (s *Shipper) Close() {
	for _, p := range s.pubs {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// deliver publishes the event to the publishers from pe.next on, in order.
// A publisher that fails transiently is retried until it succeeds or ctx
// ends. On cancellation the event is re-queued with next pointing at that
// publisher, so the ones that already accepted it are not called again.
func (s *Shipper) deliver(ctx context.Context, pe *pending) {
	ev := pe.ev
	for ; pe.next < len(s.pubs); pe.next++ {
		p := s.pubs[pe.next]
		bo := newBackoff(s.boInitial, s.boMax)
		for {
			err := s.publishOnce(ctx, p, ev)
			if err == nil {
				slog.Debug("shipper: event delivered", "publisher", p.Name(), "kind", ev.Kind)
				break
			}
			if IsPermanent(err) {
				slog.Error("shipper: permanent publish error, discarding event",
					"publisher", p.Name(), "kind", ev.Kind, "err", err)
				break
			}
			if ctx.Err() != nil {
				// Put it back so flush gets a final attempt.
				s.enqueue(pe)
				return
			}

			wait := bo.next()
			slog.Warn("shipper: publish failed, will retry",
				"publisher", p.Name(), "kind", ev.Kind, "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				s.enqueue(pe)
				return
			case <-time.After(wait):
			}
		}
	}
}

func (s *Shipper) publishOnce(ctx context.Context, p Publisher, ev *types.Event) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return p.Publish(sendCtx, ev)
}

// flush makes one attempt to deliver everything still buffered.
func (s *Shipper) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case pe := <-s.buf:
			for _, p := range s.pubs[pe.next:] {
				if err := p.Publish(ctx, pe.ev); err != nil {
					slog.Warn("shipper: dropping event at shutdown",
						"publisher", p.Name(), "kind", pe.ev.Kind, "err", err)
				}
			}
		default:
			return
		}
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{current: initial, max: max}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}
