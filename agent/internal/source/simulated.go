package source

import (
	"math/rand"
	"sync"

	"github.com/ecoscale/ecoscale/agent/internal/config"
)

// Simulated produces a load cell signal that ramps from zero to a target,
// then holds it with uniform noise and optional linear drift. The sequence
// is fully determined by the seed.
type Simulated struct {
	cfg config.SimulatedSource

	mu  sync.Mutex
	rng *rand.Rand
	n   int
}

// NewSimulated returns a simulated source for cfg.
func NewSimulated(cfg config.SimulatedSource) *Simulated {
	if cfg.ReadyRatio <= 0 {
		cfg.ReadyRatio = 1
	}
	return &Simulated{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// TryRead implements Source. A poll finds a reading with probability
// ReadyRatio.
func (s *Simulated) TryRead() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.ReadyRatio < 1 && s.rng.Float64() >= s.cfg.ReadyRatio {
		return 0, false
	}
	v := s.level(s.n)
	if s.cfg.Noise > 0 {
		v += (s.rng.Float64()*2 - 1) * s.cfg.Noise
	}
	s.n++
	return v, true
}

// level is the noiseless signal at reading i.
func (s *Simulated) level(i int) float64 {
	c := s.cfg
	if i < c.Settle {
		return c.Target * float64(i+1) / float64(c.Settle)
	}
	return c.Target + c.DriftPerSample*float64(i-c.Settle)
}

// Close implements Source.
func (s *Simulated) Close() error { return nil }
