// Package sampling decides which validated responses are forwarded to
// background evaluation.
package sampling

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/telemetry"
)

// DefaultRate is the fraction of traffic evaluated when none is configured.
const DefaultRate = 0.05

// Sampler draws one independent coin flip per request. It never blocks on
// I/O and is safe for concurrent use.
type Sampler struct {
	rate atomic.Uint64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a sampler with probability rate. A nil src uses the
// runtime's concurrent-safe generator.
func NewSampler(rate float64, src rand.Source) (*Sampler, error) {
	s := &Sampler{}
	if src != nil {
		s.rng = rand.New(src)
	}
	if err := s.SetRate(rate); err != nil {
		return nil, err
	}
	return s, nil
}

// Rate returns the current sampling probability.
func (s *Sampler) Rate() float64 {
	return math.Float64frombits(s.rate.Load())
}

// SetRate replaces the sampling probability. Rates outside [0,1] are
// rejected and leave the current rate in place.
func (s *Sampler) SetRate(rate float64) error {
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return fmt.Errorf("%w: sampling rate %v outside [0,1]", domain.ErrConfigInvalid, rate)
	}
	s.rate.Store(math.Float64bits(rate))
	return nil
}

// ShouldSample reports whether this request is forwarded to evaluation.
func (s *Sampler) ShouldSample(ctx context.Context) bool {
	rate := s.Rate()
	var sampled bool
	switch rate {
	case 0:
	case 1:
		sampled = true
	default:
		sampled = s.float64() < rate
	}
	telemetry.RecordSampling(ctx, sampled)
	return sampled
}

func (s *Sampler) float64() float64 {
	if s.rng == nil {
		return rand.Float64()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
