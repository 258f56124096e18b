package sampling

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewSampler_RejectsInvalidRate(t *testing.T) {
	for _, rate := range []float64{-0.1, 1.01, math.NaN()} {
		_, err := NewSampler(rate, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrConfigInvalid))
	}
}

func TestShouldSample_Extremes(t *testing.T) {
	ctx := context.Background()
	never, err := NewSampler(0, rand.NewPCG(1, 2))
	require.NoError(t, err)
	always, err := NewSampler(1, rand.NewPCG(1, 2))
	require.NoError(t, err)

	for range 1000 {
		assert.False(t, never.ShouldSample(ctx))
		assert.True(t, always.ShouldSample(ctx))
	}
}

func TestShouldSample_RateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0, 1).Draw(t, "rate")
		seed := rapid.Uint64().Draw(t, "seed")
		s, err := NewSampler(rate, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		require.NoError(t, err)

		const n = 4000
		hits := 0
		for range n {
			if s.ShouldSample(context.Background()) {
				hits++
			}
		}
		// Six standard deviations of a binomial draw plus slack.
		tolerance := 6*math.Sqrt(rate*(1-rate)/n) + 0.005
		assert.InDelta(t, rate, float64(hits)/n, tolerance)
	})
}

func TestSetRate(t *testing.T) {
	s, err := NewSampler(DefaultRate, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, s.Rate(), 0)

	require.NoError(t, s.SetRate(0.5))
	assert.InDelta(t, 0.5, s.Rate(), 0)

	require.Error(t, s.SetRate(2))
	assert.InDelta(t, 0.5, s.Rate(), 0)
}

func TestShouldSample_Concurrent(t *testing.T) {
	s, err := NewSampler(0.5, rand.NewPCG(7, 11))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				s.ShouldSample(context.Background())
			}
		}()
	}
	wg.Go(func() {
		_ = s.SetRate(0.25)
	})
	wg.Wait()
	assert.InDelta(t, 0.25, s.Rate(), 0)
}
