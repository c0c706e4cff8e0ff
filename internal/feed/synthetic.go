package feed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"
)

const (
	syntheticStart     = 100.0
	syntheticFloor     = 0.01
	syntheticDrift     = 0.0002
	syntheticJumpProb  = 0.02
	syntheticJumpSigma = 0.05
	// Points generated when the requested range is empty.
	syntheticDefaultPoints = 252
)

// Link derives a symbol from Base as Beta·base + Intercept + N(0, Noise),
// which gives pairs of series that are cointegrated by construction.
type Link struct {
	Base      string
	Beta      float64
	Intercept float64
	Noise     float64
}

// Synthetic generates random walks with volatility clustering and rare
// jumps. Every symbol draws from its own generator seeded from the source
// seed and the symbol name, so a series does not depend on which other
// symbols were requested or in which order.
type Synthetic struct {
	Seed  uint64
	Links map[string]Link
}

func NewSynthetic(seed uint64) *Synthetic {
	return &Synthetic{Seed: seed, Links: make(map[string]Link)}
}

// Link registers symbol as derived from link.Base.
func (s *Synthetic) Link(symbol string, link Link) *Synthetic {
	if s.Links == nil {
		s.Links = make(map[string]Link)
	}
	s.Links[symbol] = link
	return s
}

func (s *Synthetic) GetPrices(ctx context.Context, symbol string, start, end time.Time, interval string) ([]PricePoint, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := syntheticDefaultPoints
	if end.After(start) {
		n = int(end.Sub(start) / step)
	}
	if n <= 0 {
		return nil, ErrNoData
	}

	prices := s.series(symbol, n, 0)
	points := make([]PricePoint, n)
	for i := range points {
		points[i] = PricePoint{Timestamp: start.Add(time.Duration(i) * step), Price: prices[i]}
	}
	return points, nil
}

// series follows links down to a root walk. depth stops link cycles, which
// fall back to an independent walk.
func (s *Synthetic) series(symbol string, n, depth int) []float64 {
	rng := s.rand(symbol)
	link, linked := s.Links[symbol]
	if !linked || depth > len(s.Links) {
		return walk(rng, n)
	}

	base := s.series(link.Base, n, depth+1)
	out := make([]float64, n)
	for i, x := range base {
		y := link.Beta*x + link.Intercept
		if link.Noise > 0 {
			y += rng.NormFloat64() * link.Noise
		}
		out[i] = math.Max(y, syntheticFloor)
	}
	return out
}

func (s *Synthetic) rand(symbol string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return rand.New(rand.NewPCG(s.Seed, h.Sum64()))
}

func walk(rng *rand.Rand, n int) []float64 {
	prices := make([]float64, n)
	prices[0] = syntheticStart
	vol := 0.015
	for i := 1; i < n; i++ {
		vol = 0.8*vol + 0.2*math.Abs(rng.NormFloat64()*0.02)
		jump := 0.0
		if rng.Float64() < syntheticJumpProb {
			jump = rng.NormFloat64() * syntheticJumpSigma
		}
		ret := syntheticDrift + rng.NormFloat64()*vol + jump
		prices[i] = math.Max(prices[i-1]*(1+ret), syntheticFloor)
	}
	return prices
}
