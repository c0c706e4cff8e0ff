// Package feed provides the price series a simulation replays.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoData          = errors.New("no price data")
	ErrUnknownInterval = errors.New("unknown interval")
)

// PricePoint is one observation of a series.
type PricePoint struct {
	Timestamp time.Time
	Price     float64
}

// Source fetches the observations of symbol in [start, end) sampled at
// interval, ordered by timestamp. A source with nothing to return for the
// symbol returns an empty slice or ErrNoData.
type Source interface {
	GetPrices(ctx context.Context, symbol string, start, end time.Time, interval string) ([]PricePoint, error)
}

const DefaultInterval = "1d"

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"1d":  24 * time.Hour,
}

// ParseInterval maps an interval name to its step. An empty name is the
// default daily interval.
func ParseInterval(interval string) (time.Duration, error) {
	name := strings.ToLower(strings.TrimSpace(interval))
	if name == "" {
		name = DefaultInterval
	}
	step, ok := intervals[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownInterval, interval)
	}
	return step, nil
}
