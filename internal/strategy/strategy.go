// Package strategy defines the protocol the simulation engine drives and the
// reference strategies built on it.
package strategy

import (
	"errors"
	"math"

	"marketsim/internal/common"
)

var ErrNotInitialized = errors.New("strategy used before OnInit")

// Handle is the read-only view of the engine a strategy gets in OnInit.
type Handle interface {
	// LastPrice is the latest tick price seen for symbol in this run.
	LastPrice(symbol string) (float64, bool)
	// MidPrice is the symbol's order book mid, 0 when nothing is known.
	MidPrice(symbol string) float64
	// NextOrderID returns an id that is unique within the run and identical
	// across runs with the same seed.
	NextOrderID(prefix string) string
}

// Strategy reacts to ticks with order requests and to fills with state
// updates. The engine calls every method from a single goroutine.
type Strategy interface {
	Name() string
	// Symbols lists the price series the strategy needs replayed.
	Symbols() []string
	OnInit(h Handle) error
	OnTick(tick common.MarketTick) ([]common.OrderRequest, error)
	// OnFill is called for every fill of the run, not only the strategy's
	// own, so implementations filter by symbol.
	OnFill(fill common.Fill) error
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

func signedQty(side common.Side, qty float64) float64 {
	return side.Sign() * qty
}
