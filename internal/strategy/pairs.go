package strategy

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"marketsim/internal/common"
)

type PairsConfig struct {
	SymbolX      string
	SymbolY      string
	Window       int     // Observations used for the fit and the z-score
	EntryZ       float64 // Open when |z| exceeds this
	ExitZ        float64 // Close when |z| falls below this
	Quantity     float64 // Y leg size; X leg is scaled by the hedge ratio
	BetaMin      float64 // Fits with |beta| outside [BetaMin, BetaMax] are ignored
	BetaMax      float64
	MinSpreadStd float64 // Below this the z-score is forced to 0
}

func DefaultPairsConfig(x, y string) PairsConfig {
	return PairsConfig{
		SymbolX:      x,
		SymbolY:      y,
		Window:       100,
		EntryZ:       2.0,
		ExitZ:        0.5,
		Quantity:     100,
		BetaMin:      0.2,
		BetaMax:      5.0,
		MinSpreadStd: 1e-6,
	}
}

// Pairs trades the residual of a rolling OLS fit Y ≈ beta·X + intercept.
//
// Position is -1 while short the spread (short Y, long X), +1 while long the
// spread and 0 when flat. Exits unwind the inventory actually held on each
// leg rather than the nominal entry size.
type Pairs struct {
	cfg    PairsConfig
	handle Handle

	xs, ys     []float64
	lastSample time.Time

	beta      float64
	intercept float64
	z         float64
	position  int

	inventoryX float64
	inventoryY float64
}

func NewPairs(cfg PairsConfig) *Pairs {
	if cfg.Window < 2 {
		cfg.Window = 2
	}
	return &Pairs{
		cfg: cfg,
		xs:  make([]float64, 0, cfg.Window),
		ys:  make([]float64, 0, cfg.Window),
	}
}

func (p *Pairs) Name() string      { return "pairs" }
func (p *Pairs) Symbols() []string { return []string{p.cfg.SymbolX, p.cfg.SymbolY} }

func (p *Pairs) OnInit(h Handle) error {
	p.handle = h
	return nil
}

func (p *Pairs) Position() int                         { return p.position }
func (p *Pairs) HedgeRatio() (beta, intercept float64) { return p.beta, p.intercept }
func (p *Pairs) ZScore() float64                       { return p.z }
func (p *Pairs) Inventory() (x, y float64)             { return p.inventoryX, p.inventoryY }

func (p *Pairs) OnTick(tick common.MarketTick) ([]common.OrderRequest, error) {
	if tick.Symbol != p.cfg.SymbolX && tick.Symbol != p.cfg.SymbolY {
		return nil, nil
	}
	if p.handle == nil {
		return nil, ErrNotInitialized
	}

	px, okX := p.handle.LastPrice(p.cfg.SymbolX)
	py, okY := p.handle.LastPrice(p.cfg.SymbolY)
	if !okX || !okY {
		log.Debug().Str("x", p.cfg.SymbolX).Str("y", p.cfg.SymbolY).Msg("pairs waiting for both legs")
		return nil, nil
	}
	if !validPrice(px) || !validPrice(py) {
		log.Warn().
			Float64("px", px).
			Float64("py", py).
			Time("ts", tick.Timestamp).
			Msg("pairs skipping tick with invalid leg price")
		return nil, nil
	}

	p.observe(tick.Timestamp, px, py)
	if len(p.xs) < p.cfg.Window {
		return nil, nil
	}

	p.fit()
	if b := math.Abs(p.beta); b < p.cfg.BetaMin || b > p.cfg.BetaMax {
		log.Debug().Float64("beta", p.beta).Msg("pairs hedge ratio out of bounds")
		return nil, nil
	}
	p.z = p.zScore()

	switch {
	case p.position == 0 && p.z > p.cfg.EntryZ:
		p.position = -1
		return p.open(tick.Timestamp, px, py, common.Sell), nil
	case p.position == 0 && p.z < -p.cfg.EntryZ:
		p.position = 1
		return p.open(tick.Timestamp, px, py, common.Buy), nil
	case p.position != 0 && math.Abs(p.z) < p.cfg.ExitZ:
		p.position = 0
		return p.close(tick.Timestamp, px, py), nil
	}
	return nil, nil
}

func (p *Pairs) OnFill(fill common.Fill) error {
	switch fill.Symbol {
	case p.cfg.SymbolX:
		p.inventoryX += signedQty(fill.Side, fill.Quantity)
	case p.cfg.SymbolY:
		p.inventoryY += signedQty(fill.Side, fill.Quantity)
	}
	return nil
}

// observe keeps one observation per timestamp: a second leg ticking at the
// same time refreshes the latest pair instead of appending a stale one.
func (p *Pairs) observe(ts time.Time, px, py float64) {
	if n := len(p.xs); n > 0 && ts.Equal(p.lastSample) {
		p.xs[n-1], p.ys[n-1] = px, py
		return
	}
	if len(p.xs) == p.cfg.Window {
		copy(p.xs, p.xs[1:])
		copy(p.ys, p.ys[1:])
		p.xs, p.ys = p.xs[:len(p.xs)-1], p.ys[:len(p.ys)-1]
	}
	p.xs = append(p.xs, px)
	p.ys = append(p.ys, py)
	p.lastSample = ts
}

// fit solves the least-squares normal equations in centered form. When X has
// no variance the system is singular and the minimum-norm solution is used,
// which puts beta·x̄ + intercept on ȳ.
func (p *Pairs) fit() {
	n := float64(len(p.xs))
	var mx, my float64
	for i := range p.xs {
		mx += p.xs[i]
		my += p.ys[i]
	}
	mx /= n
	my /= n

	var sxx, sxy float64
	for i := range p.xs {
		dx := p.xs[i] - mx
		sxx += dx * dx
		sxy += dx * (p.ys[i] - my)
	}

	if sxx <= 1e-12*n*(1+mx*mx) {
		p.beta = mx * my / (mx*mx + 1)
		p.intercept = my / (mx*mx + 1)
		return
	}
	p.beta = sxy / sxx
	p.intercept = my - p.beta*mx
}

func (p *Pairs) zScore() float64 {
	n := len(p.xs)
	spreads := make([]float64, n)
	var mean float64
	for i := range p.xs {
		spreads[i] = p.ys[i] - (p.beta*p.xs[i] + p.intercept)
		mean += spreads[i]
	}
	mean /= float64(n)

	var ss float64
	for _, s := range spreads {
		ss += (s - mean) * (s - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std < p.cfg.MinSpreadStd {
		return 0
	}
	return (spreads[n-1] - mean) / std
}

// open enters the spread. ySide is Sell for a short spread and Buy for a
// long one; the X leg takes the opposite exposure scaled by beta.
func (p *Pairs) open(ts time.Time, px, py float64, ySide common.Side) []common.OrderRequest {
	xSide := ySide.Opposite()
	if p.beta < 0 {
		xSide = ySide
	}
	return []common.OrderRequest{
		p.order(ts, p.cfg.SymbolX, xSide, px, math.Abs(p.beta)*p.cfg.Quantity),
		p.order(ts, p.cfg.SymbolY, ySide, py, p.cfg.Quantity),
	}
}

func (p *Pairs) close(ts time.Time, px, py float64) []common.OrderRequest {
	var orders []common.OrderRequest
	if p.inventoryX != 0 {
		orders = append(orders, p.order(ts, p.cfg.SymbolX, unwindSide(p.inventoryX), px, math.Abs(p.inventoryX)))
	}
	if p.inventoryY != 0 {
		orders = append(orders, p.order(ts, p.cfg.SymbolY, unwindSide(p.inventoryY), py, math.Abs(p.inventoryY)))
	}
	return orders
}

func (p *Pairs) order(ts time.Time, symbol string, side common.Side, price, qty float64) common.OrderRequest {
	return common.OrderRequest{
		OrderID:   p.handle.NextOrderID("pairs"),
		Timestamp: ts,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Type:      common.MarketOrder,
	}
}

func unwindSide(inventory float64) common.Side {
	if inventory > 0 {
		return common.Sell
	}
	return common.Buy
}
