package strategy

import (
	"math"

	"github.com/rs/zerolog/log"

	"marketsim/internal/common"
)

type MomentumConfig struct {
	Symbol string
	Window int // Number of returns summed for the signal
	Size   float64
}

func DefaultMomentumConfig(symbol string) MomentumConfig {
	return MomentumConfig{Symbol: symbol, Window: 10, Size: 1}
}

// Momentum follows the sign of the summed returns over the last Window ticks
// and trades Size in that direction each time the sign flips.
type Momentum struct {
	cfg    MomentumConfig
	handle Handle

	prices    []float64
	signal    int
	inventory float64
}

func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	return &Momentum{cfg: cfg, prices: make([]float64, 0, cfg.Window+1)}
}

func (m *Momentum) Name() string      { return "momentum" }
func (m *Momentum) Symbols() []string { return []string{m.cfg.Symbol} }

func (m *Momentum) OnInit(h Handle) error {
	m.handle = h
	return nil
}

func (m *Momentum) Signal() int        { return m.signal }
func (m *Momentum) Inventory() float64 { return m.inventory }

func (m *Momentum) OnTick(tick common.MarketTick) ([]common.OrderRequest, error) {
	if tick.Symbol != m.cfg.Symbol {
		return nil, nil
	}
	if m.handle == nil {
		return nil, ErrNotInitialized
	}
	if !validPrice(tick.Price) {
		log.Warn().Str("symbol", tick.Symbol).Float64("price", tick.Price).Msg("momentum skipping tick")
		return nil, nil
	}

	if len(m.prices) == m.cfg.Window+1 {
		copy(m.prices, m.prices[1:])
		m.prices = m.prices[:m.cfg.Window]
	}
	m.prices = append(m.prices, tick.Price)
	if len(m.prices) < m.cfg.Window+1 {
		return nil, nil
	}

	var sum float64
	for i := 1; i < len(m.prices); i++ {
		sum += m.prices[i]/m.prices[i-1] - 1
	}
	sig := 0
	switch {
	case sum > 0:
		sig = 1
	case sum < 0:
		sig = -1
	}
	if sig == 0 || sig == m.signal {
		return nil, nil
	}
	m.signal = sig

	side := common.Buy
	if sig < 0 {
		side = common.Sell
	}
	return []common.OrderRequest{{
		OrderID:   m.handle.NextOrderID("mom"),
		Timestamp: tick.Timestamp,
		Symbol:    m.cfg.Symbol,
		Side:      side,
		Price:     tick.Price,
		Quantity:  math.Abs(m.cfg.Size),
		Type:      common.MarketOrder,
	}}, nil
}

func (m *Momentum) OnFill(fill common.Fill) error {
	if fill.Symbol == m.cfg.Symbol {
		m.inventory += signedQty(fill.Side, fill.Quantity)
	}
	return nil
}
