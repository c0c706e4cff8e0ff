package strategy

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"marketsim/internal/common"
)

type MarketMakerConfig struct {
	Symbol       string
	Size         float64       // Nominal quote size
	BaseSpread   float64       // Spread quoted at zero volatility
	RiskAversion float64       // Scales the inventory skew and vol widening
	MaxInventory float64       // Soft limit, sizes shrink beyond it
	VolAlpha     float64       // EWMA weight of the latest |log return|
	MinInterval  time.Duration // Requote interval at zero volatility
	MinSpread    float64       // Floor for the quoted spread
}

func DefaultMarketMakerConfig(symbol string) MarketMakerConfig {
	return MarketMakerConfig{
		Symbol:       symbol,
		Size:         1,
		BaseSpread:   0.01,
		RiskAversion: 0.1,
		MaxInventory: 100,
		VolAlpha:     0.1,
		MinSpread:    1e-4,
	}
}

// MarketMaker quotes both sides around an inventory-adjusted reservation
// price, in the manner of Avellaneda and Stoikov. Volatility is an EWMA of
// absolute log returns of its symbol's ticks.
type MarketMaker struct {
	cfg    MarketMakerConfig
	handle Handle

	inventory float64
	vol       float64
	lastPrice float64
	lastQuote time.Time
	quoted    bool
}

func NewMarketMaker(cfg MarketMakerConfig) *MarketMaker {
	return &MarketMaker{cfg: cfg}
}

func (mm *MarketMaker) Name() string      { return "market-maker" }
func (mm *MarketMaker) Symbols() []string { return []string{mm.cfg.Symbol} }

func (mm *MarketMaker) OnInit(h Handle) error {
	mm.handle = h
	return nil
}

func (mm *MarketMaker) Inventory() float64  { return mm.inventory }
func (mm *MarketMaker) Volatility() float64 { return mm.vol }

// RequoteInterval grows with volatility to limit order churn in fast markets.
func (mm *MarketMaker) RequoteInterval() time.Duration {
	return time.Duration(float64(mm.cfg.MinInterval) * (1 + 50*mm.vol))
}

// Quotes returns the bid and ask around mid. A zero bid means the bid could
// not be placed above zero; a zero ask means no quote at all.
func (mm *MarketMaker) Quotes(mid float64) (bid, ask float64) {
	reservation := mid - mm.inventory*mm.cfg.RiskAversion*mm.vol
	spread := math.Max(mm.cfg.BaseSpread+mm.cfg.RiskAversion*mm.vol, mm.cfg.MinSpread)

	bid = reservation - spread/2
	ask = reservation + spread/2
	if !(ask > 0) {
		return 0, 0
	}
	if !(bid > 0) || bid >= ask {
		bid = 0
	}
	return bid, ask
}

// QuoteSize is the nominal size scaled down linearly once |inventory|
// reaches MaxInventory, hitting zero at twice the limit.
func (mm *MarketMaker) QuoteSize() float64 {
	inv := math.Abs(mm.inventory)
	if mm.cfg.MaxInventory <= 0 || inv < mm.cfg.MaxInventory {
		return mm.cfg.Size
	}
	scale := 1 - (inv-mm.cfg.MaxInventory)/mm.cfg.MaxInventory
	return mm.cfg.Size * math.Max(scale, 0)
}

func (mm *MarketMaker) OnTick(tick common.MarketTick) ([]common.OrderRequest, error) {
	if tick.Symbol != mm.cfg.Symbol {
		return nil, nil
	}
	if mm.handle == nil {
		return nil, ErrNotInitialized
	}
	if !validPrice(tick.Price) {
		log.Warn().Str("symbol", tick.Symbol).Float64("price", tick.Price).Msg("market maker skipping tick")
		return nil, nil
	}
	mm.updateVolatility(tick.Price)

	if mm.quoted && tick.Timestamp.Sub(mm.lastQuote) < mm.RequoteInterval() {
		return nil, nil
	}

	mid := mm.handle.MidPrice(mm.cfg.Symbol)
	if !(mid > 0) {
		mid = tick.Price
	}
	bid, ask := mm.Quotes(mid)
	if ask == 0 {
		return nil, nil
	}

	// Only the side that grows the position is governed.
	bidSize, askSize := mm.cfg.Size, mm.cfg.Size
	switch {
	case mm.inventory > 0:
		bidSize = mm.QuoteSize()
	case mm.inventory < 0:
		askSize = mm.QuoteSize()
	}

	var orders []common.OrderRequest
	if bid > 0 && bidSize > 0 {
		orders = append(orders, mm.quote(tick, common.Buy, bid, bidSize))
	}
	if askSize > 0 {
		orders = append(orders, mm.quote(tick, common.Sell, ask, askSize))
	}

	mm.lastQuote = tick.Timestamp
	mm.quoted = true
	return orders, nil
}

func (mm *MarketMaker) OnFill(fill common.Fill) error {
	if fill.Symbol != mm.cfg.Symbol {
		return nil
	}
	mm.inventory += signedQty(fill.Side, fill.Quantity)
	return nil
}

func (mm *MarketMaker) updateVolatility(price float64) {
	if mm.lastPrice > 0 {
		r := math.Abs(math.Log(price / mm.lastPrice))
		mm.vol = (1-mm.cfg.VolAlpha)*mm.vol + mm.cfg.VolAlpha*r
	}
	mm.lastPrice = price
}

func (mm *MarketMaker) quote(tick common.MarketTick, side common.Side, price, size float64) common.OrderRequest {
	return common.OrderRequest{
		OrderID:   mm.handle.NextOrderID("mm"),
		Timestamp: tick.Timestamp,
		Symbol:    mm.cfg.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  size,
		Type:      common.LimitOrder,
	}
}
