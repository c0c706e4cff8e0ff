// Package execution turns order requests and book matches into fills,
// charging half-spread, slippage, market impact and fees.
package execution

import (
	"errors"
	"fmt"
	"time"

	"marketsim/internal/book"
	"marketsim/internal/common"
)

var ErrNonPositiveExecution = errors.New("executed price is not positive")

// Book is the part of the order book the execution model needs.
type Book interface {
	AddLimitOrder(order common.OrderRequest) (string, error)
	LiquidityAt(price float64, side common.Side) float64
}

// Model is a deterministic cost model. Slippage and impact share the same
// liquidity denominator but are configured independently.
type Model struct {
	FeeRate       float64       // Fraction of notional charged per fill
	SlippageCoeff float64       // Price fraction per unit of qty/liquidity
	HalfSpreadBps float64       // Half spread paid by market orders, in bps
	ImpactCoeff   float64       // Price fraction per unit of qty/liquidity
	Latency       time.Duration // Added to every fill timestamp
}

// Submit rests limit orders in the book and returns no fill. Market orders
// are filled immediately at the reference price moved against the order by
// half-spread, slippage and impact.
func (m Model) Submit(order common.OrderRequest, b Book) (*common.Fill, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	switch order.Type {
	case common.LimitOrder:
		if _, err := b.AddLimitOrder(order); err != nil {
			return nil, err
		}
		return nil, nil
	case common.MarketOrder:
		halfSpread := order.Price * m.HalfSpreadBps / 10000
		price, err := m.executedPrice(order.Side, order.Price, order.Quantity, halfSpread, b)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", order.OrderID, err)
		}
		fill := m.fill(order.OrderID, order.Timestamp, order.Symbol, order.Side, price, order.Quantity)
		return &fill, nil
	}
	return nil, fmt.Errorf("order %s: unknown order type %d", order.OrderID, order.Type)
}

// FillFromMatch prices a resting order that was hit by a trade print. Resting
// fills pay slippage and impact but no half-spread.
func (m Model) FillFromMatch(symbol string, match book.Match, ts time.Time, b Book) (common.Fill, error) {
	if match.Side != common.Buy && match.Side != common.Sell {
		return common.Fill{}, fmt.Errorf("match %s: %w", match.OrderID, common.ErrInvalidSide)
	}
	if err := common.ValidatePriceQty(match.Price, match.Quantity); err != nil {
		return common.Fill{}, fmt.Errorf("match %s: %w", match.OrderID, err)
	}
	price, err := m.executedPrice(match.Side, match.Price, match.Quantity, 0, b)
	if err != nil {
		return common.Fill{}, fmt.Errorf("match %s: %w", match.OrderID, err)
	}
	return m.fill(match.OrderID, ts, symbol, match.Side, price, match.Quantity), nil
}

// Fee is the commission charged on a fill of qty at price.
func (m Model) Fee(qty, price float64) float64 {
	fee := m.FeeRate * qty * price
	if fee < 0 {
		return -fee
	}
	return fee
}

func (m Model) executedPrice(side common.Side, price, qty, halfSpread float64, b Book) (float64, error) {
	liquidity := max(b.LiquidityAt(price, side.Opposite()), 1)
	slippage := m.SlippageCoeff * (qty / liquidity) * price
	impact := m.ImpactCoeff * (qty / liquidity) * price

	executed := price + side.Sign()*(halfSpread+slippage+impact)
	if !(executed > 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonPositiveExecution, executed)
	}
	return executed, nil
}

func (m Model) fill(orderID string, ts time.Time, symbol string, side common.Side, price, qty float64) common.Fill {
	return common.Fill{
		OrderID:   orderID,
		Timestamp: ts.Add(m.Latency),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Fee:       m.Fee(qty, price),
	}
}
