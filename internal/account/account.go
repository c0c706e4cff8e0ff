// Package account keeps the cash and position ledger of a simulation run and
// its mark-to-market equity history.
package account

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"marketsim/internal/common"
)

var (
	ErrOutOfOrder   = errors.New("equity sample earlier than the last one")
	ErrMissingPrice = errors.New("no known price for held position")
)

// EquityPoint is one mark-to-market sample.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

type Account struct {
	cash      float64
	feeRate   float64
	positions map[string]float64
	history   []EquityPoint
}

func New(initialCash, feeRate float64) *Account {
	return &Account{
		cash:      initialCash,
		feeRate:   feeRate,
		positions: make(map[string]float64),
	}
}

// ApplyFill books a fill against cash and position. The fee carried on the
// fill is charged when present, otherwise the account fee rate applies.
// Nothing is mutated when the fill is rejected.
func (a *Account) ApplyFill(fill common.Fill) error {
	if err := common.ValidatePriceQty(fill.Price, fill.Quantity); err != nil {
		return fmt.Errorf("fill %s: %w", fill.OrderID, err)
	}
	if fill.Fee < 0 {
		return fmt.Errorf("fill %s: negative fee %v", fill.OrderID, fill.Fee)
	}

	notional := fill.Quantity * fill.Price
	switch fill.Side {
	case common.Buy:
		a.positions[fill.Symbol] += fill.Quantity
		a.cash -= notional
	case common.Sell:
		a.positions[fill.Symbol] -= fill.Quantity
		a.cash += notional
	default:
		return fmt.Errorf("fill %s: %w", fill.OrderID, common.ErrInvalidSide)
	}

	fee := fill.Fee
	if fee == 0 {
		fee = a.feeRate * notional
	}
	a.cash -= fee
	return nil
}

// MarkToMarket values every position with a known last price, appends the
// sample to the history and returns it. Symbols are summed in sorted order
// so the result is reproducible bit for bit.
//
// A held position with no known price is left out of the sum and reported
// with ErrMissingPrice once the sample has been recorded.
func (a *Account) MarkToMarket(ts time.Time, lastPrices map[string]float64) (float64, error) {
	if n := len(a.history); n > 0 && ts.Before(a.history[n-1].Timestamp) {
		return 0, fmt.Errorf("%w: %v before %v", ErrOutOfOrder, ts, a.history[n-1].Timestamp)
	}

	var missing []string
	equity := a.cash
	for _, symbol := range slices.Sorted(maps.Keys(a.positions)) {
		qty := a.positions[symbol]
		price, ok := lastPrices[symbol]
		if !ok {
			if qty != 0 {
				missing = append(missing, symbol)
			}
			continue
		}
		equity += qty * price
	}

	a.history = append(a.history, EquityPoint{Timestamp: ts, Equity: equity})
	if len(missing) > 0 {
		return equity, fmt.Errorf("%w: %v", ErrMissingPrice, missing)
	}
	return equity, nil
}

func (a *Account) Cash() float64    { return a.cash }
func (a *Account) FeeRate() float64 { return a.feeRate }

func (a *Account) Position(symbol string) float64 {
	return a.positions[symbol]
}

// Positions returns a copy of the signed positions per symbol.
func (a *Account) Positions() map[string]float64 {
	return maps.Clone(a.positions)
}

// EquityHistory returns a copy of the recorded samples.
func (a *Account) EquityHistory() []EquityPoint {
	return slices.Clone(a.history)
}

// EquityCurve projects the history onto its equity values.
func (a *Account) EquityCurve() []float64 {
	out := make([]float64, len(a.history))
	for i, p := range a.history {
		out[i] = p.Equity
	}
	return out
}
