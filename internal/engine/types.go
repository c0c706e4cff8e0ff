package engine

import (
	"fmt"
	"time"

	"marketsim/internal/account"
	"marketsim/internal/common"
)

type State int

const (
	Uninitialized State = iota
	Seeding
	Replaying
	Finished
)

func (s State) String() string {
	switch s {
	case Seeding:
		return "seeding"
	case Replaying:
		return "replaying"
	case Finished:
		return "finished"
	}
	return "uninitialized"
}

// Selector picks the slice of history a run replays.
type Selector struct {
	Start    time.Time
	End      time.Time
	Interval string
}

// Stage names where in the tick pipeline a diagnostic was raised.
type Stage string

const (
	StageInit    Stage = "init"
	StageTick    Stage = "tick"
	StageFill    Stage = "fill"
	StageExecute Stage = "execute"
	StageAccount Stage = "account"
	StageMark    Stage = "mark"
)

// Diagnostic is a failure absorbed during a run.
type Diagnostic struct {
	Stage     Stage
	Strategy  string
	OrderID   string
	Symbol    string
	Timestamp time.Time
	Err       error
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s %s [%s %s %s]: %v", d.Timestamp.Format(time.RFC3339), d.Stage, d.Strategy, d.Symbol, d.OrderID, d.Err)
}

func (d Diagnostic) Unwrap() error { return d.Err }

// TradeRecord is one entry of the trade log. Strategy is empty for fills of
// orders no strategy placed.
type TradeRecord struct {
	Timestamp time.Time
	OrderID   string
	Strategy  string
	Symbol    string
	Side      common.Side
	Price     float64
	Quantity  float64
	Fee       float64
}

func (r TradeRecord) Notional() float64 {
	n := r.Price * r.Quantity
	if n < 0 {
		return -n
	}
	return n
}

// Result bundles the outputs of a finished run.
type Result struct {
	Trades      []TradeRecord
	Turnover    float64
	Equity      []account.EquityPoint
	FinalEquity float64
	Cash        float64
	Positions   map[string]float64
	Diagnostics []Diagnostic
	Ticks       int
}
