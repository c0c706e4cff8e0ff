package common

import (
	"fmt"
	"time"
)

// MarketTick is one timestamped observation fed into the simulation.
type MarketTick struct {
	Timestamp time.Time
	Kind      TickKind
	Symbol    string
	Price     float64
	Size      float64
	Side      Side // Aggressor side, NoSide when unknown
}

func (t MarketTick) String() string {
	return fmt.Sprintf("%s %s %s %f x %f (%v)",
		t.Timestamp.Format(time.RFC3339), t.Kind, t.Symbol, t.Price, t.Size, t.Side)
}
