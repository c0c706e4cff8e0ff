package common

type Side int

const (
	// NoSide is used on ticks whose aggressor is unknown.
	NoSide Side = iota
	Buy
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "NONE"
}

// Opposite returns the other side of the book. NoSide has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	}
	return NoSide
}

// Sign is +1 for Buy and -1 for Sell, i.e. the direction a price moves
// against the party on that side.
func (s Side) Sign() float64 {
	switch s {
	case Buy:
		return 1
	case Sell:
		return -1
	}
	return 0
}

type OrderType int

const (
	// Limit orders rest in the book at their price until a trade print
	// at that level consumes them.
	LimitOrder OrderType = iota
	// Market orders are filled immediately by the execution model at the
	// reference price plus spread, slippage and impact.
	MarketOrder
)

func (t OrderType) String() string {
	if t == MarketOrder {
		return "MARKET"
	}
	return "LIMIT"
}

type TickKind int

const (
	Trade TickKind = iota
	Quote
	Snapshot
)

func (k TickKind) String() string {
	switch k {
	case Quote:
		return "QUOTE"
	case Snapshot:
		return "SNAPSHOT"
	}
	return "TRADE"
}
