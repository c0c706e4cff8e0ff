package common

import (
	"fmt"
	"time"
)

// Fill is the execution of some quantity of one order. Fills are immutable
// once produced.
type Fill struct {
	OrderID   string
	Timestamp time.Time
	Symbol    string
	Side      Side
	Price     float64
	Quantity  float64
	Fee       float64
}

// Notional is the absolute traded value of the fill.
func (f Fill) Notional() float64 {
	v := f.Price * f.Quantity
	if v < 0 {
		return -v
	}
	return v
}

func (f Fill) String() string {
	return fmt.Sprintf(
		`OrderID:   %s
Timestamp: %v
Symbol:    %s
Side:      %v
Price:     %f
Quantity:  %f
Fee:       %f`,
		f.OrderID,
		f.Timestamp.Format(time.RFC3339),
		f.Symbol,
		f.Side,
		f.Price,
		f.Quantity,
		f.Fee,
	)
}
