package common

import (
	"fmt"
	"time"
)

// OrderRequest is created by a strategy while processing a tick and handed
// to the execution model.
type OrderRequest struct {
	OrderID   string    // Unique per engine run
	Timestamp time.Time // Time of the tick that produced the order
	Symbol    string    // Specific asset identifier
	Side      Side      // Order side
	Price     float64   // Limit price, or reference price for market orders
	Quantity  float64   // Requested quantity
	Type      OrderType //
}

// Validate fails on a missing side or a non-positive price or quantity.
func (o OrderRequest) Validate() error {
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("order %s: %w", o.OrderID, ErrInvalidSide)
	}
	if err := ValidatePriceQty(o.Price, o.Quantity); err != nil {
		return fmt.Errorf("order %s: %w", o.OrderID, err)
	}
	return nil
}

func (o OrderRequest) String() string {
	return fmt.Sprintf(
		`OrderID:   %s
Timestamp: %v
Symbol:    %s
Side:      %v
Type:      %v
Price:     %f
Quantity:  %f`,
		o.OrderID,
		o.Timestamp.Format(time.RFC3339),
		o.Symbol,
		o.Side,
		o.Type,
		o.Price,
		o.Quantity,
	)
}
