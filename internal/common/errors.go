package common

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidPrice    = errors.New("price must be positive")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidSide     = errors.New("side must be buy or sell")
)

// ValidatePriceQty rejects non-positive or non-finite price and quantity.
func ValidatePriceQty(price, quantity float64) error {
	if !(price > 0) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	if !(quantity > 0) || math.IsInf(quantity, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidQuantity, quantity)
	}
	return nil
}
