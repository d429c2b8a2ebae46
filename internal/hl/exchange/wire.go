package exchange

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// LimitOrderWire converts decimal price/size into the exchange's string wire
// form. decimal.String never emits trailing zeros, which the exchange rejects.
func LimitOrderWire(asset int, isBuy bool, size, price decimal.Decimal, reduceOnly bool, tif Tif) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	if size.Sign() <= 0 {
		return OrderWire{}, fmt.Errorf("order size must be > 0, got %s", size)
	}
	if price.Sign() <= 0 {
		return OrderWire{}, fmt.Errorf("limit price must be > 0, got %s", price)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price.String(),
		Size:       size.String(),
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
	}, nil
}
