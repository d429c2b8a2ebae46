package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Hyperliquid price rules: at most 5 significant figures and at most
// 6 - szDecimals decimal places for perps.
const (
	maxSignificantFigures = 5
	maxPriceDecimals      = 6
	maxSlippage           = 0.7
)

var maxSlippageDec = decimal.NewFromFloat(maxSlippage)

// SlippagePrice returns the IOC limit price for a market-like order: the mark
// price shifted by markPx*slippage toward the taker side (up for buys, down
// for sells), truncated to an exchange-accepted precision. A zero mark price
// yields zero; callers must treat that as unpriceable.
func SlippagePrice(isBuy bool, markPx, slippage decimal.Decimal, szDecimals int) decimal.Decimal {
	if markPx.IsZero() {
		return decimal.Zero
	}
	if slippage.GreaterThan(maxSlippageDec) {
		slippage = maxSlippageDec
	}
	offset := markPx.Mul(slippage)
	price := markPx
	if isBuy {
		price = price.Add(offset)
	} else {
		price = price.Sub(offset)
	}
	decimals := PriceDecimals(price, szDecimals)
	return truncateSignificant(price, maxSignificantFigures).Truncate(int32(decimals))
}

// PriceDecimals derives how many decimal places a price for the given
// instrument may carry. Prices below 1 keep their leading zeros and get up to
// 5-szDecimals meaningful places; prices at or above 1 are limited by the
// significant-figure cap.
func PriceDecimals(price decimal.Decimal, szDecimals int) int {
	if price.Truncate(0).IsZero() {
		allowed := maxSignificantFigures - szDecimals
		if allowed < 0 {
			allowed = 0
		}
		decimals := leadingFractionZeros(price) + allowed
		if decimals > maxPriceDecimals {
			decimals = maxPriceDecimals
		}
		if decimals < 0 {
			decimals = 0
		}
		return decimals
	}
	integerDigits := len(price.Abs().Truncate(0).String())
	decimals := maxSignificantFigures - integerDigits
	if decimals < 0 {
		decimals = 0
	}
	return decimals
}

// FormatQuantity truncates a raw quantity to the instrument's size decimals.
// Truncation, never rounding up: the resulting notional must not exceed the
// requested margin times leverage.
func FormatQuantity(quantity decimal.Decimal, szDecimals int) decimal.Decimal {
	if szDecimals < 0 {
		szDecimals = 0
	}
	return quantity.Truncate(int32(szDecimals))
}

func truncateSignificant(price decimal.Decimal, figures int) decimal.Decimal {
	if price.IsZero() {
		return price
	}
	integerDigits := len(price.Abs().Truncate(0).String())
	if price.Abs().LessThan(decimal.New(1, 0)) {
		// 0.xxx: significant figures start after the leading zeros.
		return price.Truncate(int32(leadingFractionZeros(price) + figures))
	}
	places := figures - integerDigits
	if places < 0 {
		// More integer digits than allowed figures: the wire format still
		// accepts the full integer part, so leave it untouched.
		places = 0
	}
	return price.Truncate(int32(places))
}

func leadingFractionZeros(price decimal.Decimal) int {
	s := price.Abs().String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	zeros := 0
	for _, c := range s[i+1:] {
		if c != '0' {
			break
		}
		zeros++
	}
	return zeros
}
