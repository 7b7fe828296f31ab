package commission

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places money is stored with
const AmountScale int32 = 4

// zeroDecimalCurrencies have no minor unit
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// threeDecimalCurrencies use three minor-unit digits
var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "JOD": true, "KWD": true, "OMR": true, "TND": true,
}

// CurrencyExponent returns the number of minor-unit digits for an ISO 4217 code
func CurrencyExponent(currency string) int32 {
	c := strings.ToUpper(currency)
	switch {
	case zeroDecimalCurrencies[c]:
		return 0
	case threeDecimalCurrencies[c]:
		return 3
	default:
		return 2
	}
}

// FromMinorUnits converts an amount in minor units (cents) to a decimal amount
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}

// CommissionFor computes amount × rate rounded half-away-from-zero to AmountScale places.
func CommissionFor(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(AmountScale)
}

// FloorZero clamps negative amounts to zero
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// formatMoney renders an amount for notification text
func formatMoney(amount decimal.Decimal, currency string) string {
	c := strings.ToUpper(currency)
	if c == "" || c == "USD" {
		return "$" + amount.StringFixed(2)
	}
	return amount.StringFixed(CurrencyExponent(c)) + " " + c
}
