package models

import (
	"math"
	"strings"
)

// zeroDecimalCurrencies have no minor unit, so 5000 XOF is stored as 5000
var zeroDecimalCurrencies = map[string]bool{
	"XOF": true,
	"XAF": true,
	"JPY": true,
	"UGX": true,
	"RWF": true,
	"KRW": true,
}

// CurrencyExponent returns the number of minor-unit digits for a currency
func CurrencyExponent(currency string) int {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMajor converts an amount in minor units into major units
func ToMajor(amount int64, currency string) float64 {
	exp := CurrencyExponent(currency)
	if exp == 0 {
		return float64(amount)
	}
	return float64(amount) / math.Pow10(exp)
}

// ToMinor converts an amount in major units into minor units, rounding to the
// nearest minor unit
func ToMinor(amount float64, currency string) int64 {
	return int64(math.Round(amount * math.Pow10(CurrencyExponent(currency))))
}

// NormalizeCurrency upper-cases and trims a currency code
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
