package types

// Fiat currencies settle at 2 decimal places, everything else is treated as
// a crypto asset at 8. Amounts are rounded to this precision at every
// external boundary so stored values never carry excess digits.
var fiatCurrencies = map[string]struct{}{
	"NGN": {},
	"USD": {},
	"EUR": {},
	"GBP": {},
}

// DecimalPlaces returns the storage precision for a currency code.
func DecimalPlaces(currency string) int32 {
	if _, ok := fiatCurrencies[currency]; ok {
		return 2
	}
	return 8
}

// IsFiat reports whether the currency settles on bank rails.
func IsFiat(currency string) bool {
	_, ok := fiatCurrencies[currency]
	return ok
}
