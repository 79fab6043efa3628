// Package money converts between nano-TON integers and display values.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// NanoPerTON is the number of nano units in one TON.
const NanoPerTON = 1_000_000_000

var (
	nanoPerTON  = decimal.NewFromInt(NanoPerTON)
	basisPoints = decimal.NewFromInt(10_000)
)

// ErrInvalidRate is returned for a commission rate outside [0, 10000] bp.
var ErrInvalidRate = errors.New("commission rate must be between 0 and 10000 bp")

// Commission returns floor(amountNano * rateBp / 10000).
func Commission(amountNano int64, rateBp int) (int64, error) {
	if rateBp < 0 || rateBp > 10_000 {
		return 0, ErrInvalidRate
	}
	c := decimal.NewFromInt(amountNano).
		Mul(decimal.NewFromInt(int64(rateBp))).
		Div(basisPoints).
		Floor()
	return c.IntPart(), nil
}

// FormatTON renders a nano amount as a TON string with trailing zeros trimmed, e.g. "1.5".
func FormatTON(nano int64) string {
	return decimal.NewFromInt(nano).Div(nanoPerTON).String()
}

// ParseTON parses a TON string into nano units, truncating below one nano.
func ParseTON(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Mul(nanoPerTON).Truncate(0).IntPart(), nil
}
