// Package usdc converts between decimal USDC strings and integer amounts
// in the smallest unit (1 USDC = 1,000,000 units).
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 6

// UnitsPerUSDC is the number of smallest units in one USDC.
const UnitsPerUSDC = 1_000_000

var (
	ErrInvalidAmount = errors.New("usdc: invalid amount")
	ErrOverflow      = errors.New("usdc: amount out of range")
)

// ParseUnits converts a decimal string (e.g. "1.50") to smallest units
// (1500000).
//
// Rules:
//   - Empty string is zero
//   - Negative amounts and multiple decimal points are rejected
//   - Fractional digits beyond six are truncated
//   - Amounts that do not fit in int64 are rejected with ErrOverflow
func ParseUnits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, ErrInvalidAmount
	}
	if !v.IsInt64() {
		return 0, ErrOverflow
	}
	return v.Int64(), nil
}

// FormatUnits renders smallest units as a decimal string with exactly six
// decimal places (e.g. 1500000 -> "1.500000").
func FormatUnits(units int64) string {
	neg := units < 0
	s := new(big.Int).Abs(big.NewInt(units)).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}
