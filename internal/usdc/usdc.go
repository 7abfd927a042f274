// Package usdc converts between human prices and on-chain token amounts.
//
// Amounts on the wire are decimal strings of the token's smallest unit.
// USDC uses 6 decimals, so 1 cent is 10,000 units.
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

// FromCents converts a price in cents to smallest units for a token with
// the given decimals. Tokens with fewer than 2 decimals cannot represent
// cents and return (nil, false), as do negative prices.
func FromCents(cents int64, decimals int) (*big.Int, bool) {
	if cents < 0 || decimals < 2 {
		return nil, false
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
	return new(big.Int).Mul(big.NewInt(cents), scale), true
}

// ParseUnits parses a non-negative base-10 integer amount as found in
// payment payloads ("50000"). Signs, decimals, hex and empty strings are rejected.
func ParseUnits(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(s, 10)
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
// Fractional digits beyond 6 are truncated.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) < Decimals {
		frac += strings.Repeat("0", Decimals-len(frac))
	}
	return ParseUnits(whole + frac[:Decimals])
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) < Decimals+1 {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}
