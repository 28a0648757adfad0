// Package fixedpoint implements the scaled-integer arithmetic used for
// prices, ratios, and collateral amounts. All quantities are arbitrary
// precision integers scaled by 10^18. Multiplication and division
// truncate toward zero; callers relying on exact boundary comparisons
// depend on that policy.
package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"
)

// FractionalDigits is the number of decimal places representable without loss.
const FractionalDigits = 18

var scale = mustBigInt("1000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Scale returns a fresh copy of the 10^18 scaling factor.
func Scale() *big.Int {
	return new(big.Int).Set(scale)
}

// One returns the scaled representation of 1.
func One() *big.Int {
	return new(big.Int).Set(scale)
}

// Mul returns floor(a*b / 10^18), truncating toward zero.
func Mul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, scale)
}

// Div returns floor(a*10^18 / b), truncating toward zero. A zero or nil
// divisor yields zero.
func Div(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, scale)
	return numerator.Quo(numerator, b)
}

// Sub returns a - b.
func Sub(a, b *big.Int) *big.Int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return new(big.Int).Sub(a, b)
}

// Cmp compares two scaled values, treating nil as zero.
func Cmp(a, b *big.Int) int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b)
}

// FromDecimal parses a decimal string such as "1.02" or "-0.5" into its
// scaled-integer representation. At most 18 fractional digits are
// accepted; anything finer has no exact representation and is rejected.
func FromDecimal(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("fixedpoint: empty decimal string")
	}
	negative := false
	switch trimmed[0] {
	case '+':
		trimmed = trimmed[1:]
	case '-':
		negative = true
		trimmed = trimmed[1:]
	}
	if trimmed == "" || trimmed == "." {
		return nil, fmt.Errorf("fixedpoint: invalid decimal %q", value)
	}

	intPart := trimmed
	fracPart := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		intPart = trimmed[:idx]
		fracPart = trimmed[idx+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return nil, fmt.Errorf("fixedpoint: invalid decimal %q", value)
		}
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > FractionalDigits {
		return nil, fmt.Errorf("fixedpoint: %q exceeds %d fractional digits", value, FractionalDigits)
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return nil, fmt.Errorf("fixedpoint: invalid decimal %q", value)
	}

	padded := fracPart + strings.Repeat("0", FractionalDigits-len(fracPart))
	combined, ok := new(big.Int).SetString(intPart+padded, 10)
	if !ok {
		return nil, fmt.Errorf("fixedpoint: invalid decimal %q", value)
	}
	if negative {
		combined.Neg(combined)
	}
	return combined, nil
}

// ToDecimal renders a scaled value as a canonical decimal string with
// trailing fractional zeros removed. FromDecimal(ToDecimal(x)) == x for
// every scaled value.
func ToDecimal(value *big.Int) string {
	if value == nil || value.Sign() == 0 {
		return "0"
	}
	abs := new(big.Int).Abs(value)
	quo, rem := new(big.Int).QuoRem(abs, scale, new(big.Int))

	out := quo.String()
	if rem.Sign() != 0 {
		frac := fmt.Sprintf("%018s", rem.String())
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if value.Sign() < 0 {
		out = "-" + out
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
