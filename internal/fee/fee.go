package fee

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var ErrOverflow = errors.New("fixed-point overflow")

// Denominator is the scale shared by every fee numerator: 100e18 is 100%.
var Denominator = uint256.MustFromDecimal("100000000000000000000")

// One is 1e18, the scale of share amounts and USD values.
var One = uint256.MustFromDecimal("1000000000000000000")

type Fee struct {
	Numerator   *uint256.Int
	Denominator *uint256.Int
}

func New(numerator *uint256.Int) Fee {
	return Fee{Numerator: clone(numerator), Denominator: new(uint256.Int).Set(Denominator)}
}

// Percent builds a fee from a whole percentage, e.g. Percent(10) is 10%.
func Percent(p uint64) Fee {
	return New(new(uint256.Int).Mul(uint256.NewInt(p), One))
}

func Zero() Fee {
	return New(new(uint256.Int))
}

func (f Fee) Valid() bool {
	if f.Numerator == nil || f.Denominator == nil || f.Denominator.IsZero() {
		return false
	}
	return !f.Numerator.Gt(f.Denominator)
}

func (f Fee) IsZero() bool {
	return f.Numerator == nil || f.Numerator.IsZero()
}

// Exceeds compares two fees by cross multiplication so differing
// denominators are handled.
func (f Fee) Exceeds(other Fee) bool {
	left, lo := new(uint256.Int).MulOverflow(f.Numerator, other.Denominator)
	right, ro := new(uint256.Int).MulOverflow(other.Numerator, f.Denominator)
	if lo || ro {
		return lo && !ro
	}
	return left.Gt(right)
}

// Apply returns floor(amount * numerator / denominator).
func (f Fee) Apply(amount *uint256.Int) (*uint256.Int, error) {
	if f.IsZero() || amount == nil || amount.IsZero() {
		return new(uint256.Int), nil
	}
	return MulDiv(amount, f.Numerator, f.Denominator)
}

func (f Fee) Clone() Fee {
	return Fee{Numerator: clone(f.Numerator), Denominator: clone(f.Denominator)}
}

func (f Fee) String() string {
	if f.Numerator == nil || f.Denominator == nil {
		return "0/0"
	}
	return fmt.Sprintf("%s/%s", f.Numerator.Dec(), f.Denominator.Dec())
}

// MulDiv returns floor(x * y / d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, fmt.Errorf("muldiv: %w: zero divisor", ErrOverflow)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("muldiv: %w", ErrOverflow)
	}
	return out, nil
}

func Add(x, y *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("add: %w", ErrOverflow)
	}
	return out, nil
}

// SatSub returns x - y, or zero when y exceeds x.
func SatSub(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

// Units returns whole * 10^decimals.
func Units(whole uint64, decimals uint8) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(whole), Pow10(decimals))
}

// ParseUnits parses a decimal string such as "2.5" into an integer scaled
// by 10^decimals. Digits beyond the scale are rejected rather than rounded.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("parse units %q: more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	out, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("parse units %q: %w", s, err)
	}
	return out, nil
}

// ParsePercent parses a percentage such as "2.5" into a Fee.
func ParsePercent(s string) (Fee, error) {
	n, err := ParseUnits(s, 18)
	if err != nil {
		return Fee{}, err
	}
	f := New(n)
	if !f.Valid() {
		return Fee{}, fmt.Errorf("parse percent %q: above 100", s)
	}
	return f, nil
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
