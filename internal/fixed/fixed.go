// Package fixed implements the engine's fixed-point number types.
//
// Token balances and share quantities are Amounts: unsigned 256-bit integers
// carrying 18 implied fractional digits. Oracle scores are Scores with 8
// implied fractional digits. All arithmetic is checked and fails instead of
// wrapping. Values cross the API boundary as decimal strings ("10.5").
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// TokenDecimals is the number of fractional digits of an Amount.
	TokenDecimals = 18

	// ScoreDecimals is the number of fractional digits of a Score.
	ScoreDecimals = 8
)

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixed: arithmetic overflow")

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixed: arithmetic underflow")

	// ErrNegative is returned when parsing a negative value.
	ErrNegative = errors.New("fixed: value must not be negative")

	// ErrPrecision is returned when a value has more fractional digits than
	// its type can represent.
	ErrPrecision = errors.New("fixed: too many fractional digits")

	// ErrDivisionByZero is returned by MulDiv with a zero denominator.
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

// maxExponent bounds the decimal exponent accepted by parse. Scaling a
// value with a larger exponent allocates big integers proportional to it,
// and any non-zero value beyond 1e80 overflows 256 bits anyway.
const maxExponent = 80

var (
	tokenUnit = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(TokenDecimals))
	scoreUnit = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(ScoreDecimals))
)

// parse converts a decimal string into a raw integer with the given number
// of implied fractional digits.
func parse(s string, decimals int32) (uint256.Int, error) {
	var out uint256.Int
	d, err := decimal.NewFromString(s)
	if err != nil {
		return out, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return fromDecimal(d, decimals)
}

func fromDecimal(d decimal.Decimal, decimals int32) (uint256.Int, error) {
	var out uint256.Int
	if d.IsNegative() {
		return out, ErrNegative
	}
	switch {
	case d.IsZero():
		return out, nil
	case d.Exponent() > maxExponent:
		return out, ErrOverflow
	case d.Exponent() < -maxExponent:
		return out, ErrPrecision
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return out, ErrPrecision
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return out, ErrOverflow
	}
	return *v, nil
}

func parseRaw(s string) (uint256.Int, error) {
	var out uint256.Int
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return out, fmt.Errorf("fixed: parse raw %q: %w", s, err)
	}
	return *v, nil
}

func toDecimal(v *uint256.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -decimals)
}

func add(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(x, y); overflow {
		return uint256.Int{}, ErrOverflow
	}
	return z, nil
}

func sub(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(x, y); underflow {
		return uint256.Int{}, ErrUnderflow
	}
	return z, nil
}

func mulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if d.IsZero() {
		return z, ErrDivisionByZero
	}
	if _, overflow := z.MulDivOverflow(x, y, d); overflow {
		return uint256.Int{}, ErrOverflow
	}
	return z, nil
}

// Amount is a non-negative token or share quantity with 18 fractional digits.
// The zero value is zero.
type Amount struct {
	v uint256.Int
}

// NewAmount returns whole token units as an Amount.
func NewAmount(whole uint64) Amount {
	var a Amount
	a.v.Mul(uint256.NewInt(whole), tokenUnit)
	return a
}

// AmountFromRaw wraps a raw base-unit integer.
func AmountFromRaw(raw *uint256.Int) Amount {
	var a Amount
	a.v.Set(raw)
	return a
}

// ParseAmount parses a decimal token quantity such as "10" or "0.25".
func ParseAmount(s string) (Amount, error) {
	v, err := parse(s, TokenDecimals)
	return Amount{v: v}, err
}

// ParseRawAmount parses an integer count of base units (1e-18 tokens).
func ParseRawAmount(s string) (Amount, error) {
	v, err := parseRaw(s)
	return Amount{v: v}, err
}

// AmountFromDecimal converts a decimal token quantity.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	v, err := fromDecimal(d, TokenDecimals)
	return Amount{v: v}, err
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Raw returns a copy of the base-unit integer.
func (a Amount) Raw() *uint256.Int { return a.v.Clone() }

// RawString returns the base-unit integer in decimal, as persisted.
func (a Amount) RawString() string { return a.v.Dec() }

// BigInt returns the base-unit integer as a big.Int.
func (a Amount) BigInt() *big.Int { return a.v.ToBig() }

// Decimal returns the amount in token units.
func (a Amount) Decimal() decimal.Decimal { return toDecimal(&a.v, TokenDecimals) }

func (a Amount) String() string { return a.Decimal().String() }

func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp returns -1, 0 or +1 as a is less than, equal to or greater than b.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Equal(b Amount) bool { return a.v.Eq(&b.v) }

func (a Amount) LessThan(b Amount) bool { return a.v.Lt(&b.v) }

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	v, err := add(&a.v, &b.v)
	return Amount{v: v}, err
}

// Sub returns a-b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	v, err := sub(&a.v, &b.v)
	return Amount{v: v}, err
}

// MulUnits multiplies two 18-decimal quantities, rounding down:
// floor(a·b / 1e18). Price times shares yields tokens.
func (a Amount) MulUnits(b Amount) (Amount, error) {
	v, err := mulDiv(&a.v, &b.v, tokenUnit)
	return Amount{v: v}, err
}

// MulUnitsUp multiplies two 18-decimal quantities, rounding up:
// ceil(a·b / 1e18).
func (a Amount) MulUnitsUp(b Amount) (Amount, error) {
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&a.v, &b.v, tokenUnit); overflow {
		return Amount{}, ErrOverflow
	}
	var rem uint256.Int
	rem.MulMod(&a.v, &b.v, tokenUnit)
	if rem.IsZero() {
		return Amount{v: z}, nil
	}
	v, err := add(&z, uint256.NewInt(1))
	return Amount{v: v}, err
}

// MulUint64 returns a·n or ErrOverflow.
func (a Amount) MulUint64(n uint64) (Amount, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&a.v, uint256.NewInt(n)); overflow {
		return Amount{}, ErrOverflow
	}
	return Amount{v: z}, nil
}

// MulDiv returns floor(a·num / den).
func (a Amount) MulDiv(num, den *uint256.Int) (Amount, error) {
	v, err := mulDiv(&a.v, num, den)
	return Amount{v: v}, err
}

func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Sum adds amounts with overflow checking.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// Score is a non-negative oracle score with 8 fractional digits.
type Score struct {
	v uint256.Int
}

// NewScore returns a whole-number score.
func NewScore(whole uint64) Score {
	var s Score
	s.v.Mul(uint256.NewInt(whole), scoreUnit)
	return s
}

// ScoreFromRaw wraps a raw score integer (score × 1e8).
func ScoreFromRaw(raw *uint256.Int) Score {
	var s Score
	s.v.Set(raw)
	return s
}

// ParseScore parses a decimal score such as "150" or "87.5".
func ParseScore(s string) (Score, error) {
	v, err := parse(s, ScoreDecimals)
	return Score{v: v}, err
}

// ParseRawScore parses a raw score integer.
func ParseRawScore(s string) (Score, error) {
	v, err := parseRaw(s)
	return Score{v: v}, err
}

func MustParseScore(s string) Score {
	v, err := ParseScore(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (s Score) Raw() *uint256.Int { return s.v.Clone() }

func (s Score) RawString() string { return s.v.Dec() }

func (s Score) Decimal() decimal.Decimal { return toDecimal(&s.v, ScoreDecimals) }

func (s Score) String() string { return s.Decimal().String() }

func (s Score) IsZero() bool { return s.v.IsZero() }

func (s Score) Cmp(o Score) int { return s.v.Cmp(&o.v) }

func (s Score) Equal(o Score) bool { return s.v.Eq(&o.v) }

func (s Score) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Score) UnmarshalText(b []byte) error {
	v, err := ParseScore(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsArithmetic reports whether err came from a checked operation in this
// package.
func IsArithmetic(err error) bool {
	return errors.Is(err, ErrOverflow) || errors.Is(err, ErrUnderflow) || errors.Is(err, ErrDivisionByZero)
}
