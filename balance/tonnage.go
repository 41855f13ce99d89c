/*
tonnage.go - Exact base-10 arithmetic for balance amounts

PURPOSE:
  Every tonnage that flows through the balance path (record targets,
  transaction amounts, opening/closing totals, rounding corrections) is a
  Tonnage. Binary floating point is never used for comparison or
  accumulation: 0.1 added ten times is exactly 1.

PRECISION:
  Addition, subtraction and multiplication are exact, then normalised to
  at most 34 significant digits (the Decimal128 limit) with ROUND_HALF_UP.
  RoundTo2dp rounds half away from zero.

ABSENT INPUT:
  The package-level helpers accept `any`. nil, empty strings and values
  that cannot be parsed are treated as zero, so a missing field in a
  source record never poisons a calculation.

SEE ALSO:
  - rounding.go: Drift detection built on RoundTo2dp
  - calculator.go: Net-delta computation
*/
package balance

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision is the maximum number of significant digits kept by Tonnage.
const Precision = 34

// Tonnage is an exact decimal quantity. The zero value is 0.
type Tonnage struct {
	d decimal.Decimal
}

// Zero is the zero tonnage.
var Zero = Tonnage{}

// NewTonnage converts a decimal into a Tonnage.
func NewTonnage(d decimal.Decimal) Tonnage { return Tonnage{d: normalise(d)} }

// MustParseTonnage parses s, panicking on malformed input. Intended for
// literals in tests and fixtures.
func MustParseTonnage(s string) Tonnage {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("balance: invalid tonnage %q: %v", s, err))
	}
	return NewTonnage(d)
}

// ParseTonnage parses a decimal string.
func ParseTonnage(s string) (Tonnage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid tonnage %q: %w", s, err)
	}
	return NewTonnage(d), nil
}

// ToDecimal converts v to a Tonnage. Absent or unparseable input is zero.
func ToDecimal(v any) Tonnage {
	switch x := v.(type) {
	case nil:
		return Zero
	case Tonnage:
		return x
	case *Tonnage:
		if x == nil {
			return Zero
		}
		return *x
	case decimal.Decimal:
		return NewTonnage(x)
	case *decimal.Decimal:
		if x == nil {
			return Zero
		}
		return NewTonnage(*x)
	case string:
		t, err := ParseTonnage(x)
		if err != nil {
			return Zero
		}
		return t
	case json.Number:
		t, err := ParseTonnage(string(x))
		if err != nil {
			return Zero
		}
		return t
	case float64:
		return NewTonnage(decimal.NewFromFloat(x))
	case float32:
		return NewTonnage(decimal.NewFromFloat32(x))
	case int:
		return NewTonnage(decimal.NewFromInt(int64(x)))
	case int32:
		return NewTonnage(decimal.NewFromInt32(x))
	case int64:
		return NewTonnage(decimal.NewFromInt(x))
	default:
		return Zero
	}
}

// normalise caps d at Precision significant digits, ROUND_HALF_UP.
func normalise(d decimal.Decimal) decimal.Decimal {
	coeff := d.Coefficient()
	digits := len(coeff.Abs(coeff).String())
	if digits <= Precision {
		return d
	}
	places := -d.Exponent() - int32(digits-Precision)
	return d.Round(places)
}

// Add returns a + b.
func Add(a, b any) Tonnage { return ToDecimal(a).Add(ToDecimal(b)) }

// Subtract returns a - b.
func Subtract(a, b any) Tonnage { return ToDecimal(a).Sub(ToDecimal(b)) }

// Multiply returns a * b.
func Multiply(a, b any) Tonnage { return ToDecimal(a).Mul(ToDecimal(b)) }

// Equals reports whether a and b are exactly equal.
func Equals(a, b any) bool { return ToDecimal(a).Equal(ToDecimal(b)) }

// Abs returns |v|.
func Abs(v any) Tonnage { return ToDecimal(v).Abs() }

// GreaterThan reports whether a > b.
func GreaterThan(a, b any) bool { return ToDecimal(a).GreaterThan(ToDecimal(b)) }

// IsZero reports whether v is zero.
func IsZero(v any) bool { return ToDecimal(v).IsZero() }

// RoundTo2dp rounds v to exactly two decimal places.
func RoundTo2dp(v any) Tonnage { return ToDecimal(v).Round2dp() }

func (t Tonnage) Add(o Tonnage) Tonnage      { return NewTonnage(t.d.Add(o.d)) }
func (t Tonnage) Sub(o Tonnage) Tonnage      { return NewTonnage(t.d.Sub(o.d)) }
func (t Tonnage) Mul(o Tonnage) Tonnage      { return NewTonnage(t.d.Mul(o.d)) }
func (t Tonnage) Neg() Tonnage               { return Tonnage{d: t.d.Neg()} }
func (t Tonnage) Abs() Tonnage               { return Tonnage{d: t.d.Abs()} }
func (t Tonnage) Equal(o Tonnage) bool       { return t.d.Equal(o.d) }
func (t Tonnage) GreaterThan(o Tonnage) bool { return t.d.GreaterThan(o.d) }
func (t Tonnage) LessThan(o Tonnage) bool    { return t.d.LessThan(o.d) }
func (t Tonnage) IsZero() bool               { return t.d.IsZero() }
func (t Tonnage) IsPositive() bool           { return t.d.IsPositive() }
func (t Tonnage) IsNegative() bool           { return t.d.IsNegative() }
func (t Tonnage) Decimal() decimal.Decimal   { return t.d }
func (t Tonnage) Round2dp() Tonnage          { return Tonnage{d: t.d.Round(2)} }

// String renders the exact value without exponent notation.
func (t Tonnage) String() string { return t.d.String() }

// Float64 is for display and metrics only.
func (t Tonnage) Float64() float64 {
	f, _ := t.d.Float64()
	return f
}

// MarshalJSON writes the value as a JSON string so no precision is lost.
func (t Tonnage) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.d.String())
}

// UnmarshalJSON accepts both JSON numbers and strings.
func (t *Tonnage) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		*t = Zero
		return nil
	}
	v, err := ParseTonnage(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Value stores the tonnage as TEXT.
func (t Tonnage) Value() (driver.Value, error) {
	return t.d.String(), nil
}

// Scan reads TEXT, REAL or INTEGER columns.
func (t *Tonnage) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = Zero
	case []byte:
		p, err := ParseTonnage(string(v))
		if err != nil {
			return err
		}
		*t = p
	case string:
		p, err := ParseTonnage(v)
		if err != nil {
			return err
		}
		*t = p
	case float64, int64:
		*t = ToDecimal(v)
	default:
		return fmt.Errorf("balance: cannot scan %T into Tonnage", src)
	}
	return nil
}
