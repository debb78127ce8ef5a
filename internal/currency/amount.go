package currency

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a fixed-precision integer quantity of a single asset, held in the
// asset's smallest unit (wei for the native asset, base units for tokens).
// The zero value is usable and equal to Zero(). Amounts are immutable; every
// operation returns a fresh value. The operation set is deliberately closed:
// channel accounting needs exactly add, subtract, compare, min and max.
type Amount struct {
	v *big.Int
}

func Zero() Amount {
	return Amount{v: new(big.Int)}
}

func FromInt64(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// Parse reads a base-10 integer string. Fractional or empty input is rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: v}, nil
}

// MustParse is for constants in wiring code and tests only.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}
}

// Cmp returns -1, 0 or +1 as a is less than, equal to or greater than b.
func (a Amount) Cmp(b Amount) int {
	return a.big().Cmp(b.big())
}

func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MulDiv returns a*num/den with the division truncated toward zero. It exists
// for exchange-rate application only; den must be non-zero.
func MulDiv(a, num, den Amount) (Amount, error) {
	if den.IsZero() {
		return Amount{}, fmt.Errorf("%w: zero divisor", ErrInvalidAmount)
	}
	out := new(big.Int).Mul(a.big(), num.big())
	out.Quo(out, den.big())
	return Amount{v: out}, nil
}

func (a Amount) IsZero() bool {
	return a.big().Sign() == 0
}

func (a Amount) IsNegative() bool {
	return a.big().Sign() < 0
}

func (a Amount) String() string {
	return a.big().String()
}

// MarshalJSON encodes the amount as a decimal string so that values larger
// than 2^53 survive a JSON round trip through the UI contexts.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.big().String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.Trim(s, `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	a.v = parsed.v
	return nil
}
