package types

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"math/bits"
)

// UnitScale is the number of base units per whole coin: amounts carry
// 8 decimal places of precision.
const UnitScale = 100_000_000

// Arithmetic errors.
var (
	ErrAmountOverflow  = errors.New("amount overflow")
	ErrAmountUnderflow = errors.New("amount underflow")
	ErrDivideByZero    = errors.New("divide by zero")
)

// Amount is an unsigned 128-bit count of 1e-8 asset units. All consensus
// arithmetic is exact; multiplication and division truncate toward zero at
// the 8-decimal boundary.
type Amount struct {
	Hi uint64
	Lo uint64
}

// NewAmount returns an amount of the given number of 1e-8 units.
func NewAmount(units uint64) Amount {
	return Amount{Lo: units}
}

// FromWhole returns an amount of the given number of whole coins.
func FromWhole(coins uint64) Amount {
	hi, lo := bits.Mul64(coins, UnitScale)
	return Amount{Hi: hi, Lo: lo}
}

// IsZero returns true if the amount is zero.
func (a Amount) IsZero() bool {
	return a.Hi == 0 && a.Lo == 0
}

// Cmp returns -1, 0, or 1 comparing a to b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.Hi < b.Hi:
		return -1
	case a.Hi > b.Hi:
		return 1
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	}
	return 0
}

// Add returns a+b, or an error on 128-bit overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	lo, carry := bits.Add64(a.Lo, b.Lo, 0)
	hi, carry := bits.Add64(a.Hi, b.Hi, carry)
	if carry != 0 {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{Hi: hi, Lo: lo}, nil
}

// Sub returns a-b, or an error if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	lo, borrow := bits.Sub64(a.Lo, b.Lo, 0)
	hi, borrow := bits.Sub64(a.Hi, b.Hi, borrow)
	if borrow != 0 {
		return Amount{}, ErrAmountUnderflow
	}
	return Amount{Hi: hi, Lo: lo}, nil
}

// MulRatio returns (a × ratio) >> 64, the 64.64 fixed-point product used for
// price conversion. Truncates toward zero; errors if the result does not fit
// in 128 bits.
func (a Amount) MulRatio(ratio Amount) (Amount, error) {
	// Full 256-bit product of two 128-bit values, computed with math/big.
	p := new(big.Int).Mul(a.big(), ratio.big())
	p.Rsh(p, 64)
	return amountFromBig(p)
}

// DivRatio returns (a << 64) / ratio, the inverse of MulRatio.
func (a Amount) DivRatio(ratio Amount) (Amount, error) {
	if ratio.IsZero() {
		return Amount{}, ErrDivideByZero
	}
	q := new(big.Int).Lsh(a.big(), 64)
	q.Div(q, ratio.big())
	return amountFromBig(q)
}

// RatioOf returns (a << 64) / b as a 64.64 fixed-point ratio.
func (a Amount) RatioOf(b Amount) (Amount, error) {
	return a.DivRatio(b)
}

// DivInt returns a/n truncated toward zero.
func (a Amount) DivInt(n uint64) (Amount, error) {
	if n == 0 {
		return Amount{}, ErrDivideByZero
	}
	hi := a.Hi / n
	rem := a.Hi % n
	lo, _ := bits.Div64(rem, a.Lo, n)
	return Amount{Hi: hi, Lo: lo}, nil
}

// MulInt returns a×n, or an error on overflow.
func (a Amount) MulInt(n uint64) (Amount, error) {
	hiLo, lo := bits.Mul64(a.Lo, n)
	hiHi, hi := bits.Mul64(a.Hi, n)
	if hiHi != 0 {
		return Amount{}, ErrAmountOverflow
	}
	hi, carry := bits.Add64(hi, hiLo, 0)
	if carry != 0 {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{Hi: hi, Lo: lo}, nil
}

// Units returns the amount as a 64-bit unit count. Amounts that exceed
// 64 bits saturate to MaxUint64; consensus values are range-checked long
// before this point.
func (a Amount) Units() uint64 {
	if a.Hi != 0 {
		return ^uint64(0)
	}
	return a.Lo
}

// AppendBytes appends the canonical little-endian 16-byte encoding.
func (a Amount) AppendBytes(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, a.Lo)
	buf = binary.LittleEndian.AppendUint64(buf, a.Hi)
	return buf
}

// BigEndianBytes returns the 16-byte big-endian encoding, used for ordered
// store keys that must sort numerically.
func (a Amount) BigEndianBytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], a.Hi)
	binary.BigEndian.PutUint64(b[8:], a.Lo)
	return b
}

// AmountFromBigEndian decodes a key produced by BigEndianBytes.
func AmountFromBigEndian(b []byte) (Amount, error) {
	if len(b) != 16 {
		return Amount{}, fmt.Errorf("amount key must be 16 bytes, got %d", len(b))
	}
	return Amount{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// String renders the amount as a decimal with 8 fraction digits.
func (a Amount) String() string {
	v := a.big()
	scale := big.NewInt(UnitScale)
	whole, frac := new(big.Int).DivMod(v, scale, new(big.Int))
	return fmt.Sprintf("%s.%08d", whole.String(), frac.Uint64())
}

// MarshalJSON encodes the amount as a decimal unit-count string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.big().String())
}

// UnmarshalJSON decodes a decimal unit-count string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Amount{}
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	parsed, err := amountFromBig(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) big() *big.Int {
	v := new(big.Int).SetUint64(a.Hi)
	v.Lsh(v, 64)
	return v.Add(v, new(big.Int).SetUint64(a.Lo))
}

func amountFromBig(v *big.Int) (Amount, error) {
	if v.Sign() < 0 {
		return Amount{}, ErrAmountUnderflow
	}
	if v.BitLen() > 128 {
		return Amount{}, ErrAmountOverflow
	}
	var b [16]byte
	v.FillBytes(b[:])
	return Amount{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}
