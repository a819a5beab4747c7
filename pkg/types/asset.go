package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AssetUnit enumerates the asset classes tracked by the chain. BTS is the
// base share/collateral unit; every other unit is a bit-asset priced
// against BTS.
type AssetUnit uint8

const (
	UnitBTS AssetUnit = iota
	UnitUSD
	UnitEUR
	UnitGLD
	UnitSLV
	// UnitCount is the sentinel one past the last valid unit.
	UnitCount
)

var unitNames = [UnitCount]string{"bts", "usd", "eur", "gld", "slv"}

// ErrUnitMismatch is returned by asset arithmetic on differing units.
var ErrUnitMismatch = errors.New("asset unit mismatch")

// Valid reports whether u names a real unit.
func (u AssetUnit) Valid() bool {
	return u < UnitCount
}

// String returns the lower-case ticker for the unit.
func (u AssetUnit) String() string {
	if u < UnitCount {
		return unitNames[u]
	}
	return fmt.Sprintf("unit(%d)", uint8(u))
}

// MarshalJSON encodes the unit as its ticker string.
func (u AssetUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON decodes a ticker string into a unit.
func (u *AssetUnit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range unitNames {
		if name == s {
			*u = AssetUnit(i)
			return nil
		}
	}
	return fmt.Errorf("unknown asset unit %q", s)
}

// Asset is an amount of a single unit.
type Asset struct {
	Amount Amount    `json:"amount"`
	Unit   AssetUnit `json:"unit"`
}

// NewAsset returns an asset of the given 1e-8 unit count.
func NewAsset(units uint64, unit AssetUnit) Asset {
	return Asset{Amount: NewAmount(units), Unit: unit}
}

// IsZero returns true if the asset amount is zero.
func (a Asset) IsZero() bool {
	return a.Amount.IsZero()
}

// Add returns a+b. The units must match.
func (a Asset) Add(b Asset) (Asset, error) {
	if a.Unit != b.Unit {
		return Asset{}, fmt.Errorf("%w: %s + %s", ErrUnitMismatch, a.Unit, b.Unit)
	}
	sum, err := a.Amount.Add(b.Amount)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Amount: sum, Unit: a.Unit}, nil
}

// Sub returns a-b. The units must match and b must not exceed a.
func (a Asset) Sub(b Asset) (Asset, error) {
	if a.Unit != b.Unit {
		return Asset{}, fmt.Errorf("%w: %s - %s", ErrUnitMismatch, a.Unit, b.Unit)
	}
	diff, err := a.Amount.Sub(b.Amount)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Amount: diff, Unit: a.Unit}, nil
}

// Mul converts the asset across the price's unit pair: a base-unit asset
// becomes quote units, a quote-unit asset becomes base units. Truncates
// toward zero.
func (a Asset) Mul(p Price) (Asset, error) {
	switch a.Unit {
	case p.Base:
		amt, err := a.Amount.MulRatio(p.Ratio)
		if err != nil {
			return Asset{}, err
		}
		return Asset{Amount: amt, Unit: p.Quote}, nil
	case p.Quote:
		amt, err := a.Amount.DivRatio(p.Ratio)
		if err != nil {
			return Asset{}, err
		}
		return Asset{Amount: amt, Unit: p.Base}, nil
	}
	return Asset{}, fmt.Errorf("%w: cannot price %s in %s/%s", ErrUnitMismatch, a.Unit, p.Quote, p.Base)
}

// DivInt returns a/n truncated toward zero.
func (a Asset) DivInt(n uint64) (Asset, error) {
	amt, err := a.Amount.DivInt(n)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Amount: amt, Unit: a.Unit}, nil
}

// MulInt returns a×n.
func (a Asset) MulInt(n uint64) (Asset, error) {
	amt, err := a.Amount.MulInt(n)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Amount: amt, Unit: a.Unit}, nil
}

// String renders "12.34000000 usd".
func (a Asset) String() string {
	return a.Amount.String() + " " + a.Unit.String()
}
