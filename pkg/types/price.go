package types

import (
	"fmt"
	"math/bits"
)

// Price is an exchange rate between two units, expressed as quote units per
// base unit in 64.64 fixed point. Market invariant: Quote > Base, so every
// unit pair has exactly one orientation.
type Price struct {
	Ratio Amount    `json:"ratio"`
	Base  AssetUnit `json:"base"`
	Quote AssetUnit `json:"quote"`
}

// NewPrice builds a price from a quote amount per base amount, e.g.
// NewPrice(2 usd, 1 bts) = 2 usd/bts. Errors when base is zero or the pair
// is not oriented quote > base.
func NewPrice(quote, base Asset) (Price, error) {
	if quote.Unit <= base.Unit {
		return Price{}, fmt.Errorf("price pair must be oriented quote > base, got %s/%s", quote.Unit, base.Unit)
	}
	ratio, err := quote.Amount.RatioOf(base.Amount)
	if err != nil {
		return Price{}, err
	}
	return Price{Ratio: ratio, Base: base.Unit, Quote: quote.Unit}, nil
}

// IsZero returns true for the zero price.
func (p Price) IsZero() bool {
	return p.Ratio.IsZero()
}

// Cmp compares two prices on the same pair.
func (p Price) Cmp(o Price) int {
	return p.Ratio.Cmp(o.Ratio)
}

// SamePair reports whether two prices quote the same unit pair.
func (p Price) SamePair(o Price) bool {
	return p.Base == o.Base && p.Quote == o.Quote
}

// String renders "ratio quote/base" with the ratio as a decimal.
func (p Price) String() string {
	whole := p.Ratio.Hi
	// Render the fractional 64 bits to 8 decimal places.
	frac := uint64(0)
	rem := p.Ratio.Lo
	for i := 0; i < 8; i++ {
		digit, lo := bits.Mul64(rem, 10)
		frac = frac*10 + digit
		rem = lo
	}
	return fmt.Sprintf("%d.%08d %s/%s", whole, frac, p.Quote, p.Base)
}
