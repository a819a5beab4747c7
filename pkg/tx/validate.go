package tx

import (
	"errors"
	"fmt"

	"github.com/unityledger/unity-chain/pkg/types"
)

// Structural validation errors.
var (
	ErrEmpty            = errors.New("transaction has no inputs or outputs")
	ErrDuplicateInput   = errors.New("duplicate input")
	ErrZeroOutput       = errors.New("output amount is zero")
	ErrBadUnit          = errors.New("invalid asset unit")
	ErrBadPricePair     = errors.New("price pair not oriented quote > base")
	ErrTooManyInputs    = errors.New("too many inputs")
	ErrTooManyOutputs   = errors.New("too many outputs")
	ErrCoverNotBitAsset = errors.New("cover payoff must be a bit-asset")
	ErrCoverCollateral  = errors.New("cover collateral must be bts")
)

// Limits on transaction shape. These are structural sanity bounds, not
// consensus economics.
const (
	MaxInputs  = 1024
	MaxOutputs = 1024
)

// Validate checks transaction structure and basic rules. It does NOT check
// spendability — that requires the ledger.
func (t *Transaction) Validate() error {
	if len(t.Inputs) == 0 && len(t.Outputs) == 0 {
		return ErrEmpty
	}
	if len(t.Inputs) > MaxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(t.Inputs), MaxInputs)
	}
	if len(t.Outputs) > MaxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(t.Outputs), MaxOutputs)
	}

	seen := make(map[types.OutputReference]bool, len(t.Inputs))
	for i, in := range t.Inputs {
		if seen[in.OutputRef] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.OutputRef] = true
	}

	for i, out := range t.Outputs {
		if err := validateOutput(out); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	return nil
}

func validateOutput(out Output) error {
	if !out.Amount.Unit.Valid() {
		return ErrBadUnit
	}
	if out.Amount.IsZero() {
		return ErrZeroOutput
	}
	switch c := out.Claim.(type) {
	case SignatureClaim, PtsClaim:
		return nil
	case BidClaim:
		return validateOrderPrice(c.AskPrice, out.Amount.Unit)
	case LongClaim:
		if out.Amount.Unit != types.UnitBTS {
			return fmt.Errorf("%w: short collateral is %s", ErrCoverCollateral, out.Amount.Unit)
		}
		return validateOrderPrice(c.AskPrice, out.Amount.Unit)
	case CoverClaim:
		if out.Amount.Unit != types.UnitBTS {
			return fmt.Errorf("%w: collateral is %s", ErrCoverCollateral, out.Amount.Unit)
		}
		if c.Payoff.Unit == types.UnitBTS || !c.Payoff.Unit.Valid() {
			return ErrCoverNotBitAsset
		}
		if c.Payoff.IsZero() {
			return ErrZeroOutput
		}
		return nil
	}
	return fmt.Errorf("unknown claim type %T", out.Claim)
}

func validateOrderPrice(p types.Price, unit types.AssetUnit) error {
	if p.Quote <= p.Base || !p.Quote.Valid() {
		return ErrBadPricePair
	}
	if p.IsZero() {
		return fmt.Errorf("%w: zero price", ErrBadPricePair)
	}
	if unit != p.Base && unit != p.Quote {
		return fmt.Errorf("%w: order unit %s not in pair %s/%s", ErrBadUnit, unit, p.Quote, p.Base)
	}
	return nil
}
