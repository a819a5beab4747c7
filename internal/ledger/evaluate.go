package ledger

import (
	"errors"
	"fmt"

	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Evaluation errors. These surface to the submitter; none are fatal.
var (
	ErrMissingSignature = errors.New("required signature missing")
	ErrMarketOnlyClaim  = errors.New("claim can only be consumed by market matching")
	ErrUnbalanced       = errors.New("per-unit inputs do not cover outputs")
	ErrNoFee            = errors.New("transaction pays no fee")
	ErrFeeTooLow        = errors.New("fee below rate floor")
	ErrBadStake         = errors.New("stake does not match a recent block id")
	ErrNotYetValid      = errors.New("transaction not yet valid")
	ErrExpired          = errors.New("transaction expired")
	ErrCoverShortfall   = errors.New("cover inputs do not repay claimed debt")
	ErrCoverRelease     = errors.New("cover releases more collateral than debt repaid allows")
)

// Eval is the result of evaluating a transaction against the ledger.
type Eval struct {
	// Fees is the BTS surplus the transaction pays.
	Fees types.Asset
	// CoindaysDestroyed is Σ bts-input units × input age in blocks.
	CoindaysDestroyed uint64
	// TotalSpent is the total BTS units consumed by inputs.
	TotalSpent uint64
}

// Add accumulates another evaluation into this one.
func (e *Eval) Add(o Eval) error {
	sum, err := e.Fees.Add(o.Fees)
	if err != nil {
		return err
	}
	e.Fees = sum
	e.CoindaysDestroyed += o.CoindaysDestroyed
	e.TotalSpent += o.TotalSpent
	return nil
}

// unitBalance is the per-unit balance sheet row.
type unitBalance struct {
	in, out           types.Amount
	collatIn          types.Amount // bts entering as cover collateral
	collatOut         types.Amount // bts leaving into cover outputs
	debtIn, debtOut   types.Amount // cover payoff consumed / recreated
}

// Evaluate validates a signed transaction against the current ledger state
// and prices it. isMarket marks transactions synthesized by the matching
// engine, which may consume resting orders without signatures.
// ignoreFees skips the fee-floor check (used for market transactions,
// which pay through spread rather than explicit fees).
func (c *ChainDB) Evaluate(trx *tx.SignedTransaction, isMarket, ignoreFees bool) (Eval, error) {
	if err := trx.Validate(); err != nil {
		return Eval{}, err
	}
	// Market transactions are implied by block generation: they carry no
	// stake and no validity window.
	if !isMarket {
		if err := c.checkStakeAndWindow(&trx.Transaction); err != nil {
			return Eval{}, err
		}
	}

	inputs, err := c.FetchInputs(trx.Inputs)
	if err != nil {
		return Eval{}, err
	}

	signed := trx.SignedAddresses()
	signedPts := signedPtsAddresses(trx)

	sheet := make(map[types.AssetUnit]*unitBalance)
	row := func(u types.AssetUnit) *unitBalance {
		r, ok := sheet[u]
		if !ok {
			r = &unitBalance{}
			sheet[u] = r
		}
		return r
	}

	var eval Eval
	eval.Fees = types.Asset{Unit: types.UnitBTS}
	headNum := c.HeadBlockNum()

	for i, in := range inputs {
		if in.MetaOutput.Spent {
			return Eval{}, fmt.Errorf("input %d: %w: spent by %s", i, ErrOutputSpent, in.MetaOutput.SpentBy)
		}
		out := in.Output

		switch claim := out.Claim.(type) {
		case tx.SignatureClaim:
			if !signed[claim.Owner] {
				return Eval{}, fmt.Errorf("input %d: %w: owner %s", i, ErrMissingSignature, claim.Owner)
			}
			r := row(out.Amount.Unit)
			if r.in, err = r.in.Add(out.Amount.Amount); err != nil {
				return Eval{}, err
			}
		case tx.PtsClaim:
			if !signedPts[claim.Owner] {
				return Eval{}, fmt.Errorf("input %d: %w: pts owner %s", i, ErrMissingSignature, claim.Owner)
			}
			r := row(out.Amount.Unit)
			if r.in, err = r.in.Add(out.Amount.Amount); err != nil {
				return Eval{}, err
			}
		case tx.BidClaim, tx.LongClaim:
			// Resting orders move only through deterministic matching.
			if !isMarket {
				return Eval{}, fmt.Errorf("input %d: %w", i, ErrMarketOnlyClaim)
			}
			r := row(out.Amount.Unit)
			if r.in, err = r.in.Add(out.Amount.Amount); err != nil {
				return Eval{}, err
			}
		case tx.CoverClaim:
			if !isMarket && !signed[claim.Owner] {
				return Eval{}, fmt.Errorf("input %d: %w: cover owner %s", i, ErrMissingSignature, claim.Owner)
			}
			r := row(out.Amount.Unit)
			if r.collatIn, err = r.collatIn.Add(out.Amount.Amount); err != nil {
				return Eval{}, err
			}
			dr := row(claim.Payoff.Unit)
			if dr.debtIn, err = dr.debtIn.Add(claim.Payoff.Amount); err != nil {
				return Eval{}, err
			}
		}

		if out.Amount.Unit == types.UnitBTS {
			age := uint64(headNum + 1 - in.Source.BlockNum)
			eval.CoindaysDestroyed += out.Amount.Amount.Units() * age
			eval.TotalSpent += out.Amount.Amount.Units()
		}
	}

	for _, out := range trx.Outputs {
		if cover, ok := out.Claim.(tx.CoverClaim); ok {
			r := row(out.Amount.Unit)
			if r.collatOut, err = r.collatOut.Add(out.Amount.Amount); err != nil {
				return Eval{}, err
			}
			dr := row(cover.Payoff.Unit)
			if dr.debtOut, err = dr.debtOut.Add(cover.Payoff.Amount); err != nil {
				return Eval{}, err
			}
			continue
		}
		r := row(out.Amount.Unit)
		if r.out, err = r.out.Add(out.Amount.Amount); err != nil {
			return Eval{}, err
		}
	}

	if err := c.settleSheet(sheet, isMarket, &eval); err != nil {
		return Eval{}, err
	}

	if !ignoreFees && c.hasHead {
		if eval.Fees.IsZero() {
			return Eval{}, ErrNoFee
		}
		floor := c.FeeRate() * trx.Size()
		if eval.Fees.Amount.Units() < floor {
			return Eval{}, fmt.Errorf("%w: paid %d, need %d", ErrFeeTooLow, eval.Fees.Amount.Units(), floor)
		}
	}
	return eval, nil
}

// settleSheet enforces per-unit conservation. For BTS, the surplus of
// inputs (regular plus collateral) over outputs is the fee. For
// bit-assets, inputs must cover outputs plus any cover debt being repaid;
// new shorts may mint debt only inside market transactions.
func (c *ChainDB) settleSheet(sheet map[types.AssetUnit]*unitBalance, isMarket bool, eval *Eval) error {
	for unit, r := range sheet {
		if unit == types.UnitBTS {
			totalIn, err := r.in.Add(r.collatIn)
			if err != nil {
				return err
			}
			totalOut, err := r.out.Add(r.collatOut)
			if err != nil {
				return err
			}
			if totalIn.Cmp(totalOut) < 0 {
				return fmt.Errorf("%w: bts in %v < out %v", ErrUnbalanced, totalIn, totalOut)
			}
			surplus, err := totalIn.Sub(totalOut)
			if err != nil {
				return err
			}
			eval.Fees = types.Asset{Amount: surplus, Unit: types.UnitBTS}

			// Collateral release is bounded by debt repaid: a position may
			// not shed collateral faster than proportionally.
			if !r.collatIn.IsZero() && !isMarket {
				if err := checkCoverRelease(sheet, r); err != nil {
					return err
				}
			}
			continue
		}

		// Bit-asset row: repaid debt is destroyed against inputs, freshly
		// minted debt (short issuance) backs new outputs. Only the
		// matching engine may mint.
		repaid, minted := types.Amount{}, types.Amount{}
		var err error
		if r.debtIn.Cmp(r.debtOut) > 0 {
			if repaid, err = r.debtIn.Sub(r.debtOut); err != nil {
				return err
			}
		} else if r.debtOut.Cmp(r.debtIn) > 0 {
			if !isMarket {
				return fmt.Errorf("%w: %s debt increases outside market", ErrMarketOnlyClaim, unit)
			}
			if minted, err = r.debtOut.Sub(r.debtIn); err != nil {
				return err
			}
		}
		have, err := r.in.Add(minted)
		if err != nil {
			return err
		}
		need, err := r.out.Add(repaid)
		if err != nil {
			return err
		}
		if have.Cmp(need) < 0 {
			if repaid.IsZero() {
				return fmt.Errorf("%w: %s in %v < out %v", ErrUnbalanced, unit, have, need)
			}
			return fmt.Errorf("%w: %s in %v < out %v + repaid %v", ErrCoverShortfall, unit, r.in, r.out, repaid)
		}
	}
	return nil
}

// checkCoverRelease verifies that released collateral stays proportional
// to repaid debt across the transaction's cover positions.
func checkCoverRelease(sheet map[types.AssetUnit]*unitBalance, bts *unitBalance) error {
	var debtIn, debtOut types.Amount
	var err error
	for unit, r := range sheet {
		if unit == types.UnitBTS {
			continue
		}
		if debtIn, err = debtIn.Add(r.debtIn); err != nil {
			return err
		}
		if debtOut, err = debtOut.Add(r.debtOut); err != nil {
			return err
		}
	}
	if debtIn.IsZero() {
		return nil
	}
	if debtOut.IsZero() {
		return nil // full close releases everything
	}
	// Remaining positions must keep collateral ≥ collatIn × debtOut/debtIn.
	ratio, err := debtOut.RatioOf(debtIn)
	if err != nil {
		return err
	}
	required, err := bts.collatIn.MulRatio(ratio)
	if err != nil {
		return err
	}
	if bts.collatOut.Cmp(required) < 0 {
		return fmt.Errorf("%w: kept %v, need %v", ErrCoverRelease, bts.collatOut, required)
	}
	return nil
}

// checkStakeAndWindow enforces the anti-replay stake and validity window.
func (c *ChainDB) checkStakeAndWindow(t *tx.Transaction) error {
	if c.hasHead {
		if t.Stake != c.Stake() && t.Stake != c.Stake2() {
			return fmt.Errorf("%w: %x", ErrBadStake, t.Stake)
		}
		head := c.headBlock.Timestamp
		if t.ValidAfter != 0 && head < t.ValidAfter {
			return fmt.Errorf("%w: valid after %d, head at %d", ErrNotYetValid, t.ValidAfter, head)
		}
		if t.ValidUntil != 0 && head > t.ValidUntil {
			return fmt.Errorf("%w: valid until %d, head at %d", ErrExpired, t.ValidUntil, head)
		}
	} else if t.Stake != 0 {
		return fmt.Errorf("%w: nonzero stake before genesis", ErrBadStake)
	}
	return nil
}

// signedPtsAddresses recovers the legacy PTS addresses whose keys signed
// the transaction.
func signedPtsAddresses(trx *tx.SignedTransaction) map[types.PtsAddress]bool {
	digest := trx.Digest()
	signed := make(map[types.PtsAddress]bool, len(trx.Sigs))
	for _, sig := range trx.Sigs {
		pub, err := crypto.RecoverPubKey(digest, sig)
		if err != nil {
			continue
		}
		signed[crypto.PtsAddressFromPubKey(pub)] = true
	}
	return signed
}
