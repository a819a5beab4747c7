package market

import (
	"fmt"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// runMarginCalls force-closes margin positions whose call price has been
// reached by the remaining bids. Positions execute highest call price
// first against bids highest price first; each fill clears at the bid's
// price. When a margin fill completes both sides, the cover owner's
// residual precedes the bid side's payout, and inputs are appended
// call-then-bid.
//
// Returns the updated bid index; *workingBid tracks the partially consumed
// bid across the call loop.
func (e *Engine) runMarginCalls(m *matcher, bids []Order, bidIdx int, workingBid **working, quote types.AssetUnit) (int, error) {
	threshold := (*workingBid).order.Price
	calls, err := e.db.GetCalls(quote, threshold)
	if err != nil {
		return bidIdx, err
	}
	if len(calls) == 0 {
		return bidIdx, nil
	}
	log.Market.Debug().
		Str("quote", quote.String()).
		Int("positions", len(calls)).
		Msg("executing margin calls")

	callIdx := 0
	var workingCall *working
	loadCall := func() error {
		w, err := e.loadOrder(calls[callIdx], false)
		if err != nil {
			return err
		}
		if _, ok := w.output.Claim.(tx.CoverClaim); !ok {
			return fmt.Errorf("%w: call %s is not a cover", ErrCorruptIndex, calls[callIdx].Location)
		}
		workingCall = w
		return nil
	}
	if err := loadCall(); err != nil {
		return bidIdx, err
	}

	for callIdx < len(calls) && bidIdx >= 0 {
		bid := *workingBid
		var bidDone, callDone bool
		var err error
		if bid.isShort {
			bidDone, callDone, err = e.marginFillShort(m, workingCall, bid)
		} else {
			bidDone, callDone, err = e.marginFillPlain(m, workingCall, bid)
		}
		if err != nil {
			return bidIdx, err
		}

		if callDone {
			m.addInput(workingCall.order.Location)
			// Debt settled; leftover collateral returns to the owner.
			if !workingCall.output.Amount.IsZero() {
				m.addOutput(workingCall.output.Amount, tx.SignatureClaim{Owner: workingCall.cover.Owner})
			}
			callIdx++
			if callIdx < len(calls) {
				if err := loadCall(); err != nil {
					return bidIdx, err
				}
			}
		}
		if bidDone {
			m.addInput(bid.order.Location)
			if bid.isShort {
				m.payoutCover(bid.pay)
			} else {
				m.payoutBidder(bid.pay)
			}
			bidIdx--
			if bidIdx >= 0 {
				w, err := e.loadOrder(bids[bidIdx], true)
				if err != nil {
					return bidIdx, err
				}
				*workingBid = w
			}
		}
	}

	// A partially consumed position stays open with its reduced debt and
	// collateral.
	if callIdx < len(calls) && !workingCall.untouched {
		m.addInput(workingCall.order.Location)
		m.addOutput(workingCall.output.Amount, workingCall.cover)
	}
	return bidIdx, nil
}

// callCapacity returns how much debt the position can repay at the bid's
// price, bounded by the debt actually owed.
func callCapacity(call *working, bidPrice types.Price) (types.Asset, error) {
	capacity, err := call.output.Amount.Mul(bidPrice) // collateral bts -> quote
	if err != nil {
		return types.Asset{}, err
	}
	if capacity.Amount.Cmp(call.cover.Payoff.Amount) > 0 {
		capacity = call.cover.Payoff
	}
	return capacity, nil
}

// marginFillPlain closes position debt against a plain bid: the bidder's
// quote pays the debt and receives collateral BTS at the bid price.
func (e *Engine) marginFillPlain(m *matcher, call, bid *working) (bidDone, callDone bool, err error) {
	bidPrice := bid.order.Price
	bidUSD := bid.output.Amount
	payoff, err := callCapacity(call, bidPrice)
	if err != nil {
		return false, false, err
	}
	call.untouched, bid.untouched = false, false

	cmp := payoff.Amount.Cmp(bidUSD.Amount)
	traded := payoff
	if cmp > 0 {
		traded = bidUSD
	}
	tradedBTS, err := traded.Mul(bidPrice)
	if err != nil {
		return false, false, err
	}
	if m.payBidder, err = m.payBidder.Add(tradedBTS); err != nil {
		return false, false, err
	}
	if call.output.Amount, err = call.output.Amount.Sub(tradedBTS); err != nil {
		return false, false, err
	}
	if call.cover.Payoff, err = call.cover.Payoff.Sub(traded); err != nil {
		return false, false, err
	}
	if bid.output.Amount, err = bid.output.Amount.Sub(traded); err != nil {
		return false, false, err
	}
	m.recordVolume(traded, tradedBTS)

	switch {
	case cmp > 0:
		return true, false, nil // bid consumed, debt remains
	case cmp < 0:
		return false, true, nil // position cleared, bid remains
	default:
		return true, true, nil
	}
}

// marginFillShort closes position debt against a short offer: the short
// takes over the repaid debt as its own loan, buying the collateral at the
// bid price and committing margin on top.
func (e *Engine) marginFillShort(m *matcher, call, bid *working) (bidDone, callDone bool, err error) {
	bidPrice := bid.order.Price
	marginShare, err := bid.output.Amount.DivInt(config.InitialMarginRequirement)
	if err != nil {
		return false, false, err
	}
	bidUSD, err := marginShare.Mul(bidPrice)
	if err != nil {
		return false, false, err
	}
	payoff, err := callCapacity(call, bidPrice)
	if err != nil {
		return false, false, err
	}
	call.untouched, bid.untouched = false, false

	cmp := payoff.Amount.Cmp(bidUSD.Amount)
	traded := payoff
	if cmp > 0 {
		traded = bidUSD
	}
	tradedBTS, err := traded.Mul(bidPrice)
	if err != nil {
		return false, false, err
	}
	committed, err := tradedBTS.MulInt(config.InitialMarginRequirement)
	if err != nil {
		return false, false, err
	}

	if m.loan, err = m.loan.Add(traded); err != nil {
		return false, false, err
	}
	gained, err := tradedBTS.Add(committed)
	if err != nil {
		return false, false, err
	}
	if m.collateral, err = m.collateral.Add(gained); err != nil {
		return false, false, err
	}
	if call.output.Amount, err = call.output.Amount.Sub(tradedBTS); err != nil {
		return false, false, err
	}
	if call.cover.Payoff, err = call.cover.Payoff.Sub(traded); err != nil {
		return false, false, err
	}
	if bid.output.Amount, err = bid.output.Amount.Sub(committed); err != nil {
		return false, false, err
	}
	m.recordVolume(traded, tradedBTS)

	switch {
	case cmp > 0:
		return true, false, nil
	case cmp < 0:
		return false, true, nil
	default:
		return true, true, nil
	}
}
