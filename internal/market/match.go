package market

import (
	"errors"
	"fmt"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// OutputSource resolves an order's location to the unspent output resting
// there.
type OutputSource interface {
	GetOutput(ref types.OutputReference) (tx.Output, error)
}

// ErrCorruptIndex indicates an index entry whose ledger output no longer
// matches the claim the index expects. The index must be rebuilt.
var ErrCorruptIndex = errors.New("market index entry does not match ledger output")

// Engine matches resting orders into deterministic trade transactions.
// Matching is a pure function of the current ledger state: every honest
// node running it over identical state emits byte-identical transactions.
type Engine struct {
	db  *DB
	src OutputSource
}

// NewEngine creates a matching engine over the given index and ledger
// output source.
func NewEngine(db *DB, src OutputSource) *Engine {
	return &Engine{db: db, src: src}
}

// MatchAll runs matching for every ordered unit pair and returns at most
// one synthesized transaction per pair plus a price point per pair that
// traded. totalShares gates thin bit-asset markets.
func (e *Engine) MatchAll(totalShares uint64, blockNum uint32) ([]*tx.SignedTransaction, []PricePoint, error) {
	var matched []*tx.SignedTransaction
	var points []PricePoint
	for base := types.UnitBTS; base < types.UnitCount; base++ {
		for quote := base + 1; quote < types.UnitCount; quote++ {
			trx, pt, err := e.matchPair(quote, base, totalShares, blockNum)
			if err != nil {
				return nil, nil, fmt.Errorf("match %s/%s: %w", quote, base, err)
			}
			if trx != nil {
				matched = append(matched, trx)
			}
			if pt != nil {
				points = append(points, *pt)
			}
		}
	}
	return matched, points, nil
}

// working tracks one side of the book mid-match: the original resting
// output with its amount decremented as fills consume it.
type working struct {
	order     Order
	output    tx.Output
	pay       types.Address
	isShort   bool
	untouched bool
	cover     tx.CoverClaim // only for margin positions
}

// matcher accumulates the single synthesized transaction for a pair.
type matcher struct {
	quote, base types.AssetUnit
	trx         tx.SignedTransaction

	payAsker   types.Asset
	payBidder  types.Asset
	loan       types.Asset
	collateral types.Asset

	point PricePoint
}

func (m *matcher) addInput(ref types.OutputReference) {
	m.trx.Inputs = append(m.trx.Inputs, tx.Input{OutputRef: ref})
}

func (m *matcher) addOutput(amount types.Asset, claim tx.Claim) {
	m.trx.Outputs = append(m.trx.Outputs, tx.Output{Amount: amount, Claim: claim})
}

// payoutAsker emits the accumulated quote payout to the ask side.
func (m *matcher) payoutAsker(addr types.Address) {
	if !m.payAsker.IsZero() {
		m.addOutput(m.payAsker, tx.SignatureClaim{Owner: addr})
	}
	m.payAsker = types.Asset{Unit: m.quote}
}

// payoutBidder emits the accumulated base payout to the bid side.
func (m *matcher) payoutBidder(addr types.Address) {
	if !m.payBidder.IsZero() {
		m.addOutput(m.payBidder, tx.SignatureClaim{Owner: addr})
	}
	m.payBidder = types.Asset{Unit: m.base}
}

// payoutCover emits the accumulated short position: the loan owed and the
// collateral backing it.
func (m *matcher) payoutCover(addr types.Address) {
	if !m.collateral.IsZero() {
		m.addOutput(m.collateral, tx.CoverClaim{Payoff: m.loan, Owner: addr})
	}
	m.loan = types.Asset{Unit: m.quote}
	m.collateral = types.Asset{Unit: m.base}
}

// matchPair pairs all compatible bids, asks, and margin calls for a single
// quote/base market. Fill emission order is fixed: when both sides of a
// fill complete, the ask side's payout precedes the bid side's, and inputs
// are appended in the same order their payouts are emitted.
func (e *Engine) matchPair(quote, base types.AssetUnit, totalShares uint64, blockNum uint32) (*tx.SignedTransaction, *PricePoint, error) {
	if base == types.UnitBTS {
		depth, err := e.db.Depth(quote)
		if err != nil {
			return nil, nil, err
		}
		if depth < totalShares/config.MarketDepthDivisor {
			log.Market.Debug().
				Str("quote", quote.String()).
				Uint64("depth", depth).
				Uint64("required", totalShares/config.MarketDepthDivisor).
				Msg("market below depth gate, skipping match")
			return nil, nil, nil
		}
	}

	asks, err := e.db.GetAsks(quote, base)
	if err != nil {
		return nil, nil, err
	}
	bids, err := e.db.GetBids(quote, base)
	if err != nil {
		return nil, nil, err
	}

	m := &matcher{
		quote:      quote,
		base:       base,
		payAsker:   types.Asset{Unit: quote},
		payBidder:  types.Asset{Unit: base},
		loan:       types.Asset{Unit: quote},
		collateral: types.Asset{Unit: base},
		point:      PricePoint{BlockNum: blockNum, Base: base, Quote: quote},
	}

	askIdx := 0
	bidIdx := len(bids) - 1 // bids consumed highest price first

	var workingAsk, workingBid *working
	loadAsk := func() error {
		w, err := e.loadOrder(asks[askIdx], false)
		workingAsk = w
		return err
	}
	loadBid := func() error {
		w, err := e.loadOrder(bids[bidIdx], true)
		workingBid = w
		return err
	}

	if askIdx < len(asks) {
		if err := loadAsk(); err != nil {
			return nil, nil, err
		}
		m.point.LowAsk = workingAsk.order.Price
	}
	if bidIdx >= 0 {
		if err := loadBid(); err != nil {
			return nil, nil, err
		}
		m.point.HighBid = workingBid.order.Price
	}

	for askIdx < len(asks) && bidIdx >= 0 {
		if workingBid.order.Price.Cmp(workingAsk.order.Price) < 0 {
			break // book has crossed back; no more trades
		}

		var askDone, bidDone bool
		if workingBid.isShort {
			askDone, bidDone, err = e.fillShort(m, workingAsk, workingBid)
		} else {
			askDone, bidDone, err = e.fillPlain(m, workingAsk, workingBid)
		}
		if err != nil {
			return nil, nil, err
		}

		if askDone {
			m.addInput(workingAsk.order.Location)
			m.payoutAsker(workingAsk.pay)
			askIdx++
			if askIdx < len(asks) {
				if err := loadAsk(); err != nil {
					return nil, nil, err
				}
			}
		}
		if bidDone {
			m.addInput(workingBid.order.Location)
			if workingBid.isShort {
				m.payoutCover(workingBid.pay)
			} else {
				m.payoutBidder(workingBid.pay)
			}
			bidIdx--
			if bidIdx >= 0 {
				if err := loadBid(); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	// Partially consumed ask leaves a residual resting order plus the
	// payout earned so far.
	if askIdx < len(asks) && !m.payAsker.IsZero() && !workingAsk.output.Amount.IsZero() {
		m.addInput(workingAsk.order.Location)
		m.addOutput(workingAsk.output.Amount, workingAsk.output.Claim)
		m.payoutAsker(workingAsk.pay)
	}

	// Margin calls execute against the remaining bids when the market's
	// collateral unit is in play.
	if base == types.UnitBTS && bidIdx >= 0 {
		bidIdx, err = e.runMarginCalls(m, bids, bidIdx, &workingBid, quote)
		if err != nil {
			return nil, nil, err
		}
	}

	// Partially consumed bid: residual resting order plus whatever the bid
	// side accumulated.
	if bidIdx >= 0 && consumedSome(workingBid) {
		m.addInput(workingBid.order.Location)
		if !workingBid.output.Amount.IsZero() {
			m.addOutput(workingBid.output.Amount, workingBid.output.Claim)
		}
		if workingBid.isShort {
			m.payoutCover(workingBid.pay)
		} else {
			m.payoutBidder(workingBid.pay)
		}
	}

	if len(m.trx.Inputs) == 0 {
		return nil, nil, nil
	}
	if len(m.trx.Outputs) == 0 {
		return nil, nil, fmt.Errorf("matched %d inputs with no outputs", len(m.trx.Inputs))
	}
	log.Market.Debug().
		Str("pair", fmt.Sprintf("%s/%s", quote, base)).
		Int("inputs", len(m.trx.Inputs)).
		Int("outputs", len(m.trx.Outputs)).
		Msg("matched orders")
	return &m.trx, &m.point, nil
}

// consumedSome reports whether the working bid has been touched: its
// remaining amount differs from the resting output's.
func consumedSome(w *working) bool {
	return w != nil && !w.untouched
}

// loadOrder resolves an index entry to its resting output.
func (e *Engine) loadOrder(o Order, bidSide bool) (*working, error) {
	out, err := e.src.GetOutput(o.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIndex, o.Location, err)
	}
	w := &working{order: o, output: out, untouched: true}
	switch c := out.Claim.(type) {
	case tx.BidClaim:
		w.pay = c.PayAddress
	case tx.LongClaim:
		if !bidSide {
			return nil, fmt.Errorf("%w: short %s on ask side", ErrCorruptIndex, o.Location)
		}
		w.pay = c.PayAddress
		w.isShort = true
	case tx.CoverClaim:
		w.pay = c.Owner
		w.cover = c
	default:
		return nil, fmt.Errorf("%w: %s has claim %s", ErrCorruptIndex, o.Location, out.Claim.ClaimType())
	}
	return w, nil
}

// fillPlain executes one fill between a plain bid and an ask. The trade
// clears at each maker's own price; any spread between the two prices is
// left unclaimed. A BTS spread becomes part of the block's fees; a spread
// in the quote unit is paid to no one.
func (e *Engine) fillPlain(m *matcher, ask, bid *working) (askDone, bidDone bool, err error) {
	bidPrice := bid.order.Price
	askPrice := ask.order.Price

	bidUSD := bid.output.Amount
	bidBTS, err := bidUSD.Mul(bidPrice)
	if err != nil {
		return false, false, err
	}
	askBTS := ask.output.Amount
	askUSD, err := askBTS.Mul(askPrice)
	if err != nil {
		return false, false, err
	}
	ask.untouched, bid.untouched = false, false

	if askUSD.Amount.Cmp(bidUSD.Amount) < 0 {
		// Ask fully consumed; bid keeps the difference as a smaller
		// resting order.
		if m.payAsker, err = m.payAsker.Add(askUSD); err != nil {
			return false, false, err
		}
		deltaBidder, err := askUSD.Mul(bidPrice)
		if err != nil {
			return false, false, err
		}
		if m.payBidder, err = m.payBidder.Add(deltaBidder); err != nil {
			return false, false, err
		}
		spent, err := deltaBidder.Mul(bidPrice)
		if err != nil {
			return false, false, err
		}
		if bid.output.Amount, err = bid.output.Amount.Sub(spent); err != nil {
			return false, false, err
		}
		m.recordVolume(askUSD, deltaBidder)
		ask.output.Amount.Amount = types.Amount{}
		return true, false, nil
	}

	// Bid fully consumed; the ask may complete in the same fill.
	if m.payBidder, err = m.payBidder.Add(bidBTS); err != nil {
		return false, false, err
	}
	deltaAsker, err := bidBTS.Mul(askPrice)
	if err != nil {
		return false, false, err
	}
	if m.payAsker, err = m.payAsker.Add(deltaAsker); err != nil {
		return false, false, err
	}
	m.recordVolume(deltaAsker, bidBTS)
	bid.output.Amount.Amount = types.Amount{}

	if bidUSD.Amount.Cmp(askUSD.Amount) == 0 {
		ask.output.Amount.Amount = types.Amount{}
		return true, true, nil
	}
	consumed, err := deltaAsker.Mul(askPrice)
	if err != nil {
		return false, false, err
	}
	if ask.output.Amount, err = ask.output.Amount.Sub(consumed); err != nil {
		return false, false, err
	}
	if ask.output.Amount.IsZero() {
		return true, true, nil
	}
	return false, true, nil
}

// fillShort executes one fill between a short offer (the bid side) and an
// ask. The short's collateral commitment is uniform in both branches:
// InitialMarginRequirement times the notional at the short's own price,
// plus the BTS bought from the ask.
func (e *Engine) fillShort(m *matcher, ask, bid *working) (askDone, bidDone bool, err error) {
	bidPrice := bid.order.Price
	askPrice := ask.order.Price

	bidCollateral := bid.output.Amount // bts posted by the short
	marginShare, err := bidCollateral.DivInt(config.InitialMarginRequirement)
	if err != nil {
		return false, false, err
	}
	bidUSD, err := marginShare.Mul(bidPrice)
	if err != nil {
		return false, false, err
	}
	askBTS := ask.output.Amount
	askUSD, err := askBTS.Mul(askPrice)
	if err != nil {
		return false, false, err
	}
	ask.untouched, bid.untouched = false, false

	if askUSD.Amount.Cmp(bidUSD.Amount) < 0 {
		// Ask fully consumed; short commits margin for the traded slice
		// and keeps the rest of its collateral resting.
		if m.payAsker, err = m.payAsker.Add(askUSD); err != nil {
			return false, false, err
		}
		if m.loan, err = m.loan.Add(askUSD); err != nil {
			return false, false, err
		}
		tradedBTS, err := askUSD.Mul(bidPrice)
		if err != nil {
			return false, false, err
		}
		committed, err := tradedBTS.MulInt(config.InitialMarginRequirement)
		if err != nil {
			return false, false, err
		}
		add, err := askBTS.Add(committed)
		if err != nil {
			return false, false, err
		}
		if m.collateral, err = m.collateral.Add(add); err != nil {
			return false, false, err
		}
		if bid.output.Amount, err = bid.output.Amount.Sub(committed); err != nil {
			return false, false, err
		}
		m.recordVolume(askUSD, tradedBTS)
		ask.output.Amount.Amount = types.Amount{}
		return true, false, nil
	}

	// Short fully consumed: its whole collateral plus the BTS purchased
	// from the ask back the new position.
	if m.payAsker, err = m.payAsker.Add(bidUSD); err != nil {
		return false, false, err
	}
	if m.loan, err = m.loan.Add(bidUSD); err != nil {
		return false, false, err
	}
	boughtBTS, err := bidUSD.Mul(askPrice)
	if err != nil {
		return false, false, err
	}
	add, err := bidCollateral.Add(boughtBTS)
	if err != nil {
		return false, false, err
	}
	if m.collateral, err = m.collateral.Add(add); err != nil {
		return false, false, err
	}
	m.recordVolume(bidUSD, boughtBTS)
	bid.output.Amount.Amount = types.Amount{}

	if ask.output.Amount, err = ask.output.Amount.Sub(boughtBTS); err != nil {
		return false, false, err
	}
	if ask.output.Amount.IsZero() {
		return true, true, nil
	}
	return false, true, nil
}

func (m *matcher) recordVolume(quoteVol, baseVol types.Asset) {
	m.point.QuoteVolume, _ = m.point.QuoteVolume.Add(quoteVol.Amount)
	m.point.BaseVolume, _ = m.point.BaseVolume.Add(baseVol.Amount)
}
