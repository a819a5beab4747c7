package market

import (
	"bytes"
	"testing"

	"github.com/unityledger/unity-chain/internal/storage"
	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// fakeSource resolves order locations from a map, standing in for the
// ledger.
type fakeSource map[types.OutputReference]tx.Output

func (s fakeSource) GetOutput(ref types.OutputReference) (tx.Output, error) {
	out, ok := s[ref]
	if !ok {
		return tx.Output{}, ErrCorruptIndex
	}
	return out, nil
}

type fixture struct {
	db     *DB
	src    fakeSource
	engine *Engine
	nextID byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := NewDB(storage.NewMemory())
	src := fakeSource{}
	return &fixture{db: db, src: src, engine: NewEngine(db, src)}
}

func (f *fixture) ref() types.OutputReference {
	f.nextID++
	return types.OutputReference{TrxHash: crypto.Hash160([]byte{f.nextID})}
}

func addr(tag byte) types.Address {
	var a types.Address
	a[0] = tag
	return a
}

func price(t *testing.T, quoteUnits, baseUnits uint64) types.Price {
	t.Helper()
	p, err := types.NewPrice(
		types.Asset{Amount: types.NewAmount(quoteUnits), Unit: types.UnitUSD},
		types.Asset{Amount: types.NewAmount(baseUnits), Unit: types.UnitBTS},
	)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// addAsk rests an offer of baseWhole bts at the given price.
func (f *fixture) addAsk(t *testing.T, pay types.Address, p types.Price, baseWhole uint64) types.OutputReference {
	t.Helper()
	ref := f.ref()
	out := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(baseWhole), Unit: types.UnitBTS},
		Claim:  tx.BidClaim{PayAddress: pay, AskPrice: p},
	}
	f.src[ref] = out
	if err := f.db.InsertAsk(Order{Price: p, Location: ref}, out.Amount.Amount.Units()); err != nil {
		t.Fatal(err)
	}
	return ref
}

// addBid rests an offer of quoteWhole usd at the given price.
func (f *fixture) addBid(t *testing.T, pay types.Address, p types.Price, quoteWhole uint64) types.OutputReference {
	t.Helper()
	ref := f.ref()
	out := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(quoteWhole), Unit: types.UnitUSD},
		Claim:  tx.BidClaim{PayAddress: pay, AskPrice: p},
	}
	f.src[ref] = out
	if err := f.db.InsertBid(Order{Price: p, Location: ref}, 0); err != nil {
		t.Fatal(err)
	}
	return ref
}

// addShort rests a short offer posting collatWhole bts of collateral.
func (f *fixture) addShort(t *testing.T, pay types.Address, p types.Price, collatWhole uint64) types.OutputReference {
	t.Helper()
	ref := f.ref()
	out := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(collatWhole), Unit: types.UnitBTS},
		Claim:  tx.LongClaim{PayAddress: pay, AskPrice: p},
	}
	f.src[ref] = out
	if err := f.db.InsertBid(Order{Price: p, Location: ref}, out.Amount.Amount.Units()); err != nil {
		t.Fatal(err)
	}
	return ref
}

// addCover rests a margin position with the given debt and collateral.
func (f *fixture) addCover(t *testing.T, owner types.Address, debtWhole, collatWhole uint64) types.OutputReference {
	t.Helper()
	ref := f.ref()
	claim := tx.CoverClaim{
		Payoff: types.Asset{Amount: types.FromWhole(debtWhole), Unit: types.UnitUSD},
		Owner:  owner,
	}
	out := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(collatWhole), Unit: types.UnitBTS},
		Claim:  claim,
	}
	f.src[ref] = out
	call, err := claim.CallPrice(out.Amount, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.db.InsertCall(Order{Price: call, Location: ref}, out.Amount.Amount.Units()); err != nil {
		t.Fatal(err)
	}
	return ref
}

func matchOne(t *testing.T, e *Engine) *tx.SignedTransaction {
	t.Helper()
	matched, _, err := e.MatchAll(0, 1)
	if err != nil {
		t.Fatalf("MatchAll() error: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("MatchAll() produced %d trxs, want 1", len(matched))
	}
	return matched[0]
}

// Full fill at identical prices: the asker's payout comes first, then the
// bidder's, and both sides clear exactly.
func TestMatchSingleTrade(t *testing.T) {
	f := newFixture(t)
	p := price(t, 2_00000000, 1_00000000) // 2 usd/bts
	askRef := f.addAsk(t, addr('A'), p, 10)
	bidRef := f.addBid(t, addr('B'), p, 20)

	trx := matchOne(t, f.engine)

	if len(trx.Inputs) != 2 || trx.Inputs[0].OutputRef != askRef || trx.Inputs[1].OutputRef != bidRef {
		t.Fatalf("inputs = %v, want [ask, bid]", trx.Inputs)
	}
	if len(trx.Outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(trx.Outputs))
	}
	first := trx.Outputs[0]
	if c, ok := first.Claim.(tx.SignatureClaim); !ok || c.Owner != addr('A') ||
		first.Amount.Unit != types.UnitUSD || first.Amount.Amount != types.FromWhole(20) {
		t.Errorf("output 0 = %+v, want 20 usd to A", first)
	}
	second := trx.Outputs[1]
	if c, ok := second.Claim.(tx.SignatureClaim); !ok || c.Owner != addr('B') ||
		second.Amount.Unit != types.UnitBTS || second.Amount.Amount != types.FromWhole(10) {
		t.Errorf("output 1 = %+v, want 10 bts to B", second)
	}
}

// Partial fill: the taker gets 7.5 bts and the maker's residue rests as a
// smaller order at the same price.
func TestMatchPartialFillLeavesResidue(t *testing.T) {
	f := newFixture(t)
	p := price(t, 2_00000000, 1_00000000)
	f.addAsk(t, addr('A'), p, 10)
	f.addBid(t, addr('B'), p, 15)

	trx := matchOne(t, f.engine)

	var takerBTS, residueBTS types.Amount
	var sawResidue bool
	for _, out := range trx.Outputs {
		switch c := out.Claim.(type) {
		case tx.SignatureClaim:
			if c.Owner == addr('B') {
				takerBTS = out.Amount.Amount
			}
		case tx.BidClaim:
			sawResidue = true
			residueBTS = out.Amount.Amount
			if c.AskPrice.Ratio != p.Ratio {
				t.Errorf("residue price changed: %v", c.AskPrice)
			}
		}
	}
	if takerBTS != types.NewAmount(7_50000000) {
		t.Errorf("taker received %v, want 7.5 bts", takerBTS)
	}
	if !sawResidue || residueBTS != types.NewAmount(2_50000000) {
		t.Errorf("residue = %v, want 2.5 bts", residueBTS)
	}
}

// A short against an ask opens a margin position holding the short's
// collateral plus the purchased bts, owing the minted usd.
func TestMatchShortOpensCover(t *testing.T) {
	f := newFixture(t)
	p := price(t, 2_00000000, 1_00000000)
	f.addAsk(t, addr('A'), p, 10)
	f.addShort(t, addr('S'), p, 20)

	trx := matchOne(t, f.engine)

	var cover *tx.CoverClaim
	var coverCollat types.Amount
	var askerUSD types.Amount
	for _, out := range trx.Outputs {
		switch c := out.Claim.(type) {
		case tx.CoverClaim:
			cc := c
			cover = &cc
			coverCollat = out.Amount.Amount
		case tx.SignatureClaim:
			if c.Owner == addr('A') {
				askerUSD = out.Amount.Amount
			}
		}
	}
	if cover == nil {
		t.Fatal("no cover output produced")
	}
	if cover.Owner != addr('S') {
		t.Errorf("cover owner = %v, want S", cover.Owner)
	}
	if cover.Payoff.Amount != types.FromWhole(20) || cover.Payoff.Unit != types.UnitUSD {
		t.Errorf("cover payoff = %v, want 20 usd", cover.Payoff)
	}
	if coverCollat != types.FromWhole(30) {
		t.Errorf("cover collateral = %v, want 30 bts", coverCollat)
	}
	if askerUSD != types.FromWhole(20) {
		t.Errorf("asker paid %v, want 20 usd", askerUSD)
	}
}

// A margin position past its call price is force-closed against the best
// bid: debt is repaid, the bidder takes collateral, the owner keeps the
// rest.
func TestMatchMarginCall(t *testing.T) {
	f := newFixture(t)
	// Position: 20 usd debt on 30 bts collateral -> call price 1.333.
	coverRef := f.addCover(t, addr('S'), 20, 30)
	// Bid at 1.2 usd/bts, below the call price, so the call executes.
	bidRef := f.addBid(t, addr('B'), price(t, 1_20000000, 1_00000000), 24)

	trx := matchOne(t, f.engine)

	if trx.Inputs[0].OutputRef != coverRef {
		t.Errorf("first input = %v, want the called position", trx.Inputs[0])
	}
	if trx.Inputs[len(trx.Inputs)-1].OutputRef != bidRef {
		t.Errorf("last input = %v, want the bid", trx.Inputs[len(trx.Inputs)-1])
	}

	var ownerResidual, bidderBTS types.Amount
	var bidResidue types.Amount
	for _, out := range trx.Outputs {
		switch c := out.Claim.(type) {
		case tx.SignatureClaim:
			if c.Owner == addr('S') {
				ownerResidual = out.Amount.Amount
			}
			if c.Owner == addr('B') {
				bidderBTS = out.Amount.Amount
			}
		case tx.BidClaim:
			bidResidue = out.Amount.Amount
		}
	}
	// 20 usd repaid at 1.2 usd/bts = 16.66666666 bts to the bidder.
	if bidderBTS != types.NewAmount(16_66666666) {
		t.Errorf("bidder received %v, want 16.66666666 bts", bidderBTS)
	}
	// Owner keeps 30 - 16.66666666 = 13.33333334 bts.
	if ownerResidual != types.NewAmount(13_33333334) {
		t.Errorf("owner residual = %v, want 13.33333334 bts", ownerResidual)
	}
	// Bid residue: 24 - 20 = 4 usd still resting.
	if bidResidue != types.FromWhole(4) {
		t.Errorf("bid residue = %v, want 4 usd", bidResidue)
	}

	// Money conservation in bts across the close.
	total, err := ownerResidual.Add(bidderBTS)
	if err != nil {
		t.Fatal(err)
	}
	if total != types.FromWhole(30) {
		t.Errorf("collateral split %v, want exactly 30 bts", total)
	}
}

// The depth gate suppresses matching on thin bit-asset markets.
func TestMatchDepthGate(t *testing.T) {
	f := newFixture(t)
	p := price(t, 2_00000000, 1_00000000)
	f.addAsk(t, addr('A'), p, 10)
	f.addBid(t, addr('B'), p, 20)

	// Total depth is 10 bts; with supply 100_000 coins the gate needs
	// 1000 coins of depth.
	matched, _, err := f.engine.MatchAll(types.FromWhole(100_000).Units(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 0 {
		t.Errorf("thin market matched %d trxs, want 0", len(matched))
	}
}

// Crossed books produce byte-identical output on identical state.
func TestMatchDeterministic(t *testing.T) {
	build := func() *Engine {
		f := newFixture(t)
		p2 := price(t, 2_00000000, 1_00000000)
		p3 := price(t, 3_00000000, 1_00000000)
		f.addAsk(t, addr('A'), p2, 10)
		f.addAsk(t, addr('C'), p3, 4)
		f.addBid(t, addr('B'), p3, 9)
		f.addBid(t, addr('D'), p2, 8)
		return f.engine
	}

	one := matchOne(t, build())
	two := matchOne(t, build())
	if !bytes.Equal(one.EncodedBytes(), two.EncodedBytes()) {
		t.Error("matching must be byte-identical on identical state")
	}
	if one.ID() != two.ID() {
		t.Error("matched transaction ids differ")
	}
}

// No crossing prices, no transaction.
func TestMatchNoCross(t *testing.T) {
	f := newFixture(t)
	f.addAsk(t, addr('A'), price(t, 3_00000000, 1_00000000), 10)
	f.addBid(t, addr('B'), price(t, 2_00000000, 1_00000000), 20)

	matched, _, err := f.engine.MatchAll(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 0 {
		t.Errorf("uncrossed book matched %d trxs", len(matched))
	}
}
