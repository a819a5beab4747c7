package ledger

import (
	"errors"
	"reflect"
	"testing"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/market"
	"github.com/unityledger/unity-chain/internal/storage"
	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

const genesisTime = uint32(1_700_000_000)

type testEnv struct {
	chain *ChainDB
	keyA  *crypto.PrivateKey
	keyB  *crypto.PrivateKey
	refA  types.OutputReference
	refB  types.OutputReference
	now   uint32
}

// newEnv builds a fresh chain whose genesis pays 500 coins each to two
// keys. Deterministic keys keep transaction ids stable across instances.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	keyA := fixedKey(t, 1)
	keyB := fixedKey(t, 2)

	gen := &config.Genesis{
		Timestamp:         genesisTime,
		InitialDifficulty: 1,
		Alloc: []config.GenesisAlloc{
			{Address: keyA.Address().String(), Amount: types.FromWhole(500).Units()},
			{Address: keyB.Address().String(), Amount: types.FromWhole(500).Units()},
		},
	}

	chain, err := Open(storage.NewMemory(), nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := chain.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis() error: %v", err)
	}

	genBlock, err := chain.FetchTrxBlock(0)
	if err != nil {
		t.Fatal(err)
	}
	genID := genBlock.Trxs[0].ID()
	return &testEnv{
		chain: chain,
		keyA:  keyA,
		keyB:  keyB,
		refA:  types.OutputReference{TrxHash: genID, OutputIdx: 0},
		refB:  types.OutputReference{TrxHash: genID, OutputIdx: 1},
		now:   genesisTime,
	}
}

func fixedKey(t *testing.T, seed byte) *crypto.PrivateKey {
	t.Helper()
	raw := make([]byte, 32)
	raw[31] = seed
	key, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func usdPerBts(t *testing.T, quoteWhole uint64) types.Price {
	t.Helper()
	p, err := types.NewPrice(
		types.Asset{Amount: types.FromWhole(quoteWhole), Unit: types.UnitUSD},
		types.Asset{Amount: types.FromWhole(1), Unit: types.UnitBTS},
	)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// spend builds a signed transaction consuming ref and producing the given
// outputs; whatever bts is left over is the fee.
func (e *testEnv) spend(t *testing.T, key *crypto.PrivateKey, ref types.OutputReference, outputs ...tx.Output) *tx.SignedTransaction {
	t.Helper()
	trx := &tx.SignedTransaction{Transaction: tx.Transaction{
		Stake:     e.chain.Stake(),
		Timestamp: e.now,
		Inputs:    []tx.Input{{OutputRef: ref}},
		Outputs:   outputs,
	}}
	if err := trx.Sign(key); err != nil {
		t.Fatal(err)
	}
	return trx
}

// advance generates and pushes a block holding the pending set.
func (e *testEnv) advance(t *testing.T, pending ...*tx.SignedTransaction) {
	t.Helper()
	e.now += 400
	b, err := e.chain.GenerateNextBlock(pending, e.now)
	if err != nil {
		t.Fatalf("GenerateNextBlock() error: %v", err)
	}
	if err := e.chain.PushBlock(b, e.now); err != nil {
		t.Fatalf("PushBlock() error: %v", err)
	}
}

func sigOut(key *crypto.PrivateKey, whole uint64) tx.Output {
	return tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(whole), Unit: types.UnitBTS},
		Claim:  tx.SignatureClaim{Owner: key.Address()},
	}
}

func TestGenesisState(t *testing.T) {
	e := newEnv(t)
	head, _ := e.chain.Head()
	if head.BlockNum != 0 {
		t.Errorf("head = %d, want genesis", head.BlockNum)
	}
	if head.TotalShares != types.FromWhole(1000).Units() {
		t.Errorf("supply = %d, want 1000 coins", head.TotalShares)
	}
	inputs, err := e.chain.FetchInputs([]tx.Input{{OutputRef: e.refA}})
	if err != nil {
		t.Fatalf("FetchInputs() error: %v", err)
	}
	if inputs[0].MetaOutput.Spent {
		t.Error("genesis output must start unspent")
	}
}

func TestPushBlockSpendsAndPaysFees(t *testing.T) {
	e := newEnv(t)
	trx := e.spend(t, e.keyA, e.refA, sigOut(e.keyA, 499)) // 1 coin fee
	e.advance(t, trx)

	head, _ := e.chain.Head()
	if head.BlockNum != 1 {
		t.Fatalf("head = %d, want 1", head.BlockNum)
	}
	// Fees are destroyed: supply drops by exactly the fee.
	if want := types.FromWhole(999).Units(); head.TotalShares != want {
		t.Errorf("supply = %d, want %d", head.TotalShares, want)
	}
	inputs, err := e.chain.FetchInputs([]tx.Input{{OutputRef: e.refA}})
	if err != nil {
		t.Fatal(err)
	}
	if !inputs[0].MetaOutput.Spent {
		t.Error("spent output not marked")
	}
}

func TestEvaluateRejections(t *testing.T) {
	e := newEnv(t)

	t.Run("missing signature", func(t *testing.T) {
		trx := e.spend(t, e.keyB, e.refA, sigOut(e.keyB, 499)) // signed by B, owned by A
		if _, err := e.chain.Evaluate(trx, false, false); !errors.Is(err, ErrMissingSignature) {
			t.Errorf("Evaluate() = %v, want %v", err, ErrMissingSignature)
		}
	})

	t.Run("bad stake", func(t *testing.T) {
		trx := e.spend(t, e.keyA, e.refA, sigOut(e.keyA, 499))
		trx.Stake = 12345
		trx.Sigs = nil
		if err := trx.Sign(e.keyA); err != nil {
			t.Fatal(err)
		}
		if _, err := e.chain.Evaluate(trx, false, false); !errors.Is(err, ErrBadStake) {
			t.Errorf("Evaluate() = %v, want %v", err, ErrBadStake)
		}
	})

	t.Run("overspend", func(t *testing.T) {
		trx := e.spend(t, e.keyA, e.refA, sigOut(e.keyA, 600))
		if _, err := e.chain.Evaluate(trx, false, false); !errors.Is(err, ErrUnbalanced) {
			t.Errorf("Evaluate() = %v, want %v", err, ErrUnbalanced)
		}
	})

	t.Run("no fee", func(t *testing.T) {
		trx := e.spend(t, e.keyA, e.refA, sigOut(e.keyA, 500))
		if _, err := e.chain.Evaluate(trx, false, false); !errors.Is(err, ErrNoFee) {
			t.Errorf("Evaluate() = %v, want %v", err, ErrNoFee)
		}
	})

	t.Run("double spend", func(t *testing.T) {
		spent := e.spend(t, e.keyA, e.refA, sigOut(e.keyA, 499))
		e.advance(t, spent)
		again := e.spend(t, e.keyA, e.refA, sigOut(e.keyA, 498))
		if _, err := e.chain.Evaluate(again, false, false); !errors.Is(err, ErrOutputSpent) {
			t.Errorf("Evaluate() = %v, want %v", err, ErrOutputSpent)
		}
	})
}

func TestRestingOrderRequiresMarket(t *testing.T) {
	e := newEnv(t)
	ask := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(100), Unit: types.UnitBTS},
		Claim:  tx.BidClaim{PayAddress: e.keyA.Address(), AskPrice: usdPerBts(t, 2)},
	}
	e.advance(t, e.spend(t, e.keyA, e.refA, ask, sigOut(e.keyA, 399)))

	// The resting order cannot be consumed by a user transaction.
	orders, err := e.chain.Market().GetAsks(types.UnitUSD, types.UnitBTS)
	if err != nil || len(orders) != 1 {
		t.Fatalf("GetAsks() = %v, %v; want one order", orders, err)
	}
	steal := e.spend(t, e.keyB, orders[0].Location, sigOut(e.keyB, 99))
	if _, err := e.chain.Evaluate(steal, false, false); !errors.Is(err, ErrMarketOnlyClaim) {
		t.Errorf("Evaluate() = %v, want %v", err, ErrMarketOnlyClaim)
	}
}

// Full market flow: an ask rests, a short rests, the next block must open
// the match transaction, and supply/indices stay coherent.
func TestMarketMatchInBlock(t *testing.T) {
	e := newEnv(t)
	p := usdPerBts(t, 2)

	ask := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(100), Unit: types.UnitBTS},
		Claim:  tx.BidClaim{PayAddress: e.keyA.Address(), AskPrice: p},
	}
	e.advance(t, e.spend(t, e.keyA, e.refA, ask, sigOut(e.keyA, 399)))

	short := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(40), Unit: types.UnitBTS},
		Claim:  tx.LongClaim{PayAddress: e.keyB.Address(), AskPrice: p},
	}
	e.advance(t, e.spend(t, e.keyB, e.refB, short, sigOut(e.keyB, 459)))

	// The match itself.
	matched, err := e.chain.MatchOrders()
	if err != nil {
		t.Fatalf("MatchOrders() error: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("MatchOrders() = %d trxs, want 1", len(matched))
	}
	e.advance(t) // block 3 carries the match output

	b3, err := e.chain.FetchTrxBlock(3)
	if err != nil {
		t.Fatal(err)
	}
	if b3.Trxs[0].ID() != matched[0].ID() {
		t.Error("block 3 must start with the deterministic match output")
	}

	// The short opened a margin position; the ask partially refilled.
	calls, err := e.chain.Market().GetCalls(types.UnitUSD, usdPerBts(t, 1))
	if err != nil || len(calls) != 1 {
		t.Fatalf("GetCalls() = %v, %v; want one position", calls, err)
	}
	asks, err := e.chain.Market().GetAsks(types.UnitUSD, types.UnitBTS)
	if err != nil || len(asks) != 1 {
		t.Fatalf("GetAsks() = %v, %v; want the residual ask", asks, err)
	}
	residual, err := e.chain.GetOutput(asks[0].Location)
	if err != nil {
		t.Fatal(err)
	}
	if residual.Amount.Amount != types.FromWhole(80) {
		t.Errorf("residual ask = %v, want 80 bts", residual.Amount)
	}
}

// Reorg idempotence: pop restores ledger state and every market index to
// the pre-push state, and the identical block can be pushed again.
func TestPushPopRestoresState(t *testing.T) {
	e := newEnv(t)
	p := usdPerBts(t, 2)
	ask := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(100), Unit: types.UnitBTS},
		Claim:  tx.BidClaim{PayAddress: e.keyA.Address(), AskPrice: p},
	}
	trx := e.spend(t, e.keyA, e.refA, ask, sigOut(e.keyA, 399))

	headBefore, idBefore := e.chain.Head()
	e.now += 400
	b, err := e.chain.GenerateNextBlock([]*tx.SignedTransaction{trx}, e.now)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.chain.PushBlock(b, e.now); err != nil {
		t.Fatal(err)
	}

	asksAfterPush, _ := e.chain.Market().GetAsks(types.UnitUSD, types.UnitBTS)
	if len(asksAfterPush) != 1 {
		t.Fatalf("ask not indexed after push")
	}

	popped, err := e.chain.PopBlock()
	if err != nil {
		t.Fatalf("PopBlock() error: %v", err)
	}
	if popped.Header.ID() != b.Header.ID() {
		t.Error("popped a different block")
	}

	headAfter, idAfter := e.chain.Head()
	if idAfter != idBefore || !reflect.DeepEqual(headAfter, headBefore) {
		t.Error("head not restored after pop")
	}
	asksAfterPop, _ := e.chain.Market().GetAsks(types.UnitUSD, types.UnitBTS)
	if len(asksAfterPop) != 0 {
		t.Error("market index not restored after pop")
	}
	depth, _ := e.chain.Market().Depth(types.UnitUSD)
	if depth != 0 {
		t.Errorf("depth = %d after pop, want 0", depth)
	}
	inputs, err := e.chain.FetchInputs([]tx.Input{{OutputRef: e.refA}})
	if err != nil {
		t.Fatal(err)
	}
	if inputs[0].MetaOutput.Spent {
		t.Error("spent flag not cleared by pop")
	}
	if _, err := e.chain.FetchTrxNum(trx.ID()); !errors.Is(err, ErrTrxNotFound) {
		t.Error("popped transaction still indexed")
	}

	// The same block applies cleanly a second time.
	if err := e.chain.PushBlock(b, e.now); err != nil {
		t.Fatalf("re-push after pop: %v", err)
	}
	if _, id := e.chain.Head(); id != b.Header.ID() {
		t.Error("re-push produced a different head")
	}
}

func TestPopGenesisRefused(t *testing.T) {
	e := newEnv(t)
	if _, err := e.chain.PopBlock(); !errors.Is(err, ErrPopGenesis) {
		t.Errorf("PopBlock() = %v, want %v", err, ErrPopGenesis)
	}
}

// Per-unit money conservation across an applied block (the match block of
// the short/ask flow): Σin − Σout per unit equals the bts fees and
// nothing else.
func TestBlockMoneyConservation(t *testing.T) {
	e := newEnv(t)
	p := usdPerBts(t, 2)
	ask := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(100), Unit: types.UnitBTS},
		Claim:  tx.BidClaim{PayAddress: e.keyA.Address(), AskPrice: p},
	}
	e.advance(t, e.spend(t, e.keyA, e.refA, ask, sigOut(e.keyA, 399)))
	short := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(40), Unit: types.UnitBTS},
		Claim:  tx.LongClaim{PayAddress: e.keyB.Address(), AskPrice: p},
	}
	e.advance(t, e.spend(t, e.keyB, e.refB, short, sigOut(e.keyB, 459)))
	e.advance(t)

	b3, err := e.chain.FetchTrxBlock(3)
	if err != nil {
		t.Fatal(err)
	}
	match := b3.Trxs[0]

	inBTS, outBTS := types.Amount{}, types.Amount{}
	mintedUSD, outUSD := types.Amount{}, types.Amount{}
	for _, in := range match.Inputs {
		// Inputs reference outputs of earlier blocks; resolve via the
		// stored transactions.
		tn, err := e.chain.FetchTrxNum(in.OutputRef.TrxHash)
		if err != nil {
			t.Fatal(err)
		}
		mt, err := e.chain.FetchTrx(tn)
		if err != nil {
			t.Fatal(err)
		}
		out := mt.Trx.Outputs[in.OutputRef.OutputIdx]
		if out.Amount.Unit == types.UnitBTS {
			inBTS, _ = inBTS.Add(out.Amount.Amount)
		}
	}
	for _, out := range match.Outputs {
		switch out.Amount.Unit {
		case types.UnitBTS:
			outBTS, _ = outBTS.Add(out.Amount.Amount)
		case types.UnitUSD:
			outUSD, _ = outUSD.Add(out.Amount.Amount)
		}
		if c, ok := out.Claim.(tx.CoverClaim); ok {
			mintedUSD, _ = mintedUSD.Add(c.Payoff.Amount)
		}
	}
	if inBTS.Cmp(outBTS) != 0 {
		t.Errorf("bts in %v != out %v in match transaction", inBTS, outBTS)
	}
	if mintedUSD.Cmp(outUSD) != 0 {
		t.Errorf("usd minted %v != usd out %v", mintedUSD, outUSD)
	}
}

// Identical chains given identical pending pools produce byte-identical
// match output.
func TestMatchOrdersDeterministicAcrossNodes(t *testing.T) {
	build := func() *ChainDB {
		e := newEnv(t)
		p := usdPerBts(t, 2)
		ask := tx.Output{
			Amount: types.Asset{Amount: types.FromWhole(100), Unit: types.UnitBTS},
			Claim:  tx.BidClaim{PayAddress: e.keyA.Address(), AskPrice: p},
		}
		e.advance(t, e.spend(t, e.keyA, e.refA, ask, sigOut(e.keyA, 399)))
		short := tx.Output{
			Amount: types.Asset{Amount: types.FromWhole(40), Unit: types.UnitBTS},
			Claim:  tx.LongClaim{PayAddress: e.keyB.Address(), AskPrice: p},
		}
		e.advance(t, e.spend(t, e.keyB, e.refB, short, sigOut(e.keyB, 459)))
		return e.chain
	}

	m1, err := build().MatchOrders()
	if err != nil {
		t.Fatal(err)
	}
	m2, err := build().MatchOrders()
	if err != nil {
		t.Fatal(err)
	}
	if len(m1) != 1 || len(m2) != 1 || m1[0].ID() != m2[0].ID() {
		t.Error("match output differs across identical nodes")
	}
}

func TestDepthGateBlocksThinMarket(t *testing.T) {
	e := newEnv(t)
	p := usdPerBts(t, 2)
	// 9 coins of depth (5 offered plus 4 of short collateral) on a 998-coin
	// supply is below the 1% gate of 9.98 coins.
	ask := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(5), Unit: types.UnitBTS},
		Claim:  tx.BidClaim{PayAddress: e.keyA.Address(), AskPrice: p},
	}
	e.advance(t, e.spend(t, e.keyA, e.refA, ask, sigOut(e.keyA, 494)))
	short := tx.Output{
		Amount: types.Asset{Amount: types.FromWhole(4), Unit: types.UnitBTS},
		Claim:  tx.LongClaim{PayAddress: e.keyB.Address(), AskPrice: p},
	}
	e.advance(t, e.spend(t, e.keyB, e.refB, short, sigOut(e.keyB, 495)))

	matched, err := e.chain.MatchOrders()
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 0 {
		t.Errorf("thin market matched %d trxs, want 0", len(matched))
	}
}

func TestMarketIndexOrdering(t *testing.T) {
	db := market.NewDB(storage.NewMemory())
	mk := func(quoteUnits uint64, tag byte) market.Order {
		p, err := types.NewPrice(
			types.Asset{Amount: types.NewAmount(quoteUnits), Unit: types.UnitUSD},
			types.Asset{Amount: types.FromWhole(1), Unit: types.UnitBTS},
		)
		if err != nil {
			t.Fatal(err)
		}
		return market.Order{Price: p, Location: types.OutputReference{TrxHash: crypto.Hash160([]byte{tag})}}
	}
	if err := db.InsertBid(mk(3_00000000, 1), 0); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertBid(mk(1_00000000, 2), 0); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertBid(mk(2_00000000, 3), 0); err != nil {
		t.Fatal(err)
	}
	bids, err := db.GetBids(types.UnitUSD, types.UnitBTS)
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 3 {
		t.Fatalf("GetBids() = %d, want 3", len(bids))
	}
	for i := 1; i < len(bids); i++ {
		if bids[i-1].Price.Cmp(bids[i].Price) > 0 {
			t.Fatal("bids must come back in ascending price order")
		}
	}
}
