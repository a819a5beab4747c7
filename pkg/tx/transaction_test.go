package tx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	return key
}

func mustPrice(t *testing.T, quoteWhole, baseWhole uint64) types.Price {
	t.Helper()
	p, err := types.NewPrice(
		types.Asset{Amount: types.FromWhole(quoteWhole), Unit: types.UnitUSD},
		types.Asset{Amount: types.FromWhole(baseWhole), Unit: types.UnitBTS},
	)
	if err != nil {
		t.Fatalf("NewPrice() error: %v", err)
	}
	return p
}

func sampleTrx(t *testing.T) *SignedTransaction {
	t.Helper()
	key := mustKey(t)
	trx := &SignedTransaction{
		Transaction: Transaction{
			Version:   0,
			Stake:     0xdeadbeef,
			Timestamp: 1_700_000_000,
			Inputs: []Input{
				{OutputRef: types.OutputReference{TrxHash: crypto.Hash160([]byte("prev")), OutputIdx: 1}},
			},
			Outputs: []Output{
				{
					Amount: types.Asset{Amount: types.FromWhole(5), Unit: types.UnitBTS},
					Claim:  SignatureClaim{Owner: key.Address()},
				},
				{
					Amount: types.Asset{Amount: types.FromWhole(3), Unit: types.UnitBTS},
					Claim:  BidClaim{PayAddress: key.Address(), AskPrice: mustPrice(t, 2, 1)},
				},
			},
		},
	}
	if err := trx.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return trx
}

func TestSigningBytesDeterministic(t *testing.T) {
	trx := sampleTrx(t)
	if !bytes.Equal(trx.SigningBytes(), trx.SigningBytes()) {
		t.Error("SigningBytes must be deterministic")
	}
	if trx.ID().IsZero() {
		t.Error("id must not be zero")
	}
}

func TestIDIndependentOfSignatureOrder(t *testing.T) {
	k1, k2 := mustKey(t), mustKey(t)
	base := Transaction{
		Version: 0,
		Inputs:  []Input{{OutputRef: types.OutputReference{TrxHash: crypto.Hash160([]byte("x"))}}},
		Outputs: []Output{{
			Amount: types.NewAsset(100, types.UnitBTS),
			Claim:  SignatureClaim{Owner: k1.Address()},
		}},
	}

	a := &SignedTransaction{Transaction: base}
	if err := a.Sign(k1); err != nil {
		t.Fatal(err)
	}
	if err := a.Sign(k2); err != nil {
		t.Fatal(err)
	}

	b := &SignedTransaction{Transaction: base}
	b.Sigs = [][]byte{a.Sigs[1], a.Sigs[0]}

	if a.ID() != b.ID() {
		t.Error("transaction id must not depend on signature order")
	}
}

func TestSignedAddresses(t *testing.T) {
	key := mustKey(t)
	trx := &SignedTransaction{Transaction: Transaction{
		Outputs: []Output{{
			Amount: types.NewAsset(1, types.UnitBTS),
			Claim:  SignatureClaim{Owner: key.Address()},
		}},
	}}
	if err := trx.Sign(key); err != nil {
		t.Fatal(err)
	}
	signed := trx.SignedAddresses()
	if !signed[key.Address()] {
		t.Errorf("signer %s not recovered", key.Address())
	}
}

func TestOutputJSONRoundtrip(t *testing.T) {
	trx := sampleTrx(t)
	raw, err := json.Marshal(trx)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var back SignedTransaction
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if back.ID() != trx.ID() {
		t.Error("json roundtrip changed the transaction id")
	}
	if _, ok := back.Outputs[1].Claim.(BidClaim); !ok {
		t.Errorf("claim type lost in roundtrip: %T", back.Outputs[1].Claim)
	}
}

func TestValidateRejectsDuplicateInputs(t *testing.T) {
	ref := types.OutputReference{TrxHash: crypto.Hash160([]byte("dup"))}
	trx := Transaction{
		Inputs: []Input{{OutputRef: ref}, {OutputRef: ref}},
		Outputs: []Output{{
			Amount: types.NewAsset(1, types.UnitBTS),
			Claim:  SignatureClaim{},
		}},
	}
	if err := trx.Validate(); err == nil {
		t.Error("duplicate inputs should be rejected")
	}
}

func TestValidateRejectsBadCover(t *testing.T) {
	trx := Transaction{
		Outputs: []Output{{
			Amount: types.NewAsset(100, types.UnitUSD), // collateral must be bts
			Claim: CoverClaim{
				Payoff: types.NewAsset(10, types.UnitUSD),
			},
		}},
	}
	if err := trx.Validate(); err == nil {
		t.Error("cover with non-bts collateral should be rejected")
	}
}

func TestBidClaimSides(t *testing.T) {
	claim := BidClaim{AskPrice: mustPrice(t, 2, 1)}
	if !claim.IsBid(types.UnitUSD) {
		t.Error("usd output on a usd/bts order is the bid side")
	}
	if claim.IsBid(types.UnitBTS) {
		t.Error("bts output on a usd/bts order is the ask side")
	}
}

func TestCoverCallPrice(t *testing.T) {
	cover := CoverClaim{Payoff: types.Asset{Amount: types.FromWhole(20), Unit: types.UnitUSD}}
	collateral := types.Asset{Amount: types.FromWhole(30), Unit: types.UnitBTS}
	call, err := cover.CallPrice(collateral, 2)
	if err != nil {
		t.Fatalf("CallPrice() error: %v", err)
	}
	// 20 usd × 2 / 30 bts = 1.333... usd/bts
	one, _ := types.NewPrice(
		types.Asset{Amount: types.FromWhole(4), Unit: types.UnitUSD},
		types.Asset{Amount: types.FromWhole(3), Unit: types.UnitBTS},
	)
	if call.Ratio != one.Ratio {
		t.Errorf("call price = %v, want %v", call, one)
	}
}
