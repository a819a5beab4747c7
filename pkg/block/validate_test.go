package block

import (
	"errors"
	"testing"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

func testParent() *Header {
	return &Header{
		BlockNum:       10,
		Timestamp:      1_700_000_000,
		NextDifficulty: 1,
		TotalShares:    1_000_000,
	}
}

func testChild(prev *Header) *TrxBlock {
	b := &TrxBlock{
		Header: Header{
			Prev:           prev.ID(),
			BlockNum:       prev.BlockNum + 1,
			Timestamp:      prev.Timestamp + config.MinTimestampGapSec + 1,
			NextDifficulty: 1,
		},
		Trxs: []*tx.SignedTransaction{{
			Transaction: tx.Transaction{
				Outputs: []tx.Output{{
					Amount: types.NewAsset(1, types.UnitBTS),
					Claim:  tx.SignatureClaim{},
				}},
			},
		}},
	}
	b.TrxMRoot = b.CalculateMerkleRoot()
	return b
}

func TestValidateNextAccepts(t *testing.T) {
	prev := testParent()
	b := testChild(prev)
	if err := b.ValidateNext(prev, prev.ID(), b.Timestamp+1); err != nil {
		t.Fatalf("ValidateNext() error: %v", err)
	}
}

func TestValidateNextRejects(t *testing.T) {
	prev := testParent()

	tests := []struct {
		name   string
		mutate func(*TrxBlock)
		now    func(*TrxBlock) uint32
		want   error
	}{
		{
			name:   "bad block num",
			mutate: func(b *TrxBlock) { b.BlockNum += 5 },
			want:   ErrBadBlockNum,
		},
		{
			name:   "bad prev hash",
			mutate: func(b *TrxBlock) { b.Prev[0] ^= 1 },
			want:   ErrBadPrevHash,
		},
		{
			name:   "timestamp too close",
			mutate: func(b *TrxBlock) { b.Timestamp = prev.Timestamp + 5 },
			want:   ErrTimestampTooClose,
		},
		{
			name:   "timestamp in the future",
			mutate: func(b *TrxBlock) {},
			now:    func(b *TrxBlock) uint32 { return b.Timestamp - config.MaxTimestampSkewSec },
			want:   ErrTimestampFuture,
		},
		{
			name:   "bad merkle root",
			mutate: func(b *TrxBlock) { b.TrxMRoot[3] ^= 1 },
			want:   ErrBadMerkleRoot,
		},
		{
			name:   "no transactions",
			mutate: func(b *TrxBlock) { b.Trxs = nil },
			want:   ErrNoTrxs,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := testChild(prev)
			tc.mutate(b)
			now := b.Timestamp + 1
			if tc.now != nil {
				now = tc.now(b)
			}
			err := b.ValidateNext(prev, prev.ID(), now)
			if !errors.Is(err, tc.want) {
				t.Errorf("ValidateNext() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRequiredDifficultyCDDDiscount(t *testing.T) {
	base := RequiredDifficulty(1000, 0, 0)
	if base != 1000 {
		t.Errorf("no coindays: required = %d, want 1000", base)
	}
	discounted := RequiredDifficulty(1000, 1000, 1000)
	if discounted != 500 {
		t.Errorf("full burn: required = %d, want 500", discounted)
	}
	if RequiredDifficulty(1000, 1000, 2000) != 500 {
		t.Error("cdd above the pool must clamp to the pool")
	}
}

func TestNextFeeRate(t *testing.T) {
	prev := uint64(10_000)
	if got := NextFeeRate(prev, config.MaxBlockTrxsSize/2); got != prev {
		t.Errorf("half-full block: rate = %d, want steady %d", got, prev)
	}
	if got := NextFeeRate(prev, config.MaxBlockTrxsSize); got <= prev {
		t.Errorf("full block: rate = %d, want > %d", got, prev)
	}
	if got := NextFeeRate(prev, 0); got >= prev {
		t.Errorf("empty block: rate = %d, want < %d", got, prev)
	}
	if got := NextFeeRate(config.MinFeeRate, 0); got != config.MinFeeRate {
		t.Errorf("rate floor = %d, want %d", got, config.MinFeeRate)
	}
}

func TestHeaderIDCoversNonces(t *testing.T) {
	h := testParent()
	id := h.ID()
	h.NonceA = 7
	if h.ID() == id {
		t.Error("changing a nonce must change the block id")
	}
}
