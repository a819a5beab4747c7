package block

import (
	"encoding/binary"
	"math/big"
	"math/bits"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Header contains block metadata. The id is the 160-bit hash of the
// canonical header encoding, nonces included.
type Header struct {
	Version        uint8         `json:"version"`
	Prev           types.Hash160 `json:"prev"`
	BlockNum       uint32        `json:"block_num"`
	Timestamp      uint32        `json:"timestamp"`
	NextDifficulty uint64        `json:"next_difficulty"`
	TotalShares    uint64        `json:"total_shares"`
	AvailCoindays  uint64        `json:"avail_coindays"`
	TotalCDD       uint64        `json:"total_cdd"`
	NextFee        uint64        `json:"next_fee"`
	TrxMRoot       types.Hash160 `json:"trx_mroot"`
	NonceA         uint32        `json:"noncea"`
	NonceB         uint32        `json:"nonceb"`
}

// maxUint256 is 2^256 - 1, the easiest possible work hash.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EncodedBytes returns the canonical header encoding:
// version(1) | prev(20) | block_num(4) | timestamp(4) | next_difficulty(8) |
// total_shares(8) | avail_coindays(8) | total_cdd(8) | next_fee(8) |
// trx_mroot(20) | noncea(4) | nonceb(4), all integers little-endian.
func (h *Header) EncodedBytes() []byte {
	buf := make([]byte, 0, 89)
	buf = append(buf, h.Version)
	buf = append(buf, h.Prev[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.BlockNum)
	buf = binary.LittleEndian.AppendUint32(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.NextDifficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.TotalShares)
	buf = binary.LittleEndian.AppendUint64(buf, h.AvailCoindays)
	buf = binary.LittleEndian.AppendUint64(buf, h.TotalCDD)
	buf = binary.LittleEndian.AppendUint64(buf, h.NextFee)
	buf = append(buf, h.TrxMRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.NonceA)
	buf = binary.LittleEndian.AppendUint32(buf, h.NonceB)
	return buf
}

// ID computes the block id.
func (h *Header) ID() types.Hash160 {
	return crypto.Hash160(h.EncodedBytes())
}

// WorkHash is the double-SHA256 proof-of-work hash over the header.
func (h *Header) WorkHash() types.Hash256 {
	return crypto.DoubleSha256(h.EncodedBytes())
}

// GetDifficulty converts the work hash into a difficulty value:
// maxUint256 / hash, saturating at MaxUint64. Higher is more work.
func (h *Header) GetDifficulty() uint64 {
	wh := h.WorkHash()
	hashInt := new(big.Int).SetBytes(wh[:])
	if hashInt.Sign() == 0 {
		return ^uint64(0)
	}
	d := new(big.Int).Div(maxUint256, hashInt)
	if !d.IsUint64() {
		return ^uint64(0)
	}
	return d.Uint64()
}

// RequiredDifficulty computes the difficulty a block must reach given the
// parent's declared next difficulty and available coindays. Destroying
// coindays lowers the bar proportionally: burning the entire available
// pool would halve the requirement.
func RequiredDifficulty(prevNextDifficulty, prevAvailCoindays, totalCDD uint64) uint64 {
	if prevNextDifficulty == 0 {
		prevNextDifficulty = 1
	}
	if prevAvailCoindays == 0 || totalCDD == 0 {
		return prevNextDifficulty
	}
	if totalCDD > prevAvailCoindays {
		totalCDD = prevAvailCoindays
	}
	// required = prev * avail / (avail + cdd), 128-bit intermediate.
	hi, lo := bits.Mul64(prevNextDifficulty, prevAvailCoindays)
	denom := prevAvailCoindays + totalCDD
	q, _ := bits.Div64(hi%denom, lo, denom)
	hiQ := hi / denom
	if hiQ != 0 {
		return ^uint64(0)
	}
	if q == 0 {
		return 1
	}
	return q
}

// ValidateWork checks that the proof-of-work hash meets the required
// difficulty.
func (h *Header) ValidateWork(prevNextDifficulty, prevAvailCoindays uint64) bool {
	return h.GetDifficulty() >= RequiredDifficulty(prevNextDifficulty, prevAvailCoindays, h.TotalCDD)
}

// NextFeeRate derives the fee rate the next block must charge from the
// previous rate and this block's serialized size. Linear in saturation:
// a half-full block keeps the rate steady, a full block raises it by 50%,
// an empty block halves it. Never drops below the protocol floor.
func NextFeeRate(prevFee, blockSize uint64) uint64 {
	if prevFee < config.MinFeeRate {
		prevFee = config.MinFeeRate
	}
	hi, lo := bits.Mul64(prevFee, blockSize)
	scaled, _ := bits.Div64(hi%config.MaxBlockTrxsSize, lo, config.MaxBlockTrxsSize)
	if hi/config.MaxBlockTrxsSize != 0 {
		scaled = ^uint64(0) - prevFee/2
	}
	next := prevFee/2 + scaled
	if next < config.MinFeeRate {
		next = config.MinFeeRate
	}
	return next
}
