package block

import (
	"errors"
	"fmt"

	"github.com/unityledger/unity-chain/config"
)

// Header validation errors.
var (
	ErrBadBlockNum       = errors.New("block number does not follow parent")
	ErrBadPrevHash       = errors.New("prev does not match parent id")
	ErrTimestampTooClose = errors.New("block timestamp too close to parent")
	ErrTimestampFuture   = errors.New("block timestamp too far in the future")
	ErrBadMerkleRoot     = errors.New("trx merkle root mismatch")
	ErrInsufficientWork  = errors.New("proof of work below required difficulty")
	ErrBadNextFee        = errors.New("next_fee does not match fee formula")
	ErrNoTrxs            = errors.New("block has no transactions")
	ErrTooLarge          = errors.New("block transactions exceed size limit")
)

// ValidateNext checks every header-level chain-link invariant of a block
// against its parent header. now is the local wall-clock in unix seconds.
func (b *TrxBlock) ValidateNext(prev *Header, prevID [20]byte, now uint32) error {
	if len(b.Trxs) == 0 {
		return ErrNoTrxs
	}
	if b.BlockNum != prev.BlockNum+1 {
		return fmt.Errorf("%w: %d after %d", ErrBadBlockNum, b.BlockNum, prev.BlockNum)
	}
	if b.Prev != prevID {
		return fmt.Errorf("%w: %s", ErrBadPrevHash, b.Prev)
	}
	if b.Timestamp <= prev.Timestamp+config.MinTimestampGapSec {
		return fmt.Errorf("%w: %d after %d", ErrTimestampTooClose, b.Timestamp, prev.Timestamp)
	}
	if b.Timestamp >= now+config.MaxTimestampSkewSec {
		return fmt.Errorf("%w: %d at local time %d", ErrTimestampFuture, b.Timestamp, now)
	}
	if b.TrxMRoot != b.CalculateMerkleRoot() {
		return ErrBadMerkleRoot
	}
	if b.TrxsSize() > config.MaxBlockTrxsSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, b.TrxsSize())
	}
	if !b.Header.ValidateWork(prev.NextDifficulty, prev.AvailCoindays) {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientWork,
			b.Header.GetDifficulty(),
			RequiredDifficulty(prev.NextDifficulty, prev.AvailCoindays, b.TotalCDD))
	}
	return nil
}
