package types

import (
	"encoding/binary"
	"fmt"
)

// OutputReference names one output of one past transaction.
type OutputReference struct {
	TrxHash   Hash160 `json:"trx_hash"`
	OutputIdx uint16  `json:"output_idx"`
}

// IsZero returns true for the zero reference.
func (r OutputReference) IsZero() bool {
	return r.TrxHash.IsZero() && r.OutputIdx == 0
}

// String returns "trxhash:idx" in hex.
func (r OutputReference) String() string {
	return fmt.Sprintf("%s:%d", r.TrxHash, r.OutputIdx)
}

// Bytes returns the fixed 22-byte encoding used in ordered store keys.
func (r OutputReference) Bytes() []byte {
	b := make([]byte, Hash160Size+2)
	copy(b, r.TrxHash[:])
	binary.BigEndian.PutUint16(b[Hash160Size:], r.OutputIdx)
	return b
}

// OutputReferenceFromBytes decodes the fixed 22-byte key form.
func OutputReferenceFromBytes(b []byte) (OutputReference, error) {
	if len(b) != Hash160Size+2 {
		return OutputReference{}, fmt.Errorf("output reference must be %d bytes, got %d", Hash160Size+2, len(b))
	}
	var r OutputReference
	copy(r.TrxHash[:], b[:Hash160Size])
	r.OutputIdx = binary.BigEndian.Uint16(b[Hash160Size:])
	return r, nil
}

// TrxNum locates a transaction by block number and position in the block.
type TrxNum struct {
	BlockNum uint32 `json:"block_num"`
	TrxIdx   uint16 `json:"trx_idx"`
}

// String returns "block.idx".
func (t TrxNum) String() string {
	return fmt.Sprintf("%d.%d", t.BlockNum, t.TrxIdx)
}

// OutputIndex is the canonical wallet-scan ordering of an output:
// block, then transaction, then output position.
type OutputIndex struct {
	BlockNum uint32 `json:"block"`
	TrxIdx   uint16 `json:"trx"`
	OutIdx   uint16 `json:"out"`
}

// Less orders output indexes block-first.
func (o OutputIndex) Less(other OutputIndex) bool {
	if o.BlockNum != other.BlockNum {
		return o.BlockNum < other.BlockNum
	}
	if o.TrxIdx != other.TrxIdx {
		return o.TrxIdx < other.TrxIdx
	}
	return o.OutIdx < other.OutIdx
}
