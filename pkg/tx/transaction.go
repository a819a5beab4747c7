package tx

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Input references one unspent output and carries any claim-specific data
// the referenced output's condition requires.
type Input struct {
	OutputRef types.OutputReference `json:"output_ref"`
	InputData []byte                `json:"input_data,omitempty"`
}

// Output carries an asset guarded by a claim condition.
type Output struct {
	Amount types.Asset `json:"amount"`
	Claim  Claim       `json:"claim"`
}

// Transaction maps inputs to outputs. Stake carries the low 8 bytes of a
// recent block id so old transactions cannot be replayed across forks.
type Transaction struct {
	Version    uint8    `json:"version"`
	Stake      uint64   `json:"stake"`
	Timestamp  uint32   `json:"timestamp"`
	ValidAfter uint32   `json:"valid_after,omitempty"`
	ValidUntil uint32   `json:"valid_until,omitempty"`
	Inputs     []Input  `json:"inputs"`
	Outputs    []Output `json:"outputs"`
}

// SignedTransaction is a transaction plus a set of compact signatures.
// Market-synthesized transactions carry no signatures.
type SignedTransaction struct {
	Transaction
	Sigs [][]byte `json:"sigs,omitempty"`
}

// outputJSON mirrors Output with the tagged claim wrapper.
type outputJSON struct {
	Amount types.Asset     `json:"amount"`
	Claim  json.RawMessage `json:"claim"`
}

// MarshalJSON encodes the output with its tagged claim.
func (o Output) MarshalJSON() ([]byte, error) {
	claim, err := marshalClaim(o.Claim)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outputJSON{Amount: o.Amount, Claim: claim})
}

// UnmarshalJSON decodes an output with its tagged claim.
func (o *Output) UnmarshalJSON(data []byte) error {
	var j outputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	claim, err := unmarshalClaim(j.Claim)
	if err != nil {
		return err
	}
	o.Amount = j.Amount
	o.Claim = claim
	return nil
}

// inputJSON mirrors Input with hex-encoded input data.
type inputJSON struct {
	OutputRef types.OutputReference `json:"output_ref"`
	InputData string                `json:"input_data,omitempty"`
}

// MarshalJSON encodes the input with hex input data.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{OutputRef: in.OutputRef}
	if in.InputData != nil {
		j.InputData = hex.EncodeToString(in.InputData)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex input data.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.OutputRef = j.OutputRef
	if j.InputData != "" {
		b, err := hex.DecodeString(j.InputData)
		if err != nil {
			return err
		}
		in.InputData = b
	}
	return nil
}

// SigningBytes returns the canonical byte encoding of the transaction
// without signatures: little-endian fixed-width integers, varint lengths.
// Two honest nodes must produce byte-identical encodings.
func (t *Transaction) SigningBytes() []byte {
	buf := make([]byte, 0, 64+len(t.Inputs)*24+len(t.Outputs)*48)
	buf = append(buf, t.Version)
	buf = binary.LittleEndian.AppendUint64(buf, t.Stake)
	buf = binary.LittleEndian.AppendUint32(buf, t.Timestamp)
	buf = binary.LittleEndian.AppendUint32(buf, t.ValidAfter)
	buf = binary.LittleEndian.AppendUint32(buf, t.ValidUntil)

	buf = binary.AppendUvarint(buf, uint64(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf = append(buf, in.OutputRef.TrxHash[:]...)
		buf = binary.LittleEndian.AppendUint16(buf, in.OutputRef.OutputIdx)
		buf = binary.AppendUvarint(buf, uint64(len(in.InputData)))
		buf = append(buf, in.InputData...)
	}

	buf = binary.AppendUvarint(buf, uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = out.Amount.Amount.AppendBytes(buf)
		buf = append(buf, byte(out.Amount.Unit), byte(out.Claim.ClaimType()))
		buf = out.Claim.appendTo(buf)
	}
	return buf
}

// Digest returns the SHA-256 signing digest of the transaction.
func (t *Transaction) Digest() types.Hash256 {
	return crypto.Sha256(t.SigningBytes())
}

// EncodedBytes returns the canonical encoding of the signed transaction:
// the signing bytes followed by the signature set in sorted order. The
// sort makes the encoding independent of signing order.
func (s *SignedTransaction) EncodedBytes() []byte {
	buf := s.SigningBytes()
	sigs := make([][]byte, len(s.Sigs))
	copy(sigs, s.Sigs)
	sort.Slice(sigs, func(i, j int) bool { return bytes.Compare(sigs[i], sigs[j]) < 0 })
	buf = binary.AppendUvarint(buf, uint64(len(sigs)))
	for _, sig := range sigs {
		buf = append(buf, sig...)
	}
	return buf
}

// ID returns the 160-bit transaction id over the full signed encoding.
func (s *SignedTransaction) ID() types.Hash160 {
	return crypto.Hash160(s.EncodedBytes())
}

// Size returns the serialized size in bytes, used for fee calculation.
func (s *SignedTransaction) Size() uint64 {
	return uint64(len(s.EncodedBytes()))
}

// Sign appends a compact signature over the transaction digest.
func (s *SignedTransaction) Sign(key *crypto.PrivateKey) error {
	sig, err := key.SignCompact(s.Digest())
	if err != nil {
		return err
	}
	s.Sigs = append(s.Sigs, sig)
	return nil
}

// SignedAddresses recovers the set of addresses that signed this
// transaction. Unrecoverable signatures are skipped: a garbage signature
// simply authorizes nothing.
func (s *SignedTransaction) SignedAddresses() map[types.Address]bool {
	digest := s.Digest()
	signed := make(map[types.Address]bool, len(s.Sigs))
	for _, sig := range s.Sigs {
		addr, err := crypto.RecoverAddress(digest, sig)
		if err != nil {
			continue
		}
		signed[addr] = true
	}
	return signed
}
