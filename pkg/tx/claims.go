// Package tx defines transactions, outputs, and the claim conditions that
// guard them.
package tx

import (
	"encoding/json"
	"fmt"

	"github.com/unityledger/unity-chain/pkg/types"
)

// ClaimType tags the condition attached to an output. The tag is carried
// explicitly in every serialized output and evaluation is a match over it.
type ClaimType uint8

const (
	// ClaimBySignature is spendable by a signature from the owner address.
	ClaimBySignature ClaimType = iota + 1
	// ClaimByPts is the legacy imported-key form of ClaimBySignature.
	ClaimByPts
	// ClaimByBid is a resting order offering the output's asset at a price.
	ClaimByBid
	// ClaimByLong is a resting short-sell offer backed by BTS collateral.
	ClaimByLong
	// ClaimByCover is an open margin position: debt secured by collateral.
	ClaimByCover
)

// String returns the wire name of the claim type.
func (c ClaimType) String() string {
	switch c {
	case ClaimBySignature:
		return "signature"
	case ClaimByPts:
		return "pts"
	case ClaimByBid:
		return "bid"
	case ClaimByLong:
		return "long"
	case ClaimByCover:
		return "cover"
	}
	return fmt.Sprintf("claim(%d)", uint8(c))
}

// Claim is the closed set of output conditions.
type Claim interface {
	ClaimType() ClaimType
	appendTo(buf []byte) []byte
}

// SignatureClaim pays to the holder of the owner address's key.
type SignatureClaim struct {
	Owner types.Address `json:"owner"`
}

// PtsClaim pays to a legacy PTS address imported from a bitcoin-style
// wallet.
type PtsClaim struct {
	Owner types.PtsAddress `json:"owner"`
}

// BidClaim is a resting market order: the output's asset is offered at
// AskPrice, proceeds pay to PayAddress.
type BidClaim struct {
	PayAddress types.Address `json:"pay_address"`
	AskPrice   types.Price   `json:"ask_price"`
}

// LongClaim is a resting short-sell offer: the output holds BTS collateral
// committed to borrowing the quote asset at AskPrice.
type LongClaim struct {
	PayAddress types.Address `json:"pay_address"`
	AskPrice   types.Price   `json:"ask_price"`
}

// CoverClaim is an open margin position: Payoff of bit-asset debt secured
// by the output's BTS collateral, redeemable by Owner.
type CoverClaim struct {
	Payoff types.Asset   `json:"payoff"`
	Owner  types.Address `json:"owner"`
}

// ClaimType implements Claim.
func (SignatureClaim) ClaimType() ClaimType { return ClaimBySignature }

// ClaimType implements Claim.
func (PtsClaim) ClaimType() ClaimType { return ClaimByPts }

// ClaimType implements Claim.
func (BidClaim) ClaimType() ClaimType { return ClaimByBid }

// ClaimType implements Claim.
func (LongClaim) ClaimType() ClaimType { return ClaimByLong }

// ClaimType implements Claim.
func (CoverClaim) ClaimType() ClaimType { return ClaimByCover }

// IsBid reports whether an output with this claim and the given unit sits
// on the bid side of its market: a bid offers quote units to buy the base.
// The mirror orientation (offering base) is an ask.
func (b BidClaim) IsBid(unit types.AssetUnit) bool {
	return unit == b.AskPrice.Quote
}

// CallPrice returns the liquidation price of a margin position with the
// given collateral: the position must be force-closed once the market
// price of the debt unit rises to the point where collateral no longer
// covers margin × debt.
func (c CoverClaim) CallPrice(collateral types.Asset, margin uint64) (types.Price, error) {
	debt, err := c.Payoff.MulInt(margin)
	if err != nil {
		return types.Price{}, err
	}
	return types.NewPrice(debt, collateral)
}

func (s SignatureClaim) appendTo(buf []byte) []byte {
	return append(buf, s.Owner[:]...)
}

func (p PtsClaim) appendTo(buf []byte) []byte {
	return append(buf, p.Owner[:]...)
}

func (b BidClaim) appendTo(buf []byte) []byte {
	buf = append(buf, b.PayAddress[:]...)
	return appendPrice(buf, b.AskPrice)
}

func (l LongClaim) appendTo(buf []byte) []byte {
	buf = append(buf, l.PayAddress[:]...)
	return appendPrice(buf, l.AskPrice)
}

func (c CoverClaim) appendTo(buf []byte) []byte {
	buf = c.Payoff.Amount.AppendBytes(buf)
	buf = append(buf, byte(c.Payoff.Unit))
	return append(buf, c.Owner[:]...)
}

func appendPrice(buf []byte, p types.Price) []byte {
	buf = p.Ratio.AppendBytes(buf)
	buf = append(buf, byte(p.Base), byte(p.Quote))
	return buf
}

// claimJSON is the tagged JSON wrapper for the closed claim variant.
type claimJSON struct {
	Type ClaimType       `json:"type"`
	Body json.RawMessage `json:"body"`
}

func marshalClaim(c Claim) (json.RawMessage, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(claimJSON{Type: c.ClaimType(), Body: body})
}

func unmarshalClaim(data []byte) (Claim, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	switch j.Type {
	case ClaimBySignature:
		var c SignatureClaim
		return c, json.Unmarshal(j.Body, &c)
	case ClaimByPts:
		var c PtsClaim
		return c, json.Unmarshal(j.Body, &c)
	case ClaimByBid:
		var c BidClaim
		return c, json.Unmarshal(j.Body, &c)
	case ClaimByLong:
		var c LongClaim
		return c, json.Unmarshal(j.Body, &c)
	case ClaimByCover:
		var c CoverClaim
		return c, json.Unmarshal(j.Body, &c)
	}
	return nil, fmt.Errorf("unknown claim type %d", j.Type)
}
