// Package market maintains the order-book indices over resting outputs and
// produces the deterministic market-matching transactions included at the
// head of every block.
package market

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/unityledger/unity-chain/internal/storage"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Store prefixes inside the market namespace. Keys are fixed-size and
// compare bytewise, so iteration walks each pair's book in price order.
var (
	prefixBids    = []byte("bids/")
	prefixAsks    = []byte("asks/")
	prefixCalls   = []byte("calls/")
	prefixDepth   = []byte("depth/")
	prefixHistory = []byte("price_history/")
)

// Order is one resting order: its location in the ledger and the price it
// rests at. The output itself stays authoritative in the ledger; the index
// is rebuilt from it.
type Order struct {
	Price    types.Price
	Location types.OutputReference
}

// DepthStats tracks the resting BTS committed to each side of a
// bit-asset's market.
type DepthStats struct {
	BidDepth uint64 `json:"bid_depth"`
	AskDepth uint64 `json:"ask_depth"`
}

// DB indexes bids, asks, and margin calls by (pair, price, location).
type DB struct {
	store storage.DB
}

// NewDB creates a market index over the given store namespace.
func NewDB(store storage.DB) *DB {
	return &DB{store: store}
}

// orderKey layout: prefix | base(1) | quote(1) | ratio(16 BE) | location(22).
func orderKey(prefix []byte, o Order) []byte {
	key := make([]byte, 0, len(prefix)+2+16+22)
	key = append(key, prefix...)
	key = append(key, byte(o.Price.Base), byte(o.Price.Quote))
	key = append(key, o.Price.Ratio.BigEndianBytes()...)
	key = append(key, o.Location.Bytes()...)
	return key
}

// callKey layout: prefix | quote(1) | ^ratio(16 BE) | location(22).
// The ratio is bit-inverted so ascending iteration yields the highest call
// price first, which is the order margin calls execute in.
func callKey(o Order) []byte {
	key := make([]byte, 0, len(prefixCalls)+1+16+22)
	key = append(key, prefixCalls...)
	key = append(key, byte(o.Price.Quote))
	ratio := o.Price.Ratio.BigEndianBytes()
	for i := range ratio {
		ratio[i] = ^ratio[i]
	}
	key = append(key, ratio...)
	key = append(key, o.Location.Bytes()...)
	return key
}

func parseOrderKey(prefix, key []byte) (Order, error) {
	body := key[len(prefix):]
	if len(body) != 2+16+22 {
		return Order{}, fmt.Errorf("malformed order key: %d bytes", len(body))
	}
	ratio, err := types.AmountFromBigEndian(body[2 : 2+16])
	if err != nil {
		return Order{}, err
	}
	loc, err := types.OutputReferenceFromBytes(body[2+16:])
	if err != nil {
		return Order{}, err
	}
	return Order{
		Price:    types.Price{Ratio: ratio, Base: types.AssetUnit(body[0]), Quote: types.AssetUnit(body[1])},
		Location: loc,
	}, nil
}

func parseCallKey(key []byte) (Order, error) {
	body := key[len(prefixCalls):]
	if len(body) != 1+16+22 {
		return Order{}, fmt.Errorf("malformed call key: %d bytes", len(body))
	}
	raw := make([]byte, 16)
	copy(raw, body[1:17])
	for i := range raw {
		raw[i] = ^raw[i]
	}
	ratio, err := types.AmountFromBigEndian(raw)
	if err != nil {
		return Order{}, err
	}
	loc, err := types.OutputReferenceFromBytes(body[17:])
	if err != nil {
		return Order{}, err
	}
	return Order{
		Price:    types.Price{Ratio: ratio, Base: types.UnitBTS, Quote: types.AssetUnit(body[0])},
		Location: loc,
	}, nil
}

// InsertBid records a resting bid. depthUnits is the BTS committed by the
// order (collateral for shorts, zero for plain quote-side bids).
func (m *DB) InsertBid(o Order, depthUnits uint64) error {
	if err := m.store.Put(orderKey(prefixBids, o), nil); err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return m.adjustDepth(o.Price.Quote, int64(depthUnits), 0)
}

// RemoveBid removes a resting bid, releasing its depth.
func (m *DB) RemoveBid(o Order, depthUnits uint64) error {
	if err := m.store.Delete(orderKey(prefixBids, o)); err != nil {
		return fmt.Errorf("remove bid: %w", err)
	}
	return m.adjustDepth(o.Price.Quote, -int64(depthUnits), 0)
}

// InsertAsk records a resting ask. depthUnits is the BTS offered.
func (m *DB) InsertAsk(o Order, depthUnits uint64) error {
	if err := m.store.Put(orderKey(prefixAsks, o), nil); err != nil {
		return fmt.Errorf("insert ask: %w", err)
	}
	return m.adjustDepth(o.Price.Quote, 0, int64(depthUnits))
}

// RemoveAsk removes a resting ask, releasing its depth.
func (m *DB) RemoveAsk(o Order, depthUnits uint64) error {
	if err := m.store.Delete(orderKey(prefixAsks, o)); err != nil {
		return fmt.Errorf("remove ask: %w", err)
	}
	return m.adjustDepth(o.Price.Quote, 0, -int64(depthUnits))
}

// InsertCall records a margin position at its liquidation price.
func (m *DB) InsertCall(o Order, depthUnits uint64) error {
	if err := m.store.Put(callKey(o), nil); err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return m.adjustDepth(o.Price.Quote, 0, int64(depthUnits))
}

// RemoveCall removes a margin position from the call index.
func (m *DB) RemoveCall(o Order, depthUnits uint64) error {
	if err := m.store.Delete(callKey(o)); err != nil {
		return fmt.Errorf("remove call: %w", err)
	}
	return m.adjustDepth(o.Price.Quote, 0, -int64(depthUnits))
}

// GetBids returns every resting bid for the pair in ascending price order;
// callers walk it backwards to consume the highest bid first.
func (m *DB) GetBids(quote, base types.AssetUnit) ([]Order, error) {
	return m.scanOrders(prefixBids, quote, base)
}

// GetAsks returns every resting ask for the pair in ascending price order.
func (m *DB) GetAsks(quote, base types.AssetUnit) ([]Order, error) {
	return m.scanOrders(prefixAsks, quote, base)
}

func (m *DB) scanOrders(prefix []byte, quote, base types.AssetUnit) ([]Order, error) {
	if quote <= base {
		return nil, fmt.Errorf("pair must be oriented quote > base, got %s/%s", quote, base)
	}
	scanPrefix := append(append([]byte{}, prefix...), byte(base), byte(quote))
	var orders []Order
	err := m.store.ForEach(scanPrefix, func(key, _ []byte) error {
		o, err := parseOrderKey(prefix, key)
		if err != nil {
			return err
		}
		orders = append(orders, o)
		return nil
	})
	return orders, err
}

// GetCalls returns every margin position on the quote unit whose call
// price is at or above the threshold, highest call price first.
func (m *DB) GetCalls(quote types.AssetUnit, threshold types.Price) ([]Order, error) {
	scanPrefix := append(append([]byte{}, prefixCalls...), byte(quote))
	var calls []Order
	stop := fmt.Errorf("stop")
	err := m.store.ForEach(scanPrefix, func(key, _ []byte) error {
		o, err := parseCallKey(key)
		if err != nil {
			return err
		}
		if o.Price.Ratio.Cmp(threshold.Ratio) < 0 {
			return stop
		}
		calls = append(calls, o)
		return nil
	})
	if err != nil && err != stop {
		return nil, err
	}
	return calls, nil
}

// Depth returns the total resting BTS committed to the quote unit's market.
func (m *DB) Depth(quote types.AssetUnit) (uint64, error) {
	s, err := m.GetDepthStats(quote)
	if err != nil {
		return 0, err
	}
	return s.BidDepth + s.AskDepth, nil
}

// GetDepthStats returns the per-side depth for a quote unit.
func (m *DB) GetDepthStats(quote types.AssetUnit) (DepthStats, error) {
	raw, err := m.store.Get(depthKey(quote))
	if err != nil {
		return DepthStats{}, nil // no orders yet
	}
	var s DepthStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return DepthStats{}, fmt.Errorf("depth stats unmarshal: %w", err)
	}
	return s, nil
}

func depthKey(quote types.AssetUnit) []byte {
	return append(append([]byte{}, prefixDepth...), byte(quote))
}

func (m *DB) adjustDepth(quote types.AssetUnit, bidDelta, askDelta int64) error {
	s, err := m.GetDepthStats(quote)
	if err != nil {
		return err
	}
	s.BidDepth = applyDelta(s.BidDepth, bidDelta)
	s.AskDepth = applyDelta(s.AskDepth, askDelta)
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.store.Put(depthKey(quote), raw)
}

func applyDelta(v uint64, d int64) uint64 {
	if d >= 0 {
		return v + uint64(d)
	}
	if uint64(-d) > v {
		return 0
	}
	return v - uint64(-d)
}

// PricePoint summarizes one block's trading on a pair.
type PricePoint struct {
	BlockNum    uint32       `json:"block_num"`
	Base        types.AssetUnit `json:"base"`
	Quote       types.AssetUnit `json:"quote"`
	QuoteVolume types.Amount `json:"quote_volume"`
	BaseVolume  types.Amount `json:"base_volume"`
	HighBid     types.Price  `json:"high_bid"`
	LowAsk      types.Price  `json:"low_ask"`
}

// PushPricePoint records a block's price point for the pair.
func (m *DB) PushPricePoint(p PricePoint) error {
	key := make([]byte, 0, len(prefixHistory)+2+4)
	key = append(key, prefixHistory...)
	key = append(key, byte(p.Base), byte(p.Quote))
	key = binary.BigEndian.AppendUint32(key, p.BlockNum)
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.store.Put(key, raw)
}

// GetHistory returns recorded price points for the pair between the given
// block numbers inclusive.
func (m *DB) GetHistory(quote, base types.AssetUnit, fromBlock, toBlock uint32) ([]PricePoint, error) {
	scanPrefix := append(append([]byte{}, prefixHistory...), byte(base), byte(quote))
	var points []PricePoint
	err := m.store.ForEach(scanPrefix, func(key, value []byte) error {
		num := binary.BigEndian.Uint32(key[len(scanPrefix):])
		if num < fromBlock || num > toBlock {
			return nil
		}
		var p PricePoint
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		points = append(points, p)
		return nil
	})
	return points, err
}
