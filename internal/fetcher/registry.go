package fetcher

import (
	"time"

	"github.com/unityledger/unity-chain/pkg/types"
)

// Channel names for per-connection sync state.
const (
	ChannelTrx   = "trx"
	ChannelBlock = "block"
)

// ChannelState tracks what one peer knows on one channel and whether a
// request is outstanding there. One request per connection per channel.
type ChannelState struct {
	known       map[types.Hash160]bool
	requested   types.Hash160
	requestedAt time.Time
	lastQueried time.Time
}

// NewChannelState creates empty per-channel state.
func NewChannelState() *ChannelState {
	return &ChannelState{known: make(map[types.Hash160]bool)}
}

// Knows reports whether the peer has announced or been sent the item.
func (c *ChannelState) Knows(id types.Hash160) bool {
	return c.known[id]
}

// MarkKnown records that the peer holds the item.
func (c *ChannelState) MarkKnown(id types.Hash160) {
	c.known[id] = true
}

// HasPendingRequest reports whether a request is outstanding and not yet
// timed out.
func (c *ChannelState) HasPendingRequest(timeout time.Duration, now time.Time) bool {
	if c.requestedAt.IsZero() {
		return false
	}
	return now.Sub(c.requestedAt) < timeout
}

// BeginRequest marks a request dispatched now.
func (c *ChannelState) BeginRequest(id types.Hash160, now time.Time) {
	c.requested = id
	c.requestedAt = now
	c.lastQueried = now
}

// CompleteRequest clears the outstanding request.
func (c *ChannelState) CompleteRequest() {
	c.requested = types.Hash160{}
	c.requestedAt = time.Time{}
}

// Requested returns the outstanding item, if any.
func (c *ChannelState) Requested() (types.Hash160, bool) {
	return c.requested, !c.requestedAt.IsZero()
}

// LastQueried returns when this channel was last asked for anything; the
// dispatcher prefers the least recently queried connection.
func (c *ChannelState) LastQueried() time.Time {
	return c.lastQueried
}

// Connection is one peer link as the fetch loop sees it: an identity, an
// asynchronous sender, and per-channel sync state. Messages sent on a
// connection are delivered in order.
type Connection interface {
	ID() string
	Send(msgType MessageType, body any) error
	Channel(name string) *ChannelState
}

// Registry enumerates live connections. The registry owns every
// connection; the fetch loop holds no direct references between
// iterations.
type Registry interface {
	Connections() []Connection
}
