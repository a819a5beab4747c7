// Package config handles protocol constants, node configuration, and the
// genesis description.
//
// Configuration is split into two categories:
//   - Protocol rules: consensus constants, identical on every node
//   - Node settings: runtime configuration, can vary per node
package config

// Protocol constants. These MUST match across all nodes or consensus
// breaks.
const (
	// InitialMarginRequirement is the collateral multiple a short position
	// must post against its notional debt.
	InitialMarginRequirement uint64 = 2

	// MaxBlockTrxsSize bounds the serialized transaction bytes per block.
	MaxBlockTrxsSize uint64 = 2 * 1024 * 1024

	// TimekeeperWindow is the number of recent blocks whose median
	// difficulty feeds chain-difficulty accumulation.
	TimekeeperWindow = 73

	// TargetBlockIntervalSec is the target seconds between blocks.
	TargetBlockIntervalSec uint64 = 300

	// RetargetWindowBlocks is how many blocks between difficulty
	// retargets.
	RetargetWindowBlocks uint32 = 144

	// MinTimestampGapSec: a block's timestamp must exceed its parent's by
	// more than this.
	MinTimestampGapSec uint32 = 30

	// MaxTimestampSkewSec: a block's timestamp must not be further than
	// this in the future of local time.
	MaxTimestampSkewSec uint32 = 60

	// MinFeeRate is the floor fee rate in 1e-8 units per byte.
	MinFeeRate uint64 = 1000

	// MarketDepthDivisor gates matching: a bit-asset market only matches
	// when its resting depth is at least total_shares/MarketDepthDivisor.
	MarketDepthDivisor uint64 = 100
)

// Unity consensus thresholds.
const (
	// UnityPrevMajority: fraction of the UNL that must share a prev digest
	// before the local node re-roots onto it.
	UnityPrevMajority = 0.60

	// UnityNextMajority: fraction of the UNL that must share the next
	// digest for the round to commit.
	UnityNextMajority = 0.60

	// UnityItemThreshold: an item joins the proposal when its weighted
	// average exceeds this fraction of the best item's weight.
	UnityItemThreshold = 0.75
)

// Networking timeouts and retry policy.
const (
	// BlockFetchTimeoutSec is how long a dispatched block/header fetch may
	// stay outstanding before it is redispatched to a different peer.
	BlockFetchTimeoutSec = 10

	// ConnectRetrySec is the fixed backoff between outbound connection
	// attempts.
	ConnectRetrySec = 30
)
