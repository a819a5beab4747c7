// Package forkdb tracks every known block header across all competing
// forks, accumulates chain difficulty, and selects the best valid chain.
package forkdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/internal/storage"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Store namespaces under the forks directory.
var (
	prefixHeaders = []byte("headers/")
	prefixBlocks  = []byte("blocks/")
	prefixNexts   = []byte("nexts/")
	prefixForks   = []byte("forks/")
	prefixUnknown = []byte("unknown/")
)

// Errors.
var (
	ErrUnknownHeader = errors.New("header not known")
	ErrNoValidFork   = errors.New("no valid fork known")
)

// MetaHeader is a stored header with its derived fork state. Height and
// ChainDifficulty are zero until the header connects to genesis.
type MetaHeader struct {
	Header          block.Header `json:"header"`
	Height          uint32       `json:"height"`
	ChainDifficulty uint64       `json:"chain_difficulty"`
	Connected       bool         `json:"connected"`
	Valid           bool         `json:"valid"`
}

// ID returns the header's block id.
func (m *MetaHeader) ID() types.Hash160 {
	return m.Header.ID()
}

// DB is the fork database. Every header ever received is retained; the
// tip set tracks the heads of all non-extended chains by difficulty.
type DB struct {
	headers storage.DB
	blocks  storage.DB
	nexts   storage.DB
	forks   storage.DB
	unknown storage.DB
}

// Open builds a fork database over the given store.
func Open(db storage.DB) *DB {
	return &DB{
		headers: storage.NewPrefixDB(db, prefixHeaders),
		blocks:  storage.NewPrefixDB(db, prefixBlocks),
		nexts:   storage.NewPrefixDB(db, prefixNexts),
		forks:   storage.NewPrefixDB(db, prefixForks),
		unknown: storage.NewPrefixDB(db, prefixUnknown),
	}
}

// CacheHeader records a header, links it to its parent, and propagates
// height/difficulty/validity to any descendants that were waiting for it.
// Idempotent.
func (f *DB) CacheHeader(h *block.Header) error {
	id := h.ID()
	if has, _ := f.headers.Has(id[:]); has {
		return nil
	}

	meta := MetaHeader{Header: *h, Valid: true}
	if h.BlockNum == 0 && h.Prev.IsZero() {
		meta.Connected = true
		meta.Height = 0
		meta.ChainDifficulty = h.GetDifficulty()
	}
	if err := f.putHeader(id, &meta); err != nil {
		return err
	}
	if !meta.Connected {
		if err := f.addNext(h.Prev, id); err != nil {
			return err
		}
		parent, err := f.getHeader(h.Prev)
		if err != nil {
			// Parent unknown: remember which orphan first wanted it so the
			// fetch loop can resume when it arrives.
			if has, _ := f.unknown.Has(h.Prev[:]); !has {
				if err := f.unknown.Put(h.Prev[:], id[:]); err != nil {
					return err
				}
			}
			log.Fork.Debug().
				Str("id", id.String()).
				Str("parent", h.Prev.String()).
				Msg("cached orphan header")
			return nil
		}
		if !parent.Connected {
			return nil // joins the chain when the ancestor path completes
		}
	}

	// The header (or the subtree under it) just became connected.
	if err := f.unknown.Delete(id[:]); err != nil {
		return err
	}
	return f.updateChain(id)
}

// CacheBlock records a full block: its payload plus its header.
func (f *DB) CacheBlock(b *block.TrxBlock) error {
	id := b.Header.ID()
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := f.blocks.Put(id[:], raw); err != nil {
		return err
	}
	return f.CacheHeader(&b.Header)
}

// FetchBlock returns a cached block payload, if present.
func (f *DB) FetchBlock(id types.Hash160) (*block.TrxBlock, error) {
	raw, err := f.blocks.Get(id[:])
	if err != nil {
		return nil, fmt.Errorf("%w: block %s", ErrUnknownHeader, id)
	}
	var b block.TrxBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &b, nil
}

// FetchHeader returns the stored meta header for an id.
func (f *DB) FetchHeader(id types.Hash160) (*MetaHeader, error) {
	return f.getHeader(id)
}

// SetValid marks a block valid or invalid. Invalidity propagates to every
// descendant, so BestForkHead, which skips invalid tips, never picks a fork
// that descends through an invalid block. The tip set itself is left as it
// is: the valid ancestors of an invalidated block are not added as tips.
func (f *DB) SetValid(id types.Hash160, valid bool) error {
	meta, err := f.getHeader(id)
	if err != nil {
		return err
	}
	if meta.Valid == valid {
		return nil
	}
	meta.Valid = valid
	if err := f.putHeader(id, meta); err != nil {
		return err
	}

	// Invalidity poisons the whole subtree; re-validating an ancestor
	// never blanket-validates descendants that failed on their own.
	if !valid {
		stack := []types.Hash160{id}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, next := range f.nextIDs(cur) {
				child, err := f.getHeader(next)
				if err != nil {
					return err
				}
				if child.Valid {
					child.Valid = false
					if err := f.putHeader(next, child); err != nil {
						return err
					}
				}
				stack = append(stack, next)
			}
		}
	}
	log.Fork.Info().Str("id", id.String()).Bool("valid", valid).Msg("validity updated")
	return nil
}

// BestForkHead returns the id of the highest-difficulty tip whose chain
// back to genesis is fully valid and connected.
func (f *DB) BestForkHead() (types.Hash160, error) {
	type tip struct {
		diff uint64
		id   types.Hash160
	}
	var tips []tip
	err := f.forks.ForEach(nil, func(key, _ []byte) error {
		if len(key) != 8+types.Hash160Size {
			return nil
		}
		var t tip
		t.diff = binary.BigEndian.Uint64(key[:8])
		copy(t.id[:], key[8:])
		tips = append(tips, t)
		return nil
	})
	if err != nil {
		return types.Hash160{}, err
	}
	// Highest difficulty last; walk down until a fully valid tip.
	sort.Slice(tips, func(i, j int) bool {
		if tips[i].diff != tips[j].diff {
			return tips[i].diff < tips[j].diff
		}
		return string(tips[i].id[:]) < string(tips[j].id[:])
	})
	for i := len(tips) - 1; i >= 0; i-- {
		meta, err := f.getHeader(tips[i].id)
		if err != nil {
			continue
		}
		if meta.Connected && meta.Valid {
			return tips[i].id, nil
		}
	}
	return types.Hash160{}, ErrNoValidFork
}

// BestForkFetchAt walks back from the best tip to the header at the given
// height.
func (f *DB) BestForkFetchAt(height uint32) (*MetaHeader, error) {
	tipID, err := f.BestForkHead()
	if err != nil {
		return nil, err
	}
	meta, err := f.getHeader(tipID)
	if err != nil {
		return nil, err
	}
	for meta.Height > height {
		meta, err = f.getHeader(meta.Header.Prev)
		if err != nil {
			return nil, err
		}
	}
	if meta.Height != height {
		return nil, fmt.Errorf("%w: height %d above best tip", ErrUnknownHeader, height)
	}
	return meta, nil
}

// FetchUnknown lists parent ids that orphans are still waiting for.
func (f *DB) FetchUnknown() ([]types.Hash160, error) {
	var ids []types.Hash160
	err := f.unknown.ForEach(nil, func(key, _ []byte) error {
		if len(key) != types.Hash160Size {
			return nil
		}
		var id types.Hash160
		copy(id[:], key)
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// currentDifficulty returns the median declared difficulty over the last
// TimekeeperWindow headers ending at id. The median damps adversarial
// timestamping: one wild block cannot swing the accumulated difficulty.
func (f *DB) currentDifficulty(id types.Hash160) (uint64, error) {
	if id.IsZero() {
		return 0, nil
	}
	window := make([]uint64, 0, config.TimekeeperWindow)
	cur := id
	for i := 0; i < config.TimekeeperWindow; i++ {
		meta, err := f.getHeader(cur)
		if err != nil {
			break
		}
		window = append(window, meta.Header.NextDifficulty)
		if meta.Header.Prev.IsZero() {
			break
		}
		cur = meta.Header.Prev
	}
	if len(window) == 0 {
		return 0, nil
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	return window[len(window)/2], nil
}

// updateChain recomputes height, chain difficulty, and validity for every
// descendant of the just-connected header, breadth-first, and refreshes
// the tip set.
func (f *DB) updateChain(updateID types.Hash160) error {
	queue := []types.Hash160{updateID}
	for len(queue) > 0 {
		curID := queue[0]
		queue = queue[1:]

		cur, err := f.getHeader(curID)
		if err != nil {
			return err
		}
		if !cur.Connected {
			// First entry: connect it through its parent.
			parent, err := f.getHeader(cur.Header.Prev)
			if err != nil || !parent.Connected {
				continue
			}
			med, err := f.currentDifficulty(cur.Header.Prev)
			if err != nil {
				return err
			}
			cur.Connected = true
			cur.Height = parent.Height + 1
			cur.ChainDifficulty = parent.ChainDifficulty + med
			cur.Valid = cur.Valid && parent.Valid
			if err := f.putHeader(curID, cur); err != nil {
				return err
			}
		}

		nexts := f.nextIDs(curID)
		for _, nextID := range nexts {
			next, err := f.getHeader(nextID)
			if err != nil {
				return err
			}
			med, err := f.currentDifficulty(curID)
			if err != nil {
				return err
			}
			next.Connected = true
			next.Height = cur.Height + 1
			next.ChainDifficulty = cur.ChainDifficulty + med
			next.Valid = next.Valid && cur.Valid
			if err := f.putHeader(nextID, next); err != nil {
				return err
			}
			if err := f.unknown.Delete(nextID[:]); err != nil {
				return err
			}
			queue = append(queue, nextID)
		}
		if len(nexts) == 0 {
			if err := f.forks.Put(forkKey(cur.ChainDifficulty, curID), nil); err != nil {
				return err
			}
		}
	}
	return f.pruneForkList()
}

// pruneForkList removes tip entries that have since been extended.
func (f *DB) pruneForkList() error {
	var stale [][]byte
	err := f.forks.ForEach(nil, func(key, _ []byte) error {
		if len(key) != 8+types.Hash160Size {
			return nil
		}
		var id types.Hash160
		copy(id[:], key[8:])
		meta, err := f.getHeader(id)
		if err != nil {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}
		// Extended, or re-filed under an updated difficulty.
		if len(f.nextIDs(id)) > 0 || binary.BigEndian.Uint64(key[:8]) != meta.ChainDifficulty {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := f.forks.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (f *DB) getHeader(id types.Hash160) (*MetaHeader, error) {
	raw, err := f.headers.Get(id[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHeader, id)
	}
	var meta MetaHeader
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("meta header unmarshal: %w", err)
	}
	return &meta, nil
}

func (f *DB) putHeader(id types.Hash160, meta *MetaHeader) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return f.headers.Put(id[:], raw)
}

// addNext records a forward edge parent -> child.
func (f *DB) addNext(prev, next types.Hash160) error {
	ids := f.nextIDs(prev)
	for _, id := range ids {
		if id == next {
			return nil
		}
	}
	ids = append(ids, next)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return f.nexts.Put(prev[:], raw)
}

func (f *DB) nextIDs(prev types.Hash160) []types.Hash160 {
	raw, err := f.nexts.Get(prev[:])
	if err != nil {
		return nil
	}
	var ids []types.Hash160
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func forkKey(difficulty uint64, id types.Hash160) []byte {
	key := make([]byte, 8+types.Hash160Size)
	binary.BigEndian.PutUint64(key[:8], difficulty)
	copy(key[8:], id[:])
	return key
}
