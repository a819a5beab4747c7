// Package mempool manages pending signed transactions waiting for block
// inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/unityledger/unity-chain/internal/ledger"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrConflict      = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull      = errors.New("mempool is full")
)

// entry wraps a transaction with its evaluation at admission time.
type entry struct {
	trx  *tx.SignedTransaction
	id   types.Hash160
	eval ledger.Eval
}

// Pool holds unconfirmed transactions, keyed by id with an output-conflict
// index so no two entries spend the same output.
type Pool struct {
	mu      sync.RWMutex
	trxs    map[types.Hash160]*entry
	spends  map[types.OutputReference]types.Hash160
	maxSize int
	chain   *ledger.ChainDB
}

// New creates a mempool validating against the given ledger.
func New(chain *ledger.ChainDB, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		trxs:    make(map[types.Hash160]*entry),
		spends:  make(map[types.OutputReference]types.Hash160),
		maxSize: maxSize,
		chain:   chain,
	}
}

// Add validates and admits a pending transaction.
func (p *Pool) Add(t *tx.SignedTransaction) error {
	eval, err := p.chain.Evaluate(t, false, false)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := t.ID()
	if _, dup := p.trxs[id]; dup {
		return ErrAlreadyExists
	}
	if len(p.trxs) >= p.maxSize {
		return ErrPoolFull
	}
	for _, in := range t.Inputs {
		if other, clash := p.spends[in.OutputRef]; clash {
			return fmt.Errorf("%w: %s also spent by %s", ErrConflict, in.OutputRef, other)
		}
	}

	p.trxs[id] = &entry{trx: t, id: id, eval: eval}
	for _, in := range t.Inputs {
		p.spends[in.OutputRef] = id
	}
	log.Mempool.Debug().Str("trx", id.String()).Int("pool", len(p.trxs)).Msg("admitted transaction")
	return nil
}

// Has reports whether the pool holds a transaction.
func (p *Pool) Has(id types.Hash160) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.trxs[id]
	return ok
}

// Get returns a pending transaction by id.
func (p *Pool) Get(id types.Hash160) (*tx.SignedTransaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.trxs[id]
	if !ok {
		return nil, false
	}
	return e.trx, true
}

// GetByShortID returns a pending transaction matching a compact-block
// short id.
func (p *Pool) GetByShortID(short uint64) (*tx.SignedTransaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, e := range p.trxs {
		if id.Stake() == short {
			return e.trx, true
		}
	}
	return nil, false
}

// Remove drops a transaction and releases its claimed outputs.
func (p *Pool) Remove(id types.Hash160) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remove(id)
}

func (p *Pool) remove(id types.Hash160) {
	e, ok := p.trxs[id]
	if !ok {
		return
	}
	for _, in := range e.trx.Inputs {
		if p.spends[in.OutputRef] == id {
			delete(p.spends, in.OutputRef)
		}
	}
	delete(p.trxs, id)
}

// RemoveConfirmed drops every transaction included in a pushed block,
// along with any entry that conflicts with the block's spends.
func (p *Pool) RemoveConfirmed(trxs []*tx.SignedTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range trxs {
		p.remove(t.ID())
		for _, in := range t.Inputs {
			if loser, ok := p.spends[in.OutputRef]; ok {
				p.remove(loser)
			}
		}
	}
}

// Reinsert returns reverted transactions to the pool after a
// reorganization, revalidating each against the restored state.
func (p *Pool) Reinsert(trxs []*tx.SignedTransaction) {
	for _, t := range trxs {
		if len(t.Sigs) == 0 {
			continue // market transactions regenerate deterministically
		}
		if err := p.Add(t); err != nil &&
			!errors.Is(err, ErrAlreadyExists) && !errors.Is(err, ErrConflict) {
			log.Mempool.Debug().Str("trx", t.ID().String()).Err(err).Msg("reverted transaction no longer valid")
		}
	}
}

// Pending returns all pool transactions, highest fee first; ties break by
// transaction id byte order so every node slices the same prefix.
func (p *Pool) Pending() []*tx.SignedTransaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entries := make([]*entry, 0, len(p.trxs))
	for _, e := range p.trxs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].eval.Fees.Amount.Cmp(entries[j].eval.Fees.Amount); c != 0 {
			return c > 0
		}
		return string(entries[i].id[:]) < string(entries[j].id[:])
	})
	out := make([]*tx.SignedTransaction, len(entries))
	for i, e := range entries {
		out[i] = e.trx
	}
	return out
}

// Size returns the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.trxs)
}

// Revalidate re-evaluates every entry against the current ledger state,
// evicting those the chain has since invalidated (spent inputs, stale
// stake). Called after every applied block.
func (p *Pool) Revalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.trxs {
		if _, err := p.chain.Evaluate(e.trx, false, false); err != nil {
			log.Mempool.Debug().Str("trx", id.String()).Err(err).Msg("evicting stale transaction")
			p.remove(id)
		}
	}
}
