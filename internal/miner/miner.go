// Package miner searches block-header nonces on a dedicated worker
// goroutine. The scheduler thread hands it immutable templates and
// receives solved headers over a channel; everything else in the node
// stays single-threaded.
package miner

import (
	"context"
	"sync"

	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/block"
)

// Worker runs the proof-of-work search. New work cancels and replaces any
// search in progress; results are delivered on Solved.
type Worker struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	solved  chan *block.TrxBlock
	started bool

	// required difficulty parameters captured with each template
	prevDifficulty uint64
	prevCoindays   uint64
}

// NewWorker creates an idle mining worker.
func NewWorker() *Worker {
	return &Worker{solved: make(chan *block.TrxBlock, 1)}
}

// Solved returns the channel on which solved blocks arrive. The receiver
// validates and broadcasts; the worker never touches shared state.
func (w *Worker) Solved() <-chan *block.TrxBlock {
	return w.solved
}

// SetWork starts searching the given template, cancelling any previous
// search. The template must not be mutated by the caller afterwards.
func (w *Worker) SetWork(template *block.TrxBlock, prevDifficulty, prevCoindays uint64) {
	w.Stop()

	w.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.prevDifficulty = prevDifficulty
	w.prevCoindays = prevCoindays
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.search(ctx, template, prevDifficulty, prevCoindays)
}

// Stop cancels any search in progress and waits for the worker goroutine
// to exit. Safe to call repeatedly; it must run before the node is torn
// down.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// search iterates the two header nonces until the work hash meets the
// required difficulty or the context is cancelled.
func (w *Worker) search(ctx context.Context, template *block.TrxBlock, prevDifficulty, prevCoindays uint64) {
	defer w.wg.Done()

	blk := *template
	hdr := blk.Header
	log.Miner.Debug().Uint32("height", hdr.BlockNum).Msg("mining started")

	for a := uint32(0); ; a++ {
		hdr.NonceA = a
		for b := uint32(0); b <= 0xffff; b++ {
			hdr.NonceB = b
			if hdr.ValidateWork(prevDifficulty, prevCoindays) {
				blk.Header = hdr
				select {
				case w.solved <- &blk:
					log.Miner.Info().
						Uint32("height", hdr.BlockNum).
						Uint32("noncea", a).
						Uint32("nonceb", b).
						Msg("block solved")
				case <-ctx.Done():
				}
				return
			}
		}
		// Check for cancellation between inner sweeps, not per hash.
		select {
		case <-ctx.Done():
			log.Miner.Debug().Uint32("height", hdr.BlockNum).Msg("mining cancelled")
			return
		default:
		}
		if a == 0xffffffff {
			log.Miner.Warn().Uint32("height", hdr.BlockNum).Msg("nonce space exhausted")
			return
		}
	}
}
