package miner

import (
	"testing"
	"time"

	"github.com/unityledger/unity-chain/pkg/block"
)

func TestWorkerSolvesTrivialDifficulty(t *testing.T) {
	w := NewWorker()
	defer w.Stop()

	template := &block.TrxBlock{Header: block.Header{BlockNum: 1, NextDifficulty: 1}}
	// Difficulty 1 accepts any hash, so the first nonce wins.
	w.SetWork(template, 1, 0)

	select {
	case solved := <-w.Solved():
		if solved.BlockNum != 1 {
			t.Errorf("solved height = %d, want 1", solved.BlockNum)
		}
		if !solved.Header.ValidateWork(1, 0) {
			t.Error("solved block fails its own work check")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not solve a trivial block")
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	w := NewWorker()
	w.Stop()
	w.Stop()
}

func TestSetWorkReplacesSearch(t *testing.T) {
	w := NewWorker()
	defer w.Stop()

	// An effectively unsolvable target keeps the first search busy.
	hard := &block.TrxBlock{Header: block.Header{BlockNum: 1}}
	w.SetWork(hard, ^uint64(0), 0)

	easy := &block.TrxBlock{Header: block.Header{BlockNum: 2}}
	w.SetWork(easy, 1, 0)

	select {
	case solved := <-w.Solved():
		if solved.BlockNum != 2 {
			t.Errorf("solved height = %d, want the replacement template", solved.BlockNum)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("replacement work never solved")
	}
}
