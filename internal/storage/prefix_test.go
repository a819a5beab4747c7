package storage

import (
	"errors"
	"testing"
)

// The ledger carves its trees out of one store exactly like this.
var (
	nsTrxs   = []byte("meta_trxs/")
	nsBlocks = []byte("blocks/")
	nsBids   = []byte("market/bids/")
)

func TestPrefixDB_RoundTrip(t *testing.T) {
	inner := NewMemory()
	trxs := NewPrefixDB(inner, nsTrxs)

	if err := trxs.Put([]byte("t1"), []byte("meta one")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := trxs.Get([]byte("t1"))
	if err != nil || string(got) != "meta one" {
		t.Errorf("Get() = %q, %v", got, err)
	}
	if has, _ := trxs.Has([]byte("t1")); !has {
		t.Error("Has() = false after Put")
	}

	// The inner store sees the qualified key, not the logical one.
	if _, err := inner.Get([]byte("t1")); !errors.Is(err, ErrKeyNotFound) {
		t.Error("bare key leaked into the inner store")
	}
	if _, err := inner.Get([]byte("meta_trxs/t1")); err != nil {
		t.Errorf("qualified key missing from inner store: %v", err)
	}

	if err := trxs.Delete([]byte("t1")); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := trxs.Get([]byte("t1")); !errors.Is(err, ErrKeyNotFound) {
		t.Error("deleted key still readable")
	}
}

func TestPrefixDB_NamespacesAreBlind(t *testing.T) {
	inner := NewMemory()
	trxs := NewPrefixDB(inner, nsTrxs)
	blocks := NewPrefixDB(inner, nsBlocks)

	if err := trxs.Put([]byte("k"), []byte("trx value")); err != nil {
		t.Fatal(err)
	}
	if err := blocks.Put([]byte("k"), []byte("block value")); err != nil {
		t.Fatal(err)
	}

	got, err := trxs.Get([]byte("k"))
	if err != nil || string(got) != "trx value" {
		t.Errorf("trx namespace = %q, %v", got, err)
	}
	got, err = blocks.Get([]byte("k"))
	if err != nil || string(got) != "block value" {
		t.Errorf("block namespace = %q, %v", got, err)
	}

	// Deleting in one tree leaves the sibling untouched.
	if err := trxs.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if has, _ := blocks.Has([]byte("k")); !has {
		t.Error("delete crossed namespaces")
	}
}

func TestPrefixDB_ForEachStripsNamespace(t *testing.T) {
	inner := NewMemory()
	bids := NewPrefixDB(inner, nsBids)

	// Price-ordered-looking keys, inserted out of order.
	for _, k := range []string{"price3/refA", "price1/refB", "price2/refC"} {
		if err := bids.Put([]byte(k), nil); err != nil {
			t.Fatal(err)
		}
	}
	// A sibling tree that must not bleed into the scan.
	if err := NewPrefixDB(inner, nsBlocks).Put([]byte("price9"), nil); err != nil {
		t.Fatal(err)
	}

	var keys []string
	err := bids.ForEach(nil, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach() error: %v", err)
	}
	want := []string{"price1/refB", "price2/refC", "price3/refA"}
	if len(keys) != len(want) {
		t.Fatalf("ForEach() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("scan = %v, want sorted logical keys %v", keys, want)
		}
	}
}

func TestPrefixDB_ForEachSubPrefix(t *testing.T) {
	bids := NewPrefixDB(NewMemory(), nsBids)
	for _, k := range []string{"usd/1", "usd/2", "eur/1"} {
		if err := bids.Put([]byte(k), nil); err != nil {
			t.Fatal(err)
		}
	}
	count := 0
	err := bids.ForEach([]byte("usd/"), func(key, _ []byte) error {
		count++
		return nil
	})
	if err != nil || count != 2 {
		t.Errorf("sub-prefix scan visited %d, %v; want 2", count, err)
	}
}

func TestPrefixDB_ForEachStopEarly(t *testing.T) {
	bids := NewPrefixDB(NewMemory(), nsBids)
	for _, k := range []string{"a", "b", "c"} {
		if err := bids.Put([]byte(k), nil); err != nil {
			t.Fatal(err)
		}
	}
	stop := errors.New("stop")
	count := 0
	err := bids.ForEach(nil, func(key, _ []byte) error {
		count++
		return stop
	})
	if !errors.Is(err, stop) || count != 1 {
		t.Errorf("early stop: err = %v after %d", err, count)
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	inner := NewMemory()
	bids := NewPrefixDB(inner, nsBids)
	blocks := NewPrefixDB(inner, nsBlocks)

	for _, k := range []string{"o1", "o2", "o3"} {
		if err := bids.Put([]byte(k), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := blocks.Put([]byte("survivor"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	// Rebuild path: wipe the index tree, siblings untouched.
	if err := bids.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll() error: %v", err)
	}
	count := 0
	if err := bids.ForEach(nil, func([]byte, []byte) error { count++; return nil }); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("%d entries survived DeleteAll", count)
	}
	if has, _ := blocks.Has([]byte("survivor")); !has {
		t.Error("DeleteAll crossed namespaces")
	}

	// Empty tree: no-op.
	if err := bids.DeleteAll(); err != nil {
		t.Errorf("DeleteAll() on empty tree: %v", err)
	}
}

func TestPrefixDB_BatchDelegatesAtomically(t *testing.T) {
	dir := t.TempDir()
	inner, err := NewBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer inner.Close()
	trxs := NewPrefixDB(inner, nsTrxs)

	batch := trxs.NewBatch()
	if err := batch.Put([]byte("t1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := batch.Put([]byte("t2"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if has, _ := trxs.Has([]byte("t1")); has {
		t.Error("batched write visible before Commit")
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	got, err := trxs.Get([]byte("t2"))
	if err != nil || string(got) != "v2" {
		t.Errorf("Get() after commit = %q, %v", got, err)
	}
}

func TestPrefixDB_BatchFallbackBuffers(t *testing.T) {
	// MemoryDB has no Batcher, so the namespace batch buffers and replays.
	trxs := NewPrefixDB(NewMemory(), nsTrxs)

	batch := trxs.NewBatch()
	if err := batch.Put([]byte("t1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := batch.Delete([]byte("t1")); err != nil {
		t.Fatal(err)
	}
	if err := batch.Put([]byte("t2"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if has, _ := trxs.Has([]byte("t1")); has {
		t.Error("put-then-delete must end deleted")
	}
	if got, _ := trxs.Get([]byte("t2")); string(got) != "v2" {
		t.Errorf("Get() = %q, want v2", got)
	}
}

func TestPrefixDB_CloseLeavesInnerOpen(t *testing.T) {
	inner := NewMemory()
	trxs := NewPrefixDB(inner, nsTrxs)
	if err := trxs.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := trxs.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := inner.Get([]byte("meta_trxs/k")); err != nil {
		t.Errorf("inner store closed by namespace Close: %v", err)
	}
}
