package storage

import (
	"encoding/binary"
	"errors"
	"testing"
)

// blockNumKey mimics the ledger's fixed-size big-endian height keys, the
// key shape whose ordering the stores must preserve.
func blockNumKey(n uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, n)
	return key
}

// runDBContract exercises the behavior every DB implementation must share.
func runDBContract(t *testing.T, db DB) {
	t.Helper()

	// Missing keys surface ErrKeyNotFound.
	if _, err := db.Get(blockNumKey(7)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(missing) = %v, want %v", err, ErrKeyNotFound)
	}
	if has, err := db.Has(blockNumKey(7)); err != nil || has {
		t.Errorf("Has(missing) = %v, %v; want false", has, err)
	}

	// Round-trip a header-sized value.
	if err := db.Put(blockNumKey(7), []byte("header seven")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := db.Get(blockNumKey(7))
	if err != nil || string(got) != "header seven" {
		t.Errorf("Get() = %q, %v; want header seven", got, err)
	}
	if has, _ := db.Has(blockNumKey(7)); !has {
		t.Error("Has() = false after Put")
	}

	// Overwrite wins.
	if err := db.Put(blockNumKey(7), []byte("header seven prime")); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.Get(blockNumKey(7)); string(got) != "header seven prime" {
		t.Errorf("Get() after overwrite = %q", got)
	}

	// Delete is final and idempotent.
	if err := db.Delete(blockNumKey(7)); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := db.Get(blockNumKey(7)); !errors.Is(err, ErrKeyNotFound) {
		t.Error("deleted key still readable")
	}
	if err := db.Delete(blockNumKey(7)); err != nil {
		t.Errorf("second Delete() error: %v", err)
	}
}

// runDBOrdering verifies ascending key iteration, which the market order
// books and fork tip set depend on.
func runDBOrdering(t *testing.T, db DB) {
	t.Helper()

	// Insert heights out of order; iteration must come back sorted.
	for _, n := range []uint32{30, 5, 144, 1, 73} {
		if err := db.Put(blockNumKey(n), []byte{byte(n)}); err != nil {
			t.Fatal(err)
		}
	}
	var seen []uint32
	err := db.ForEach(nil, func(key, _ []byte) error {
		if len(key) != 4 {
			return nil
		}
		seen = append(seen, binary.BigEndian.Uint32(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach() error: %v", err)
	}
	want := []uint32{1, 5, 30, 73, 144}
	if len(seen) != len(want) {
		t.Fatalf("ForEach() visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("iteration order %v, want ascending %v", seen, want)
		}
	}

	// Early stop propagates.
	stop := errors.New("stop")
	count := 0
	err = db.ForEach(nil, func(key, _ []byte) error {
		count++
		return stop
	})
	if !errors.Is(err, stop) || count != 1 {
		t.Errorf("early stop: err = %v after %d entries", err, count)
	}
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	runDBContract(t, db)
	runDBOrdering(t, db)
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	runDBContract(t, db)
	runDBOrdering(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	if err := db1.Put(blockNumKey(0), []byte("genesis header")); err != nil {
		t.Fatal(err)
	}
	if err := db1.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()
	got, err := db2.Get(blockNumKey(0))
	if err != nil || string(got) != "genesis header" {
		t.Errorf("Get() after reopen = %q, %v", got, err)
	}
}

func TestBadgerDB_Batch(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	batch := db.NewBatch()
	if err := batch.Put(blockNumKey(1), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := batch.Put(blockNumKey(2), []byte("two")); err != nil {
		t.Fatal(err)
	}

	// Nothing lands until commit.
	if has, _ := db.Has(blockNumKey(1)); has {
		t.Error("batched write visible before Commit")
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if got, _ := db.Get(blockNumKey(2)); string(got) != "two" {
		t.Errorf("Get() after commit = %q", got)
	}
}
