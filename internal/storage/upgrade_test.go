package storage

import (
	"encoding/json"
	"testing"
)

type rec0 struct {
	Name string `json:"name"`
}

type rec1 struct {
	Name  string `json:"name"`
	Count uint32 `json:"count"`
}

func migrate0to1(db DB) error {
	var keys [][]byte
	var vals []rec1
	err := db.ForEach(nil, func(key, value []byte) error {
		if IsRecordTypeKey(key) {
			return nil
		}
		var old rec0
		if err := json.Unmarshal(value, &old); err != nil {
			return err
		}
		keys = append(keys, append([]byte(nil), key...))
		vals = append(vals, rec1{Name: old.Name, Count: 1})
		return nil
	})
	if err != nil {
		return err
	}
	for i, key := range keys {
		raw, err := json.Marshal(vals[i])
		if err != nil {
			return err
		}
		if err := db.Put(key, raw); err != nil {
			return err
		}
	}
	return nil
}

func TestUpgradeMigratesEntries(t *testing.T) {
	db := NewMemory()
	old, _ := json.Marshal(rec0{Name: "alpha"})
	if err := db.Put([]byte("k1"), old); err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("RECORD_TYPE"), []byte("rec0")); err != nil {
		t.Fatal(err)
	}

	reg := NewUpgradeRegistry()
	reg.Register("rec0", migrate0to1)

	if err := UpgradeIfNeeded(db, "rec1", reg); err != nil {
		t.Fatalf("UpgradeIfNeeded() error: %v", err)
	}

	raw, err := db.Get([]byte("k1"))
	if err != nil {
		t.Fatal(err)
	}
	var got rec1
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("entry not migrated: %v", err)
	}
	if got.Name != "alpha" || got.Count != 1 {
		t.Errorf("migrated entry = %+v", got)
	}

	sentinel, err := db.Get([]byte("RECORD_TYPE"))
	if err != nil || string(sentinel) != "rec1" {
		t.Errorf("sentinel = %q, %v; want rec1", sentinel, err)
	}
}

func TestUpgradeIdempotentOnReopen(t *testing.T) {
	db := NewMemory()
	old, _ := json.Marshal(rec0{Name: "beta"})
	if err := db.Put([]byte("k1"), old); err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("RECORD_TYPE"), []byte("rec0")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	reg := NewUpgradeRegistry()
	reg.Register("rec0", func(db DB) error {
		calls++
		return migrate0to1(db)
	})

	if err := UpgradeIfNeeded(db, "rec1", reg); err != nil {
		t.Fatal(err)
	}
	// Reopen: sentinel now reads rec1, so no further migration runs.
	if err := UpgradeIfNeeded(db, "rec1", reg); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("migration ran %d times, want 1", calls)
	}
}

func TestUpgradeMissingSentinelAssumesVersionZero(t *testing.T) {
	db := NewMemory()
	// Pre-versioning stores have data but no sentinel.
	if err := db.Put([]byte("k1"), []byte("{}")); err != nil {
		t.Fatal(err)
	}
	ran := false
	reg := NewUpgradeRegistry()
	reg.Register("rec0", func(db DB) error {
		ran = true
		return nil
	})
	if err := UpgradeIfNeeded(db, "rec1", reg); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("missing sentinel must be treated as version 0")
	}
}

func TestUpgradeFreshStoreStampsCurrent(t *testing.T) {
	db := NewMemory()
	if err := UpgradeIfNeeded(db, "rec1", NewUpgradeRegistry()); err != nil {
		t.Fatalf("UpgradeIfNeeded() on empty store: %v", err)
	}
	sentinel, err := db.Get([]byte("RECORD_TYPE"))
	if err != nil || string(sentinel) != "rec1" {
		t.Errorf("sentinel = %q, %v; want rec1", sentinel, err)
	}
}

func TestUpgradeUnknownChainFails(t *testing.T) {
	db := NewMemory()
	if err := db.Put([]byte("RECORD_TYPE"), []byte("rec0")); err != nil {
		t.Fatal(err)
	}
	if err := UpgradeIfNeeded(db, "rec2", NewUpgradeRegistry()); err == nil {
		t.Error("missing upgrade registration must fail the open")
	}
}

func TestUpgradeChainsMultipleVersions(t *testing.T) {
	db := NewMemory()
	if err := db.Put([]byte("RECORD_TYPE"), []byte("rec0")); err != nil {
		t.Fatal(err)
	}
	var order []string
	reg := NewUpgradeRegistry()
	reg.Register("rec0", func(DB) error { order = append(order, "rec0"); return nil })
	reg.Register("rec1", func(DB) error { order = append(order, "rec1"); return nil })

	if err := UpgradeIfNeeded(db, "rec2", reg); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "rec0" || order[1] != "rec1" {
		t.Errorf("upgrade order = %v, want [rec0 rec1]", order)
	}
}
