package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/unityledger/unity-chain/internal/log"
)

// recordTypeKey is the sentinel key inside every store namespace naming the
// schema of the records it holds, e.g. "meta_trx1". A missing sentinel
// means the store predates versioning and is treated as version 0.
var recordTypeKey = []byte("RECORD_TYPE")

// UpgradeFunc migrates every entry of a store from one record version to
// the next. It must be idempotent per entry.
type UpgradeFunc func(db DB) error

// UpgradeRegistry maps an outdated record-type name (e.g. "meta_trx0") to
// the function that upgrades the store one version forward. Registered
// once at process start-up and passed into every store open.
type UpgradeRegistry struct {
	funcs map[string]UpgradeFunc
}

// NewUpgradeRegistry creates an empty registry.
func NewUpgradeRegistry() *UpgradeRegistry {
	return &UpgradeRegistry{funcs: make(map[string]UpgradeFunc)}
}

// Register installs the upgrade for stores currently holding oldType
// records. Registering the same type twice is a programmer error.
func (r *UpgradeRegistry) Register(oldType string, fn UpgradeFunc) {
	if _, dup := r.funcs[oldType]; dup {
		panic(fmt.Sprintf("duplicate upgrade registration for %q", oldType))
	}
	r.funcs[oldType] = fn
}

// baseAndVersion splits "meta_trx1" into ("meta_trx", "1"). Types that do
// not end in a digit are not upgradeable.
func baseAndVersion(recordType string) (string, string, bool) {
	last := len(recordType)
	for last > 0 && recordType[last-1] >= '0' && recordType[last-1] <= '9' {
		last--
	}
	if last == len(recordType) {
		return recordType, "", false
	}
	return recordType[:last], recordType[last:], true
}

// UpgradeIfNeeded checks the store's RECORD_TYPE sentinel against the
// current record type and applies registered upgrades until the store is
// current. A store with no sentinel is assumed to hold version 0 of the
// current type. The sentinel is rewritten after each successful step so a
// crash mid-chain resumes where it left off.
func UpgradeIfNeeded(db DB, recordType string, reg *UpgradeRegistry) error {
	base, _, ok := baseAndVersion(recordType)
	if !ok {
		log.Storage.Debug().Str("type", recordType).Msg("store is not upgradeable")
		return nil
	}

	stored := base + "0"
	if raw, err := db.Get(recordTypeKey); err == nil {
		stored = strings.TrimSpace(string(raw))
	} else if empty, err := isEmpty(db); err != nil {
		return err
	} else if empty {
		// A brand-new store has nothing to migrate: stamp it current.
		return db.Put(recordTypeKey, []byte(recordType))
	}

	for stored != recordType {
		fn, found := reg.funcs[stored]
		if !found {
			return fmt.Errorf("store holds %q records but no upgrade to %q is registered", stored, recordType)
		}
		next := nextVersionName(stored)
		log.Storage.Info().Str("from", stored).Str("to", next).Msg("upgrading store records")
		if err := fn(db); err != nil {
			return fmt.Errorf("upgrade %q: %w", stored, err)
		}
		if err := db.Put(recordTypeKey, []byte(next)); err != nil {
			return fmt.Errorf("write record type sentinel: %w", err)
		}
		stored = next
	}

	// First open of a fresh store: stamp the current type.
	if has, _ := db.Has(recordTypeKey); !has {
		if err := db.Put(recordTypeKey, []byte(recordType)); err != nil {
			return fmt.Errorf("write record type sentinel: %w", err)
		}
	}
	return nil
}

// isEmpty reports whether a store holds any data entry.
func isEmpty(db DB) (bool, error) {
	found := fmt.Errorf("found")
	err := db.ForEach(nil, func(key, _ []byte) error {
		if IsRecordTypeKey(key) {
			return nil
		}
		return found
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, found) {
		return false, nil
	}
	return false, err
}

// nextVersionName increments the trailing version number: rec0 -> rec1.
func nextVersionName(recordType string) string {
	base, ver, ok := baseAndVersion(recordType)
	if !ok {
		return recordType
	}
	n := 0
	for _, c := range ver {
		n = n*10 + int(c-'0')
	}
	return fmt.Sprintf("%s%d", base, n+1)
}

// IsRecordTypeKey reports whether a key is the schema sentinel; store
// iteration skips it.
func IsRecordTypeKey(key []byte) bool {
	return string(key) == string(recordTypeKey)
}
