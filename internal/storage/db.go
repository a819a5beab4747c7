// Package storage provides the ordered key/value stores underneath the
// chain, fork, and market databases. Every store is single-writer; readers
// observe a consistent snapshot until the next write completes.
package storage

import "errors"

// ErrKeyNotFound reports a lookup miss. During expected lookups (a trx id
// the ledger just indexed, a header on the active chain) a miss is a
// programmer error and the caller aborts the request.
var ErrKeyNotFound = errors.New("key not found")

// DB is the interface for ordered key-value storage. Keys are fixed-size
// and compare bytewise, so every implementation must iterate in ascending
// key order: the market order books and the fork tip set rely on the
// store behaving as an ordered map.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in ascending
	// key order. The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch buffers writes for a single atomic commit, used where a block
// application must not be observable half-done.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by databases that support atomic write batches.
type Batcher interface {
	NewBatch() Batch
}
