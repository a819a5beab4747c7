package storage

// PrefixDB carves a logical namespace out of a shared database by
// prepending a fixed byte prefix to every key. The chain directory keeps
// its trx, block, and market trees in one Badger instance this way, each
// tree blind to its siblings.
type PrefixDB struct {
	inner DB
	ns    []byte
}

// NewPrefixDB creates a namespace over inner rooted at the given prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, ns: append([]byte(nil), prefix...)}
}

// join returns the namespace-qualified form of a key.
func (p *PrefixDB) join(key []byte) []byte {
	full := make([]byte, 0, len(p.ns)+len(key))
	full = append(full, p.ns...)
	return append(full, key...)
}

// Get retrieves a value by key within the namespace.
func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(p.join(key))
}

// Put stores a key-value pair within the namespace.
func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(p.join(key), value)
}

// Delete removes a key within the namespace.
func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(p.join(key))
}

// Has checks if a key exists within the namespace.
func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(p.join(key))
}

// ForEach iterates the namespace in ascending key order. Callers see keys
// with the namespace stripped, so a market scan over "bids/" reads the
// same whether the tree lives in its own store or a shared one.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.join(prefix), func(key, value []byte) error {
		return fn(key[len(p.ns):], value)
	})
}

// DeleteAll removes every key in the namespace. Used when an index tree
// (market order books) is rebuilt from the authoritative store.
func (p *PrefixDB) DeleteAll() error {
	// Collect first: mutating under the iterator is undefined.
	var doomed [][]byte
	err := p.inner.ForEach(p.ns, func(key, _ []byte) error {
		doomed = append(doomed, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range doomed {
		if err := p.inner.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the owning database manages its own lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

// NewBatch returns a batch whose writes land inside the namespace. When
// the inner database batches atomically, so does this; otherwise writes
// are buffered and applied one by one on Commit.
func (p *PrefixDB) NewBatch() Batch {
	if batcher, ok := p.inner.(Batcher); ok {
		return &prefixBatch{inner: batcher.NewBatch(), ns: p.ns}
	}
	return &bufferedBatch{db: p}
}

// prefixBatch qualifies every staged key with the namespace before
// delegating to the inner atomic batch.
type prefixBatch struct {
	inner Batch
	ns    []byte
}

func (pb *prefixBatch) qualify(key []byte) []byte {
	full := make([]byte, 0, len(pb.ns)+len(key))
	full = append(full, pb.ns...)
	return append(full, key...)
}

func (pb *prefixBatch) Put(key, value []byte) error {
	return pb.inner.Put(pb.qualify(key), value)
}

func (pb *prefixBatch) Delete(key []byte) error {
	return pb.inner.Delete(pb.qualify(key))
}

func (pb *prefixBatch) Commit() error {
	return pb.inner.Commit()
}

// bufferedBatch is the non-atomic fallback: staged operations replay in
// order on Commit.
type bufferedBatch struct {
	db  *PrefixDB
	ops []batchOp
}

// batchOp is one staged write.
type batchOp struct {
	key   []byte
	value []byte
	del   bool
}

func (fb *bufferedBatch) Put(key, value []byte) error {
	fb.ops = append(fb.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (fb *bufferedBatch) Delete(key []byte) error {
	fb.ops = append(fb.ops, batchOp{key: append([]byte(nil), key...), del: true})
	return nil
}

func (fb *bufferedBatch) Commit() error {
	for _, op := range fb.ops {
		if op.del {
			if err := fb.db.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := fb.db.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}
