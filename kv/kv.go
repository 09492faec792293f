// Package kv provides the ordered key-value backend the stream engine is
// built on. Keys within a prefix scan in lexicographic byte order, and a
// Batch commits atomically; nothing beyond that is assumed, so the engine
// stays backend-agnostic.
package kv

import "errors"

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Op is a single mutation inside a Batch.
type Op struct {
	Key    []byte
	Value  []byte // nil means delete
	Delete bool
}

// Batch is an ordered set of mutations applied atomically.
type Batch struct {
	ops []Op
}

// Put records a key write in the batch.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, Op{Key: key, Value: value})
}

// Delete records a key deletion in the batch.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Key: key, Delete: true})
}

// Ops returns the recorded mutations in order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Len returns the number of mutations in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// ScanFunc receives each key/value pair during a Scan. Returning false stops
// the scan. The key and value byte slices are only valid for the duration of
// the call; implementations may reuse or unmap them afterwards.
type ScanFunc func(key, value []byte) bool

// Store is an ordered byte map with atomic batch writes.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Scan visits keys with the given prefix in ascending byte order,
	// starting at the first key strictly greater than fromKey (pass nil to
	// start at the beginning of the prefix).
	Scan(prefix, fromKey []byte, fn ScanFunc) error

	// Apply commits all mutations in the batch atomically: either every op
	// lands or none do.
	Apply(batch *Batch) error

	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(prefix []byte) error

	// Sync flushes pending writes to stable storage.
	Sync() error

	// Close releases resources held by the store.
	Close() error
}
