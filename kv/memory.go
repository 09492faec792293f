package kv

import (
	"bytes"
	"sort"
	"sync"
)

// Memory is an in-memory Store for tests and dev mode. Keys are kept in a
// sorted slice so Scan order matches the on-disk backends.
type Memory struct {
	mu   sync.RWMutex
	keys [][]byte // sorted
	vals map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{vals: make(map[string][]byte)}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.vals[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Scan(prefix, fromKey []byte, fn ScanFunc) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var start int
	if fromKey != nil && bytes.Compare(fromKey, prefix) >= 0 {
		start = sort.Search(len(m.keys), func(i int) bool {
			return bytes.Compare(m.keys[i], fromKey) > 0
		})
	} else {
		start = sort.Search(len(m.keys), func(i int) bool {
			return bytes.Compare(m.keys[i], prefix) >= 0
		})
	}

	for i := start; i < len(m.keys); i++ {
		k := m.keys[i]
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if !fn(k, m.vals[string(k)]) {
			break
		}
	}
	return nil
}

func (m *Memory) Apply(batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range batch.Ops() {
		if op.Delete {
			m.deleteLocked(op.Key)
			continue
		}
		v := make([]byte, len(op.Value))
		copy(v, op.Value)
		if _, exists := m.vals[string(op.Key)]; !exists {
			m.insertKeyLocked(op.Key)
		}
		m.vals[string(op.Key)] = v
	}
	return nil
}

func (m *Memory) DeletePrefix(prefix []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := sort.Search(len(m.keys), func(i int) bool {
		return bytes.Compare(m.keys[i], prefix) >= 0
	})
	end := start
	for end < len(m.keys) && bytes.HasPrefix(m.keys[end], prefix) {
		delete(m.vals, string(m.keys[end]))
		end++
	}
	m.keys = append(m.keys[:start], m.keys[end:]...)
	return nil
}

func (m *Memory) Sync() error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) insertKeyLocked(key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	i := sort.Search(len(m.keys), func(i int) bool {
		return bytes.Compare(m.keys[i], k) >= 0
	})
	m.keys = append(m.keys, nil)
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = k
}

func (m *Memory) deleteLocked(key []byte) {
	if _, ok := m.vals[string(key)]; !ok {
		return
	}
	delete(m.vals, string(key))
	i := sort.Search(len(m.keys), func(i int) bool {
		return bytes.Compare(m.keys[i], key) >= 0
	})
	if i < len(m.keys) && bytes.Equal(m.keys[i], key) {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
}
