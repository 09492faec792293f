package kv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var dataBucket = []byte("data")

// Bolt is a bbolt-backed Store. A bucket cursor gives ordered scans, and a
// single Update transaction per Apply gives batch atomicity.
type Bolt struct {
	db   *bbolt.DB
	path string
}

// OpenBolt opens (or creates) a bbolt store inside dataDir.
func OpenBolt(dataDir string) (*Bolt, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "streams.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create data bucket: %w", err)
	}

	return &Bolt{db: db, path: dbPath}, nil
}

func (s *Bolt) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(dataBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		// Copy: the slice is only valid inside the transaction.
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Bolt) Scan(prefix, fromKey []byte, fn ScanFunc) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()

		var k, v []byte
		if fromKey != nil && bytes.Compare(fromKey, prefix) >= 0 {
			k, v = c.Seek(fromKey)
			if k != nil && bytes.Equal(k, fromKey) {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(prefix)
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (s *Bolt) Apply(batch *Batch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dataBucket)
		for _, op := range batch.Ops() {
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) DeletePrefix(prefix []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dataBucket)
		c := b.Cursor()

		var doomed [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			kc := make([]byte, len(k))
			copy(kc, k)
			doomed = append(doomed, kc)
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) Sync() error {
	return s.db.Sync()
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

// Path returns the location of the database file.
func (s *Bolt) Path() string {
	return s.path
}
