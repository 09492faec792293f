package webhook

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/durable-streams/streamd/kv"
)

const subKeyPrefix = "subs/"

// Store persists webhook subscriptions under subs/<pattern>/<name> keys and
// keeps an in-memory cache for pattern matching on the append path.
type Store struct {
	kv kv.Store

	mu   sync.RWMutex
	subs map[string]*Subscription // key() -> sub
}

// NewStore opens the subscription store and loads persisted subscriptions.
func NewStore(store kv.Store) (*Store, error) {
	s := &Store{
		kv:   store,
		subs: make(map[string]*Subscription),
	}

	var loadErr error
	err := store.Scan([]byte(subKeyPrefix), nil, func(key, value []byte) bool {
		var sub Subscription
		if err := json.Unmarshal(value, &sub); err != nil {
			loadErr = fmt.Errorf("corrupt subscription at %q: %w", key, err)
			return false
		}
		s.subs[sub.key()] = &sub
		return true
	})
	if err != nil {
		return nil, err
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return s, nil
}

func subKey(pattern, name string) []byte {
	return []byte(subKeyPrefix + pattern + "/" + name)
}

// Create registers a subscription. Re-registering with the same URL is
// idempotent (created=false, secret not re-issued); a different URL fails
// with ErrSubConfigDiff.
func (s *Store) Create(pattern, name, url, description string) (*Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pattern + "\x00" + name
	if existing, ok := s.subs[k]; ok {
		if existing.URL == url {
			return existing, false, nil
		}
		return nil, false, ErrSubConfigDiff
	}

	sub := &Subscription{
		Pattern:     pattern,
		Name:        name,
		URL:         url,
		Secret:      GenerateSecret(),
		Description: description,
	}
	if err := s.persistLocked(sub); err != nil {
		return nil, false, err
	}
	s.subs[k] = sub
	return sub, true, nil
}

// Get returns a subscription or ErrSubNotFound.
func (s *Store) Get(pattern, name string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[pattern+"\x00"+name]
	if !ok {
		return nil, ErrSubNotFound
	}
	return sub, nil
}

// Delete removes a subscription.
func (s *Store) Delete(pattern, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pattern + "\x00" + name
	if _, ok := s.subs[k]; !ok {
		return ErrSubNotFound
	}

	var batch kv.Batch
	batch.Delete(subKey(pattern, name))
	if err := s.kv.Apply(&batch); err != nil {
		return err
	}
	delete(s.subs, k)
	return nil
}

// Matching returns the subscriptions whose pattern matches the stream path.
func (s *Store) Matching(path string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if Match(sub.Pattern, path) {
			out = append(out, sub)
		}
	}
	return out
}

// List returns subscriptions, optionally filtered to one pattern.
func (s *Store) List(pattern string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if pattern == "" || sub.Pattern == pattern {
			out = append(out, sub)
		}
	}
	return out
}

// AdvanceCursor persists the cursor after an acknowledged (or dead-lettered)
// delivery.
func (s *Store) AdvanceCursor(sub *Subscription, offset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub.Cursor = offset
	return s.persistLocked(sub)
}

func (s *Store) persistLocked(sub *Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	var batch kv.Batch
	batch.Put(subKey(sub.Pattern, sub.Name), data)
	if err := s.kv.Apply(&batch); err != nil {
		return fmt.Errorf("failed to persist subscription: %w", err)
	}
	return nil
}
