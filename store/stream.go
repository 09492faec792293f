package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/durable-streams/streamd/kv"
)

// streamMeta is the persisted form of a stream's metadata.
type streamMeta struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	CreatedAt   int64  `json:"created_at"` // unix seconds
	Head        string `json:"head"`       // offset string, "-1" when empty
	Count       uint64 `json:"count"`
	Salt        uint64 `json:"salt"` // per-stream key for the producer hash
}

// Meta is the read-side snapshot of a stream's metadata.
type Meta struct {
	Path        string
	ContentType string
	CreatedAt   time.Time
	Head        Offset
	Count       uint64
}

// Stream owns the append path for one stream. Appends are serialized by
// writerMu (FIFO at the mutex); the in-memory state is only advanced after
// the KV batch commits, so a failed commit rolls back for free. Readers
// snapshot state under stateMu and never touch writerMu.
type Stream struct {
	path string
	reg  *Registry

	writerMu sync.Mutex

	stateMu sync.RWMutex
	meta    streamMeta
	fences  map[string]*FenceEntry
	deleted bool
}

// Meta returns a snapshot of the stream's metadata.
func (s *Stream) Meta() Meta {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	head, _ := ParseOffset(s.meta.Head)
	return Meta{
		Path:        s.meta.Path,
		ContentType: s.meta.ContentType,
		CreatedAt:   time.Unix(s.meta.CreatedAt, 0),
		Head:        head,
		Count:       s.meta.Count,
	}
}

// Head returns the offset of the most recently appended message.
func (s *Stream) Head() Offset {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	head, _ := ParseOffset(s.meta.Head)
	return head
}

// ContentType returns the stream's immutable content type.
func (s *Stream) ContentType() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.meta.ContentType
}

// Append commits payloads to the log as one atomic batch with consecutive
// offsets and returns the offset of the last message. With a producer
// identity it first runs the fence check and may short-circuit with a
// duplicate (no write) or a fencing error.
func (s *Stream) Append(payloads [][]byte, producer *Producer) (AppendResult, error) {
	if len(payloads) == 0 {
		return AppendResult{}, ErrEmptyBody
	}

	cfg := s.reg.cfg
	var total int64
	for _, p := range payloads {
		if len(p) == 0 {
			return AppendResult{}, ErrEmptyBody
		}
		if int64(len(p)) > cfg.MaxMessageBytes {
			return AppendResult{}, ErrMessageTooLarge
		}
		total += int64(len(p))
	}
	if total > cfg.MaxBatchBytes {
		return AppendResult{}, ErrBatchTooLarge
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	// The writer is the only mutator of state, so it may read it without
	// stateMu while holding writerMu.
	if s.deleted {
		return AppendResult{}, ErrStreamNotFound
	}

	var (
		hash     uint64
		newEntry *FenceEntry
	)
	if producer != nil {
		hash = payloadHash(s.meta.Salt, payloads)
		dec := checkFence(s.fences[producer.ID], *producer, hash, cfg.StrictProducerStart)
		if dec.err != nil {
			return AppendResult{}, dec.err
		}
		if dec.duplicate {
			return AppendResult{Offset: dec.priorOffset, Duplicate: true}, nil
		}
	}

	head, err := ParseOffset(s.meta.Head)
	if err != nil {
		return AppendResult{}, fmt.Errorf("corrupt head offset %q: %w", s.meta.Head, err)
	}

	var batch kv.Batch
	off := head
	committed := make([]Message, 0, len(payloads))
	for _, p := range payloads {
		off = off.Next()
		batch.Put(messageKey(s.path, off), p)
		committed = append(committed, Message{Offset: off, Data: p})
	}

	newMeta := s.meta
	newMeta.Head = off.String()
	newMeta.Count += uint64(len(payloads))
	metaJSON, err := json.Marshal(newMeta)
	if err != nil {
		return AppendResult{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	batch.Put(metaKey(s.path), metaJSON)

	if producer != nil {
		newEntry = &FenceEntry{
			Epoch:      producer.Epoch,
			LastSeq:    producer.Seq,
			LastOffset: off.String(),
			LastHash:   hash,
			UpdatedAt:  time.Now().Unix(),
		}
		entryJSON, err := json.Marshal(newEntry)
		if err != nil {
			return AppendResult{}, fmt.Errorf("failed to marshal fence entry: %w", err)
		}
		batch.Put(producerKey(s.path, producer.ID), entryJSON)
	}

	// All-or-nothing: in-memory state is untouched until the batch lands.
	if err := s.reg.kv.Apply(&batch); err != nil {
		return AppendResult{}, fmt.Errorf("failed to commit append batch: %w", err)
	}

	s.stateMu.Lock()
	s.meta = newMeta
	if newEntry != nil {
		s.fences[producer.ID] = newEntry
	}
	s.stateMu.Unlock()

	s.reg.bus.Publish(s.path)
	s.reg.notifyAppend(s.path, committed)

	return AppendResult{Offset: off, Count: len(payloads)}, nil
}

// ReadRange reads messages after from (exclusive; pass Start for the
// beginning), stopping at limit messages, maxBytes bytes, or the head.
// Zero limit and maxBytes mean unbounded.
func (s *Stream) ReadRange(from Offset, limit int, maxBytes int64) (ReadResult, error) {
	s.stateMu.RLock()
	deleted := s.deleted
	head, _ := ParseOffset(s.meta.Head)
	s.stateMu.RUnlock()

	if deleted {
		return ReadResult{}, ErrStreamNotFound
	}

	// Already at (or past) the tail.
	if Compare(from, head) >= 0 {
		return ReadResult{NextOffset: from, UpToDate: true}, nil
	}

	prefix := messagePrefix(s.path)
	var fromKey []byte
	if !from.IsStart() {
		fromKey = messageKey(s.path, from)
	}

	var (
		messages []Message
		next     = from
		read     int64
		scanErr  error
	)
	err := s.reg.kv.Scan(prefix, fromKey, func(key, value []byte) bool {
		offStr := string(bytes.TrimPrefix(key, prefix))
		off, perr := ParseOffset(offStr)
		if perr != nil {
			scanErr = fmt.Errorf("corrupt message key %q: %w", key, perr)
			return false
		}
		// Only messages committed at the snapshotted head are visible;
		// anything beyond belongs to a concurrent append.
		if Compare(off, head) > 0 {
			return false
		}

		data := make([]byte, len(value))
		copy(data, value)
		messages = append(messages, Message{Offset: off, Data: data})
		next = off
		read += int64(len(data))

		if limit > 0 && len(messages) >= limit {
			return false
		}
		if maxBytes > 0 && read >= maxBytes {
			return false
		}
		return true
	})
	if err != nil {
		return ReadResult{}, err
	}
	if scanErr != nil {
		return ReadResult{}, scanErr
	}

	return ReadResult{
		Messages:   messages,
		NextOffset: next,
		UpToDate:   next.Equal(head),
	}, nil
}

// markDeleted flips the terminal deleted flag. Registry.Delete holds the
// writer lock while wiping storage so no append interleaves.
func (s *Stream) markDeleted() {
	s.stateMu.Lock()
	s.deleted = true
	s.stateMu.Unlock()
}

// pruneFences drops fence entries idle past ttl. Called from the registry's
// GC loop; producers that reappear later are treated as new.
func (s *Stream) pruneFences(now time.Time, ttl time.Duration) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if s.deleted {
		return
	}

	var doomed []string
	for id, entry := range s.fences {
		if entry.expired(now, ttl) {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return
	}

	var batch kv.Batch
	for _, id := range doomed {
		batch.Delete(producerKey(s.path, id))
	}
	if err := s.reg.kv.Apply(&batch); err != nil {
		return
	}

	s.stateMu.Lock()
	for _, id := range doomed {
		delete(s.fences, id)
	}
	s.stateMu.Unlock()
}
