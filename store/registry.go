package store

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/kv"
)

// Hooks are callbacks into collaborators interested in stream lifecycle,
// currently the webhook dispatcher. Nil funcs are skipped. Hooks run on the
// caller's goroutine after the triggering commit succeeds.
type Hooks struct {
	OnCreate func(path string)
	OnAppend func(path string, msgs []Message)
	OnDelete func(path string)
}

// Registry creates, looks up, and deletes streams. The in-memory map is
// authoritative for hot paths; the KV store is authoritative on cold start.
type Registry struct {
	kv     kv.Store
	bus    *Bus
	cfg    Config
	logger *zap.Logger
	hooks  Hooks

	mu      sync.RWMutex
	streams map[string]*Stream
	closed  bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// NewRegistry opens a registry over the given KV store, loading any streams
// persisted by earlier incarnations.
func NewRegistry(store kv.Store, cfg Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		kv:      store,
		bus:     NewBus(),
		cfg:     cfg.withDefaults(),
		logger:  logger,
		streams: make(map[string]*Stream),
		gcStop:  make(chan struct{}),
		gcDone:  make(chan struct{}),
	}

	if err := r.loadExisting(); err != nil {
		return nil, fmt.Errorf("failed to load streams: %w", err)
	}

	go r.gcLoop()
	return r, nil
}

// SetHooks installs lifecycle callbacks. Must be called before the registry
// starts serving requests.
func (r *Registry) SetHooks(h Hooks) {
	r.hooks = h
}

// Bus returns the registry's notification bus.
func (r *Registry) Bus() *Bus {
	return r.bus
}

// Config returns the effective engine configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

func (r *Registry) loadExisting() error {
	prefix := []byte(streamKeyPrefix)
	suffix := []byte("/meta")

	var loadErr error
	err := r.kv.Scan(prefix, nil, func(key, value []byte) bool {
		if !bytes.HasSuffix(key, suffix) {
			return true
		}
		var meta streamMeta
		if err := json.Unmarshal(value, &meta); err != nil {
			loadErr = fmt.Errorf("corrupt metadata at %q: %w", key, err)
			return false
		}
		// Keys under messages/ or producers/ can also end in "/meta" if a
		// producer id does; the embedded path disambiguates.
		if string(key) != string(metaKey(meta.Path)) {
			return true
		}
		s := &Stream{
			path:   meta.Path,
			reg:    r,
			meta:   meta,
			fences: make(map[string]*FenceEntry),
		}
		r.streams[meta.Path] = s
		return true
	})
	if err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}

	// Fence entries live under their own keys; hydrate each stream's table.
	for path, s := range r.streams {
		pfx := producerPrefix(path)
		err := r.kv.Scan(pfx, nil, func(key, value []byte) bool {
			id := string(bytes.TrimPrefix(key, pfx))
			var entry FenceEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				loadErr = fmt.Errorf("corrupt fence entry at %q: %w", key, err)
				return false
			}
			s.fences[id] = &entry
			return true
		})
		if err != nil {
			return err
		}
		if loadErr != nil {
			return loadErr
		}
	}

	if len(r.streams) > 0 {
		r.logger.Info("loaded streams from storage", zap.Int("count", len(r.streams)))
	}
	return nil
}

// Create creates a stream, atomically with respect to concurrent creates of
// the same path. Recreating with an equal config is idempotent and returns
// the existing stream with created=false; a different config fails with
// ErrConfigMismatch.
func (r *Registry) Create(path string, opts CreateOptions) (*Stream, bool, error) {
	if err := validatePath(path); err != nil {
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrRegistryClosed
	}
	if existing, ok := r.streams[path]; ok {
		r.mu.Unlock()
		if ContentTypeMatches(existing.ContentType(), contentType) {
			return existing, false, nil
		}
		return nil, false, ErrConfigMismatch
	}

	salt, err := newSalt()
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}

	meta := streamMeta{
		Path:        path,
		ContentType: contentType,
		CreatedAt:   time.Now().Unix(),
		Head:        Start.String(),
		Salt:        salt,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var batch kv.Batch
	batch.Put(metaKey(path), metaJSON)
	if err := r.kv.Apply(&batch); err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("failed to persist stream: %w", err)
	}

	s := &Stream{
		path:   path,
		reg:    r,
		meta:   meta,
		fences: make(map[string]*FenceEntry),
	}
	r.streams[path] = s
	r.mu.Unlock()

	r.logger.Debug("stream created",
		zap.String("path", path),
		zap.String("content_type", contentType))

	if r.hooks.OnCreate != nil {
		r.hooks.OnCreate(path)
	}
	return s, true, nil
}

// Lookup returns the stream at path or ErrStreamNotFound.
func (r *Registry) Lookup(path string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[path]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s, nil
}

// Delete removes a stream and every byte persisted under its prefix. After
// it returns, no data from the prior incarnation is readable under the same
// path, and blocked readers receive a terminal wake.
func (r *Registry) Delete(path string) error {
	r.mu.Lock()
	s, ok := r.streams[path]
	if !ok {
		r.mu.Unlock()
		return ErrStreamNotFound
	}
	delete(r.streams, path)
	r.mu.Unlock()

	// Hold the writer lock so no in-flight append interleaves with the wipe.
	s.writerMu.Lock()
	s.markDeleted()
	err := r.kv.DeletePrefix(streamPrefix(path))
	s.writerMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete stream data: %w", err)
	}

	r.bus.Publish(path)
	r.logger.Debug("stream deleted", zap.String("path", path))

	if r.hooks.OnDelete != nil {
		r.hooks.OnDelete(path)
	}
	return nil
}

// WaitForMessages blocks until messages past from are available, the
// timeout expires, the context is cancelled, or the stream is deleted.
// timedOut is true only for an empty timeout return.
func (r *Registry) WaitForMessages(ctx context.Context, path string, from Offset, limit int, maxBytes int64, timeout time.Duration) (res ReadResult, timedOut bool, err error) {
	s, err := r.Lookup(path)
	if err != nil {
		return ReadResult{}, false, err
	}

	res, err = s.ReadRange(from, limit, maxBytes)
	if err != nil {
		return ReadResult{}, false, err
	}
	if len(res.Messages) > 0 {
		return res, false, nil
	}

	ch := r.bus.Subscribe(path)
	defer r.bus.Unsubscribe(path, ch)

	// An append landing between the read above and the subscribe published
	// before we were listening; re-read so it is not missed until timeout.
	res, err = s.ReadRange(from, limit, maxBytes)
	if err != nil {
		return ReadResult{}, false, err
	}
	if len(res.Messages) > 0 {
		return res, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ch:
			res, err = s.ReadRange(from, limit, maxBytes)
			if err != nil {
				return ReadResult{}, false, err
			}
			if len(res.Messages) > 0 {
				return res, false, nil
			}
			// Spurious or stale wake; keep waiting.
		case <-timer.C:
			return ReadResult{NextOffset: from, UpToDate: true}, true, nil
		case <-ctx.Done():
			return ReadResult{}, false, ctx.Err()
		}
	}
}

// Close stops background work and closes the backing KV store.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.gcStop)
	<-r.gcDone
	return r.kv.Close()
}

func (r *Registry) notifyAppend(path string, msgs []Message) {
	if r.hooks.OnAppend != nil {
		r.hooks.OnAppend(path, msgs)
	}
}

// gcLoop periodically prunes producer fence entries idle past the TTL.
func (r *Registry) gcLoop() {
	defer close(r.gcDone)

	interval := r.cfg.ProducerStateTTL / 8
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.gcStop:
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.RLock()
			streams := make([]*Stream, 0, len(r.streams))
			for _, s := range r.streams {
				streams = append(streams, s)
			}
			r.mu.RUnlock()

			for _, s := range streams {
				s.pruneFences(now, r.cfg.ProducerStateTTL)
			}
		}
	}
}

func validatePath(path string) error {
	if path == "" || path == "/" {
		return fmt.Errorf("%w: empty stream path", ErrInvalidPath)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("%w: empty path segment", ErrInvalidPath)
	}
	return nil
}

func newSalt() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate stream salt: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
