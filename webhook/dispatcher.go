package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds dispatcher tunables. Zero values select the defaults.
type Config struct {
	DeliveryTimeout time.Duration // per-attempt HTTP timeout
	MinRetryDelay   time.Duration
	MaxRetryDelay   time.Duration
	MaxAttempts     int // per delivery before dead-lettering
}

const (
	defaultDeliveryTimeout = 10 * time.Second
	defaultMinRetryDelay   = 200 * time.Millisecond
	defaultMaxRetryDelay   = 60 * time.Second
	defaultMaxAttempts     = 8
)

func (c Config) withDefaults() Config {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = defaultMinRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = defaultMaxRetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

type delivery struct {
	event Event
}

// worker drains one subscription's delivery queue serially: a delivery for
// offset O succeeds or is dead-lettered before O+1 is attempted.
type worker struct {
	sub  *Subscription
	mu   sync.Mutex
	pend []delivery
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Dispatcher fans stream append events out to matching subscriptions.
type Dispatcher struct {
	Store  *Store
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	shutdown bool
}

// NewDispatcher creates a dispatcher over the given subscription store.
func NewDispatcher(store *Store, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		Store:   store,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.DeliveryTimeout},
		logger:  logger,
		workers: make(map[string]*worker),
	}
}

// OnAppend enqueues deliveries for every subscription matching the stream.
// Called from the append path after the commit succeeds; it never blocks.
func (d *Dispatcher) OnAppend(path, offset string, data []byte) {
	subs := d.Store.Matching(path)
	if len(subs) == 0 {
		return
	}

	ev := Event{Stream: path, Offset: offset, Data: data}
	for _, sub := range subs {
		d.enqueue(sub, ev)
	}
}

func (d *Dispatcher) enqueue(sub *Subscription, ev Event) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	w, ok := d.workers[sub.key()]
	if !ok {
		w = &worker{
			sub:  sub,
			wake: make(chan struct{}, 1),
			stop: make(chan struct{}),
			done: make(chan struct{}),
		}
		d.workers[sub.key()] = w
		go d.run(w)
	}
	d.mu.Unlock()

	w.mu.Lock()
	w.pend = append(w.pend, delivery{event: ev})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Unsubscribe stops the worker for a removed subscription.
func (d *Dispatcher) Unsubscribe(pattern, name string) {
	d.mu.Lock()
	w, ok := d.workers[pattern+"\x00"+name]
	if ok {
		delete(d.workers, pattern+"\x00"+name)
	}
	d.mu.Unlock()

	if ok {
		close(w.stop)
		<-w.done
	}
}

// Shutdown stops all delivery workers. Pending deliveries are abandoned;
// cursors mark where each subscription left off.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	d.shutdown = true
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[string]*worker)
	d.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}
	for _, w := range workers {
		<-w.done
	}
}

func (d *Dispatcher) run(w *worker) {
	defer close(w.done)

	for {
		w.mu.Lock()
		var next *delivery
		if len(w.pend) > 0 {
			next = &w.pend[0]
		}
		w.mu.Unlock()

		if next == nil {
			select {
			case <-w.wake:
				continue
			case <-w.stop:
				return
			}
		}

		if !d.deliver(w, next.event) {
			return // stopped mid-delivery
		}

		w.mu.Lock()
		w.pend = w.pend[1:]
		w.mu.Unlock()

		if err := d.Store.AdvanceCursor(w.sub, next.event.Offset); err != nil {
			d.logger.Error("failed to persist subscription cursor",
				zap.String("pattern", w.sub.Pattern),
				zap.String("name", w.sub.Name),
				zap.Error(err))
		}
	}
}

// deliver attempts one event until it is acknowledged or dead-lettered.
// Returns false if the worker was stopped.
func (d *Dispatcher) deliver(w *worker, ev Event) bool {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to marshal delivery", zap.Error(err))
		return true // drop; nothing retryable about it
	}
	deliveryID := uuid.NewString()

	for attempt := 1; ; attempt++ {
		status, retryAfter, err := d.post(w.sub, body, deliveryID)
		if err == nil && status >= 200 && status < 300 {
			return true
		}

		dead := attempt >= d.cfg.MaxAttempts ||
			(err == nil && !retryable(status))
		if dead {
			d.logger.Warn("webhook delivery dead-lettered",
				zap.String("pattern", w.sub.Pattern),
				zap.String("name", w.sub.Name),
				zap.String("stream", ev.Stream),
				zap.String("offset", ev.Offset),
				zap.Int("attempts", attempt),
				zap.Int("status", status),
				zap.Error(err))
			return true
		}

		delay := nextDelay(attempt, d.cfg.MinRetryDelay, d.cfg.MaxRetryDelay)
		if retryAfter > delay {
			delay = retryAfter
		}
		// Retry-After delta-seconds are taken as sent; clamp here so a
		// hostile value cannot park the worker past the backoff ceiling.
		if delay > d.cfg.MaxRetryDelay {
			delay = d.cfg.MaxRetryDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-w.stop:
			timer.Stop()
			return false
		}
	}
}

// post performs a single delivery attempt. retryAfter is nonzero only when
// the target answered 429 or 503 with a Retry-After header.
func (d *Dispatcher) post(sub *Subscription, body []byte, deliveryID string) (status int, retryAfter time.Duration, err error) {
	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("bad webhook URL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", SignPayload(body, sub.Secret))
	req.Header.Set("Webhook-Delivery-Id", deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), d.cfg.MaxRetryDelay)
	}
	return resp.StatusCode, retryAfter, nil
}
