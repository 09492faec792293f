package store

import "sync"

// Bus is the per-stream notification broadcast. Publish is a liveness
// signal only: it says "the head advanced (or the stream is gone), go look
// at storage again". It never carries data and never holds its lock across
// user code.
type Bus struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{waiters: make(map[string][]chan struct{})}
}

// Subscribe registers a wait handle for the given stream path. The channel
// has capacity 1 so a publish between Subscribe and the caller's select is
// not lost.
func (b *Bus) Subscribe(path string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters[path] = append(b.waiters[path], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe releases a wait handle.
func (b *Bus) Unsubscribe(path string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiters := b.waiters[path]
	for i, w := range waiters {
		if w == ch {
			b.waiters[path] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(b.waiters[path]) == 0 {
		delete(b.waiters, path)
	}
}

// Publish wakes every waiter currently registered for the path.
func (b *Bus) Publish(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.waiters[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
