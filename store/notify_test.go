package store

import (
	"testing"
	"time"
)

func TestBusPublishWakesAllWaiters(t *testing.T) {
	b := NewBus()

	ch1 := b.Subscribe("/a")
	ch2 := b.Subscribe("/a")
	other := b.Subscribe("/b")

	b.Publish("/a")

	for i, ch := range []chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not woken", i)
		}
	}

	select {
	case <-other:
		t.Errorf("waiter on a different path was woken")
	default:
	}
}

func TestBusPublishBeforeSelectNotLost(t *testing.T) {
	b := NewBus()

	ch := b.Subscribe("/a")
	// Publish lands before the subscriber selects; the buffered channel
	// holds the wake.
	b.Publish("/a")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("buffered wake was lost")
	}
}

func TestBusPublishNonBlocking(t *testing.T) {
	b := NewBus()

	ch := b.Subscribe("/a")
	// Two publishes against a full buffer must not block.
	b.Publish("/a")
	b.Publish("/a")

	<-ch
	select {
	case <-ch:
		// A coalesced second wake is fine.
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()

	ch := b.Subscribe("/a")
	b.Unsubscribe("/a", ch)
	b.Publish("/a")

	select {
	case <-ch:
		t.Errorf("unsubscribed waiter was woken")
	default:
	}
}
