package webhook

import (
	"errors"
	"strings"
	"testing"

	"github.com/durable-streams/streamd/kv"
)

func TestStoreCreateIdempotent(t *testing.T) {
	s, err := NewStore(kv.NewMemory())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	sub, created, err := s.Create("/v1/stream/*", "tap", "https://example.com/hook", "")
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if !strings.HasPrefix(sub.Secret, "whsec_") {
		t.Errorf("secret missing whsec_ prefix: %q", sub.Secret)
	}

	// Same URL: idempotent, secret unchanged.
	again, created, err := s.Create("/v1/stream/*", "tap", "https://example.com/hook", "")
	if err != nil {
		t.Fatalf("idempotent create failed: %v", err)
	}
	if created {
		t.Errorf("recreate should not report created")
	}
	if again.Secret != sub.Secret {
		t.Errorf("secret was re-issued on idempotent create")
	}

	// Different URL: conflict.
	_, _, err = s.Create("/v1/stream/*", "tap", "https://elsewhere.com/hook", "")
	if !errors.Is(err, ErrSubConfigDiff) {
		t.Errorf("expected ErrSubConfigDiff, got %v", err)
	}
}

func TestStoreDeleteAndGet(t *testing.T) {
	s, err := NewStore(kv.NewMemory())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	s.Create("/v1/stream/a", "one", "https://example.com/1", "")

	if _, err := s.Get("/v1/stream/a", "one"); err != nil {
		t.Errorf("get failed: %v", err)
	}
	if _, err := s.Get("/v1/stream/a", "missing"); !errors.Is(err, ErrSubNotFound) {
		t.Errorf("expected ErrSubNotFound, got %v", err)
	}

	if err := s.Delete("/v1/stream/a", "one"); err != nil {
		t.Errorf("delete failed: %v", err)
	}
	if err := s.Delete("/v1/stream/a", "one"); !errors.Is(err, ErrSubNotFound) {
		t.Errorf("second delete should be not-found, got %v", err)
	}
}

func TestStoreMatching(t *testing.T) {
	s, err := NewStore(kv.NewMemory())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	s.Create("/v1/stream/orders/**", "orders", "https://example.com/orders", "")
	s.Create("/v1/stream/users/*", "users", "https://example.com/users", "")

	matches := s.Matching("/v1/stream/orders/eu/new")
	if len(matches) != 1 || matches[0].Name != "orders" {
		t.Errorf("expected only the orders subscription, got %+v", matches)
	}

	if got := s.Matching("/v1/stream/payments"); len(got) != 0 {
		t.Errorf("expected no matches, got %+v", got)
	}
}

func TestStorePersistence(t *testing.T) {
	mem := kv.NewMemory()

	s1, err := NewStore(mem)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	sub, _, err := s1.Create("/v1/stream/*", "tap", "https://example.com/hook", "audit tap")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s1.AdvanceCursor(sub, "0000000000000000_0000000000000009"); err != nil {
		t.Fatalf("cursor advance failed: %v", err)
	}

	s2, err := NewStore(mem)
	if err != nil {
		t.Fatalf("failed to reload store: %v", err)
	}
	got, err := s2.Get("/v1/stream/*", "tap")
	if err != nil {
		t.Fatalf("subscription lost across reload: %v", err)
	}
	if got.Secret != sub.Secret {
		t.Errorf("secret not persisted")
	}
	if got.Cursor != "0000000000000000_0000000000000009" {
		t.Errorf("cursor not persisted: %q", got.Cursor)
	}
	if got.Description != "audit tap" {
		t.Errorf("description not persisted: %q", got.Description)
	}
}
