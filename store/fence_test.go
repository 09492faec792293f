package store

import (
	"errors"
	"testing"
	"time"
)

func TestPayloadHash(t *testing.T) {
	a := payloadHash(1, [][]byte{[]byte("hello")})
	b := payloadHash(1, [][]byte{[]byte("hello")})
	if a != b {
		t.Errorf("same salt and payload must hash identically")
	}

	c := payloadHash(2, [][]byte{[]byte("hello")})
	if a == c {
		t.Errorf("different salts should produce different hashes")
	}

	d := payloadHash(1, [][]byte{[]byte("world")})
	if a == d {
		t.Errorf("different payloads should produce different hashes")
	}
}

func TestCheckFenceFirstSeen(t *testing.T) {
	dec := checkFence(nil, Producer{ID: "p1", Epoch: 0, Seq: 5}, 100, false)
	if !dec.accept {
		t.Errorf("first-seen producer should be accepted at any seq: %+v", dec)
	}

	// Strict mode requires seq 0.
	dec = checkFence(nil, Producer{ID: "p1", Epoch: 0, Seq: 5}, 100, true)
	var gap *SequenceGapError
	if !errors.As(dec.err, &gap) {
		t.Fatalf("expected SequenceGapError, got %v", dec.err)
	}
	if gap.Expected != 0 || gap.Received != 5 {
		t.Errorf("expected gap 0/5, got %d/%d", gap.Expected, gap.Received)
	}

	dec = checkFence(nil, Producer{ID: "p1", Epoch: 0, Seq: 0}, 100, true)
	if !dec.accept {
		t.Errorf("strict mode should accept seq 0: %+v", dec)
	}
}

func TestCheckFenceEpochs(t *testing.T) {
	entry := &FenceEntry{
		Epoch:      3,
		LastSeq:    7,
		LastOffset: "0000000000000000_0000000000000010",
		LastHash:   100,
	}

	t.Run("stale epoch fenced", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 2, Seq: 8}, 200, false)
		var stale *StaleEpochError
		if !errors.As(dec.err, &stale) {
			t.Fatalf("expected StaleEpochError, got %v", dec.err)
		}
		if stale.CurrentEpoch != 3 {
			t.Errorf("expected current epoch 3, got %d", stale.CurrentEpoch)
		}
	})

	t.Run("new epoch resets sequence", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 4, Seq: 0}, 200, false)
		if !dec.accept {
			t.Errorf("new epoch should be accepted: %+v", dec)
		}
		// Non-strict: any starting seq is fine after a bump.
		dec = checkFence(entry, Producer{Epoch: 4, Seq: 99}, 200, false)
		if !dec.accept {
			t.Errorf("new epoch at arbitrary seq should be accepted: %+v", dec)
		}
	})

	t.Run("new epoch strict start", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 4, Seq: 99}, 200, true)
		var gap *SequenceGapError
		if !errors.As(dec.err, &gap) {
			t.Fatalf("expected SequenceGapError, got %v", dec.err)
		}
	})
}

func TestCheckFenceSequences(t *testing.T) {
	entry := &FenceEntry{
		Epoch:      1,
		LastSeq:    7,
		LastOffset: "0000000000000000_0000000000000010",
		LastHash:   100,
	}

	t.Run("next seq accepted", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 1, Seq: 8}, 200, false)
		if !dec.accept {
			t.Errorf("expected accept: %+v", dec)
		}
	})

	t.Run("retry same seq same payload is duplicate", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 1, Seq: 7}, 100, false)
		if !dec.duplicate {
			t.Fatalf("expected duplicate: %+v", dec)
		}
		if dec.priorOffset.String() != entry.LastOffset {
			t.Errorf("expected prior offset %s, got %s", entry.LastOffset, dec.priorOffset)
		}
	})

	t.Run("same seq different payload conflicts", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 1, Seq: 7}, 999, false)
		var conflict *SequenceConflictError
		if !errors.As(dec.err, &conflict) {
			t.Fatalf("expected SequenceConflictError, got %v", dec.err)
		}
	})

	t.Run("gap rejected with expected seq", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 1, Seq: 10}, 200, false)
		var gap *SequenceGapError
		if !errors.As(dec.err, &gap) {
			t.Fatalf("expected SequenceGapError, got %v", dec.err)
		}
		if gap.Expected != 8 || gap.Received != 10 {
			t.Errorf("expected gap 8/10, got %d/%d", gap.Expected, gap.Received)
		}
	})

	t.Run("old seq matching last hash is duplicate", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 1, Seq: 3}, 100, false)
		if !dec.duplicate {
			t.Errorf("expected duplicate: %+v", dec)
		}
	})

	t.Run("old seq with unknown payload conflicts", func(t *testing.T) {
		dec := checkFence(entry, Producer{Epoch: 1, Seq: 3}, 999, false)
		var conflict *SequenceConflictError
		if !errors.As(dec.err, &conflict) {
			t.Fatalf("expected SequenceConflictError, got %v", dec.err)
		}
	})
}

func TestFenceEntryExpired(t *testing.T) {
	now := time.Now()
	entry := &FenceEntry{UpdatedAt: now.Add(-2 * time.Hour).Unix()}

	if !entry.expired(now, time.Hour) {
		t.Errorf("entry idle 2h should be expired with 1h TTL")
	}
	if entry.expired(now, 3*time.Hour) {
		t.Errorf("entry idle 2h should not be expired with 3h TTL")
	}
}
