package store

import (
	"bytes"
	"errors"
	"testing"

	"github.com/durable-streams/streamd/kv"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r, err := NewRegistry(kv.NewMemory(), cfg, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustCreate(t *testing.T, r *Registry, path, contentType string) *Stream {
	t.Helper()
	s, _, err := r.Create(path, CreateOptions{ContentType: contentType})
	if err != nil {
		t.Fatalf("failed to create stream %q: %v", path, err)
	}
	return s
}

func TestAppendReadRoundTrip(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/rt", "application/octet-stream")

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, p := range payloads {
		if _, err := s.Append([][]byte{p}, nil); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	res, err := s.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(res.Messages))
	}
	for i, msg := range res.Messages {
		if !bytes.Equal(msg.Data, payloads[i]) {
			t.Errorf("message %d: expected %q, got %q", i, payloads[i], msg.Data)
		}
	}
	if !res.UpToDate {
		t.Errorf("full read should report up-to-date")
	}
}

func TestAppendBatchConsecutiveOffsets(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/batch", "application/json")

	res, err := s.Append([][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`), []byte(`{"a":3}`)}, nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("expected count 3, got %d", res.Count)
	}

	read, err := s.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	prev := Start
	for _, msg := range read.Messages {
		if !msg.Offset.Equal(prev.Next()) {
			t.Errorf("offsets not consecutive: %v after %v", msg.Offset, prev)
		}
		prev = msg.Offset
	}
	if !prev.Equal(res.Offset) {
		t.Errorf("append result offset %v does not match last message %v", res.Offset, prev)
	}
}

func TestNestedStreamIsolation(t *testing.T) {
	r := newTestRegistry(t, Config{})
	parent := mustCreate(t, r, "/v1/stream/orders", "application/octet-stream")
	child := mustCreate(t, r, "/v1/stream/orders/eu", "application/octet-stream")

	if _, err := parent.Append([][]byte{[]byte("parent-msg")}, nil); err != nil {
		t.Fatalf("parent append failed: %v", err)
	}
	if _, err := child.Append([][]byte{[]byte("child-msg")}, nil); err != nil {
		t.Fatalf("child append failed: %v", err)
	}

	// A parent read must see only its own messages, not the child's keys.
	res, err := parent.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("parent read failed: %v", err)
	}
	if len(res.Messages) != 1 || string(res.Messages[0].Data) != "parent-msg" {
		t.Fatalf("parent read leaked nested stream data: %+v", res.Messages)
	}

	// Deleting the parent must leave the nested stream untouched.
	if err := r.Delete("/v1/stream/orders"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := r.Lookup("/v1/stream/orders"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("parent should be gone, got %v", err)
	}

	res, err = child.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("child read after parent delete failed: %v", err)
	}
	if len(res.Messages) != 1 || string(res.Messages[0].Data) != "child-msg" {
		t.Fatalf("child data lost to parent delete: %+v", res.Messages)
	}
	if child.Meta().Count != 1 {
		t.Errorf("child count corrupted: %d", child.Meta().Count)
	}
}

func TestPathEscapingKeepsStreamsDistinct(t *testing.T) {
	r := newTestRegistry(t, Config{})

	// "a%2Fb" is a literal percent sequence in the path, not a slash; it
	// must not collide with the genuinely nested "a/b".
	slashed := mustCreate(t, r, "/v1/stream/a/b", "application/octet-stream")
	literal := mustCreate(t, r, "/v1/stream/a%2Fb", "application/octet-stream")

	slashed.Append([][]byte{[]byte("slash")}, nil)
	literal.Append([][]byte{[]byte("percent")}, nil)

	res, err := slashed.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(res.Messages) != 1 || string(res.Messages[0].Data) != "slash" {
		t.Errorf("slashed stream corrupted: %+v", res.Messages)
	}

	res, err = literal.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(res.Messages) != 1 || string(res.Messages[0].Data) != "percent" {
		t.Errorf("percent-literal stream corrupted: %+v", res.Messages)
	}
}

func TestReadFromOffsetExclusive(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/resume", "application/octet-stream")

	s.Append([][]byte{[]byte("a")}, nil)
	s.Append([][]byte{[]byte("b")}, nil)
	s.Append([][]byte{[]byte("c")}, nil)

	first, err := s.ReadRange(Start, 1, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(first.Messages) != 1 || string(first.Messages[0].Data) != "a" {
		t.Fatalf("expected first message a, got %+v", first.Messages)
	}

	// Resuming from the returned offset must not replay it.
	rest, err := s.ReadRange(first.NextOffset, 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(rest.Messages) != 2 {
		t.Fatalf("expected 2 remaining messages, got %d", len(rest.Messages))
	}
	if string(rest.Messages[0].Data) != "b" || string(rest.Messages[1].Data) != "c" {
		t.Errorf("resume replayed or skipped data: %q %q", rest.Messages[0].Data, rest.Messages[1].Data)
	}
}

func TestReadAtTailUpToDate(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/tail", "application/octet-stream")

	res, err := s.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read of empty stream failed: %v", err)
	}
	if len(res.Messages) != 0 || !res.UpToDate {
		t.Errorf("empty stream read should be empty and up-to-date: %+v", res)
	}

	s.Append([][]byte{[]byte("x")}, nil)
	res, _ = s.ReadRange(Start, 0, 0)
	res2, err := s.ReadRange(res.NextOffset, 0, 0)
	if err != nil {
		t.Fatalf("tail read failed: %v", err)
	}
	if len(res2.Messages) != 0 || !res2.UpToDate {
		t.Errorf("tail read should be empty and up-to-date: %+v", res2)
	}
}

func TestByteExactReplay(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/bytes", "application/octet-stream")

	// Line separators and control bytes that text pipelines love to mangle.
	payload := []byte("line1 line2line3 end\x00\xff\xfe")
	if _, err := s.Append([][]byte{payload}, nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	res, err := s.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if !bytes.Equal(res.Messages[0].Data, payload) {
		t.Errorf("payload not byte-exact:\nwrote %x\nread  %x", payload, res.Messages[0].Data)
	}
}

func TestAppendValidation(t *testing.T) {
	r := newTestRegistry(t, Config{MaxMessageBytes: 10, MaxBatchBytes: 15})
	s := mustCreate(t, r, "/v1/stream/limits", "application/octet-stream")

	if _, err := s.Append(nil, nil); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody for no payloads, got %v", err)
	}
	if _, err := s.Append([][]byte{{}}, nil); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody for empty payload, got %v", err)
	}
	if _, err := s.Append([][]byte{bytes.Repeat([]byte("x"), 11)}, nil); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	big := [][]byte{bytes.Repeat([]byte("x"), 8), bytes.Repeat([]byte("y"), 8)}
	if _, err := s.Append(big, nil); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestProducerDedupAndFencing(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/producer", "application/octet-stream")

	payload := [][]byte{[]byte("event-1")}

	first, err := s.Append(payload, &Producer{ID: "p1", Epoch: 1, Seq: 0})
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first append flagged duplicate")
	}

	// Network retry of the same request: no new message, same offset back.
	retry, err := s.Append(payload, &Producer{ID: "p1", Epoch: 1, Seq: 0})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !retry.Duplicate {
		t.Errorf("retry should be deduplicated")
	}
	if !retry.Offset.Equal(first.Offset) {
		t.Errorf("duplicate should return original offset %v, got %v", first.Offset, retry.Offset)
	}

	res, _ := s.ReadRange(Start, 0, 0)
	if len(res.Messages) != 1 {
		t.Errorf("duplicate append wrote data: %d messages", len(res.Messages))
	}

	// Skipping a sequence number is a gap.
	_, err = s.Append([][]byte{[]byte("event-3")}, &Producer{ID: "p1", Epoch: 1, Seq: 2})
	var gap *SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected SequenceGapError, got %v", err)
	}
	if gap.Expected != 1 {
		t.Errorf("expected seq 1, got %d", gap.Expected)
	}

	// A newer epoch takes over, then the old one is fenced out.
	if _, err := s.Append([][]byte{[]byte("takeover")}, &Producer{ID: "p1", Epoch: 2, Seq: 0}); err != nil {
		t.Fatalf("epoch bump failed: %v", err)
	}
	_, err = s.Append([][]byte{[]byte("zombie")}, &Producer{ID: "p1", Epoch: 1, Seq: 1})
	var stale *StaleEpochError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleEpochError, got %v", err)
	}
	if stale.CurrentEpoch != 2 {
		t.Errorf("expected current epoch 2, got %d", stale.CurrentEpoch)
	}
}

func TestCreateIdempotentAndConflict(t *testing.T) {
	r := newTestRegistry(t, Config{})

	_, created, err := r.Create("/v1/stream/cfg", CreateOptions{ContentType: "application/json"})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	// Same config is idempotent, parameters ignored.
	_, created, err = r.Create("/v1/stream/cfg", CreateOptions{ContentType: "application/json; charset=utf-8"})
	if err != nil {
		t.Fatalf("idempotent create failed: %v", err)
	}
	if created {
		t.Errorf("recreate should not report created")
	}

	_, _, err = r.Create("/v1/stream/cfg", CreateOptions{ContentType: "text/plain"})
	if !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestCreateInvalidPath(t *testing.T) {
	r := newTestRegistry(t, Config{})

	for _, path := range []string{"", "/", "/a//b"} {
		if _, _, err := r.Create(path, CreateOptions{}); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("path %q: expected ErrInvalidPath, got %v", path, err)
		}
	}
}

func TestDeleteIsTotal(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/doomed", "application/octet-stream")
	s.Append([][]byte{[]byte("data")}, &Producer{ID: "p1", Epoch: 1, Seq: 0})

	if err := r.Delete("/v1/stream/doomed"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := r.Delete("/v1/stream/doomed"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("second delete should be not-found, got %v", err)
	}
	if _, err := r.Lookup("/v1/stream/doomed"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("lookup after delete should fail, got %v", err)
	}

	// Recreating starts from a clean slate: no data, no producer state.
	s2 := mustCreate(t, r, "/v1/stream/doomed", "text/plain")
	res, err := s2.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read of recreated stream failed: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Errorf("recreated stream should be empty, got %d messages", len(res.Messages))
	}
	// The old epoch would be fenced if producer state survived the delete.
	if _, err := s2.Append([][]byte{[]byte("fresh")}, &Producer{ID: "p1", Epoch: 0, Seq: 0}); err != nil {
		t.Errorf("producer state leaked across delete: %v", err)
	}
}

func TestRecoveryAcrossRestart(t *testing.T) {
	mem := kv.NewMemory()

	r1, err := NewRegistry(mem, Config{}, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	s := mustCreate(t, r1, "/v1/stream/durable", "application/json")
	s.Append([][]byte{[]byte(`{"n":1}`)}, &Producer{ID: "p1", Epoch: 3, Seq: 0})
	s.Append([][]byte{[]byte(`{"n":2}`)}, &Producer{ID: "p1", Epoch: 3, Seq: 1})
	r1.Close()

	r2, err := NewRegistry(mem, Config{}, nil)
	if err != nil {
		t.Fatalf("failed to reopen registry: %v", err)
	}
	defer r2.Close()

	s2, err := r2.Lookup("/v1/stream/durable")
	if err != nil {
		t.Fatalf("stream lost across restart: %v", err)
	}
	if s2.ContentType() != "application/json" {
		t.Errorf("content type lost: %q", s2.ContentType())
	}

	res, err := s2.ReadRange(Start, 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages after restart, got %d", len(res.Messages))
	}

	// Fence state also survives: stale epoch is still rejected.
	_, err = s2.Append([][]byte{[]byte(`{"n":3}`)}, &Producer{ID: "p1", Epoch: 2, Seq: 0})
	var stale *StaleEpochError
	if !errors.As(err, &stale) {
		t.Errorf("expected StaleEpochError after restart, got %v", err)
	}

	// And the retry of the last committed write still deduplicates.
	dup, err := s2.Append([][]byte{[]byte(`{"n":2}`)}, &Producer{ID: "p1", Epoch: 3, Seq: 1})
	if err != nil {
		t.Fatalf("retry after restart failed: %v", err)
	}
	if !dup.Duplicate {
		t.Errorf("retry after restart should deduplicate")
	}
}

func TestReadLimit(t *testing.T) {
	r := newTestRegistry(t, Config{})
	s := mustCreate(t, r, "/v1/stream/paged", "application/octet-stream")

	for i := 0; i < 10; i++ {
		s.Append([][]byte{[]byte{byte('a' + i)}}, nil)
	}

	var got []byte
	from := Start
	pages := 0
	for {
		res, err := s.ReadRange(from, 3, 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		for _, msg := range res.Messages {
			got = append(got, msg.Data...)
		}
		from = res.NextOffset
		pages++
		if res.UpToDate {
			break
		}
		if pages > 10 {
			t.Fatalf("pagination did not terminate")
		}
	}

	if string(got) != "abcdefghij" {
		t.Errorf("paged read lost or reordered data: %q", got)
	}
}
