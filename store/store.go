package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrInvalidPath         = errors.New("invalid stream path")
	ErrOffsetGone          = errors.New("offset below retention window")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrMessageTooLarge     = errors.New("message too large")
	ErrBatchTooLarge       = errors.New("batch too large")
	ErrRegistryClosed      = errors.New("registry is closed")
)

// StaleEpochError is returned when a producer writes with an epoch older
// than the fenced one (zombie fencing).
type StaleEpochError struct {
	CurrentEpoch uint64
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("stale producer epoch: current epoch is %d", e.CurrentEpoch)
}

// SequenceGapError is returned when a producer skips sequence numbers
// within an epoch.
type SequenceGapError struct {
	Expected uint64
	Received uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("producer sequence gap: expected %d, received %d", e.Expected, e.Received)
}

// SequenceConflictError is returned when a producer reuses a committed
// sequence number with a different payload. That is a protocol violation,
// not a retry.
type SequenceConflictError struct {
	Seq uint64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("producer seq %d already committed with a different payload", e.Seq)
}

// Message is one append unit as returned by reads.
type Message struct {
	Offset Offset
	Data   []byte
}

// Producer carries the idempotent-producer identity of an append request.
type Producer struct {
	ID    string
	Epoch uint64
	Seq   uint64
}

// CreateOptions configures stream creation.
type CreateOptions struct {
	ContentType string
}

// Config holds engine-wide tunables. Zero values select the defaults.
type Config struct {
	MaxMessageBytes  int64
	MaxBatchBytes    int64
	ProducerStateTTL time.Duration
	// StrictProducerStart requires first-seen producers (and new epochs)
	// to begin at seq 0.
	StrictProducerStart bool
	// CreateOnAppend creates a stream lazily on the first POST instead of
	// requiring an explicit PUT.
	CreateOnAppend bool
}

const (
	DefaultMaxMessageBytes  = 64 * 1024 * 1024
	DefaultMaxBatchBytes    = 256 * 1024 * 1024
	DefaultProducerStateTTL = 7 * 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.ProducerStateTTL <= 0 {
		c.ProducerStateTTL = DefaultProducerStateTTL
	}
	return c
}

// AppendResult is the outcome of a successful (or deduplicated) append.
type AppendResult struct {
	// Offset of the last message written, or the previously committed
	// offset when Duplicate is set.
	Offset Offset
	// Duplicate means the producer already committed this seq; nothing
	// was written.
	Duplicate bool
	Count     int
}

// ReadResult is the outcome of a historical read.
type ReadResult struct {
	Messages   []Message
	NextOffset Offset
	UpToDate   bool
}

// Key layout against the ordered KV store:
//
//	streams/<epath>/meta              stream metadata JSON
//	streams/<epath>/messages/<offset> raw payload bytes
//	streams/<epath>/producers/<id>    fence entry JSON
//	subs/<pattern>/<name>             webhook subscription JSON
//
// <epath> is the stream path with '/' and '%' percent-encoded. The encoded
// path contains no '/', so the '/' closing it is an unambiguous terminator:
// "/orders" and "/orders/eu" get disjoint prefixes, and deleting one stream
// can never touch a stream nested under its path.
const (
	streamKeyPrefix = "streams/"
)

func encodePath(path string) string {
	var b strings.Builder
	b.Grow(len(path) + 8)
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '/':
			b.WriteString("%2F")
		case '%':
			b.WriteString("%25")
		default:
			b.WriteByte(path[i])
		}
	}
	return b.String()
}

func streamPrefix(path string) []byte {
	return []byte(streamKeyPrefix + encodePath(path) + "/")
}

func metaKey(path string) []byte {
	return []byte(streamKeyPrefix + encodePath(path) + "/meta")
}

func messagePrefix(path string) []byte {
	return []byte(streamKeyPrefix + encodePath(path) + "/messages/")
}

func messageKey(path string, off Offset) []byte {
	return []byte(streamKeyPrefix + encodePath(path) + "/messages/" + off.String())
}

func producerPrefix(path string) []byte {
	return []byte(streamKeyPrefix + encodePath(path) + "/producers/")
}

func producerKey(path, id string) []byte {
	return []byte(streamKeyPrefix + encodePath(path) + "/producers/" + id)
}

// ContentTypeMatches compares two content types, ignoring case and
// parameters such as charset.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return asciiEqualFold(ExtractMediaType(a), ExtractMediaType(b))
}

// ExtractMediaType strips content-type parameters ("; charset=...").
func ExtractMediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

// IsJSONContentType reports whether the media type is application/json.
func IsJSONContentType(ct string) bool {
	return asciiEqualFold(ExtractMediaType(ct), "application/json")
}

// IsTextContentType reports whether payloads are text on the wire, which
// decides SSE base64 encoding.
func IsTextContentType(ct string) bool {
	mt := ExtractMediaType(ct)
	if len(mt) >= 5 && asciiEqualFold(mt[:5], "text/") {
		return true
	}
	return IsJSONContentType(mt)
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// SplitJSONBatch validates data as JSON and flattens a top-level array into
// its elements. A non-array value is a batch of one.
func SplitJSONBatch(data []byte) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			return nil, ErrEmptyJSONArray
		}
		out := make([][]byte, len(arr))
		for i, elem := range arr {
			out[i] = []byte(elem)
		}
		return out, nil
	}

	return [][]byte{trimmed}, nil
}

// FormatJSONResponse renders messages as a JSON array body.
func FormatJSONResponse(messages []Message) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, msg := range messages {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(msg.Data)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
