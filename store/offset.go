package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset identifies a position within a stream.
// Format: "0000000000000000_0000000000000001" (16 digits each, zero-padded),
// a (segment, position) pair. The fixed-width encoding is lexicographically
// sortable, which is what makes KV range scans return messages in append
// order. The special form "-1" sorts before any real offset and means
// "before the first message".
type Offset struct {
	Segment  uint64 // reserved for log rotation; always 0 today
	Position uint64 // 1-based message position within the segment
	start    bool
}

// Start is the canonical sentinel for "before any message".
var Start = Offset{start: true}

// String returns the wire encoding of the offset.
func (o Offset) String() string {
	if o.start {
		return "-1"
	}
	return fmt.Sprintf("%016d_%016d", o.Segment, o.Position)
}

// IsStart reports whether this is the start-of-stream sentinel.
func (o Offset) IsStart() bool {
	return o.start
}

// Next returns the offset assigned to the message following this one.
func (o Offset) Next() Offset {
	if o.start {
		return Offset{Segment: 0, Position: 1}
	}
	return Offset{Segment: o.Segment, Position: o.Position + 1}
}

// ParseOffset parses an offset string. "-1" yields the start sentinel.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return Start, nil
	}

	// Strict validation: digits, exactly one underscore, not at either end.
	// Offsets travel in query strings, so reject anything else outright.
	if !isValidOffsetFormat(s) {
		return Offset{}, fmt.Errorf("invalid offset format: must be 'segment_position'")
	}

	parts := strings.Split(s, "_")
	segment, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: segment not a number: %w", err)
	}
	position, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: position not a number: %w", err)
	}

	return Offset{Segment: segment, Position: position}, nil
}

func isValidOffsetFormat(s string) bool {
	if len(s) < 3 { // minimum: "0_0"
		return false
	}

	underscoreCount := 0
	underscorePos := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			underscoreCount++
			underscorePos = i
			if underscoreCount > 1 {
				return false
			}
		} else if c < '0' || c > '9' {
			return false
		}
	}

	return underscoreCount == 1 && underscorePos > 0 && underscorePos < len(s)-1
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b. The start sentinel
// compares less than every real offset.
func Compare(a, b Offset) int {
	if a.start || b.start {
		switch {
		case a.start && b.start:
			return 0
		case a.start:
			return -1
		default:
			return 1
		}
	}
	if a.Segment != b.Segment {
		if a.Segment < b.Segment {
			return -1
		}
		return 1
	}
	if a.Position != b.Position {
		if a.Position < b.Position {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether o sorts before other.
func (o Offset) Less(other Offset) bool {
	return Compare(o, other) < 0
}

// Equal reports whether the two offsets are the same position.
func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}
