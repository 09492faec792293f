package webhook

import "errors"

// Subscription registers an HTTP target for append events on streams
// matching Pattern. Cursor is the offset of the last acknowledged delivery
// and advances only after the target returns 2xx (or the delivery is
// dead-lettered).
type Subscription struct {
	Pattern     string `json:"pattern"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Secret      string `json:"secret"`
	Cursor      string `json:"cursor"`
	Description string `json:"description,omitempty"`
}

func (s *Subscription) key() string {
	return s.Pattern + "\x00" + s.Name
}

var (
	ErrSubNotFound   = errors.New("subscription not found")
	ErrSubConfigDiff = errors.New("subscription exists with different configuration")
)

// Event is one append delivery. Data is the raw message payload; it is
// base64-encoded on the wire.
type Event struct {
	Stream string `json:"stream"`
	Offset string `json:"offset"`
	Data   []byte `json:"data"`
}
