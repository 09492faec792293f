package durablestreams

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/durable-streams/streamd/store"
)

// HeaderSSEDataEncoding advertises how payload bytes are packed into SSE
// data fields. Text and JSON streams go through verbatim; anything else is
// base64 so arbitrary bytes survive the line-oriented framing.
const HeaderSSEDataEncoding = "Stream-SSE-Data-Encoding"

// sseBatchLimit bounds how many messages one data event carries so a deep
// catch-up read cannot stall heartbeats.
const sseBatchLimit = 500

// handleSSE streams messages as Server-Sent Events: a replay of history
// from the requested offset, then a live tail. Each data event is followed
// by a control event carrying the offset to resume from.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, s *store.Stream, offset store.Offset, cursor string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	contentType := s.ContentType()
	binary := !store.IsTextContentType(contentType)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if binary {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sseStreams.Inc()
	defer sseStreams.Dec()

	ctx := r.Context()
	heartbeat := time.NewTicker(time.Duration(h.SSEHeartbeatInterval))
	defer heartbeat.Stop()

	current := offset
	sentControl := false

	for {
		res, err := s.ReadRange(current, sseBatchLimit, 0)
		if err != nil {
			// Deleted mid-stream; the connection just ends.
			return nil
		}

		if len(res.Messages) > 0 {
			writeSSEData(w, res.Messages, contentType, binary)
			current = res.NextOffset
			writeSSEControl(w, current, generateResponseCursor(cursor))
			flusher.Flush()
			sentControl = true
			if !res.UpToDate {
				continue
			}
		} else if !sentControl {
			// Tell an already-caught-up client where the tail is.
			writeSSEControl(w, res.NextOffset, generateResponseCursor(cursor))
			flusher.Flush()
			sentControl = true
		}

		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(h.SSEHeartbeatInterval))
		_, timedOut, err := h.registry.WaitForMessages(waitCtx, s.Meta().Path, current, sseBatchLimit, 0, time.Duration(h.SSEHeartbeatInterval))
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			return nil
		}
		if timedOut {
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEData emits one data event for a batch of messages. Text payloads
// are split on newlines into multiple data fields, which the SSE parser
// rejoins with "\n"; exotic line separators like U+2028 pass through
// untouched since only "\n" is framing.
func writeSSEData(w http.ResponseWriter, messages []store.Message, contentType string, binary bool) {
	fmt.Fprint(w, "event: data\n")

	if binary {
		for _, msg := range messages {
			fmt.Fprintf(w, "data: %s\n", base64.StdEncoding.EncodeToString(msg.Data))
		}
		fmt.Fprint(w, "\n")
		return
	}

	body := formatResponse(messages, contentType)
	for _, line := range strings.Split(string(body), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func writeSSEControl(w http.ResponseWriter, next store.Offset, cursor string) {
	control, _ := json.Marshal(map[string]string{
		"streamNextOffset": next.String(),
		"streamCursor":     cursor,
	})
	fmt.Fprintf(w, "event: control\ndata: %s\n\n", control)
}
