package durablestreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
)

// Protocol header names
const (
	HeaderStreamNextOffset  = "Stream-Next-Offset"
	HeaderStreamCursor      = "Stream-Cursor"
	HeaderStreamUpToDate    = "Stream-Up-To-Date"
	HeaderStreamContentType = "Stream-Content-Type"
	HeaderStreamHeadOffset  = "Stream-Head-Offset"
	HeaderStreamCount       = "Stream-Count"

	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	// Set CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Content-Type, Stream-Head-Offset, Stream-Count, Producer-Epoch, Producer-Expected-Seq, Producer-Received-Seq, ETag, Location")

	// Handle preflight
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	// Subscription management rides on the same URL space.
	if h.webhookRoutes != nil && h.webhookRoutes.HandleRequest(w, r) {
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT requests to create a stream
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")

	s, created, err := h.registry.Create(path, store.CreateOptions{ContentType: contentType})
	if err != nil {
		if errors.Is(err, store.ErrConfigMismatch) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		if errors.Is(err, store.ErrInvalidPath) {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	meta := s.Meta()
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.Head.String())

	if created {
		streamCreates.Inc()
		// Build full URL for Location header
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		// Check X-Forwarded-Proto header (for reverse proxies)
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleHead handles HEAD requests for stream metadata
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	s, err := h.registry.Lookup(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	meta := s.Meta()
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamContentType, meta.ContentType)
	w.Header().Set(HeaderStreamHeadOffset, meta.Head.String())
	w.Header().Set(HeaderStreamNextOffset, meta.Head.String())
	w.Header().Set(HeaderStreamCount, strconv.FormatUint(meta.Count, 10))
	w.Header().Set("Cache-Control", "no-store")

	w.WriteHeader(http.StatusOK)
	return nil
}

// handleRead handles GET requests to read from a stream
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	s, err := h.registry.Lookup(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}
	meta := s.Meta()

	query := r.URL.Query()

	// Distinguish a missing offset (read from the beginning) from an
	// explicitly empty one (client bug).
	offset := store.Start
	offsetValues, offsetProvided := query["offset"]
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		if offsetValues[0] == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
		offset, err = store.ParseOffset(offsetValues[0])
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid offset")
		}
	}

	limit := 0
	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return newHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	switch liveMode {
	case "", "false":
	case "long-poll", "sse":
		// Live tailing without a resume point would replay the entire
		// stream on every reconnect.
		if !offsetProvided {
			return newHTTPError(http.StatusBadRequest, "offset required for live mode")
		}
	default:
		return newHTTPError(http.StatusBadRequest, "invalid live mode")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, s, offset, cursor)
	}

	streamReads.Inc()

	res, err := s.ReadRange(offset, limit, 0)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	// Handle long-poll mode: caught-up clients park until data arrives.
	if liveMode == "long-poll" && len(res.Messages) == 0 {
		timeout := time.Duration(h.LongPollTimeout)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		longPollWaiters.Inc()
		var timedOut bool
		res, timedOut, err = h.registry.WaitForMessages(ctx, path, offset, limit, 0, timeout)
		longPollWaiters.Dec()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				timedOut = true
				err = nil
			} else if errors.Is(err, store.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "stream not found")
			} else {
				return err
			}
		}

		if timedOut {
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderStreamNextOffset, offset.String())
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if liveMode == "long-poll" {
		// Cursor keeps CDN cache keys from colliding across poll rounds.
		w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	}

	etag := fmt.Sprintf(`"%s"`, res.NextOffset.String())
	w.Header().Set("ETag", etag)

	// Historical chunks are immutable and safe to cache.
	if !res.UpToDate && len(res.Messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body := formatResponse(res.Messages, meta.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// handleAppend handles POST requests to append messages
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	s, err := h.registry.Lookup(path)
	if err != nil {
		if !errors.Is(err, store.ErrStreamNotFound) {
			return err
		}
		if !h.registry.Config().CreateOnAppend {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		s, _, err = h.registry.Create(path, store.CreateOptions{ContentType: contentType})
		if err != nil {
			if errors.Is(err, store.ErrInvalidPath) {
				return newHTTPError(http.StatusBadRequest, err.Error())
			}
			return err
		}
	}

	// Validate content type before reading the body.
	if !store.ContentTypeMatches(s.ContentType(), contentType) {
		return newHTTPError(http.StatusConflict, "content type mismatch")
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	payloads := [][]byte{body}
	if store.IsJSONContentType(s.ContentType()) {
		payloads, err = store.SplitJSONBatch(body)
		if err != nil {
			if errors.Is(err, store.ErrEmptyJSONArray) {
				return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
			}
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		}
	}

	res, err := s.Append(payloads, producer)
	if err != nil {
		return appendError(w, err)
	}

	streamAppends.Inc()
	messagesAppended.Add(float64(res.Count))
	if res.Duplicate {
		duplicateAppends.Inc()
	}

	w.Header().Set(HeaderStreamNextOffset, res.Offset.String())
	if producer != nil {
		w.Header().Set(HeaderProducerEpoch, strconv.FormatUint(producer.Epoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatUint(producer.Seq, 10))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// appendError maps fencing failures to their protocol responses. The
// recovery detail travels both ways: headers for streaming clients, a JSON
// body for everything else.
func appendError(w http.ResponseWriter, err error) error {
	var stale *store.StaleEpochError
	if errors.As(err, &stale) {
		fencedAppends.Inc()
		w.Header().Set(HeaderProducerEpoch, strconv.FormatUint(stale.CurrentEpoch, 10))
		e := newHTTPError(http.StatusForbidden, "producer epoch is stale")
		e.detail = map[string]interface{}{"currentEpoch": stale.CurrentEpoch}
		return e
	}

	var gap *store.SequenceGapError
	if errors.As(err, &gap) {
		fencedAppends.Inc()
		w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatUint(gap.Expected, 10))
		w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatUint(gap.Received, 10))
		e := newHTTPError(http.StatusConflict, "producer sequence gap")
		e.detail = map[string]interface{}{"expected": gap.Expected, "received": gap.Received}
		return e
	}

	var conflict *store.SequenceConflictError
	if errors.As(err, &conflict) {
		fencedAppends.Inc()
		return newHTTPError(http.StatusConflict, conflict.Error())
	}

	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrEmptyBody):
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	case errors.Is(err, store.ErrMessageTooLarge):
		return newHTTPError(http.StatusRequestEntityTooLarge, "message too large")
	case errors.Is(err, store.ErrBatchTooLarge):
		return newHTTPError(http.StatusRequestEntityTooLarge, "batch too large")
	}
	return err
}

// parseProducerHeaders extracts the idempotent-producer identity. The three
// headers travel together: a partial set is a client bug, not a plain append.
func parseProducerHeaders(r *http.Request) (*store.Producer, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	if id == "" && epochStr == "" && seqStr == "" {
		return nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return nil, newHTTPError(http.StatusBadRequest,
			"Producer-Id, Producer-Epoch, and Producer-Seq must all be present")
	}

	epoch, err := strconv.ParseUint(epochStr, 10, 64)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
	}

	return &store.Producer{ID: id, Epoch: epoch, Seq: seq}, nil
}

// handleDelete handles DELETE requests to delete a stream
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.registry.Delete(path); err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	streamDeletes.Inc()
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// formatResponse renders messages as one response body: a JSON array for
// JSON streams, raw concatenation otherwise.
func formatResponse(messages []store.Message, contentType string) []byte {
	if store.IsJSONContentType(contentType) {
		return store.FormatJSONResponse(messages)
	}

	var total int
	for _, msg := range messages {
		total += len(msg.Data)
	}
	result := make([]byte, 0, total)
	for _, msg := range messages {
		result = append(result, msg.Data...)
	}
	return result
}

// Cursor epoch: October 9, 2024 00:00:00 UTC
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// Default interval duration in seconds
const cursorIntervalSeconds = 20

// generateCursor generates a time-based interval cursor for cache collision
// prevention.
func generateCursor() string {
	intervalMs := int64(cursorIntervalSeconds * 1000)
	intervalNumber := (time.Now().UnixMilli() - cursorEpoch.UnixMilli()) / intervalMs
	return strconv.FormatInt(intervalNumber, 10)
}

// generateResponseCursor generates a cursor ensuring monotonic progression
// past whatever interval the client last saw.
func generateResponseCursor(clientCursor string) string {
	currentCursor := generateCursor()
	if clientCursor == "" {
		return currentCursor
	}

	currentInterval, _ := strconv.ParseInt(currentCursor, 10, 64)
	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < currentInterval {
		return currentCursor
	}
	return strconv.FormatInt(clientInterval+1, 10)
}

// HTTP error handling
type httpError struct {
	status  int
	message string
	// detail, when set, is merged into a JSON error body so clients can
	// recover without parsing headers.
	detail map[string]interface{}
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		if httpErr.detail != nil {
			body := map[string]interface{}{"error": httpErr.message}
			for k, v := range httpErr.detail {
				body[k] = v
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(httpErr.status)
			json.NewEncoder(w).Encode(body)
			return
		}
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
