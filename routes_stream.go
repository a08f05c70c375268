package tidewater

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidewater-io/tidewater/auth"
	"github.com/tidewater-io/tidewater/stream"
)

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, tm *timing, projectID, streamID string) error {
	if h.applyCORS(w, r, projectID) {
		return nil
	}
	if !stream.ValidID(projectID) || !stream.ValidID(streamID) {
		return stream.ErrInvalidStreamID
	}
	key := stream.Key(projectID, streamID)

	switch r.Method {
	case http.MethodPut:
		done := tm.phase("auth")
		_, err := h.requireScope(r, projectID, auth.ScopeWrite)
		done()
		if err != nil {
			return err
		}
		return h.handleStreamPut(w, r, tm, key)

	case http.MethodPost:
		done := tm.phase("auth")
		_, err := h.requireScope(r, projectID, auth.ScopeWrite)
		done()
		if err != nil {
			return err
		}
		return h.handleStreamAppend(w, r, tm, key)

	case http.MethodDelete:
		done := tm.phase("auth")
		_, err := h.requireScope(r, projectID, auth.ScopeWrite)
		done()
		if err != nil {
			return err
		}
		if err := h.engine.Delete(r.Context(), key); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil

	case http.MethodGet, http.MethodHead:
		done := tm.phase("auth")
		claims, err := h.authenticate(r, projectID)
		done()
		if err != nil {
			return err
		}
		meta, err := h.engine.Head(r.Context(), key)
		if err != nil {
			return err
		}
		if claims == nil && !meta.Public && !h.publicReadAllowed(projectID) {
			return auth.ErrMissingToken
		}
		if r.Method == http.MethodHead {
			return h.handleStreamHead(w, &meta)
		}
		return h.handleStreamRead(w, r, tm, key, &meta)
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
	return nil
}

// handleStreamPut creates a stream or replays an earlier creation.
func (h *Handler) handleStreamPut(w http.ResponseWriter, r *http.Request, tm *timing, key string) error {
	var ttlSeconds int64
	if ttlStr := r.Header.Get(HeaderStreamTTL); ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = ttl
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}
	body, err := h.readBody(r)
	if err != nil {
		return err
	}

	done := tm.phase("actor")
	res, err := h.engine.Put(r.Context(), stream.PutRequest{
		Key:         key,
		ContentType: r.Header.Get("Content-Type"),
		Closed:      headerTrue(r, HeaderStreamClosed),
		Public:      headerTrue(r, "Stream-Public"),
		TTLSeconds:  ttlSeconds,
		Body:        body,
		Producer:    producer,
		StreamSeq:   r.Header.Get(HeaderStreamSeq),
	})
	done()
	if err != nil {
		return err
	}

	tm.apply(w)
	w.Header().Set("Content-Type", res.Meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.Meta.Tail().String())
	if res.Meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if res.Created {
		w.Header().Set("Location", requestURL(r))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleStreamAppend appends data and/or closes the stream.
func (h *Handler) handleStreamAppend(w http.ResponseWriter, r *http.Request, tm *timing, key string) error {
	closeFlag := headerTrue(r, HeaderStreamClosed)

	body, err := h.readBody(r)
	if err != nil {
		return err
	}
	contentType := r.Header.Get("Content-Type")
	if len(body) > 0 && contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	done := tm.phase("actor")
	res, err := h.engine.Append(r.Context(), stream.AppendRequest{
		Key:         key,
		Body:        body,
		ContentType: contentType,
		Producer:    producer,
		StreamSeq:   r.Header.Get(HeaderStreamSeq),
		Close:       closeFlag,
	})
	done()
	if err != nil {
		return err
	}

	tm.apply(w)
	w.Header().Set(HeaderStreamNextOffset, res.Tail.String())
	if res.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if res.WroteData && res.WriteTimestamp > 0 {
		w.Header().Set(HeaderStreamWriteTimestamp, strconv.FormatInt(res.WriteTimestamp, 10))
	}

	// Data (including deduplicated retransmits) answers 200; a pure close
	// answers 204.
	if len(body) > 0 {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

// handleStreamHead reports existence and metadata without a body.
func (h *Handler) handleStreamHead(w http.ResponseWriter, meta *stream.Meta) error {
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.Tail().String())
	w.Header().Set("Cache-Control", "no-store")
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.TTLSeconds > 0 {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(meta.TTLSeconds, 10))
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleStreamRead serves catch-up reads, long-poll, and SSE.
func (h *Handler) handleStreamRead(w http.ResponseWriter, r *http.Request, tm *timing, key string, meta *stream.Meta) error {
	query := r.URL.Query()

	offsetValues, offsetProvided := query["offset"]
	offsetRaw := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetRaw = offsetValues[0]
		if offsetRaw == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	live := query.Get("live")
	cursor := query.Get("cursor")

	switch live {
	case "", "long-poll", "sse":
	default:
		return newHTTPError(http.StatusBadRequest, "unknown live mode")
	}
	if live != "" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for live mode")
	}

	if live == "sse" {
		return h.serveSSE(w, r, key, offsetRaw, cursor, meta)
	}

	req := stream.ReadRequest{Key: key, Offset: offsetRaw}

	var (
		res    stream.ReadResult
		waiter *stream.Waiter
		err    error
	)
	done := tm.phase("actor")
	if live == "long-poll" {
		deadline := time.Now().Add(time.Duration(h.LongPollTimeout))
		res, waiter, err = h.engine.ReadOrWait(r.Context(), req, cursor, deadline)
	} else {
		res, err = h.engine.Read(r.Context(), req)
	}
	done()
	if err != nil {
		return err
	}

	if waiter != nil {
		// Pin the resolved position before any wake-triggered re-read. A
		// raw "now" would re-resolve to the new tail and skip the message
		// that woke the waiter.
		req.Offset = res.Next.String()
		outcome, err := h.awaitWake(r, tm, key, req, waiter, &res)
		if err != nil {
			return err
		}
		switch outcome {
		case wakeOutcomeData:
			// res now holds the fresh chunk.
		case wakeOutcomeTimeout:
			tm.apply(w)
			h.writeUpToDate(w, &res, cursor, false)
			return nil
		case wakeOutcomeClosed:
			tm.apply(w)
			h.writeUpToDate(w, &res, cursor, true)
			return nil
		case wakeOutcomeGone:
			return stream.ErrStreamNotFound
		case wakeOutcomeCancelled:
			return nil
		}
	}

	tm.apply(w)
	return h.writeReadResponse(w, r, &res, offsetRaw, cursor)
}

type wakeOutcome int

const (
	wakeOutcomeData wakeOutcome = iota
	wakeOutcomeTimeout
	wakeOutcomeClosed
	wakeOutcomeGone
	wakeOutcomeCancelled
)

// awaitWake blocks a long-poll handler on its waiter. On an append wake
// the read is retried and res replaced.
func (h *Handler) awaitWake(r *http.Request, tm *timing, key string, req stream.ReadRequest, waiter *stream.Waiter, res *stream.ReadResult) (wakeOutcome, error) {
	timer := time.NewTimer(time.Duration(h.LongPollTimeout))
	defer timer.Stop()

	select {
	case kind := <-waiter.C:
		// The waker already deregistered us.
		switch kind {
		case stream.WakeAppend:
			done := tm.phase("actor")
			fresh, err := h.engine.Read(r.Context(), req)
			done()
			if err != nil {
				return 0, err
			}
			*res = fresh
			return wakeOutcomeData, nil
		case stream.WakeClosed:
			return wakeOutcomeClosed, nil
		default:
			return wakeOutcomeGone, nil
		}

	case <-timer.C:
		h.engine.Deregister(key, waiter)
		return wakeOutcomeTimeout, nil

	case <-r.Context().Done():
		h.engine.Deregister(key, waiter)
		return wakeOutcomeCancelled, nil
	}
}

// writeUpToDate answers an empty long-poll: 204 with the caller's
// position, never cacheable.
func (h *Handler) writeUpToDate(w http.ResponseWriter, res *stream.ReadResult, cursor string, closed bool) {
	w.Header().Set("Content-Type", res.Meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.Next.String())
	w.Header().Set(HeaderStreamUpToDate, "true")
	w.Header().Set(HeaderStreamCursor, responseCursor(cursor, time.Now()))
	w.Header().Set("Cache-Control", "no-store")
	if closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeReadResponse writes a plain or freshly-woken read.
func (h *Handler) writeReadResponse(w http.ResponseWriter, r *http.Request, res *stream.ReadResult, offsetRaw, cursor string) error {
	next := res.Next.String()
	etag := `"` + next + `"`

	w.Header().Set("Content-Type", res.Meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, next)
	w.Header().Set(HeaderStreamCursor, responseCursor(cursor, time.Now()))
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if res.HasData() && res.WriteTimestamp > 0 {
		w.Header().Set(HeaderStreamWriteTimestamp, strconv.FormatInt(res.WriteTimestamp, 10))
	}
	w.Header().Set("ETag", etag)

	// offset=now responses must not stick in shared caches; historical
	// chunks are immutable and cacheable even on long-poll requests, which
	// is what lets the cursor coalesce concurrent pollers on one CDN key.
	switch {
	case offsetRaw == stream.OffsetNow:
		w.Header().Set("Cache-Control", "no-store")
	case res.HasData() && !res.UpToDate:
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	if !res.HasData() && res.ClosedAtTail {
		w.Header().Set(HeaderStreamClosed, "true")
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	body := frameMessages(res)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// frameMessages renders a chunk: JSON arrays with comma framing, raw
// concatenation for everything else.
func frameMessages(res *stream.ReadResult) []byte {
	if res.IsJSON {
		var b strings.Builder
		b.WriteByte('[')
		for i, msg := range res.Messages {
			if i > 0 {
				b.WriteByte(',')
			}
			b.Write(msg)
		}
		b.WriteByte(']')
		return []byte(b.String())
	}

	var total int
	for _, msg := range res.Messages {
		total += len(msg)
	}
	out := make([]byte, 0, total)
	for _, msg := range res.Messages {
		out = append(out, msg...)
	}
	return out
}

// readBody reads an append/create body, enforcing the size cap early.
func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	max := h.engine.MaxAppendBytes()
	if r.ContentLength > max {
		return nil, stream.ErrBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if int64(len(body)) > max {
		return nil, stream.ErrBodyTooLarge
	}
	return body, nil
}

// parseProducerHeaders reads the producer triple. All three headers must
// appear together.
func parseProducerHeaders(r *http.Request) (*stream.Producer, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	if id == "" && epochStr == "" && seqStr == "" {
		return nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return nil, stream.ErrPartialProducer
	}

	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil || epoch < 0 {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq < 0 {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
	}
	return &stream.Producer{ID: id, Epoch: epoch, Seq: seq}, nil
}

func headerTrue(r *http.Request, name string) bool {
	return strings.EqualFold(r.Header.Get(name), "true")
}

// requestURL rebuilds the request's absolute URL for Location headers,
// honoring X-Forwarded-Proto behind proxies.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// parseTTL validates a Stream-TTL value: a non-negative integer without
// leading zeros, sign, or exponent.
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}
