package tidewater

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidewater-io/tidewater/stream"
)

// sseControl is the JSON payload of a control event, emitted after each
// data event so clients can persist their read position.
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	UpToDate         bool   `json:"upToDate"`
	StreamCursor     string `json:"streamCursor"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// serveSSE streams a live=sse subscription. Data events carry message
// chunks; binary content types are base64-encoded since SSE frames are
// text. The connection ends when the stream closes or is deleted, or the
// client disconnects.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, key, offsetRaw, cursor string, meta *stream.Meta) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	binary := !stream.IsTextContentType(meta.ContentType)

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("X-Accel-Buffering", "no")
	if binary {
		hdr.Set(HeaderSSEDataEncoding, "base64")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.Duration(h.SSEKeepaliveInterval)
	offset := offsetRaw

	for {
		req := stream.ReadRequest{Key: key, Offset: offset}
		res, waiter, err := h.engine.ReadOrWait(ctx, req, cursor, time.Now().Add(keepalive))
		if err != nil {
			// Headers are already out; the best we can do is end the
			// stream.
			return nil
		}
		// Pin the resolved position. A raw "now" must not be re-resolved
		// after a wake: the tail has moved past the message that woke us.
		offset = res.Next.String()

		if waiter == nil {
			cursor = responseCursor(cursor, time.Now())
			if res.HasData() {
				writeSSEEvent(w, "data", frameSSEData(&res, binary))
			}
			writeSSEControl(w, sseControl{
				StreamNextOffset: res.Next.String(),
				UpToDate:         res.UpToDate,
				StreamCursor:     cursor,
				StreamClosed:     res.ClosedAtTail,
			})
			flusher.Flush()
			if res.ClosedAtTail {
				return nil
			}
			continue
		}

		timer := time.NewTimer(keepalive)
		select {
		case kind := <-waiter.C:
			timer.Stop()
			switch kind {
			case stream.WakeAppend, stream.WakeClosed:
				// Loop re-reads; a close surfaces as ClosedAtTail.
			default:
				return nil
			}

		case <-timer.C:
			h.engine.Deregister(key, waiter)
			io.WriteString(w, ": ping\n\n")
			flusher.Flush()

		case <-ctx.Done():
			timer.Stop()
			h.engine.Deregister(key, waiter)
			return nil
		}
	}
}

// frameSSEData renders a chunk for a data event. JSON chunks use the
// same array framing as GET responses; binary chunks are base64.
func frameSSEData(res *stream.ReadResult, binary bool) string {
	if binary {
		var total int
		for _, msg := range res.Messages {
			total += len(msg)
		}
		raw := make([]byte, 0, total)
		for _, msg := range res.Messages {
			raw = append(raw, msg...)
		}
		return base64.StdEncoding.EncodeToString(raw)
	}
	return string(frameMessages(res))
}

func writeSSEControl(w io.Writer, ctl sseControl) {
	payload, _ := json.Marshal(ctl)
	writeSSEEvent(w, "control", string(payload))
}

// writeSSEEvent writes one event, splitting the payload across data:
// lines as the SSE framing requires.
func writeSSEEvent(w io.Writer, name, payload string) {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteByte('\n')
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	io.WriteString(w, b.String())
}
