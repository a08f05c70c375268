package stream

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Common errors surfaced by the stream engine. The HTTP layer maps these to
// statuses with errors.Is.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrStreamClosed        = errors.New("stream is closed")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrInvalidStreamID     = errors.New("invalid stream id")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrBodyTooLarge        = errors.New("body exceeds maximum append size")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrSequenceConflict    = errors.New("sequence number conflict")
)

// Producer validation errors
var (
	ErrStaleEpoch       = errors.New("producer epoch is stale")
	ErrDuplicateWrite   = errors.New("producer sequence already applied")
	ErrProducerSeqGap   = errors.New("producer sequence gap detected")
	ErrPartialProducer  = errors.New("all producer headers must be provided together")
	ErrProducerRequired = errors.New("producer headers invalid for initial body")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

// ValidID reports whether s is a legal stream, project, or estuary id.
func ValidID(s string) bool {
	return len(s) > 0 && len(s) <= 128 && idPattern.MatchString(s)
}

// Key builds the canonical stream key for a (project, stream) pair.
func Key(projectID, streamID string) string {
	return projectID + "/" + streamID
}

// Producer identifies a logical writer for idempotent retries.
type Producer struct {
	ID    string
	Epoch int64
	Seq   int64
}

// ProducerState is the per-stream record kept for each producer id. The
// acked tail is the offset returned for the original success, replayed
// verbatim on a retransmit even if other writers advanced the stream in
// between.
type ProducerState struct {
	Epoch       int64  `json:"epoch"`
	LastSeq     int64  `json:"last_seq"`
	LastUpdated int64  `json:"last_updated"` // unix seconds
	AckedSeq    uint64 `json:"acked_seq"`    // readSeq half of the acked tail
	AckedPos    uint64 `json:"acked_pos"`    // position half of the acked tail
}

// AckedTail returns the offset acknowledged for this producer's last
// accepted write.
func (p *ProducerState) AckedTail() Offset {
	return Offset{ReadSeq: p.AckedSeq, Position: p.AckedPos}
}

// Meta is the durable per-stream metadata row.
type Meta struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Closed      bool   `json:"closed,omitempty"`
	Public      bool   `json:"public,omitempty"`

	// TailOffset is the stream's current highest position: message count
	// for JSON streams, byte count otherwise.
	TailOffset uint64 `json:"tail_offset"`

	// Rotation bookkeeping. SegmentStart is the position of the first hot
	// op; ReadSeq is the next segment sequence to assign.
	SegmentStart    uint64 `json:"segment_start"`
	ReadSeq         uint64 `json:"read_seq"`
	SegmentMessages uint64 `json:"segment_messages"`
	SegmentBytes    uint64 `json:"segment_bytes"`

	CreatedAt  int64  `json:"created_at"` // unix ms
	ClosedAt   int64  `json:"closed_at,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	LastSeq    string `json:"last_seq,omitempty"` // Stream-Seq hint

	ClosedBy *Producer `json:"closed_by,omitempty"`
}

// Tail returns the encoded tail offset of the stream.
func (m *Meta) Tail() Offset {
	return Offset{ReadSeq: m.ReadSeq, Position: m.TailOffset}
}

// IsJSON reports whether offsets on this stream are message-indexed.
func (m *Meta) IsJSON() bool {
	return IsJSONContentType(m.ContentType)
}

// IsExpired reports whether the stream's TTL or expiry has elapsed.
func (m *Meta) IsExpired(now time.Time) bool {
	if m.ExpiresAt > 0 && now.UnixMilli() > m.ExpiresAt {
		return true
	}
	if m.TTLSeconds > 0 {
		expiry := m.CreatedAt + m.TTLSeconds*1000
		if now.UnixMilli() > expiry {
			return true
		}
	}
	return false
}

// HotOp is one append still in the hot log. Start and End are positions;
// End-Start equals the message count for JSON streams and the byte count
// otherwise. Adjacent ops are contiguous: op[i].Start == op[i-1].End.
type HotOp struct {
	Start     uint64   `json:"start"`
	End       uint64   `json:"end"`
	Size      uint64   `json:"size"` // body bytes
	Body      []byte   `json:"body"`
	CreatedAt int64    `json:"created_at"` // unix ms
	Producer  *Producer `json:"producer,omitempty"`
}

// SegmentRecord indexes one rotated segment in the blob store.
type SegmentRecord struct {
	ReadSeq      uint64 `json:"read_seq"`
	Start        uint64 `json:"start"`
	End          uint64 `json:"end"`
	BlobKey      string `json:"blob_key"`
	ContentType  string `json:"content_type"`
	CreatedAt    int64  `json:"created_at"` // unix ms
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	SizeBytes    uint64 `json:"size_bytes"`
	MessageCount uint64 `json:"message_count"`
}

// Contains reports whether position p falls inside this segment.
func (s *SegmentRecord) Contains(p uint64) bool {
	return s.Start <= p && p < s.End
}

// IsJSONContentType reports whether a content type uses message-indexed
// offsets and JSON array framing: application/json, text/json, or any
// type with a +json suffix.
func IsJSONContentType(ct string) bool {
	mt := toLower(extractMediaType(ct))
	if mt == "application/json" || mt == "text/json" {
		return true
	}
	return strings.HasSuffix(mt, "+json")
}

// IsTextContentType reports whether SSE payloads can be sent verbatim.
func IsTextContentType(ct string) bool {
	mt := toLower(extractMediaType(ct))
	return strings.HasPrefix(mt, "text/") || IsJSONContentType(ct)
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
	return toLower(extractMediaType(a)) == toLower(extractMediaType(b))
}

// extractMediaType removes parameters from a content-type header value.
func extractMediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return strings.TrimSpace(ct[:i])
		}
	}
	return strings.TrimSpace(ct)
}

func toLower(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}
