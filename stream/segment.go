package stream

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Segment blob format:
// Each message is stored as:
//   [4-byte big-endian length][data bytes]
// Messages are concatenated without separators, no header, no footer.
//
// For JSON streams every message is one element; for binary streams each
// append is one message but reads may begin mid-message.

const (
	// LengthPrefixSize is the size of the length prefix in bytes
	LengthPrefixSize = 4

	// MaxMessageSize is the maximum allowed message size (64MB)
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize
	ErrMessageTooLarge = errors.New("message too large")

	// ErrCorruptedSegment is returned when a segment blob appears corrupted
	ErrCorruptedSegment = errors.New("corrupted segment blob")
)

// BlobKey derives the blob store key for a segment of the given stream.
// Format: stream/<base64url(projectId/streamId)>/segment-<readSeq>.seg
func BlobKey(streamKey string, readSeq uint64) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(streamKey))
	return fmt.Sprintf("stream/%s/segment-%d.seg", enc, readSeq)
}

// WriteMessage writes a single length-prefixed message.
// Returns the number of bytes written including the prefix.
func WriteMessage(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}

	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// ReadMessage reads a single length-prefixed message.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// EncodeSegment serializes hot ops into the segment blob format. Ops must
// be contiguous; the caller has already verified that.
func EncodeSegment(ops []HotOp) ([]byte, error) {
	var total int
	for i := range ops {
		total += LengthPrefixSize + len(ops[i].Body)
	}

	buf := bytes.NewBuffer(make([]byte, 0, total))
	for i := range ops {
		if _, err := WriteMessage(buf, ops[i].Body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// SegmentMessage is one decoded message together with the stream positions
// it spans. For JSON segments End-Start is 1; for binary it is len(Body).
type SegmentMessage struct {
	Body  []byte
	Start uint64
	End   uint64
}

// SegmentReader decodes length-prefixed messages from a segment blob and
// tracks stream positions starting at the segment's start offset.
type SegmentReader struct {
	r     *bufio.Reader
	json  bool
	pos   uint64 // next message's start position
	sawEOF bool
}

// NewSegmentReader wraps a segment blob stream. startPos is the stream
// position of the segment's first message (the segment record's Start).
func NewSegmentReader(r io.Reader, startPos uint64, json bool) *SegmentReader {
	return &SegmentReader{
		r:    bufio.NewReaderSize(r, 64*1024),
		json: json,
		pos:  startPos,
	}
}

// Next returns the next message in the segment. Returns io.EOF at the end
// of the blob. A truncated or oversized length prefix surfaces as
// ErrCorruptedSegment so callers can return what they have collected.
func (sr *SegmentReader) Next() (SegmentMessage, error) {
	if sr.sawEOF {
		return SegmentMessage{}, io.EOF
	}

	data, err := ReadMessage(sr.r)
	if err != nil {
		sr.sawEOF = true
		if err == io.EOF {
			return SegmentMessage{}, io.EOF
		}
		// Partial prefix or short body: truncated blob
		return SegmentMessage{}, ErrCorruptedSegment
	}

	msg := SegmentMessage{Body: data, Start: sr.pos}
	if sr.json {
		msg.End = msg.Start + 1
	} else {
		msg.End = msg.Start + uint64(len(data))
	}
	sr.pos = msg.End
	return msg, nil
}

// SkipTo advances the reader until the next message contains or starts at
// position p. For JSON streams p must land on a message boundary; for
// binary streams the caller slices into the returned message. Returns the
// first message at or containing p, or io.EOF if the segment ends first.
func (sr *SegmentReader) SkipTo(p uint64) (SegmentMessage, error) {
	for {
		msg, err := sr.Next()
		if err != nil {
			return SegmentMessage{}, err
		}
		if msg.End > p {
			return msg, nil
		}
	}
}
