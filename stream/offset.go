package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a position within a stream.
// Format: "0000000000000000_0000000000000000" (16 digits each, zero-padded).
// The first half is the read sequence of the segment that would contain the
// position; the second half is the position within the stream. Position
// counts messages for JSON streams and bytes for everything else. The
// encoded form is lexicographically sortable.
type Offset struct {
	ReadSeq  uint64
	Position uint64
}

// ZeroOffset is the canonical starting offset for a new stream.
var ZeroOffset = Offset{ReadSeq: 0, Position: 0}

// OffsetNow is the sentinel query value resolved server-side to the tail.
const OffsetNow = "now"

// String returns the offset as a formatted string.
// Format: "%016d_%016d"
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.Position)
}

// ParseOffset parses an offset string.
// Special case: "-1" returns ZeroOffset (meaning "start from beginning").
// "now" is resolved by the caller against the current tail and is rejected
// here. Returns an error for invalid formats.
func ParseOffset(s string) (Offset, error) {
	// Handle empty string as zero offset
	if s == "" {
		return ZeroOffset, nil
	}

	// Handle "-1" as "start from beginning"
	if s == "-1" {
		return ZeroOffset, nil
	}

	// Strict validation: offset must only contain digits and exactly one
	// underscore. This prevents injection attacks and malformed inputs.
	if !isValidOffsetFormat(s) {
		return Offset{}, fmt.Errorf("invalid offset format: must be 'digits_digits'")
	}

	parts := strings.Split(s, "_")
	if len(parts) != 2 {
		return Offset{}, fmt.Errorf("invalid offset format: expected 'readseq_position'")
	}

	readSeq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: readseq not a number: %w", err)
	}

	position, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: position not a number: %w", err)
	}

	return Offset{ReadSeq: readSeq, Position: position}, nil
}

// isValidOffsetFormat checks if the string matches the valid offset format:
// one or more digits, underscore, one or more digits.
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

	// Must have exactly one underscore, not at start or end
	return underscoreCount == 1 && underscorePos > 0 && underscorePos < len(s)-1
}

// CompareOffsets compares two offsets.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareOffsets(a, b Offset) int {
	if a.ReadSeq < b.ReadSeq {
		return -1
	}
	if a.ReadSeq > b.ReadSeq {
		return 1
	}
	if a.Position < b.Position {
		return -1
	}
	if a.Position > b.Position {
		return 1
	}
	return 0
}

// LessThan returns true if o < other
func (o Offset) LessThan(other Offset) bool {
	return CompareOffsets(o, other) < 0
}
