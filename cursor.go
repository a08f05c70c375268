package tidewater

import (
	"strconv"
	"time"
)

// The cursor is a coarse time interval echoed between client and server so
// a shared CDN can coalesce concurrent polls onto one cached response. It
// is not an offset; it only partitions cache keys.

// Cursor epoch: October 9, 2024 00:00:00 UTC.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

func currentCursorInterval(now time.Time) int64 {
	return (now.UnixMilli() - cursorEpoch.UnixMilli()) / (cursorIntervalSeconds * 1000)
}

// responseCursor computes the cursor to return for a client-supplied
// value. Deterministic: a client cursor at or ahead of the current
// interval gets exactly currentInterval+1, so all clients polling in the
// same interval converge on the same value.
func responseCursor(clientCursor string, now time.Time) string {
	current := currentCursorInterval(now)
	if clientCursor == "" {
		return strconv.FormatInt(current, 10)
	}

	client, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || client < current {
		return strconv.FormatInt(current, 10)
	}
	return strconv.FormatInt(current+1, 10)
}
