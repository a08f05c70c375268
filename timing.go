package tidewater

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// timing collects Server-Timing spans for requests that set
// X-Debug-Timing: 1. A disabled timing is inert so handlers can call it
// unconditionally.
type timing struct {
	enabled bool
	spans   []timingSpan
}

type timingSpan struct {
	name string
	dur  time.Duration
}

func startTiming(r *http.Request) *timing {
	return &timing{enabled: r.Header.Get(HeaderDebugTiming) == "1"}
}

// phase measures one named phase; call the returned func when it ends.
func (t *timing) phase(name string) func() {
	if !t.enabled {
		return func() {}
	}
	start := time.Now()
	return func() {
		t.spans = append(t.spans, timingSpan{name: name, dur: time.Since(start)})
	}
}

// apply writes the Server-Timing header. Must run before WriteHeader.
func (t *timing) apply(w http.ResponseWriter) {
	if !t.enabled || len(t.spans) == 0 {
		return
	}
	parts := make([]string, len(t.spans))
	for i, s := range t.spans {
		parts[i] = fmt.Sprintf("%s;dur=%.2f", s.name, float64(s.dur.Microseconds())/1000)
	}
	w.Header().Set("Server-Timing", strings.Join(parts, ", "))
}
