package tidewater

import (
	"net/http/httptest"
	"testing"

	"github.com/tidewater-io/tidewater/stream"
)

func TestParseProducerHeaders(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		epoch   string
		seq     string
		want    *stream.Producer
		wantErr bool
	}{
		{"absent", "", "", "", nil, false},
		{"complete", "p1", "3", "7", &stream.Producer{ID: "p1", Epoch: 3, Seq: 7}, false},
		{"missing epoch", "p1", "", "7", nil, true},
		{"missing seq", "p1", "3", "", nil, true},
		{"id only", "p1", "", "", nil, true},
		{"non-numeric epoch", "p1", "x", "7", nil, true},
		{"negative seq", "p1", "3", "-1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/stream/p/s", nil)
			if tt.id != "" {
				r.Header.Set(HeaderProducerID, tt.id)
			}
			if tt.epoch != "" {
				r.Header.Set(HeaderProducerEpoch, tt.epoch)
			}
			if tt.seq != "" {
				r.Header.Set(HeaderProducerSeq, tt.seq)
			}

			got, err := parseProducerHeaders(r)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected nil producer, got %+v", got)
				}
				return
			}
			if got == nil || *got != *tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseTTL(t *testing.T) {
	valid := map[string]int64{"0": 0, "1": 1, "3600": 3600}
	for in, want := range valid {
		got, err := parseTTL(in)
		if err != nil {
			t.Errorf("parseTTL(%q): unexpected error %v", in, err)
		} else if got != want {
			t.Errorf("parseTTL(%q) = %d, want %d", in, got, want)
		}
	}

	invalid := []string{"", "-1", "01", "+5", "1e3", "3.5", "abc", " 1"}
	for _, in := range invalid {
		if _, err := parseTTL(in); err == nil {
			t.Errorf("parseTTL(%q): expected error", in)
		}
	}
}

func TestFrameMessages(t *testing.T) {
	jsonRes := &stream.ReadResult{
		IsJSON:   true,
		Messages: [][]byte{[]byte(`{"a":1}`), []byte(`2`), []byte(`"x"`)},
	}
	if got := string(frameMessages(jsonRes)); got != `[{"a":1},2,"x"]` {
		t.Errorf("json frame = %s", got)
	}

	empty := &stream.ReadResult{IsJSON: true}
	if got := string(frameMessages(empty)); got != "[]" {
		t.Errorf("empty json frame = %s", got)
	}

	binRes := &stream.ReadResult{
		Messages: [][]byte{[]byte("hel"), []byte("lo")},
	}
	if got := string(frameMessages(binRes)); got != "hello" {
		t.Errorf("binary frame = %q", got)
	}
}

func TestRequestURL(t *testing.T) {
	r := httptest.NewRequest("PUT", "http://example.com/v1/stream/p/s", nil)
	if got := requestURL(r); got != "http://example.com/v1/stream/p/s" {
		t.Errorf("requestURL = %q", got)
	}

	r.Header.Set("X-Forwarded-Proto", "https")
	if got := requestURL(r); got != "https://example.com/v1/stream/p/s" {
		t.Errorf("forwarded requestURL = %q", got)
	}
}
