package stream

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tidewater-io/tidewater/blob"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *blob.MemoryStore) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "engine-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := OpenDB(tmpDir)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	blobs := blob.NewMemoryStore()
	e := NewEngine(db, blobs, zap.NewNop(), cfg)
	t.Cleanup(func() {
		e.Close()
		db.Close()
	})
	return e, blobs
}

func TestEnginePutIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "s1")

	res, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !res.Created {
		t.Error("first put should create")
	}

	// Same config replays as a success without creating.
	res, err = e.Put(ctx, PutRequest{Key: key, ContentType: "application/json; charset=utf-8"})
	if err != nil {
		t.Fatalf("replayed put failed: %v", err)
	}
	if res.Created {
		t.Error("replayed put should not create")
	}

	// Different content type conflicts.
	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "text/plain"}); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("got %v, want ErrConfigMismatch", err)
	}
}

func TestEnginePutWithInitialBody(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "seeded")

	res, err := e.Put(ctx, PutRequest{
		Key:         key,
		ContentType: "application/json",
		Body:        []byte(`[1,2,3]`),
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if res.Meta.TailOffset != 3 {
		t.Errorf("tail = %d, want 3 (one unit per array element)", res.Meta.TailOffset)
	}

	read, err := e.Read(ctx, ReadRequest{Key: key})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(read.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(read.Messages))
	}
	if string(read.Messages[0]) != "1" || string(read.Messages[2]) != "3" {
		t.Errorf("unexpected messages: %q", read.Messages)
	}
}

func TestEngineAppendJSON(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "events")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// Top-level arrays are flattened one level; everything else is one message.
	res, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[{"a":1},{"b":2}]`)})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if res.Tail.Position != 2 {
		t.Errorf("tail = %d, want 2", res.Tail.Position)
	}

	res, err = e.Append(ctx, AppendRequest{Key: key, Body: []byte(`{"c":[3,4]}`)})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if res.Tail.Position != 3 {
		t.Errorf("tail = %d, want 3 (nested arrays stay intact)", res.Tail.Position)
	}

	read, err := e.Read(ctx, ReadRequest{Key: key})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(read.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(read.Messages))
	}
	if string(read.Messages[2]) != `{"c":[3,4]}` {
		t.Errorf("message 2 = %q", read.Messages[2])
	}
	if !read.UpToDate {
		t.Error("read at tail should be up to date")
	}
	if read.Next.Position != 3 {
		t.Errorf("next = %d, want 3", read.Next.Position)
	}
}

func TestEngineAppendRejections(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "strict")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	tests := []struct {
		name    string
		req     AppendRequest
		wantErr error
	}{
		{"empty body", AppendRequest{Key: key}, ErrEmptyBody},
		{"empty array", AppendRequest{Key: key, Body: []byte(`[]`)}, ErrEmptyJSONArray},
		{"invalid json", AppendRequest{Key: key, Body: []byte(`{broken`)}, ErrInvalidJSON},
		{"content type mismatch", AppendRequest{Key: key, Body: []byte(`1`), ContentType: "text/plain"}, ErrContentTypeMismatch},
		{"unknown stream", AppendRequest{Key: Key("proj", "missing"), Body: []byte(`1`)}, ErrStreamNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Append(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngineBinaryMidMessageRead(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "raw")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte("hello")}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(" world")}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Byte offsets: position 6 lands inside the second append.
	read, err := e.Read(ctx, ReadRequest{Key: key, Offset: "0_6"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var got bytes.Buffer
	for _, m := range read.Messages {
		got.Write(m)
	}
	if got.String() != "world" {
		t.Errorf("read from byte 6 = %q, want %q", got.String(), "world")
	}
	if read.Next.Position != 11 {
		t.Errorf("next = %d, want 11", read.Next.Position)
	}
}

func TestEngineReadNow(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "live")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[1,2]`)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	read, err := e.Read(ctx, ReadRequest{Key: key, Offset: "now"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if read.HasData() {
		t.Error("offset=now should skip the backlog")
	}
	if !read.UpToDate || read.Next.Position != 2 {
		t.Errorf("next = %v upToDate = %v", read.Next, read.UpToDate)
	}
}

func TestEngineReadInvalidOffsets(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "short")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json", Body: []byte(`[1]`)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	for _, off := range []string{"0_99", "banana", "1_2_3"} {
		if _, err := e.Read(ctx, ReadRequest{Key: key, Offset: off}); !errors.Is(err, ErrInvalidOffset) {
			t.Errorf("offset %q: got %v, want ErrInvalidOffset", off, err)
		}
	}
}

func TestEngineProducerIdempotency(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "dedup")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	append := func(epoch, seq int64) (AppendResult, error) {
		return e.Append(ctx, AppendRequest{
			Key:      key,
			Body:     []byte(`1`),
			Producer: &Producer{ID: "writer-1", Epoch: epoch, Seq: seq},
		})
	}

	if _, err := append(1, 1); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	// Retransmit of the last seq is a duplicate success, no new data.
	res, err := append(1, 1)
	if err != nil {
		t.Fatalf("retransmit failed: %v", err)
	}
	if !res.Duplicate {
		t.Error("retransmit should report duplicate")
	}
	if res.Tail.Position != 1 {
		t.Errorf("duplicate moved the tail to %d", res.Tail.Position)
	}

	if _, err := append(1, 0); !errors.Is(err, ErrDuplicateWrite) {
		t.Errorf("seq below last: got %v, want ErrDuplicateWrite", err)
	}
	if _, err := append(1, 5); !errors.Is(err, ErrProducerSeqGap) {
		t.Errorf("seq gap: got %v, want ErrProducerSeqGap", err)
	}
	if _, err := append(0, 9); !errors.Is(err, ErrStaleEpoch) {
		t.Errorf("stale epoch: got %v, want ErrStaleEpoch", err)
	}

	// A higher epoch resets the sequence.
	if _, err := append(2, 7); err != nil {
		t.Fatalf("new epoch write failed: %v", err)
	}
	if _, err := append(2, 8); err != nil {
		t.Fatalf("next seq in new epoch failed: %v", err)
	}
}

func TestEngineStreamSeqHint(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "seq")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`1`), StreamSeq: "b"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`2`), StreamSeq: "a"}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("got %v, want ErrSequenceConflict", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`2`), StreamSeq: "c"}); err != nil {
		t.Errorf("ascending seq rejected: %v", err)
	}
}

func TestEngineClose(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "done")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json", Body: []byte(`[1]`)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	res, err := e.CloseStream(ctx, key, nil)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !res.Closed {
		t.Error("close should report closed")
	}

	// Closing again is idempotent.
	if _, err := e.CloseStream(ctx, key, nil); err != nil {
		t.Errorf("repeated close failed: %v", err)
	}

	// Appending data is not.
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`2`)}); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("got %v, want ErrStreamClosed", err)
	}

	meta, err := e.Head(ctx, key)
	if err != nil {
		t.Fatalf("head failed: %v", err)
	}
	if !meta.Closed || meta.ClosedAt == 0 {
		t.Errorf("meta not closed: %+v", meta)
	}

	// The backlog stays readable after close.
	read, err := e.Read(ctx, ReadRequest{Key: key})
	if err != nil {
		t.Fatalf("read after close failed: %v", err)
	}
	if len(read.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(read.Messages))
	}
	if !read.ClosedAtTail {
		t.Error("consumed closed stream should report closed at tail")
	}
}

func TestEngineRotation(t *testing.T) {
	e, blobs := newTestEngine(t, Config{SegmentMaxMessages: 2})
	ctx := context.Background()
	key := Key("proj", "rotated")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[1,2]`)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	meta, err := e.Head(ctx, key)
	if err != nil {
		t.Fatalf("head failed: %v", err)
	}
	if meta.ReadSeq != 1 {
		t.Fatalf("readSeq = %d, want 1 after rotation", meta.ReadSeq)
	}
	if meta.SegmentStart != 2 || meta.SegmentMessages != 0 || meta.SegmentBytes != 0 {
		t.Errorf("counters not reset: %+v", meta)
	}
	if blobs.Len() != 1 {
		t.Errorf("blob count = %d, want 1", blobs.Len())
	}

	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[3]`)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Catch-up read starts in the rotated segment.
	read, err := e.Read(ctx, ReadRequest{Key: key, Offset: "-1"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(read.Messages) != 2 {
		t.Fatalf("segment read: got %d messages, want 2", len(read.Messages))
	}
	if read.UpToDate {
		t.Error("segment chunk must not claim up to date")
	}
	if read.Next.Position != 2 || read.Next.ReadSeq != 1 {
		t.Errorf("next = %v, want 1_2", read.Next)
	}

	// Following Next lands in the hot log.
	read, err = e.Read(ctx, ReadRequest{Key: key, Offset: read.Next.String()})
	if err != nil {
		t.Fatalf("follow-up read failed: %v", err)
	}
	if len(read.Messages) != 1 || string(read.Messages[0]) != "3" {
		t.Fatalf("hot read after segment: %q", read.Messages)
	}
	if !read.UpToDate {
		t.Error("tail read should be up to date")
	}
}

func TestEngineCloseRotatesFinalSegment(t *testing.T) {
	e, blobs := newTestEngine(t, Config{SegmentMaxMessages: 100})
	ctx := context.Background()
	key := Key("proj", "flushed")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json", Body: []byte(`[1,2]`)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := e.CloseStream(ctx, key, nil); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if blobs.Len() != 1 {
		t.Fatalf("close should rotate the final segment, blobs = %d", blobs.Len())
	}

	read, err := e.Read(ctx, ReadRequest{Key: key})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(read.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(read.Messages))
	}
}

func TestEngineDelete(t *testing.T) {
	e, blobs := newTestEngine(t, Config{SegmentMaxMessages: 1})
	ctx := context.Background()
	key := Key("proj", "doomed")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[1]`)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if blobs.Len() == 0 {
		t.Fatal("expected a rotated segment before delete")
	}

	if err := e.Delete(ctx, key); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if blobs.Len() != 0 {
		t.Errorf("segment blobs survived delete: %d", blobs.Len())
	}
	if _, err := e.Head(ctx, key); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("head after delete: got %v, want ErrStreamNotFound", err)
	}
	if err := e.Delete(ctx, key); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("second delete: got %v, want ErrStreamNotFound", err)
	}
}

func TestEngineReadOrWait(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "poll")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// Data already present: no waiter.
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[1]`)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	res, w, err := e.ReadOrWait(ctx, ReadRequest{Key: key}, "", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadOrWait failed: %v", err)
	}
	if w != nil {
		t.Fatal("waiter registered despite available data")
	}
	if len(res.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(res.Messages))
	}

	// At the tail: waiter registered, woken by the next append.
	res, w, err = e.ReadOrWait(ctx, ReadRequest{Key: key, Offset: res.Next.String()}, "", time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("ReadOrWait failed: %v", err)
	}
	if w == nil {
		t.Fatal("no waiter registered at the tail")
	}
	defer e.Deregister(key, w)

	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[2]`)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case kind := <-w.C:
		if kind != WakeAppend {
			t.Errorf("wake kind = %v, want WakeAppend", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the append")
	}
}

func TestEngineReadOrWaitWokenByClose(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "poll-close")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	_, w, err := e.ReadOrWait(ctx, ReadRequest{Key: key}, "", time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("ReadOrWait failed: %v", err)
	}
	if w == nil {
		t.Fatal("no waiter registered on empty stream")
	}
	defer e.Deregister(key, w)

	if _, err := e.CloseStream(ctx, key, nil); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case kind := <-w.C:
		if kind != WakeClosed {
			t.Errorf("wake kind = %v, want WakeClosed", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the close")
	}
}

func TestEngineAppendHook(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "hooked")

	var events []AppendEvent
	e.SetAppendHook(func(ev AppendEvent) { events = append(events, ev) })

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "application/json"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[1,2]`)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("hook fired %d times, want 2", len(events))
	}
	if events[0].Start != 0 || events[1].Start != 1 {
		t.Errorf("event starts = %d, %d", events[0].Start, events[1].Start)
	}

	// Duplicates must not re-fire the hook.
	p := &Producer{ID: "w", Epoch: 1, Seq: 1}
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[3]`), Producer: p}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	n := len(events)
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte(`[3]`), Producer: p}); err != nil {
		t.Fatalf("retransmit failed: %v", err)
	}
	if len(events) != n {
		t.Error("duplicate append fired the hook")
	}
}

func TestValidateProducer(t *testing.T) {
	state := &ProducerState{Epoch: 2, LastSeq: 5}

	tests := []struct {
		name      string
		state     *ProducerState
		p         Producer
		accept    bool
		duplicate bool
		err       error
	}{
		{"unknown producer", nil, Producer{Epoch: 1, Seq: 9}, true, false, nil},
		{"next seq", state, Producer{Epoch: 2, Seq: 6}, true, false, nil},
		{"retransmit", state, Producer{Epoch: 2, Seq: 5}, false, true, nil},
		{"old seq", state, Producer{Epoch: 2, Seq: 4}, false, false, ErrDuplicateWrite},
		{"gap", state, Producer{Epoch: 2, Seq: 8}, false, false, ErrProducerSeqGap},
		{"stale epoch", state, Producer{Epoch: 1, Seq: 1}, false, false, ErrStaleEpoch},
		{"new epoch", state, Producer{Epoch: 3, Seq: 0}, true, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accept, duplicate, err := validateProducer(tt.state, &tt.p)
			if accept != tt.accept || duplicate != tt.duplicate || !errors.Is(err, tt.err) {
				t.Errorf("got (%v, %v, %v), want (%v, %v, %v)",
					accept, duplicate, err, tt.accept, tt.duplicate, tt.err)
			}
		})
	}
}

func TestDuplicateAckReplaysOriginalTail(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	key := Key("proj", "two-writers")

	if _, err := e.Put(ctx, PutRequest{Key: key, ContentType: "text/plain"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	first, err := e.Append(ctx, AppendRequest{
		Key: key, Body: []byte("foo"), ContentType: "text/plain",
		Producer: &Producer{ID: "a", Epoch: 1, Seq: 0},
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if first.Tail.Position != 3 {
		t.Fatalf("tail = %d, want 3", first.Tail.Position)
	}

	// Another writer advances the stream before the retransmit arrives.
	if _, err := e.Append(ctx, AppendRequest{Key: key, Body: []byte("barbaz"), ContentType: "text/plain"}); err != nil {
		t.Fatalf("interleaved append failed: %v", err)
	}

	retry, err := e.Append(ctx, AppendRequest{
		Key: key, Body: []byte("foo"), ContentType: "text/plain",
		Producer: &Producer{ID: "a", Epoch: 1, Seq: 0},
	})
	if err != nil {
		t.Fatalf("retransmit failed: %v", err)
	}
	if !retry.Duplicate {
		t.Fatal("retransmit should report duplicate")
	}
	if retry.Tail != first.Tail {
		t.Errorf("duplicate ack tail = %v, want the original %v", retry.Tail, first.Tail)
	}
}
