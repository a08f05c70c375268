package admin

import (
	"testing"
	"time"

	"github.com/tidewater-io/tidewater/stream"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open("", nil) // in-memory
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func seg(readSeq, start, end uint64) stream.SegmentRecord {
	return stream.SegmentRecord{
		ReadSeq:      readSeq,
		Start:        start,
		End:          end,
		BlobKey:      stream.BlobKey("proj/s", readSeq),
		ContentType:  "application/json",
		CreatedAt:    time.Now().UnixMilli(),
		SizeBytes:    (end - start) * 10,
		MessageCount: end - start,
	}
}

func TestIndexRotateAndCount(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.SegmentRotated("proj/s", seg(0, 0, 100)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := idx.SegmentRotated("proj/s", seg(1, 100, 150)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := idx.SegmentRotated("proj/other", seg(0, 0, 10)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	n, err := idx.SegmentCount("proj/s")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	total, err := idx.TotalBytes()
	if err != nil {
		t.Fatalf("total failed: %v", err)
	}
	if total != 1000+500+100 {
		t.Errorf("total bytes = %d, want 1600", total)
	}
}

func TestIndexStreamDeleted(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.SegmentRotated("proj/s", seg(0, 0, 100)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := idx.StreamDeleted("proj/s"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	n, err := idx.SegmentCount("proj/s")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d after delete, want 0", n)
	}

	// Deleting rows for an unknown stream is not an error.
	if err := idx.StreamDeleted("proj/ghost"); err != nil {
		t.Errorf("delete of unknown stream failed: %v", err)
	}
}
