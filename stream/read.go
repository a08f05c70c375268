package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/tidewater-io/tidewater/blob"
)

// ReadRequest asks for messages at or after an offset.
type ReadRequest struct {
	Key    string
	Offset string // raw query value: "", "-1", "now", or "readseq_position"

	// MaxChunkBytes overrides the engine budget when non-zero.
	MaxChunkBytes uint64
}

// ReadResult carries one response chunk.
type ReadResult struct {
	Meta     Meta
	Start    uint64   // resolved read position
	Messages [][]byte // in order; empty when up to date
	Next     Offset
	IsJSON   bool

	UpToDate       bool
	ClosedAtTail   bool  // stream closed and the reader has consumed it all
	WriteTimestamp int64 // unix ms of the newest message returned, 0 if none
	Truncated      bool  // segment blob ended early; Next reflects what was read
}

// HasData reports whether the chunk contains any payload.
func (r *ReadResult) HasData() bool {
	return len(r.Messages) > 0
}

// Read returns the chunk at the requested offset, or an empty up-to-date
// result at the tail. It never blocks.
func (e *Engine) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	var (
		res   ReadResult
		opErr error
	)
	err := e.actors.Do(ctx, req.Key, func() {
		res, opErr = e.doRead(ctx, req)
	})
	if err != nil {
		return ReadResult{}, err
	}
	if opErr != nil {
		return ReadResult{}, opErr
	}
	return res, nil
}

// ReadOrWait behaves like Read but, when the reader is already at the tail
// of an open stream, registers a waiter inside the same serialized
// operation as the emptiness check, so an append between check and
// registration cannot be missed. The caller owns the returned waiter: it
// must select on Waiter.C and deregister it when done.
func (e *Engine) ReadOrWait(ctx context.Context, req ReadRequest, cursor string, deadline time.Time) (ReadResult, *Waiter, error) {
	var (
		res    ReadResult
		waiter *Waiter
		opErr  error
	)
	err := e.actors.Do(ctx, req.Key, func() {
		res, opErr = e.doRead(ctx, req)
		if opErr != nil {
			return
		}
		if !res.HasData() && !res.ClosedAtTail {
			waiter = e.waiters.register(req.Key, res.Start, cursor, deadline)
		}
	})
	if err != nil {
		return ReadResult{}, nil, err
	}
	if opErr != nil {
		return ReadResult{}, nil, opErr
	}
	return res, waiter, nil
}

// Deregister removes a waiter previously returned by ReadOrWait.
func (e *Engine) Deregister(key string, w *Waiter) {
	e.waiters.deregister(key, w.ID)
}

func (e *Engine) doRead(ctx context.Context, req ReadRequest) (ReadResult, error) {
	budget := e.cfg.MaxChunkBytes
	if req.MaxChunkBytes > 0 && req.MaxChunkBytes < budget {
		budget = req.MaxChunkBytes
	}

	var (
		res ReadResult
		seg *SegmentRecord
	)
	err := e.db.View(func(tx *bbolt.Tx) error {
		meta, err := getMeta(tx, req.Key)
		if err != nil {
			return err
		}
		if meta.IsExpired(time.Now()) {
			return ErrStreamNotFound
		}
		res.Meta = *meta
		res.IsJSON = meta.IsJSON()

		pos, err := resolvePosition(req.Offset, meta)
		if err != nil {
			return err
		}
		res.Start = pos

		if pos >= meta.SegmentStart {
			return e.readHot(tx, meta, pos, budget, &res)
		}

		// Catch-up read: locate the segment inside the txn, decode the
		// blob after it ends.
		s, err := segmentContaining(tx, req.Key, pos)
		if err != nil {
			return err
		}
		if s == nil {
			// Segment gap, likely retained-ops mode: fall back to the hot
			// log if the position is still there.
			op, err := opContaining(tx, req.Key, pos)
			if err != nil {
				return err
			}
			if op != nil {
				return e.readHot(tx, meta, pos, budget, &res)
			}
			return ErrInvalidOffset
		}
		seg = s
		return nil
	})
	if err != nil {
		return ReadResult{}, err
	}

	if seg != nil {
		if err := e.readSegment(ctx, seg, budget, &res); err != nil {
			return ReadResult{}, err
		}
		// Encoding Next needs the segment index again when the chunk ends
		// exactly at a segment boundary.
		if err := e.db.View(func(tx *bbolt.Tx) error {
			next, err := encodePosition(tx, &res.Meta, res.Next.Position)
			if err != nil {
				return err
			}
			res.Next = next
			return nil
		}); err != nil {
			return ReadResult{}, err
		}
	}

	res.UpToDate = !res.Next.LessThan(res.Meta.Tail())
	res.ClosedAtTail = res.Meta.Closed && res.UpToDate
	return res, nil
}

// resolvePosition turns the raw offset query value into a position. The
// position half of a parsed offset is authoritative; the readSeq half is
// only a routing hint and is not validated.
func resolvePosition(raw string, meta *Meta) (uint64, error) {
	if raw == OffsetNow {
		return meta.TailOffset, nil
	}
	off, err := ParseOffset(raw)
	if err != nil {
		return 0, ErrInvalidOffset
	}
	if off.Position > meta.TailOffset {
		return 0, ErrInvalidOffset
	}
	return off.Position, nil
}

// readHot serves a chunk from the hot log. The first op of a binary
// stream may be entered mid-body.
func (e *Engine) readHot(tx *bbolt.Tx, meta *Meta, pos uint64, budget uint64, res *ReadResult) error {
	ops, err := opsInRange(tx, meta.Key, pos, meta.TailOffset)
	if err != nil {
		return err
	}
	if !meta.IsJSON() && (len(ops) == 0 || ops[0].Start > pos) {
		// pos falls inside an op whose start precedes it
		op, err := opContaining(tx, meta.Key, pos)
		if err != nil {
			return err
		}
		if op != nil {
			ops = append([]HotOp{*op}, ops...)
		}
	}

	next := pos
	var total uint64
	for i := range ops {
		op := &ops[i]
		body := op.Body
		start := op.Start
		if !meta.IsJSON() && start < pos {
			body = body[pos-start:]
			start = pos
		}
		res.Messages = append(res.Messages, body)
		res.WriteTimestamp = op.CreatedAt
		next = op.End
		total += uint64(len(body))
		if total >= budget {
			break
		}
	}
	res.Next = Offset{ReadSeq: meta.ReadSeq, Position: next}
	if next < meta.SegmentStart {
		enc, err := encodePosition(tx, meta, next)
		if err != nil {
			return err
		}
		res.Next = enc
	}
	return nil
}

// readSegment serves a chunk from one rotated segment blob. The chunk
// never crosses into the next segment; the client follows Next.
func (e *Engine) readSegment(ctx context.Context, seg *SegmentRecord, budget uint64, res *ReadResult) error {
	rc, err := e.blobs.Open(ctx, seg.BlobKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			e.logger.Error("segment blob missing",
				zap.String("blob_key", seg.BlobKey))
			return ErrCorruptedSegment
		}
		return err
	}
	defer rc.Close()

	pos := res.Start
	sr := NewSegmentReader(rc, seg.Start, res.IsJSON)

	first, err := sr.SkipTo(pos)
	if err != nil {
		if err == io.EOF || errors.Is(err, ErrCorruptedSegment) {
			res.Truncated = true
			res.Next = Offset{ReadSeq: seg.ReadSeq, Position: pos}
			return nil
		}
		return err
	}

	next := pos
	var total uint64
	msg := first
	for {
		body := msg.Body
		if !res.IsJSON && msg.Start < pos {
			body = body[pos-msg.Start:]
		}
		res.Messages = append(res.Messages, body)
		next = msg.End
		total += uint64(len(body))
		if total >= budget || next >= seg.End {
			break
		}

		msg, err = sr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, ErrCorruptedSegment) {
				res.Truncated = true
				break
			}
			return err
		}
	}

	res.WriteTimestamp = seg.CreatedAt
	res.Next = Offset{ReadSeq: seg.ReadSeq, Position: next}
	return nil
}

// encodePosition pairs a position with the readSeq of the segment that
// serves it: the hot readSeq for positions at or past segmentStart,
// otherwise the containing segment's sequence.
func encodePosition(tx *bbolt.Tx, meta *Meta, pos uint64) (Offset, error) {
	if pos >= meta.SegmentStart {
		return Offset{ReadSeq: meta.ReadSeq, Position: pos}, nil
	}
	seg, err := segmentContaining(tx, meta.Key, pos)
	if err != nil {
		return Offset{}, err
	}
	if seg == nil {
		return Offset{ReadSeq: meta.ReadSeq, Position: pos}, nil
	}
	return Offset{ReadSeq: seg.ReadSeq, Position: pos}, nil
}
