package stream

import (
	"context"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// maybeRotate checks the rotation triggers and rotates the hot log into a
// segment blob when one fires. Runs on the stream's actor after an append
// or close commits.
//
// The blob write happens outside any transaction. If it fails the hot log
// is left untouched and the next append retries the rotation; if the
// metadata commit that follows fails, the orphaned blob is overwritten by
// the retry because the readSeq has not advanced.
func (e *Engine) maybeRotate(key string) {
	var (
		meta *Meta
		ops  []HotOp
	)
	err := e.db.View(func(tx *bbolt.Tx) error {
		m, err := getMeta(tx, key)
		if err != nil {
			return err
		}
		if m.SegmentMessages < e.cfg.SegmentMaxMessages &&
			m.SegmentBytes < e.cfg.SegmentMaxBytes &&
			!m.Closed {
			return nil
		}
		if m.SegmentStart >= m.TailOffset {
			// Nothing hot to rotate (close of an empty segment).
			return nil
		}
		meta = m
		ops, err = opsInRange(tx, key, m.SegmentStart, m.TailOffset)
		return err
	})
	if err != nil {
		e.logger.Error("rotation scan failed", zap.String("stream", key), zap.Error(err))
		return
	}
	if meta == nil || len(ops) == 0 {
		return
	}

	if !contiguous(ops, meta.SegmentStart, meta.TailOffset) {
		e.logger.Error("hot log not contiguous, skipping rotation",
			zap.String("stream", key),
			zap.Uint64("segment_start", meta.SegmentStart),
			zap.Uint64("tail", meta.TailOffset))
		return
	}

	data, err := EncodeSegment(ops)
	if err != nil {
		e.logger.Error("segment encode failed", zap.String("stream", key), zap.Error(err))
		return
	}

	blobKey := BlobKey(key, meta.ReadSeq)
	if err := e.blobs.Put(context.Background(), blobKey, data, meta.ContentType); err != nil {
		e.logger.Error("segment blob write failed",
			zap.String("stream", key),
			zap.String("blob_key", blobKey),
			zap.Error(err))
		return
	}

	seg := SegmentRecord{
		ReadSeq:      meta.ReadSeq,
		Start:        meta.SegmentStart,
		End:          meta.TailOffset,
		BlobKey:      blobKey,
		ContentType:  meta.ContentType,
		CreatedAt:    time.Now().UnixMilli(),
		ExpiresAt:    meta.ExpiresAt,
		SizeBytes:    uint64(len(data)),
		MessageCount: uint64(len(ops)),
	}

	// One atomic commit: segment row, readSeq bump, counters reset, hot
	// ops dropped. Readers see either the old hot log or the new segment.
	err = e.db.Update(func(tx *bbolt.Tx) error {
		m, err := getMeta(tx, key)
		if err != nil {
			return err
		}
		if err := putSegment(tx, key, &seg); err != nil {
			return err
		}
		m.ReadSeq++
		m.SegmentStart = m.TailOffset
		m.SegmentMessages = 0
		m.SegmentBytes = 0
		if !e.cfg.RetainOps {
			if err := deleteOpsBelow(tx, key, m.SegmentStart); err != nil {
				return err
			}
		}
		return putMeta(tx, m)
	})
	if err != nil {
		e.logger.Error("rotation commit failed", zap.String("stream", key), zap.Error(err))
		return
	}

	e.logger.Debug("rotated segment",
		zap.String("stream", key),
		zap.Uint64("read_seq", seg.ReadSeq),
		zap.Uint64("start", seg.Start),
		zap.Uint64("end", seg.End),
		zap.Uint64("bytes", seg.SizeBytes))

	if e.admin != nil {
		if err := e.admin.SegmentRotated(key, seg); err != nil {
			e.logger.Warn("admin index update failed",
				zap.String("stream", key), zap.Error(err))
		}
	}
}

// contiguous verifies that ops exactly cover [start, end) with no gaps.
func contiguous(ops []HotOp, start, end uint64) bool {
	if ops[0].Start != start {
		return false
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].Start != ops[i-1].End {
			return false
		}
	}
	return ops[len(ops)-1].End == end
}
