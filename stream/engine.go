package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/tidewater-io/tidewater/actor"
	"github.com/tidewater-io/tidewater/blob"
)

// Config holds the engine's tunables. Zero values fall back to defaults.
type Config struct {
	SegmentMaxMessages uint64        // rotate after this many hot messages
	SegmentMaxBytes    uint64        // rotate after this many hot bytes
	MaxAppendBytes     int64         // reject larger append bodies
	MaxChunkBytes      uint64        // per-response read budget
	ProducerTTL        time.Duration // prune producer rows older than this
	RetainOps          bool          // keep hot ops after rotation
}

func (c *Config) setDefaults() {
	if c.SegmentMaxMessages == 0 {
		c.SegmentMaxMessages = 1000
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = 4 * 1024 * 1024
	}
	if c.MaxAppendBytes == 0 {
		c.MaxAppendBytes = 8 * 1024 * 1024
	}
	if c.MaxChunkBytes == 0 {
		c.MaxChunkBytes = 256 * 1024
	}
	if c.ProducerTTL == 0 {
		c.ProducerTTL = 7 * 24 * time.Hour
	}
}

// AdminIndex mirrors rotated segments into a global monitoring table. The
// engine treats it as best-effort except for StreamDeleted, which runs
// synchronously on delete.
type AdminIndex interface {
	SegmentRotated(streamKey string, seg SegmentRecord) error
	StreamDeleted(streamKey string) error
}

// AppendEvent is emitted after an append commits, for fan-out propagation.
type AppendEvent struct {
	Key         string
	Body        []byte
	ContentType string
	Start       uint64
	Producer    *Producer
}

// Engine owns all stream state. Every operation on one stream runs
// serialized on that stream's actor; different streams proceed in
// parallel.
type Engine struct {
	db      *DB
	blobs   blob.Store
	actors  *actor.System
	waiters *waiterTable
	cfg     Config
	logger  *zap.Logger

	admin      AdminIndex
	appendHook func(AppendEvent)
}

// NewEngine creates a stream engine over the given database and blob store.
func NewEngine(db *DB, blobs blob.Store, logger *zap.Logger, cfg Config) *Engine {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		blobs:   blobs,
		actors:  actor.NewSystem(0),
		waiters: newWaiterTable(),
		cfg:     cfg,
		logger:  logger,
	}
}

// SetAdminIndex attaches the segment monitoring index.
func (e *Engine) SetAdminIndex(idx AdminIndex) { e.admin = idx }

// SetAppendHook registers the fan-out callback, invoked after each
// committed append (never for duplicates or close-only writes).
func (e *Engine) SetAppendHook(fn func(AppendEvent)) { e.appendHook = fn }

// MaxAppendBytes reports the configured append body cap.
func (e *Engine) MaxAppendBytes() int64 { return e.cfg.MaxAppendBytes }

// Close shuts down the actor runtime. The database and blob store are
// owned by the caller.
func (e *Engine) Close() {
	e.actors.Close()
}

// PutRequest creates a stream or replays an earlier creation.
type PutRequest struct {
	Key         string
	ContentType string
	Closed      bool
	Public      bool
	TTLSeconds  int64
	Body        []byte
	Producer    *Producer
	StreamSeq   string
}

// PutResult reports whether the stream was newly created and its metadata.
type PutResult struct {
	Created bool
	Meta    Meta
}

// Put creates the stream, or succeeds idempotently when it already exists
// with the same content type and closed state.
func (e *Engine) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	if int64(len(req.Body)) > e.cfg.MaxAppendBytes {
		return PutResult{}, ErrBodyTooLarge
	}

	var (
		res    PutResult
		opErr  error
		events []AppendEvent
	)
	err := e.actors.Do(ctx, req.Key, func() {
		res, events, opErr = e.doPut(req)
		if opErr != nil {
			return
		}
		if res.Created {
			e.maybeRotate(req.Key)
		}
	})
	if err != nil {
		return PutResult{}, err
	}
	if opErr != nil {
		return PutResult{}, opErr
	}
	e.emitAppends(events)
	return res, nil
}

func (e *Engine) doPut(req PutRequest) (PutResult, []AppendEvent, error) {
	now := time.Now()
	var res PutResult
	var events []AppendEvent

	err := e.db.Update(func(tx *bbolt.Tx) error {
		meta, err := getMeta(tx, req.Key)
		if err == nil && meta.IsExpired(now) {
			// Expired streams are recreatable.
			if err := deleteStream(tx, req.Key); err != nil {
				return err
			}
			err = ErrStreamNotFound
		}
		if err == nil {
			if ContentTypeMatches(meta.ContentType, req.ContentType) && meta.Closed == req.Closed {
				res = PutResult{Created: false, Meta: *meta}
				return nil
			}
			return ErrConfigMismatch
		}
		if err != ErrStreamNotFound {
			return err
		}

		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		meta = &Meta{
			Key:         req.Key,
			ContentType: contentType,
			Public:      req.Public,
			CreatedAt:   now.UnixMilli(),
			TTLSeconds:  req.TTLSeconds,
		}
		if req.TTLSeconds > 0 {
			meta.ExpiresAt = now.Add(time.Duration(req.TTLSeconds) * time.Second).UnixMilli()
		}

		if len(req.Body) > 0 {
			if req.Producer != nil {
				// The initial body consumes a producer seq.
				ps, err := getProducer(tx, req.Key, req.Producer.ID)
				if err != nil {
					return err
				}
				accept, duplicate, perr := validateProducer(ps, req.Producer)
				if perr != nil || duplicate || !accept {
					return ErrProducerRequired
				}
			}
			evs, err := e.insertBody(tx, meta, req.Body, req.Producer, now, true)
			if err != nil {
				return err
			}
			events = evs
			if req.Producer != nil {
				if err := putProducer(tx, req.Key, req.Producer.ID, &ProducerState{
					Epoch:       req.Producer.Epoch,
					LastSeq:     req.Producer.Seq,
					LastUpdated: now.Unix(),
					AckedSeq:    meta.ReadSeq,
					AckedPos:    meta.TailOffset,
				}); err != nil {
					return err
				}
			}
		}

		if req.Closed {
			meta.Closed = true
			meta.ClosedAt = now.UnixMilli()
			meta.ClosedBy = req.Producer
		}
		if req.StreamSeq != "" {
			meta.LastSeq = req.StreamSeq
		}

		if err := putMeta(tx, meta); err != nil {
			return err
		}
		res = PutResult{Created: true, Meta: *meta}
		return nil
	})
	if err != nil {
		return PutResult{}, nil, err
	}
	return res, events, nil
}

// AppendRequest appends bytes or messages to an open stream.
type AppendRequest struct {
	Key         string
	Body        []byte
	ContentType string
	Producer    *Producer
	StreamSeq   string
	Close       bool
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	Tail           Offset // tail after the append (or the original tail on duplicate)
	Duplicate      bool   // producer retransmit, prior success returned
	Closed         bool   // stream is closed after this operation
	WroteData      bool
	WriteTimestamp int64 // unix ms
}

// Append applies the producer idempotency rules, inserts the hot ops,
// wakes waiters, and triggers rotation when thresholds are crossed.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if int64(len(req.Body)) > e.cfg.MaxAppendBytes {
		return AppendResult{}, ErrBodyTooLarge
	}
	if len(req.Body) == 0 && !req.Close {
		return AppendResult{}, ErrEmptyBody
	}

	var (
		res    AppendResult
		opErr  error
		events []AppendEvent
	)
	err := e.actors.Do(ctx, req.Key, func() {
		res, events, opErr = e.doAppend(req)
		if opErr != nil {
			return
		}
		if res.WroteData {
			e.waiters.wakeAppend(req.Key, res.Tail.Position)
		}
		if res.Closed {
			e.waiters.wakeAll(req.Key, WakeClosed)
		}
		if !res.Duplicate {
			e.maybeRotate(req.Key)
		}
	})
	if err != nil {
		return AppendResult{}, err
	}
	if opErr != nil {
		return AppendResult{}, opErr
	}
	e.emitAppends(events)
	return res, nil
}

// CloseStream closes a stream without appending. Idempotent.
func (e *Engine) CloseStream(ctx context.Context, key string, producer *Producer) (AppendResult, error) {
	return e.Append(ctx, AppendRequest{Key: key, Close: true, Producer: producer})
}

func (e *Engine) doAppend(req AppendRequest) (AppendResult, []AppendEvent, error) {
	now := time.Now()
	var res AppendResult
	var events []AppendEvent

	err := e.db.Update(func(tx *bbolt.Tx) error {
		meta, err := getMeta(tx, req.Key)
		if err != nil {
			return err
		}
		if meta.IsExpired(now) {
			return ErrStreamNotFound
		}

		if len(req.Body) > 0 && req.ContentType != "" &&
			!ContentTypeMatches(meta.ContentType, req.ContentType) {
			return ErrContentTypeMismatch
		}

		if meta.Closed {
			// Close is idempotent; a duplicate close from the writer that
			// closed the stream is also a success.
			if req.Close && len(req.Body) == 0 {
				res = AppendResult{Tail: meta.Tail(), Closed: true}
				return nil
			}
			if req.Producer != nil && meta.ClosedBy != nil && *meta.ClosedBy == *req.Producer {
				res = AppendResult{Tail: meta.Tail(), Closed: true, Duplicate: true}
				return nil
			}
			return ErrStreamClosed
		}

		// Stream-Seq is only an optimistic hint.
		if req.StreamSeq != "" && meta.LastSeq != "" && req.StreamSeq <= meta.LastSeq {
			return ErrSequenceConflict
		}

		if req.Producer != nil {
			ps, err := getProducer(tx, req.Key, req.Producer.ID)
			if err != nil {
				return err
			}
			_, duplicate, perr := validateProducer(ps, req.Producer)
			if perr != nil {
				return perr
			}
			if duplicate {
				// Replay the original ack, not the current tail: another
				// writer may have advanced the stream since.
				res = AppendResult{Tail: ps.AckedTail(), Duplicate: true, Closed: meta.Closed}
				return nil
			}
			cutoff := now.Add(-e.cfg.ProducerTTL).Unix()
			if err := pruneProducers(tx, req.Key, cutoff); err != nil {
				return err
			}
		}

		if len(req.Body) > 0 {
			evs, err := e.insertBody(tx, meta, req.Body, req.Producer, now, false)
			if err != nil {
				return err
			}
			events = evs
			res.WroteData = true
			res.WriteTimestamp = now.UnixMilli()
		}

		if req.Close {
			meta.Closed = true
			meta.ClosedAt = now.UnixMilli()
			meta.ClosedBy = req.Producer
			res.Closed = true
		}
		if req.StreamSeq != "" {
			meta.LastSeq = req.StreamSeq
		}

		if err := putMeta(tx, meta); err != nil {
			return err
		}
		res.Tail = meta.Tail()

		// The producer row records the tail we are about to ack so a
		// retransmit can replay it.
		if req.Producer != nil {
			if err := putProducer(tx, req.Key, req.Producer.ID, &ProducerState{
				Epoch:       req.Producer.Epoch,
				LastSeq:     req.Producer.Seq,
				LastUpdated: now.Unix(),
				AckedSeq:    res.Tail.ReadSeq,
				AckedPos:    res.Tail.Position,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, nil, err
	}
	return res, events, nil
}

// insertBody turns an append body into hot ops and advances the tail.
// JSON streams advance one unit per message and flatten one level of
// top-level arrays; binary streams advance by byte count.
func (e *Engine) insertBody(tx *bbolt.Tx, meta *Meta, body []byte, producer *Producer, now time.Time, allowEmpty bool) ([]AppendEvent, error) {
	var messages [][]byte
	if meta.IsJSON() {
		var err error
		messages, err = splitJSONAppend(body, allowEmpty)
		if err != nil {
			return nil, err
		}
	} else {
		messages = [][]byte{body}
	}

	var events []AppendEvent
	for _, msg := range messages {
		units := uint64(1)
		if !meta.IsJSON() {
			units = uint64(len(msg))
		}
		op := HotOp{
			Start:     meta.TailOffset,
			End:       meta.TailOffset + units,
			Size:      uint64(len(msg)),
			Body:      msg,
			CreatedAt: now.UnixMilli(),
			Producer:  producer,
		}
		if err := putOp(tx, meta.Key, &op); err != nil {
			return nil, err
		}
		events = append(events, AppendEvent{
			Key:         meta.Key,
			Body:        msg,
			ContentType: meta.ContentType,
			Start:       op.Start,
			Producer:    producer,
		})
		meta.TailOffset = op.End
		meta.SegmentMessages++
		meta.SegmentBytes += op.Size
	}
	return events, nil
}

// Delete removes the stream, its rows, and (best-effort) its segment
// blobs. The admin index is cleaned synchronously.
func (e *Engine) Delete(ctx context.Context, key string) error {
	var opErr error
	err := e.actors.Do(ctx, key, func() {
		var blobKeys []string
		opErr = e.db.Update(func(tx *bbolt.Tx) error {
			if _, err := getMeta(tx, key); err != nil {
				return err
			}
			segs, err := allSegments(tx, key)
			if err != nil {
				return err
			}
			for i := range segs {
				blobKeys = append(blobKeys, segs[i].BlobKey)
			}
			return deleteStream(tx, key)
		})
		if opErr != nil {
			return
		}

		e.waiters.wakeAll(key, WakeDeleted)

		for _, bk := range blobKeys {
			if err := e.blobs.Delete(context.Background(), bk); err != nil {
				e.logger.Warn("failed to delete segment blob",
					zap.String("stream", key),
					zap.String("blob_key", bk),
					zap.Error(err))
			}
		}
		if e.admin != nil {
			if err := e.admin.StreamDeleted(key); err != nil {
				e.logger.Error("failed to clean admin index",
					zap.String("stream", key),
					zap.Error(err))
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// Head returns current metadata without a body.
func (e *Engine) Head(ctx context.Context, key string) (Meta, error) {
	var (
		meta  Meta
		opErr error
	)
	err := e.actors.Do(ctx, key, func() {
		opErr = e.db.View(func(tx *bbolt.Tx) error {
			m, err := getMeta(tx, key)
			if err != nil {
				return err
			}
			if m.IsExpired(time.Now()) {
				return ErrStreamNotFound
			}
			meta = *m
			return nil
		})
	})
	if err != nil {
		return Meta{}, err
	}
	if opErr != nil {
		return Meta{}, opErr
	}
	return meta, nil
}

func (e *Engine) emitAppends(events []AppendEvent) {
	if e.appendHook == nil {
		return
	}
	for i := range events {
		e.appendHook(events[i])
	}
}

// validateProducer applies the epoch/seq rules:
//
//	unknown producer          accept
//	higher epoch              accept, overwrite
//	lower epoch               reject (stale)
//	same epoch, seq = last+1  accept
//	same epoch, seq = last    duplicate, return prior success
//	same epoch, seq < last    reject (already applied)
//	same epoch, seq > last+1  reject (gap)
func validateProducer(ps *ProducerState, p *Producer) (accept, duplicate bool, err error) {
	if ps == nil {
		return true, false, nil
	}
	if p.Epoch > ps.Epoch {
		return true, false, nil
	}
	if p.Epoch < ps.Epoch {
		return false, false, ErrStaleEpoch
	}
	switch {
	case p.Seq == ps.LastSeq+1:
		return true, false, nil
	case p.Seq == ps.LastSeq:
		return false, true, nil
	case p.Seq < ps.LastSeq:
		return false, false, ErrDuplicateWrite
	default:
		return false, false, ErrProducerSeqGap
	}
}

// splitJSONAppend validates a JSON append body and flattens one level of
// top-level arrays into individual messages.
func splitJSONAppend(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			// Empty arrays are allowed on create but not on append.
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return nil, nil
		}
		result := make([][]byte, len(arr))
		for i, elem := range arr {
			result[i] = []byte(elem)
		}
		return result, nil
	}

	return [][]byte{trimmed}, nil
}
