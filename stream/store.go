package stream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Durable per-stream tables, all in one bbolt database:
//
//	streams            key = stream key        -> Meta JSON
//	ops/<stream key>   key = 8-byte BE start   -> HotOp JSON
//	segments/<key>     key = 8-byte BE readSeq -> SegmentRecord JSON
//	producers/<key>    key = producer id       -> ProducerState JSON
//
// Every engine operation runs inside a single Update transaction, so a
// handler either commits all of its writes or none.
var (
	bucketStreams   = []byte("streams")
	bucketOps       = []byte("ops")
	bucketSegments  = []byte("segments")
	bucketProducers = []byte("producers")
)

// DB wraps the bbolt database holding all stream state.
type DB struct {
	db *bbolt.DB
}

// OpenDB opens (or creates) the stream database in dataDir.
func OpenDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, "streams.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open stream database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketStreams, bucketOps, bucketSegments, bucketProducers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &DB{db: db}, nil
}

// Update runs fn in a writable transaction.
func (d *DB) Update(fn func(tx *bbolt.Tx) error) error {
	return d.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(tx *bbolt.Tx) error) error {
	return d.db.View(fn)
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

func posKey(p uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], p)
	return b[:]
}

// getMeta loads a stream's metadata row, or ErrStreamNotFound.
func getMeta(tx *bbolt.Tx, key string) (*Meta, error) {
	raw := tx.Bucket(bucketStreams).Get([]byte(key))
	if raw == nil {
		return nil, ErrStreamNotFound
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream meta: %w", err)
	}
	return &m, nil
}

// putMeta writes a stream's metadata row.
func putMeta(tx *bbolt.Tx, m *Meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal stream meta: %w", err)
	}
	return tx.Bucket(bucketStreams).Put([]byte(m.Key), raw)
}

// putOp appends a hot op row keyed by its start position.
func putOp(tx *bbolt.Tx, streamKey string, op *HotOp) error {
	b, err := tx.Bucket(bucketOps).CreateBucketIfNotExists([]byte(streamKey))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal hot op: %w", err)
	}
	return b.Put(posKey(op.Start), raw)
}

// opsInRange returns hot ops with Start in [from, to), in position order.
func opsInRange(tx *bbolt.Tx, streamKey string, from, to uint64) ([]HotOp, error) {
	b := tx.Bucket(bucketOps).Bucket([]byte(streamKey))
	if b == nil {
		return nil, nil
	}

	var ops []HotOp
	c := b.Cursor()
	for k, v := c.Seek(posKey(from)); k != nil; k, v = c.Next() {
		start := binary.BigEndian.Uint64(k)
		if start >= to {
			break
		}
		var op HotOp
		if err := json.Unmarshal(v, &op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal hot op: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// opContaining returns the hot op whose [Start, End) range covers p, if
// any. Binary reads can begin mid-op.
func opContaining(tx *bbolt.Tx, streamKey string, p uint64) (*HotOp, error) {
	b := tx.Bucket(bucketOps).Bucket([]byte(streamKey))
	if b == nil {
		return nil, nil
	}

	c := b.Cursor()
	k, v := c.Seek(posKey(p))
	if k == nil || binary.BigEndian.Uint64(k) != p {
		k, v = c.Prev()
	}
	if k == nil {
		return nil, nil
	}

	var op HotOp
	if err := json.Unmarshal(v, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hot op: %w", err)
	}
	if op.Start <= p && p < op.End {
		return &op, nil
	}
	return nil, nil
}

// deleteOpsBelow removes hot ops with Start < limit (used after rotation
// unless retain-ops mode is on).
func deleteOpsBelow(tx *bbolt.Tx, streamKey string, limit uint64) error {
	b := tx.Bucket(bucketOps).Bucket([]byte(streamKey))
	if b == nil {
		return nil
	}

	c := b.Cursor()
	var doomed [][]byte
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if binary.BigEndian.Uint64(k) >= limit {
			break
		}
		kc := make([]byte, len(k))
		copy(kc, k)
		doomed = append(doomed, kc)
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// putSegment records a rotated segment.
func putSegment(tx *bbolt.Tx, streamKey string, seg *SegmentRecord) error {
	b, err := tx.Bucket(bucketSegments).CreateBucketIfNotExists([]byte(streamKey))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("failed to marshal segment record: %w", err)
	}
	return b.Put(posKey(seg.ReadSeq), raw)
}

// segmentContaining finds the segment whose range covers position p.
func segmentContaining(tx *bbolt.Tx, streamKey string, p uint64) (*SegmentRecord, error) {
	b := tx.Bucket(bucketSegments).Bucket([]byte(streamKey))
	if b == nil {
		return nil, nil
	}

	var found *SegmentRecord
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var seg SegmentRecord
		if err := json.Unmarshal(v, &seg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment record: %w", err)
		}
		if seg.Contains(p) {
			found = &seg
			break
		}
	}
	return found, nil
}

// allSegments returns every segment record for a stream in readSeq order.
func allSegments(tx *bbolt.Tx, streamKey string) ([]SegmentRecord, error) {
	b := tx.Bucket(bucketSegments).Bucket([]byte(streamKey))
	if b == nil {
		return nil, nil
	}

	var segs []SegmentRecord
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var seg SegmentRecord
		if err := json.Unmarshal(v, &seg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment record: %w", err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// getProducer loads a producer row, or nil if unknown.
func getProducer(tx *bbolt.Tx, streamKey, producerID string) (*ProducerState, error) {
	b := tx.Bucket(bucketProducers).Bucket([]byte(streamKey))
	if b == nil {
		return nil, nil
	}
	raw := b.Get([]byte(producerID))
	if raw == nil {
		return nil, nil
	}
	var ps ProducerState
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal producer state: %w", err)
	}
	return &ps, nil
}

// putProducer writes a producer row.
func putProducer(tx *bbolt.Tx, streamKey, producerID string, ps *ProducerState) error {
	b, err := tx.Bucket(bucketProducers).CreateBucketIfNotExists([]byte(streamKey))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("failed to marshal producer state: %w", err)
	}
	return b.Put([]byte(producerID), raw)
}

// pruneProducers removes producer rows whose LastUpdated is older than the
// retention cutoff. Called lazily from the append path.
func pruneProducers(tx *bbolt.Tx, streamKey string, cutoff int64) error {
	b := tx.Bucket(bucketProducers).Bucket([]byte(streamKey))
	if b == nil {
		return nil
	}

	var doomed [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var ps ProducerState
		if err := json.Unmarshal(v, &ps); err != nil {
			continue
		}
		if ps.LastUpdated < cutoff {
			kc := make([]byte, len(k))
			copy(kc, k)
			doomed = append(doomed, kc)
		}
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// deleteStream drops every row belonging to a stream.
func deleteStream(tx *bbolt.Tx, streamKey string) error {
	if err := tx.Bucket(bucketStreams).Delete([]byte(streamKey)); err != nil {
		return err
	}
	for _, parent := range [][]byte{bucketOps, bucketSegments, bucketProducers} {
		b := tx.Bucket(parent)
		if b.Bucket([]byte(streamKey)) != nil {
			if err := b.DeleteBucket([]byte(streamKey)); err != nil {
				return err
			}
		}
	}
	return nil
}
