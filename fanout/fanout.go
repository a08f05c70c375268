// Package fanout implements the estuary subsystem: a target stream
// subscribes to source streams and receives a copy of every append made
// to them. Edges are stored on both sides; a per-target TTL alarm tears
// the target down when it stops being touched.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/tidewater-io/tidewater/stream"
)

var (
	ErrEstuaryNotFound = errors.New("estuary not found")
	ErrSourceNotFound  = errors.New("source stream not found")
	ErrInvalidEstuary  = errors.New("invalid estuary id")
)

// DefaultTTL is how long a target lives without a touch.
const DefaultTTL = 48 * time.Hour

var (
	bucketTargets = []byte("fanout_targets")
	bucketSources = []byte("fanout_sources")
)

// targetState is the durable record for one estuary target.
type targetState struct {
	Sources   []string `json:"sources,omitempty"`
	ExpiresAt int64    `json:"expires_at"` // unix ms
}

// sourceState is the durable record for one publishing stream.
type sourceState struct {
	Targets []string `json:"targets,omitempty"`
}

// Service runs the fan-out graph on top of the stream engine.
type Service struct {
	db     *bbolt.DB
	engine *stream.Engine
	logger *zap.Logger
	ttl    time.Duration

	mu     sync.Mutex
	alarms map[string]*time.Timer // target key -> expiry alarm
	closed bool
	wg     sync.WaitGroup

	// Per-source delivery queues. One drainer goroutine per source with
	// pending work keeps deliveries from a single source in order.
	qmu      sync.Mutex
	queues   map[string][]delivery
	draining map[string]bool
}

type delivery struct {
	ev      stream.AppendEvent
	targets []string
}

// Open creates the fan-out service, reloading persisted subscription state
// and re-arming target expiry alarms.
func Open(dataDir string, engine *stream.Engine, logger *zap.Logger, ttl time.Duration) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "fanout.db"), 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open fanout database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTargets, bucketSources} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fanout buckets: %w", err)
	}

	s := &Service{
		db:       db,
		engine:   engine,
		logger:   logger,
		ttl:      ttl,
		alarms:   make(map[string]*time.Timer),
		queues:   make(map[string][]delivery),
		draining: make(map[string]bool),
	}
	if err := s.rearmAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// rearmAll restores expiry alarms after a restart. Targets already past
// their expiry fire immediately.
func (s *Service) rearmAll() error {
	now := time.Now()
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTargets).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var st targetState
			if err := json.Unmarshal(v, &st); err != nil {
				continue
			}
			delay := time.Until(time.UnixMilli(st.ExpiresAt))
			if st.ExpiresAt <= now.UnixMilli() {
				delay = 0
			}
			s.arm(string(k), delay)
		}
		return nil
	})
}

// arm arms (or re-arms) the target's single expiry alarm.
func (s *Service) arm(targetKey string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.alarms[targetKey]; ok {
		t.Stop()
	}
	key := targetKey
	s.alarms[targetKey] = time.AfterFunc(delay, func() { s.expire(key) })
}

func (s *Service) disarm(targetKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.alarms[targetKey]; ok {
		t.Stop()
		delete(s.alarms, targetKey)
	}
}

// Close stops all alarms and waits for in-flight deliveries.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	for k, t := range s.alarms {
		t.Stop()
		delete(s.alarms, k)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

// Subscribe records the (source, target) edge, creating the target stream
// with the source's content type when absent, and re-arms the target's
// expiry.
func (s *Service) Subscribe(ctx context.Context, projectID, sourceStreamID, estuaryID string) error {
	if !stream.ValidID(estuaryID) {
		return ErrInvalidEstuary
	}
	sourceKey := stream.Key(projectID, sourceStreamID)
	targetKey := stream.Key(projectID, estuaryID)

	srcMeta, err := s.engine.Head(ctx, sourceKey)
	if err != nil {
		if errors.Is(err, stream.ErrStreamNotFound) {
			return ErrSourceNotFound
		}
		return err
	}

	// Content-type mismatch with an existing target surfaces here, before
	// any edge is written.
	if _, err := s.engine.Put(ctx, stream.PutRequest{
		Key:         targetKey,
		ContentType: srcMeta.ContentType,
	}); err != nil {
		return err
	}

	expiresAt := time.Now().Add(s.ttl).UnixMilli()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := addSubscription(tx, targetKey, sourceKey, expiresAt); err != nil {
			return err
		}
		return addSubscriber(tx, sourceKey, targetKey)
	})
	if err != nil {
		return err
	}

	s.arm(targetKey, s.ttl)
	s.logger.Debug("estuary subscribed",
		zap.String("source", sourceKey),
		zap.String("target", targetKey))
	return nil
}

// Unsubscribe removes the edge from both sides. Idempotent.
func (s *Service) Unsubscribe(ctx context.Context, projectID, sourceStreamID, estuaryID string) error {
	if !stream.ValidID(estuaryID) {
		return ErrInvalidEstuary
	}
	sourceKey := stream.Key(projectID, sourceStreamID)
	targetKey := stream.Key(projectID, estuaryID)

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := removeSubscription(tx, targetKey, sourceKey); err != nil {
			return err
		}
		return removeSubscriber(tx, sourceKey, targetKey)
	})
}

// Touch creates the target (as an empty JSON stream) when absent and
// re-arms its expiry alarm.
func (s *Service) Touch(ctx context.Context, projectID, estuaryID string) error {
	if !stream.ValidID(estuaryID) {
		return ErrInvalidEstuary
	}
	targetKey := stream.Key(projectID, estuaryID)

	if _, err := s.engine.Put(ctx, stream.PutRequest{
		Key:         targetKey,
		ContentType: "application/json",
	}); err != nil && !errors.Is(err, stream.ErrConfigMismatch) {
		return err
	}

	expiresAt := time.Now().Add(s.ttl).UnixMilli()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		st, err := getTarget(tx, targetKey)
		if err != nil {
			return err
		}
		if st == nil {
			st = &targetState{}
		}
		st.ExpiresAt = expiresAt
		return putTarget(tx, targetKey, st)
	})
	if err != nil {
		return err
	}

	s.arm(targetKey, s.ttl)
	return nil
}

// TargetInfo describes one estuary target.
type TargetInfo struct {
	EstuaryID string      `json:"estuaryId"`
	Sources   []string    `json:"sources"`
	ExpiresAt int64       `json:"expiresAt"`
	Stream    stream.Meta `json:"-"`
}

// Inspect returns the target's subscription set and expiry.
func (s *Service) Inspect(ctx context.Context, projectID, estuaryID string) (*TargetInfo, error) {
	targetKey := stream.Key(projectID, estuaryID)

	var st *targetState
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		st, err = getTarget(tx, targetKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	meta, metaErr := s.engine.Head(ctx, targetKey)
	if st == nil {
		if errors.Is(metaErr, stream.ErrStreamNotFound) {
			return nil, ErrEstuaryNotFound
		}
		if metaErr != nil {
			return nil, metaErr
		}
		// Target stream exists but has no subscriptions yet.
		st = &targetState{}
	}

	info := &TargetInfo{
		EstuaryID: estuaryID,
		Sources:   st.Sources,
		ExpiresAt: st.ExpiresAt,
		Stream:    meta,
	}
	if info.Sources == nil {
		info.Sources = []string{}
	}
	return info, nil
}

// Delete tears a target down: removes its edges from every source,
// deletes the target stream, and clears local state.
func (s *Service) Delete(ctx context.Context, projectID, estuaryID string) error {
	targetKey := stream.Key(projectID, estuaryID)

	existed, err := s.teardown(ctx, targetKey)
	if err != nil {
		return err
	}
	if !existed {
		return ErrEstuaryNotFound
	}
	return nil
}

// expire runs when a target's TTL alarm fires.
func (s *Service) expire(targetKey string) {
	s.logger.Info("estuary expired", zap.String("target", targetKey))
	if _, err := s.teardown(context.Background(), targetKey); err != nil {
		s.logger.Error("estuary expiry teardown failed",
			zap.String("target", targetKey), zap.Error(err))
	}
}

// teardown removes the target from every source it subscribes to, deletes
// the target stream, and drops its state. Already-deleted pieces count as
// success. Reports whether anything existed.
func (s *Service) teardown(ctx context.Context, targetKey string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		st, err := getTarget(tx, targetKey)
		if err != nil {
			return err
		}
		if st != nil {
			existed = true
			for _, src := range st.Sources {
				if err := removeSubscriber(tx, src, targetKey); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketTargets).Delete([]byte(targetKey))
	})
	if err != nil {
		return existed, err
	}

	s.disarm(targetKey)

	if err := s.engine.Delete(ctx, targetKey); err != nil {
		if errors.Is(err, stream.ErrStreamNotFound) {
			return existed, nil
		}
		return existed, err
	}
	return true, nil
}

// OnAppend is the engine's append hook: it copies the appended message to
// every subscriber of the source stream. Delivery is asynchronous and
// best-effort; per-target failures are logged and skipped.
func (s *Service) OnAppend(ev stream.AppendEvent) {
	var targets []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		src, err := getSource(tx, ev.Key)
		if err != nil {
			return err
		}
		if src != nil {
			targets = append(targets, src.Targets...)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("fanout subscriber lookup failed",
			zap.String("source", ev.Key), zap.Error(err))
		return
	}
	if len(targets) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.qmu.Lock()
	s.queues[ev.Key] = append(s.queues[ev.Key], delivery{ev: ev, targets: targets})
	if !s.draining[ev.Key] {
		s.draining[ev.Key] = true
		s.wg.Add(1)
		go s.drain(ev.Key)
	}
	s.qmu.Unlock()
}

// drain delivers queued appends for one source, in order, until the queue
// is empty.
func (s *Service) drain(sourceKey string) {
	defer s.wg.Done()
	for {
		s.qmu.Lock()
		q := s.queues[sourceKey]
		if len(q) == 0 {
			s.draining[sourceKey] = false
			delete(s.queues, sourceKey)
			s.qmu.Unlock()
			return
		}
		d := q[0]
		s.queues[sourceKey] = q[1:]
		s.qmu.Unlock()

		s.deliver(uuid.NewString(), d.ev, d.targets)
	}
}

// deliver appends the source message to each target. The producer triple
// carries the source position in the epoch so target-side dedup drops
// retried deliveries while always accepting later appends.
func (s *Service) deliver(jobID string, ev stream.AppendEvent, targets []string) {
	producer := &stream.Producer{
		ID:    "fanout:" + ev.Key,
		Epoch: int64(ev.Start),
		Seq:   0,
	}

	for _, target := range targets {
		// Stale edges (target side gone) are skipped.
		if !s.edgeLive(ev.Key, target) {
			continue
		}
		_, err := s.engine.Append(context.Background(), stream.AppendRequest{
			Key:         target,
			Body:        ev.Body,
			ContentType: ev.ContentType,
			Producer:    producer,
		})
		if err != nil && !isDuplicateDelivery(err) {
			s.logger.Warn("fanout delivery failed",
				zap.String("job_id", jobID),
				zap.String("source", ev.Key),
				zap.String("target", target),
				zap.Error(err))
		}
	}
}

// edgeLive verifies the target still holds the reverse edge; one-sided
// edges are stale and skipped.
func (s *Service) edgeLive(sourceKey, targetKey string) bool {
	live := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		st, err := getTarget(tx, targetKey)
		if err != nil || st == nil {
			return err
		}
		for _, src := range st.Sources {
			if src == sourceKey {
				live = true
				break
			}
		}
		return nil
	})
	return err == nil && live
}

func isDuplicateDelivery(err error) bool {
	return errors.Is(err, stream.ErrStaleEpoch) ||
		errors.Is(err, stream.ErrDuplicateWrite)
}

// Subscribers returns the current subscriber set of a source stream.
// Exposed for inspection and tests.
func (s *Service) Subscribers(sourceKey string) ([]string, error) {
	var targets []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		src, err := getSource(tx, sourceKey)
		if err != nil {
			return err
		}
		if src != nil {
			targets = append(targets, src.Targets...)
		}
		return nil
	})
	return targets, err
}

func getTarget(tx *bbolt.Tx, key string) (*targetState, error) {
	raw := tx.Bucket(bucketTargets).Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var st targetState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target state: %w", err)
	}
	return &st, nil
}

func putTarget(tx *bbolt.Tx, key string, st *targetState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTargets).Put([]byte(key), raw)
}

func getSource(tx *bbolt.Tx, key string) (*sourceState, error) {
	raw := tx.Bucket(bucketSources).Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var st sourceState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source state: %w", err)
	}
	return &st, nil
}

// addSubscription records the source on the target's side and refreshes
// the target's expiry.
func addSubscription(tx *bbolt.Tx, targetKey, sourceKey string, expiresAt int64) error {
	st, err := getTarget(tx, targetKey)
	if err != nil {
		return err
	}
	if st == nil {
		st = &targetState{}
	}
	st.Sources = addToSet(st.Sources, sourceKey)
	if expiresAt > 0 {
		st.ExpiresAt = expiresAt
	}
	return putTarget(tx, targetKey, st)
}

func removeSubscription(tx *bbolt.Tx, targetKey, sourceKey string) error {
	st, err := getTarget(tx, targetKey)
	if err != nil || st == nil {
		return err
	}
	st.Sources = removeFromSet(st.Sources, sourceKey)
	return putTarget(tx, targetKey, st)
}

// addSubscriber records the target on the source's side.
func addSubscriber(tx *bbolt.Tx, sourceKey, targetKey string) error {
	st, err := getSource(tx, sourceKey)
	if err != nil {
		return err
	}
	if st == nil {
		st = &sourceState{}
	}
	st.Targets = addToSet(st.Targets, targetKey)
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSources).Put([]byte(sourceKey), raw)
}

func removeSubscriber(tx *bbolt.Tx, sourceKey, targetKey string) error {
	st, err := getSource(tx, sourceKey)
	if err != nil || st == nil {
		return err
	}
	st.Targets = removeFromSet(st.Targets, targetKey)
	if len(st.Targets) == 0 {
		return tx.Bucket(bucketSources).Delete([]byte(sourceKey))
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSources).Put([]byte(sourceKey), raw)
}

func addToSet(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}

func removeFromSet(set []string, v string) []string {
	for i, s := range set {
		if s == v {
			return append(set[:i], set[i+1:]...)
		}
	}
	return set
}
