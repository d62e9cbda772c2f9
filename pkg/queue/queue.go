// Package queue implements the durable offline operation queue. Items are
// kept per resource in bbolt, keyed by a monotonically increasing sequence
// so replay preserves submission order.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/keylock"
	"digital.vasic.fileops/pkg/logging"
	"digital.vasic.fileops/pkg/metrics"
)

var (
	pendingBucket = []byte("pending")
	failedBucket  = []byte("failed")
)

// Item is one queued operation.
type Item struct {
	Seq        uint64          `json:"seq"`
	Resource   string          `json:"resource"`
	Payload    json.RawMessage `json:"payload"`
	Retries    int             `json:"retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (it *Item) Decode(v interface{}) error {
	if err := json.Unmarshal(it.Payload, v); err != nil {
		return fmt.Errorf("failed to decode queued item %d: %w", it.Seq, err)
	}
	return nil
}

// Handler replays one item.
type Handler func(ctx context.Context, it *Item) error

// Report summarizes a drain.
type Report struct {
	Succeeded int
	Requeued  int
	Failed    int
	Remaining int
}

// Queue is the offline operation queue.
type Queue struct {
	config  config.QueueConfig
	db      *bolt.DB
	locks   *keylock.Locker
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(q *Queue) { q.log = logging.Component(log, "queue") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Open opens the queue database at cfg.Path.
func Open(cfg config.QueueConfig, opts ...Option) (*Queue, error) {
	q := &Queue{
		config: cfg,
		locks:  keylock.New(),
		log:    logging.Component(nil, "queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue at %s: %w", cfg.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pendingBucket, failedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create queue buckets: %w", err)
	}
	q.db = db

	resources, err := q.Resources()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, r := range resources {
		q.metrics.QueueDepth(r, q.Len(r))
	}
	return q, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// appendItem stores it at the tail of list for its resource under a new
// sequence number.
func appendItem(tx *bolt.Tx, list []byte, it *Item) error {
	root := tx.Bucket(pendingBucket)
	seq, err := root.NextSequence()
	if err != nil {
		return err
	}
	it.Seq = seq
	b, err := tx.Bucket(list).CreateBucketIfNotExists([]byte(it.Resource))
	if err != nil {
		return err
	}
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return b.Put(seqKey(seq), data)
}

// Enqueue appends payload to the pending list of resource.
func (q *Queue) Enqueue(resource string, payload interface{}) (*Item, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, client.NewError(client.KindInvalid, "enqueue", resource, fmt.Errorf("failed to encode payload: %w", err))
	}
	it := &Item{Resource: resource, Payload: data, EnqueuedAt: q.now()}
	if err := q.db.Update(func(tx *bolt.Tx) error {
		return appendItem(tx, pendingBucket, it)
	}); err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}
	q.metrics.QueueDepth(resource, q.Len(resource))
	q.log.WithFields(logrus.Fields{"resource": resource, "seq": it.Seq}).Debug("enqueued")
	return it, nil
}

// head returns the first pending item of resource, or nil.
func (q *Queue) head(resource string) (*Item, error) {
	var it *Item
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket).Bucket([]byte(resource))
		if b == nil {
			return nil
		}
		_, v := b.Cursor().First()
		if v == nil {
			return nil
		}
		it = &Item{}
		return json.Unmarshal(v, it)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return it, nil
}

// Drain replays the items pending for resource when the drain starts, in
// order. A hard failure (Auth, PermissionDenied) or cancellation stops the
// drain and leaves that item and the rest queued. A transient failure
// moves the item to the tail with one more retry, or to the failed list
// once the retry budget is spent. Any other failure moves it to the failed
// list directly. Drains of the same resource are serialized.
func (q *Queue) Drain(ctx context.Context, resource string, handle Handler) (rep Report, err error) {
	if err := q.locks.Lock(ctx, resource); err != nil {
		return rep, client.Classify("drain", resource, err)
	}
	defer q.locks.Unlock(resource)
	defer func() {
		rep.Remaining = q.Len(resource)
		q.metrics.QueueDepth(resource, rep.Remaining)
	}()

	log := q.log.WithField("resource", resource)
	for n := q.Len(resource); n > 0; n-- {
		if err := ctx.Err(); err != nil {
			return rep, client.Classify("drain", resource, err)
		}
		it, err := q.head(resource)
		if err != nil {
			return rep, err
		}
		if it == nil {
			break
		}

		herr := handle(ctx, it)
		switch {
		case herr == nil:
			if err := q.remove(pendingBucket, it); err != nil {
				return rep, err
			}
			rep.Succeeded++

		case client.IsHard(herr), errors.Is(herr, client.ErrCancelled) || ctx.Err() != nil:
			log.WithField("seq", it.Seq).WithError(herr).Warn("queue drain halted")
			return rep, herr

		case client.IsTransient(herr) && it.Retries+1 < q.config.MaxRetries:
			if err := q.move(it, pendingBucket, herr); err != nil {
				return rep, err
			}
			rep.Requeued++

		default:
			if err := q.move(it, failedBucket, herr); err != nil {
				return rep, err
			}
			log.WithField("seq", it.Seq).WithError(herr).Warn("queued operation failed")
			rep.Failed++
		}
	}
	if rep.Succeeded > 0 || rep.Failed > 0 {
		log.WithFields(logrus.Fields{"succeeded": rep.Succeeded, "requeued": rep.Requeued, "failed": rep.Failed}).Info("queue drained")
	}
	return rep, nil
}

func (q *Queue) remove(list []byte, it *Item) error {
	if err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(list).Bucket([]byte(it.Resource))
		if b == nil {
			return nil
		}
		return b.Delete(seqKey(it.Seq))
	}); err != nil {
		return fmt.Errorf("failed to update queue: %w", err)
	}
	return nil
}

// move takes the pending item it off the head and appends it to the tail of
// list with the failure recorded.
func (q *Queue) move(it *Item, list []byte, cause error) error {
	old := it.Seq
	next := *it
	next.Retries++
	next.LastError = cause.Error()
	if err := q.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket(pendingBucket).Bucket([]byte(it.Resource)); b != nil {
			if err := b.Delete(seqKey(old)); err != nil {
				return err
			}
		}
		return appendItem(tx, list, &next)
	}); err != nil {
		return fmt.Errorf("failed to update queue: %w", err)
	}
	return nil
}

func (q *Queue) items(list []byte, resource string) ([]*Item, error) {
	var out []*Item
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(list).Bucket([]byte(resource))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			it := &Item{}
			if err := json.Unmarshal(v, it); err != nil {
				return err
			}
			out = append(out, it)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return out, nil
}

// Pending returns the pending items of resource in replay order.
func (q *Queue) Pending(resource string) ([]*Item, error) {
	return q.items(pendingBucket, resource)
}

// Failed returns the items of resource that exhausted their retries or
// failed permanently.
func (q *Queue) Failed(resource string) ([]*Item, error) {
	return q.items(failedBucket, resource)
}

// Retry moves a failed item back to the tail of the pending list with its
// retry count reset.
func (q *Queue) Retry(resource string, seq uint64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(failedBucket).Bucket([]byte(resource))
		if b == nil {
			return errUnknown(resource, seq)
		}
		v := b.Get(seqKey(seq))
		if v == nil {
			return errUnknown(resource, seq)
		}
		it := &Item{}
		if err := json.Unmarshal(v, it); err != nil {
			return err
		}
		if err := b.Delete(seqKey(seq)); err != nil {
			return err
		}
		it.Retries = 0
		return appendItem(tx, pendingBucket, it)
	})
	if err != nil {
		return err
	}
	q.metrics.QueueDepth(resource, q.Len(resource))
	return nil
}

// Discard drops a failed item.
func (q *Queue) Discard(resource string, seq uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(failedBucket).Bucket([]byte(resource))
		if b == nil || b.Get(seqKey(seq)) == nil {
			return errUnknown(resource, seq)
		}
		return b.Delete(seqKey(seq))
	})
}

// Len returns the number of pending items of resource.
func (q *Queue) Len(resource string) int {
	n := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(pendingBucket).Bucket([]byte(resource)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Resources returns the resources with pending or failed items, sorted.
func (q *Queue) Resources() ([]string, error) {
	seen := map[string]bool{}
	err := q.db.View(func(tx *bolt.Tx) error {
		for _, list := range [][]byte{pendingBucket, failedBucket} {
			if err := tx.Bucket(list).ForEachBucket(func(k []byte) error {
				seen[string(k)] = true
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func errUnknown(resource string, seq uint64) error {
	return client.NewError(client.KindNotFound, "queue", resource, fmt.Errorf("no failed item %d", seq))
}
