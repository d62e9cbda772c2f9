// Package cache implements the unified cache: a content-addressed local
// byte store for remote files plus a short-lived stat cache.
//
// An entry is keyed by hash(resource, path, size, mtime). Entry files are
// written once and never modified; a new signature produces a new key and
// drops the old entry. The index lives in badger:
//
//	e/<key>               -> Entry (JSON)
//	p/<resource>\x00<path> -> key of the current entry for that path
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/keylock"
	"digital.vasic.fileops/pkg/logging"
	"digital.vasic.fileops/pkg/metrics"
)

var (
	entryPrefix = []byte("e/")
	pathPrefix  = []byte("p/")
)

// Entry describes one cached file.
type Entry struct {
	Key          string    `json:"key"`
	Resource     string    `json:"resource"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	StoredAt     time.Time `json:"stored_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Key returns the cache key of a file signature.
func Key(resource, p string, size int64, mtime time.Time) string {
	d := xxhash.New()
	_, _ = d.WriteString(resource)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(p)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(strconv.FormatInt(size, 10))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(strconv.FormatInt(mtime.UnixNano(), 10))
	return strconv.FormatUint(d.Sum64(), 16)
}

// Cache is the unified cache. It is safe for concurrent use; operations on
// the same resource path are serialized, distinct paths proceed in parallel.
type Cache struct {
	config  config.CacheConfig
	db      *badger.DB
	locks   *keylock.Locker
	stats   *cache.Cache
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time

	size    atomic.Int64
	evictMu sync.Mutex
	kick    chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Cache) { c.log = logging.Component(log, "cache") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New opens the cache rooted at cfg.Dir.
func New(cfg config.CacheConfig, opts ...Option) (*Cache, error) {
	c := &Cache{
		config: cfg,
		locks:  keylock.New(),
		stats:  cache.New(cfg.MetadataTTL, 2*cfg.MetadataTTL),
		log:    logging.Component(nil, "cache"),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	var bopts badger.Options
	if cfg.IndexPath == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(cfg.IndexPath)
	}
	bopts = bopts.WithLogger(badgerLogger{c.log})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index at %s: %w", cfg.IndexPath, err)
	}
	c.db = db

	entries, err := c.Entries()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	c.size.Store(total)
	c.metrics.CacheBytes(total)
	return c, nil
}

// badgerLogger demotes badger's chatty info output to debug.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Debugf(format, args...)
}

func lockKey(resource, p string) string {
	return resource + "\x00" + p
}

func entryKey(key string) []byte {
	return append(append([]byte(nil), entryPrefix...), key...)
}

func pathKey(resource, p string) []byte {
	return append(append([]byte(nil), pathPrefix...), lockKey(resource, p)...)
}

func (c *Cache) file(key string) string {
	return filepath.Join(c.config.Dir, key)
}

// Get returns an open handle on the cached bytes of resource:p when the
// cached signature matches size and mtime. A mismatching entry for the
// same path is dropped when it is older than mtime, or as old with another
// size; a newer one is kept.
// The handle stays valid if the entry is evicted while it is open.
func (c *Cache) Get(ctx context.Context, resource, p string, size int64, mtime time.Time) (*os.File, bool, error) {
	lk := lockKey(resource, p)
	if err := c.locks.Lock(ctx, lk); err != nil {
		return nil, false, client.Classify("cache get", p, err)
	}
	defer c.locks.Unlock(lk)

	key := Key(resource, p, size, mtime)
	e, err := c.lookup(key)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		if err := c.dropOlder(resource, p, size, mtime); err != nil {
			return nil, false, err
		}
		c.metrics.CacheRequest(false)
		return nil, false, nil
	}

	f, err := os.Open(c.file(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("failed to open cached file: %w", err)
		}
		c.log.WithField("key", key).Warn("cached file missing, dropping entry")
		if err := c.drop(e); err != nil {
			return nil, false, err
		}
		c.metrics.CacheRequest(false)
		return nil, false, nil
	}

	e.LastAccessed = c.now()
	if err := c.store(e); err != nil {
		_ = f.Close()
		return nil, false, err
	}
	c.metrics.CacheRequest(true)
	return f, true, nil
}

// Put stores size bytes read from r as the content of resource:p at mtime,
// replacing any entry with another signature. The bytes are staged in a
// temp file and only become visible once complete.
func (c *Cache) Put(ctx context.Context, resource, p string, size int64, mtime time.Time, r io.Reader) (*Entry, error) {
	if size > c.config.BudgetBytes {
		return nil, client.NewError(client.KindQuotaExceeded, "cache put", p,
			fmt.Errorf("%d bytes exceed the cache budget of %d", size, c.config.BudgetBytes))
	}

	lk := lockKey(resource, p)
	if err := c.locks.Lock(ctx, lk); err != nil {
		return nil, client.Classify("cache put", p, err)
	}
	defer c.locks.Unlock(lk)

	key := Key(resource, p, size, mtime)
	if e, err := c.lookup(key); err != nil {
		return nil, err
	} else if e != nil {
		return e, nil
	}

	tmp, err := os.CreateTemp(c.config.Dir, ".put-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create cache temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && n != size {
		err = client.NewError(client.KindInvalid, "cache put", p, fmt.Errorf("read %d bytes, expected %d", n, size))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, client.Classify("cache put", p, err)
	}
	if err := os.Rename(tmp.Name(), c.file(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to promote cache file: %w", err)
	}

	if err := c.dropStale(resource, p, key); err != nil {
		return nil, err
	}

	now := c.now()
	e := &Entry{Key: key, Resource: resource, Path: p, Size: size, ModTime: mtime, StoredAt: now, LastAccessed: now}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(key), data); err != nil {
			return err
		}
		return txn.Set(pathKey(resource, p), []byte(key))
	}); err != nil {
		_ = os.Remove(c.file(key))
		return nil, fmt.Errorf("failed to index cache entry: %w", err)
	}

	total := c.size.Add(size)
	c.metrics.CacheBytes(total)
	if total > c.config.BudgetBytes {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return e, nil
}

// Invalidate drops the cached bytes and stat of resource:p.
func (c *Cache) Invalidate(ctx context.Context, resource, p string) error {
	c.stats.Delete(lockKey(resource, p))

	lk := lockKey(resource, p)
	if err := c.locks.Lock(ctx, lk); err != nil {
		return client.Classify("cache invalidate", p, err)
	}
	defer c.locks.Unlock(lk)
	return c.dropStale(resource, p, "")
}

// Stat returns a cached stat result of resource:p.
func (c *Cache) Stat(resource, p string) (*client.FileInfo, bool) {
	v, ok := c.stats.Get(lockKey(resource, p))
	if !ok {
		return nil, false
	}
	return v.(*client.FileInfo), true
}

// SetStat caches a stat result of resource:p for the metadata TTL.
func (c *Cache) SetStat(resource, p string, fi *client.FileInfo) {
	c.stats.SetDefault(lockKey(resource, p), fi)
}

// Size returns the total bytes held by the cache.
func (c *Cache) Size() int64 {
	return c.size.Load()
}

// Entries returns every indexed entry.
func (c *Cache) Entries() ([]*Entry, error) {
	var out []*Entry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			e := &Entry{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache index: %w", err)
	}
	return out, nil
}

// Close closes the index.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) lookup(key string) (*Entry, error) {
	var e *Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e = &Entry{}
			return json.Unmarshal(val, e)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache index: %w", err)
	}
	return e, nil
}

func (c *Cache) store(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Key), data)
	}); err != nil {
		return fmt.Errorf("failed to update cache index: %w", err)
	}
	return nil
}

// dropOlder removes the current entry of resource:p when it predates the
// signature size and mtime.
func (c *Cache) dropOlder(resource, p string, size int64, mtime time.Time) error {
	current, err := c.current(resource, p)
	if err != nil || current == "" {
		return err
	}
	e, err := c.lookup(current)
	if err != nil || e == nil {
		return err
	}
	if e.ModTime.After(mtime) || (e.ModTime.Equal(mtime) && e.Size == size) {
		return nil
	}
	return c.drop(e)
}

func (c *Cache) current(resource, p string) (string, error) {
	var current string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(resource, p))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		current = string(v)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to read cache index: %w", err)
	}
	return current, nil
}

// dropStale removes the current entry of resource:p unless its key is keep.
// The caller holds the path lock.
func (c *Cache) dropStale(resource, p, keep string) error {
	current, err := c.current(resource, p)
	if err != nil {
		return err
	}
	if current == "" || current == keep {
		return nil
	}
	e, err := c.lookup(current)
	if err != nil {
		return err
	}
	if e == nil {
		e = &Entry{Key: current, Resource: resource, Path: p}
	}
	return c.drop(e)
}

// drop removes e from the index and disk. The caller holds the path lock.
func (c *Cache) drop(e *Entry) error {
	var removed bool
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(e.Key)); err == nil {
			removed = true
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete(entryKey(e.Key)); err != nil {
			return err
		}
		item, err := txn.Get(pathKey(e.Resource, e.Path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(v) == e.Key {
			return txn.Delete(pathKey(e.Resource, e.Path))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to drop cache entry: %w", err)
	}
	if err := os.Remove(c.file(e.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.WithField("key", e.Key).WithError(err).Error("failed to remove cached file")
	}
	if removed {
		c.metrics.CacheBytes(c.size.Add(-e.Size))
	}
	return nil
}
