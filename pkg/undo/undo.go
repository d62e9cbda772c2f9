// Package undo implements soft delete into a resource-local trash and the
// replay of reversible operations. Each interactive context keeps a capped
// history of descriptors that expire after a fixed window; descriptors are
// journaled so they survive restarts until consumed or expired.
package undo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/keylock"
	"digital.vasic.fileops/pkg/logging"
	"digital.vasic.fileops/pkg/resilience"
)

// Kind is the kind of a reversible operation.
type Kind string

const (
	KindCopy   Kind = "copy"
	KindMove   Kind = "move"
	KindDelete Kind = "delete"
	KindRename Kind = "rename"
)

// Item records how to reverse one operation.
type Item struct {
	Kind     Kind   `json:"kind"`
	Resource string `json:"resource"`
	// Path is the original path on Resource.
	Path string `json:"path"`
	// Trash is where Path was soft-deleted to, on Resource.
	Trash        string `json:"trash,omitempty"`
	DestResource string `json:"dest_resource,omitempty"`
	Dest         string `json:"dest,omitempty"`
	// Replaced is the trash path of a destination file that was overwritten.
	Replaced string `json:"replaced,omitempty"`
}

// Descriptor is one undoable step, possibly covering a whole batch.
type Descriptor struct {
	ID        string    `json:"id"`
	Context   string    `json:"context"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Kind returns the kind of the first item.
func (d *Descriptor) Kind() Kind {
	if len(d.Items) == 0 {
		return ""
	}
	return d.Items[0].Kind
}

// Expired reports whether d can no longer be undone at now.
func (d *Descriptor) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Runner runs a call on a pooled session of a resource.
type Runner interface {
	Run(ctx context.Context, resource string, class resilience.Class, fn func(context.Context, client.Client) error) error
}

var journalBucket = []byte("descriptors")

// Manager owns trash handling and the undo history.
type Manager struct {
	config    config.UndoConfig
	runner    Runner
	slots     *cache.Cache
	journal   *bolt.DB
	now       func() time.Time
	log       *logrus.Entry
	resources func() []string
	locks     *keylock.Locker

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = logging.Component(log, "undo") }
}

// WithResources sets the resources whose trash the reaper purges.
func WithResources(resources func() []string) Option {
	return func(m *Manager) { m.resources = resources }
}

// WithLocker sets the path locks undo replays take, shared with whatever
// else mutates the same paths.
func WithLocker(l *keylock.Locker) Option {
	return func(m *Manager) { m.locks = l }
}

// New creates a Manager. When cfg.JournalPath is set the journal is opened
// and unexpired descriptors are loaded back into their contexts.
func New(cfg config.UndoConfig, runner Runner, opts ...Option) (*Manager, error) {
	m := &Manager{
		config:    cfg,
		runner:    runner,
		slots:     cache.New(cfg.Expiry, cfg.ReapInterval),
		now:       time.Now,
		log:       logging.Component(nil, "undo"),
		resources: func() []string { return nil },
		locks:     keylock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.JournalPath == "" {
		return m, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := bolt.Open(cfg.JournalPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open undo journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}
	m.journal = db
	if err := m.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	m.slots.OnEvicted(func(_ string, v interface{}) {
		for _, d := range v.([]*Descriptor) {
			m.forget(d)
		}
	})
	return m, nil
}

// Locker returns the path locks undo replays take.
func (m *Manager) Locker() *keylock.Locker { return m.locks }

// load restores unexpired journal entries, oldest first per context.
func (m *Manager) load() error {
	now := m.now()
	var live []*Descriptor
	var stale [][]byte
	err := m.journal.View(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).ForEach(func(k, v []byte) error {
			d := &Descriptor{}
			if err := json.Unmarshal(v, d); err != nil || d.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			live = append(live, d)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to read undo journal: %w", err)
	}

	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	for _, d := range live {
		m.push(d)
	}
	if len(stale) > 0 {
		return m.journal.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(journalBucket)
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return nil
}

// Record stores a descriptor for items in the history of uctx. The
// descriptor is journaled before Record returns.
func (m *Manager) Record(uctx string, items []Item) (*Descriptor, error) {
	if len(items) == 0 {
		return nil, client.NewError(client.KindInvalid, "record", uctx, errors.New("nothing to undo"))
	}
	now := m.now()
	d := &Descriptor{
		ID:        uuid.NewString(),
		Context:   uctx,
		Items:     items,
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.Expiry),
	}
	if err := m.persist(d); err != nil {
		return nil, err
	}

	m.mu.Lock()
	dropped := m.push(d)
	m.mu.Unlock()

	for _, old := range dropped {
		m.forget(old)
	}
	return d, nil
}

// push appends d to its context history and returns what fell off the cap.
func (m *Manager) push(d *Descriptor) []*Descriptor {
	list := m.list(d.Context)
	list = append(list, d)
	var dropped []*Descriptor
	if n := len(list) - m.config.History; m.config.History > 0 && n > 0 {
		dropped = list[:n]
		list = append([]*Descriptor(nil), list[n:]...)
	}
	m.slots.Set(d.Context, list, cache.DefaultExpiration)
	return dropped
}

func (m *Manager) list(uctx string) []*Descriptor {
	v, ok := m.slots.Get(uctx)
	if !ok {
		return nil
	}
	return v.([]*Descriptor)
}

// Last returns the most recent descriptor of uctx. It fails with NotFound
// when there is none and with Expired when it is past its expiry.
func (m *Manager) Last(uctx string) (*Descriptor, error) {
	m.mu.Lock()
	list := m.list(uctx)
	m.mu.Unlock()
	if len(list) == 0 {
		return nil, client.NewError(client.KindNotFound, "undo", uctx, errors.New("nothing to undo"))
	}
	d := list[len(list)-1]
	if d.Expired(m.now()) {
		return nil, expired(d)
	}
	return d, nil
}

// History returns the unexpired descriptors of uctx, newest first.
func (m *Manager) History(uctx string) []*Descriptor {
	now := m.now()
	m.mu.Lock()
	list := m.list(uctx)
	m.mu.Unlock()

	out := make([]*Descriptor, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Expired(now) {
			out = append(out, list[i])
		}
	}
	return out
}

// Get returns the descriptor with the given id from any context.
func (m *Manager) Get(id string) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.slots.Items() {
		for _, d := range item.Object.([]*Descriptor) {
			if d.ID == id {
				return d, nil
			}
		}
	}
	return nil, client.NewError(client.KindNotFound, "undo", id, errors.New("unknown descriptor"))
}

// UndoLast reverses the most recent operation of uctx.
func (m *Manager) UndoLast(ctx context.Context, uctx string) (*Descriptor, error) {
	d, err := m.Last(uctx)
	if err != nil {
		return nil, err
	}
	return d, m.Undo(ctx, d)
}

// Undo reverses d, last item first. A descriptor past its expiry fails
// with Expired; an original path that is occupied again fails with
// Conflict(UndoTargetOccupied) and nothing is overwritten. Items already
// reversed are dropped from d so a retry resumes where it stopped.
func (m *Manager) Undo(ctx context.Context, d *Descriptor) error {
	if d.Expired(m.now()) {
		m.consume(d)
		return expired(d)
	}

	m.mu.Lock()
	keys := make([]string, 0, 2*len(d.Items))
	for _, it := range d.Items {
		keys = append(keys, keylock.Key(it.Resource, it.Path))
		if it.Dest != "" {
			r := it.DestResource
			if r == "" {
				r = it.Resource
			}
			keys = append(keys, keylock.Key(r, it.Dest))
		}
	}
	m.mu.Unlock()
	unlock, err := m.locks.LockAll(ctx, keys...)
	if err != nil {
		return client.Classify("undo", d.ID, err)
	}
	defer unlock()

	for i := len(d.Items) - 1; i >= 0; i-- {
		if err := m.revert(ctx, d.Items[i]); err != nil {
			m.mu.Lock()
			d.Items = d.Items[:i+1]
			m.mu.Unlock()
			if perr := m.persist(d); perr != nil {
				m.log.WithError(perr).Error("failed to update undo journal")
			}
			return err
		}
	}

	m.consume(d)
	m.log.WithFields(logrus.Fields{"id": d.ID, "kind": d.Kind(), "items": len(d.Items)}).Info("operation undone")
	return nil
}

func (m *Manager) revert(ctx context.Context, it Item) error {
	switch it.Kind {
	case KindDelete:
		return m.runner.Run(ctx, it.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
			return Restore(ctx, c, it.Trash, it.Path)
		})

	case KindRename:
		return m.runner.Run(ctx, it.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
			return renameBack(ctx, c, it)
		})

	case KindCopy:
		return m.runner.Run(ctx, it.DestResource, resilience.Write, func(ctx context.Context, c client.Client) error {
			return removeCopy(ctx, c, it)
		})

	case KindMove:
		if it.Trash == "" {
			return m.runner.Run(ctx, it.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
				return renameBack(ctx, c, it)
			})
		}
		if err := m.runner.Run(ctx, it.Resource, resilience.Read, func(ctx context.Context, c client.Client) error {
			return ensureFree(ctx, c, it.Path)
		}); err != nil {
			return err
		}
		if err := m.runner.Run(ctx, it.DestResource, resilience.Write, func(ctx context.Context, c client.Client) error {
			return removeCopy(ctx, c, it)
		}); err != nil {
			return err
		}
		return m.runner.Run(ctx, it.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
			return Restore(ctx, c, it.Trash, it.Path)
		})
	}
	return client.NewError(client.KindInvalid, "undo", it.Path, fmt.Errorf("unknown kind %q", it.Kind))
}

func renameBack(ctx context.Context, c client.Client, it Item) error {
	if err := ensureFree(ctx, c, it.Path); err != nil {
		return err
	}
	if err := client.Move(ctx, c, it.Dest, it.Path); err != nil {
		return err
	}
	if it.Replaced != "" {
		return Restore(ctx, c, it.Replaced, it.Dest)
	}
	return nil
}

func removeCopy(ctx context.Context, c client.Client, it Item) error {
	if err := c.DeleteFile(ctx, it.Dest); err != nil && !errors.Is(err, client.ErrNotFound) {
		return err
	}
	if it.Replaced != "" {
		return Restore(ctx, c, it.Replaced, it.Dest)
	}
	return nil
}

// consume removes d from its context and the journal.
func (m *Manager) consume(d *Descriptor) {
	m.mu.Lock()
	list := m.list(d.Context)
	kept := make([]*Descriptor, 0, len(list))
	for _, x := range list {
		if x.ID != d.ID {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		m.slots.Delete(d.Context)
	} else {
		m.slots.Set(d.Context, kept, cache.DefaultExpiration)
	}
	m.mu.Unlock()
	m.forget(d)
}

// PurgeExpired drops expired descriptors and returns how many were dropped.
// Trash entries stay until the retention period passes.
func (m *Manager) PurgeExpired() int {
	now := m.now()
	var expiredList []*Descriptor
	m.mu.Lock()
	for uctx, item := range m.slots.Items() {
		list := item.Object.([]*Descriptor)
		var kept []*Descriptor
		for _, d := range list {
			if d.Expired(now) {
				expiredList = append(expiredList, d)
			} else {
				kept = append(kept, d)
			}
		}
		switch {
		case len(kept) == 0:
			m.slots.Delete(uctx)
		case len(kept) != len(list):
			m.slots.Set(uctx, kept, cache.DefaultExpiration)
		}
	}
	m.slots.DeleteExpired()
	m.mu.Unlock()

	for _, d := range expiredList {
		m.forget(d)
	}
	return len(expiredList)
}

// Run purges expired descriptors and old trash every reap interval until
// ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.PurgeExpired(); n > 0 {
				m.log.WithField("count", n).Debug("purged expired undo descriptors")
			}
			for _, r := range m.resources() {
				if _, err := m.PurgeTrash(ctx, r); err != nil {
					m.log.WithField("resource", r).WithError(err).Warn("failed to purge trash")
				}
			}
		}
	}
}

// Close closes the journal.
func (m *Manager) Close() error {
	if m.journal == nil {
		return nil
	}
	m.slots.OnEvicted(nil)
	return m.journal.Close()
}

func (m *Manager) persist(d *Descriptor) error {
	if m.journal == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode undo descriptor: %w", err)
	}
	if err := m.journal.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(d.ID), data)
	}); err != nil {
		return fmt.Errorf("failed to write undo journal: %w", err)
	}
	return nil
}

func (m *Manager) forget(d *Descriptor) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Delete([]byte(d.ID))
	}); err != nil {
		m.log.WithField("id", d.ID).WithError(err).Error("failed to remove undo descriptor from journal")
	}
}

func expired(d *Descriptor) error {
	return client.NewError(client.KindExpired, "undo", d.ID, fmt.Errorf("expired at %s", d.ExpiresAt.Format(time.RFC3339)))
}
