package undo

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/keylock"
	"digital.vasic.fileops/pkg/memory"
	"digital.vasic.fileops/pkg/resilience"
)

// memRunner runs calls on fresh memory clients over per-resource stores.
type memRunner map[string]*memory.Store

func (r memRunner) Run(ctx context.Context, resource string, class resilience.Class, fn func(context.Context, client.Client) error) error {
	store, ok := r[resource]
	if !ok {
		return client.NewError(client.KindInvalid, "run", resource, errors.New("unknown resource"))
	}
	c := memory.NewMemoryClient(&memory.Config{}, store)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.UndoConfig {
	return config.UndoConfig{
		Expiry:         5 * time.Minute,
		History:        10,
		TrashRetention: 7 * 24 * time.Hour,
		ReapInterval:   time.Minute,
	}
}

type fixture struct {
	m      *Manager
	runner memRunner
	clock  *clock
}

func newFixture(t *testing.T, cfg config.UndoConfig) *fixture {
	t.Helper()
	f := &fixture{
		runner: memRunner{"nas": memory.NewStore(0), "cloud": memory.NewStore(0)},
		clock:  &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	m, err := New(cfg, f.runner, WithClock(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	f.m = m
	return f
}

// softDelete deletes p on resource like the engine does.
func (f *fixture) softDelete(t *testing.T, resource, p string) Item {
	t.Helper()
	var trash string
	err := f.runner.Run(context.Background(), resource, resilience.Write, func(ctx context.Context, c client.Client) error {
		var err error
		trash, err = f.m.SoftDelete(ctx, c, p)
		return err
	})
	require.NoError(t, err)
	return Item{Kind: KindDelete, Resource: resource, Path: p, Trash: trash}
}

func content(t *testing.T, s *memory.Store, p string) string {
	t.Helper()
	data, ok := s.Get(p)
	require.True(t, ok, "missing %s", p)
	return string(data)
}

func TestTrashPath(t *testing.T) {
	at := time.UnixMilli(1714564800123)
	p := TrashPath("/photos/a.jpg", at)
	assert.Equal(t, "/.trash/a.jpg.1714564800123", p)

	got, ok := trashTime("a.jpg.1714564800123")
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	got, ok = trashTime("a.jpg.1714564800123-2")
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = trashTime("notes")
	assert.False(t, ok)
	_, ok = trashTime("a.jpg")
	assert.False(t, ok)
}

func TestSoftDelete_UniqueNames(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	require.NoError(t, nas.Put("/a/x.txt", []byte("one")))
	require.NoError(t, nas.Put("/b/x.txt", []byte("two")))

	first := f.softDelete(t, "nas", "/a/x.txt")
	second := f.softDelete(t, "nas", "/b/x.txt")

	assert.Equal(t, "/.trash/x.txt.1714564800000", first.Trash)
	assert.Equal(t, "/.trash/x.txt.1714564800000-1", second.Trash)
	assert.Equal(t, "one", content(t, nas, first.Trash))
	assert.Equal(t, "two", content(t, nas, second.Trash))
}

func TestUndo_DeleteThreeFiles(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	files := map[string]string{"/docs/a.txt": "alpha", "/docs/b.txt": "beta", "/c.txt": "gamma"}
	var items []Item
	for _, p := range []string{"/docs/a.txt", "/docs/b.txt", "/c.txt"} {
		require.NoError(t, nas.Put(p, []byte(files[p])))
		items = append(items, f.softDelete(t, "nas", p))
	}
	for p := range files {
		_, ok := nas.Get(p)
		assert.False(t, ok)
	}

	d, err := f.m.Record("ui", items)
	require.NoError(t, err)
	assert.Equal(t, KindDelete, d.Kind())
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), d.ExpiresAt)

	f.clock.Advance(4 * time.Minute)
	got, err := f.m.UndoLast(context.Background(), "ui")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	for p, want := range files {
		assert.Equal(t, want, content(t, nas, p))
	}
	_, err = f.m.Last("ui")
	assert.True(t, errors.Is(err, client.ErrNotFound))
}

func TestUndo_Expired(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	require.NoError(t, nas.Put("/a.txt", []byte("a")))
	d, err := f.m.Record("ui", []Item{f.softDelete(t, "nas", "/a.txt")})
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	_, err = f.m.Last("ui")
	assert.True(t, errors.Is(err, client.ErrExpired))
	_, err = f.m.UndoLast(context.Background(), "ui")
	assert.True(t, errors.Is(err, client.ErrExpired))

	err = f.m.Undo(context.Background(), d)
	assert.True(t, errors.Is(err, client.ErrExpired))
	_, ok := nas.Get("/a.txt")
	assert.False(t, ok)
}

func TestUndo_TargetOccupied(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	require.NoError(t, nas.Put("/a.txt", []byte("old")))
	item := f.softDelete(t, "nas", "/a.txt")
	d, err := f.m.Record("ui", []Item{item})
	require.NoError(t, err)

	require.NoError(t, nas.Put("/a.txt", []byte("new")))
	err = f.m.Undo(context.Background(), d)
	assert.True(t, errors.Is(err, client.ErrUndoTargetOccupied))
	assert.Equal(t, "new", content(t, nas, "/a.txt"))
	assert.Equal(t, "old", content(t, nas, item.Trash))

	// The descriptor stays available.
	last, err := f.m.Last("ui")
	require.NoError(t, err)
	assert.Equal(t, d.ID, last.ID)
}

func TestUndo_ResumesAfterPartialFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	require.NoError(t, nas.Put("/a.txt", []byte("a")))
	require.NoError(t, nas.Put("/b.txt", []byte("b")))
	d, err := f.m.Record("ui", []Item{f.softDelete(t, "nas", "/a.txt"), f.softDelete(t, "nas", "/b.txt")})
	require.NoError(t, err)

	require.NoError(t, nas.Put("/a.txt", []byte("squatter")))
	err = f.m.Undo(context.Background(), d)
	assert.True(t, errors.Is(err, client.ErrUndoTargetOccupied))
	assert.Equal(t, "b", content(t, nas, "/b.txt"))
	assert.Len(t, d.Items, 1)

	require.NoError(t, f.runner.Run(context.Background(), "nas", resilience.Write, func(ctx context.Context, c client.Client) error {
		return c.DeleteFile(ctx, "/a.txt")
	}))
	require.NoError(t, f.m.Undo(context.Background(), d))
	assert.Equal(t, "a", content(t, nas, "/a.txt"))
}

func TestUndo_Rename(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	require.NoError(t, nas.Put("/new.txt", []byte("data")))
	d, err := f.m.Record("ui", []Item{{Kind: KindRename, Resource: "nas", Path: "/old.txt", Dest: "/new.txt"}})
	require.NoError(t, err)

	require.NoError(t, nas.Put("/old.txt", []byte("taken")))
	assert.True(t, errors.Is(f.m.Undo(context.Background(), d), client.ErrUndoTargetOccupied))

	require.NoError(t, f.runner.Run(context.Background(), "nas", resilience.Write, func(ctx context.Context, c client.Client) error {
		return c.DeleteFile(ctx, "/old.txt")
	}))
	require.NoError(t, f.m.Undo(context.Background(), d))
	assert.Equal(t, []string{"/old.txt"}, nas.Paths())
	assert.Equal(t, "data", content(t, nas, "/old.txt"))
}

func TestUndo_CopyRestoresReplaced(t *testing.T) {
	f := newFixture(t, testConfig())
	cloud := f.runner["cloud"]
	require.NoError(t, cloud.Put("/dst.txt", []byte("previous")))
	replaced := f.softDelete(t, "cloud", "/dst.txt")
	require.NoError(t, cloud.Put("/dst.txt", []byte("copied")))

	d, err := f.m.Record("ui", []Item{{
		Kind: KindCopy, Resource: "nas", Path: "/src.txt",
		DestResource: "cloud", Dest: "/dst.txt", Replaced: replaced.Trash,
	}})
	require.NoError(t, err)

	require.NoError(t, f.m.Undo(context.Background(), d))
	assert.Equal(t, "previous", content(t, cloud, "/dst.txt"))
	assert.Equal(t, []string{"/dst.txt"}, cloud.Paths())
}

func TestUndo_CrossResourceMove(t *testing.T) {
	f := newFixture(t, testConfig())
	nas, cloud := f.runner["nas"], f.runner["cloud"]
	require.NoError(t, nas.Put("/src.txt", []byte("payload")))
	require.NoError(t, cloud.Put("/dst.txt", []byte("payload")))
	src := f.softDelete(t, "nas", "/src.txt")

	d, err := f.m.Record("ui", []Item{{
		Kind: KindMove, Resource: "nas", Path: "/src.txt", Trash: src.Trash,
		DestResource: "cloud", Dest: "/dst.txt",
	}})
	require.NoError(t, err)

	require.NoError(t, f.m.Undo(context.Background(), d))
	assert.Equal(t, "payload", content(t, nas, "/src.txt"))
	assert.Empty(t, cloud.Paths())
}

func TestUndo_SameResourceMove(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	require.NoError(t, nas.Put("/b/x.txt", []byte("x")))
	d, err := f.m.Record("ui", []Item{{Kind: KindMove, Resource: "nas", Path: "/a/x.txt", Dest: "/b/x.txt"}})
	require.NoError(t, err)

	require.NoError(t, f.m.Undo(context.Background(), d))
	assert.Equal(t, []string{"/a/x.txt"}, nas.Paths())
}

func TestManager_HistoryCapAndContexts(t *testing.T) {
	cfg := testConfig()
	cfg.History = 3
	f := newFixture(t, cfg)

	var ids []string
	for i := 0; i < 5; i++ {
		d, err := f.m.Record("ui", []Item{{Kind: KindCopy, DestResource: "nas", Dest: "/x"}})
		require.NoError(t, err)
		ids = append(ids, d.ID)
		f.clock.Advance(time.Second)
	}
	_, err := f.m.Record("other", []Item{{Kind: KindCopy, DestResource: "nas", Dest: "/y"}})
	require.NoError(t, err)

	history := f.m.History("ui")
	require.Len(t, history, 3)
	assert.Equal(t, ids[4], history[0].ID)
	assert.Equal(t, ids[2], history[2].ID)

	last, err := f.m.Last("other")
	require.NoError(t, err)
	assert.Equal(t, "/y", last.Items[0].Dest)

	got, err := f.m.Get(ids[3])
	require.NoError(t, err)
	assert.Equal(t, ids[3], got.ID)
	_, err = f.m.Get(ids[0])
	assert.True(t, errors.Is(err, client.ErrNotFound))

	_, err = f.m.Record("ui", nil)
	assert.True(t, errors.Is(err, client.ErrInvalid))
}

func TestManager_PurgeExpired(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.m.Record("ui", []Item{{Kind: KindCopy, DestResource: "nas", Dest: "/x"}})
	require.NoError(t, err)
	f.clock.Advance(3 * time.Minute)
	fresh, err := f.m.Record("ui", []Item{{Kind: KindCopy, DestResource: "nas", Dest: "/y"}})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	assert.Equal(t, 1, f.m.PurgeExpired())
	history := f.m.History("ui")
	require.Len(t, history, 1)
	assert.Equal(t, fresh.ID, history[0].ID)
	assert.Equal(t, 0, f.m.PurgeExpired())
}

func TestManager_JournalSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.JournalPath = filepath.Join(t.TempDir(), "state", "undo.db")
	runner := memRunner{"nas": memory.NewStore(0)}
	clk := &clock{now: time.Now()}

	m, err := New(cfg, runner, WithClock(clk.Now))
	require.NoError(t, err)
	require.NoError(t, runner["nas"].Put("/a.txt", []byte("keep me")))
	var item Item
	require.NoError(t, runner.Run(context.Background(), "nas", resilience.Write, func(ctx context.Context, c client.Client) error {
		trash, err := m.SoftDelete(ctx, c, "/a.txt")
		item = Item{Kind: KindDelete, Resource: "nas", Path: "/a.txt", Trash: trash}
		return err
	}))
	d, err := m.Record("cli", []Item{item})
	require.NoError(t, err)
	stale, err := m.Record("old", []Item{item})
	require.NoError(t, err)
	stale.ExpiresAt = clk.Now().Add(-time.Second)
	require.NoError(t, m.persist(stale))
	require.NoError(t, m.Close())

	m, err = New(cfg, runner, WithClock(clk.Now))
	require.NoError(t, err)
	defer m.Close()

	last, err := m.Last("cli")
	require.NoError(t, err)
	assert.Equal(t, d.ID, last.ID)
	_, err = m.Last("old")
	assert.True(t, errors.Is(err, client.ErrNotFound))

	_, err = m.UndoLast(context.Background(), "cli")
	require.NoError(t, err)
	assert.Equal(t, "keep me", content(t, runner["nas"], "/a.txt"))
}

func TestManager_EvictedContextLeavesJournal(t *testing.T) {
	cfg := testConfig()
	cfg.JournalPath = filepath.Join(t.TempDir(), "undo.db")
	cfg.Expiry = 20 * time.Millisecond
	cfg.ReapInterval = 5 * time.Millisecond
	runner := memRunner{"nas": memory.NewStore(0)}

	m, err := New(cfg, runner)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Record("ui", []Item{{Kind: KindDelete, Resource: "nas", Path: "/a.txt", Trash: "/.trash/a.txt.1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, journaled(t, m))

	assert.Eventually(t, func() bool { return journaled(t, m) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func journaled(t *testing.T, m *Manager) int {
	t.Helper()
	var n int
	require.NoError(t, m.journal.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(journalBucket).Stats().KeyN
		return nil
	}))
	return n
}

func TestUndo_WaitsForPathLock(t *testing.T) {
	locks := keylock.New()
	f := &fixture{
		runner: memRunner{"nas": memory.NewStore(0)},
		clock:  &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	m, err := New(testConfig(), f.runner, WithClock(f.clock.Now), WithLocker(locks))
	require.NoError(t, err)
	defer m.Close()
	f.m = m
	assert.Same(t, locks, m.Locker())

	nas := f.runner["nas"]
	require.NoError(t, nas.Put("/a.txt", []byte("a")))
	d, err := m.Record("ui", []Item{f.softDelete(t, "nas", "/a.txt")})
	require.NoError(t, err)

	require.NoError(t, locks.Lock(context.Background(), keylock.Key("nas", "/a.txt")))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = m.Undo(ctx, d)
	assert.Error(t, err)
	_, ok := nas.Get("/a.txt")
	assert.False(t, ok, "undo must not restore while the path is locked")

	done := make(chan error, 1)
	go func() { done <- m.Undo(context.Background(), d) }()
	time.Sleep(20 * time.Millisecond)
	_, ok = nas.Get("/a.txt")
	assert.False(t, ok)

	locks.Unlock(keylock.Key("nas", "/a.txt"))
	require.NoError(t, <-done)
	assert.Equal(t, "a", content(t, nas, "/a.txt"))
}

func TestManager_PurgeTrash(t *testing.T) {
	f := newFixture(t, testConfig())
	nas := f.runner["nas"]
	now := f.clock.Now()
	old := TrashPath("/old.txt", now.Add(-8*24*time.Hour))
	recent := TrashPath("/recent.txt", now.Add(-time.Hour))
	require.NoError(t, nas.Put(old, []byte("o")))
	require.NoError(t, nas.Put(old+"-1", []byte("o")))
	require.NoError(t, nas.Put(recent, []byte("r")))
	require.NoError(t, nas.Put("/.trash/unknown", []byte("u")))

	n, err := f.m.PurgeTrash(context.Background(), "nas")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{recent, "/.trash/unknown"}, nas.Paths())

	n, err = f.m.PurgeTrash(context.Background(), "cloud")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
