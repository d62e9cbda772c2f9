package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig(t *testing.T) config.CacheConfig {
	return config.CacheConfig{
		Dir:           filepath.Join(t.TempDir(), "blobs"),
		BudgetBytes:   1 << 20,
		TTL:           24 * time.Hour,
		MetadataTTL:   time.Minute,
		EvictInterval: time.Minute,
	}
}

func newCache(t *testing.T, cfg config.CacheConfig, clk *clock) *Cache {
	t.Helper()
	c, err := New(cfg, WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func put(t *testing.T, c *Cache, p, data string, mtime time.Time) {
	t.Helper()
	_, err := c.Put(context.Background(), "nas", p, int64(len(data)), mtime, strings.NewReader(data))
	require.NoError(t, err)
}

func get(t *testing.T, c *Cache, p string, size int64, mtime time.Time) (string, bool) {
	t.Helper()
	f, ok, err := c.Get(context.Background(), "nas", p, size, mtime)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data), true
}

func TestKey(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	k := Key("nas", "/a.txt", 5, mtime)
	assert.Equal(t, k, Key("nas", "/a.txt", 5, mtime))
	assert.NotEqual(t, k, Key("nas", "/a.txt", 6, mtime))
	assert.NotEqual(t, k, Key("nas", "/a.txt", 5, mtime.Add(time.Second)))
	assert.NotEqual(t, k, Key("nas2", "/a.txt", 5, mtime))
	assert.NotEqual(t, Key("a", "b/c", 1, mtime), Key("a/b", "c", 1, mtime))
}

func TestCache_RoundTrip(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	c := newCache(t, testConfig(t), clk)
	mtime := time.Unix(1690000000, 0)

	_, ok := get(t, c, "/a.txt", 5, mtime)
	assert.False(t, ok)

	put(t, c, "/a.txt", "hello", mtime)
	data, ok := get(t, c, "/a.txt", 5, mtime)
	require.True(t, ok)
	assert.Equal(t, "hello", data)
	assert.Equal(t, int64(5), c.Size())

	// Putting the same signature again is a no-op.
	put(t, c, "/a.txt", "hello", mtime)
	assert.Equal(t, int64(5), c.Size())
}

func TestCache_SignatureChangeInvalidates(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	c := newCache(t, testConfig(t), clk)
	mtime := time.Unix(1690000000, 0)
	put(t, c, "/a.txt", "hello", mtime)

	_, ok := get(t, c, "/a.txt", 5, mtime.Add(time.Second))
	assert.False(t, ok)
	_, ok = get(t, c, "/a.txt", 5, mtime)
	assert.False(t, ok, "stale entry must be dropped")
	assert.Equal(t, int64(0), c.Size())

	put(t, c, "/a.txt", "hello", mtime)
	put(t, c, "/a.txt", "hello world", mtime.Add(time.Hour))
	entries, err := c.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(11), entries[0].Size)
	assert.Equal(t, int64(11), c.Size())
}

func TestCache_OlderSignatureKeepsNewerEntry(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	c := newCache(t, testConfig(t), clk)
	mtime := time.Unix(1690000000, 0)
	put(t, c, "/a.txt", "hello", mtime)

	_, ok := get(t, c, "/a.txt", 5, mtime.Add(-time.Hour))
	assert.False(t, ok)
	data, ok := get(t, c, "/a.txt", 5, mtime)
	require.True(t, ok, "newer entry must survive a lookup with an older signature")
	assert.Equal(t, "hello", data)

	_, ok = get(t, c, "/a.txt", 6, mtime)
	assert.False(t, ok)
	_, ok = get(t, c, "/a.txt", 5, mtime)
	assert.False(t, ok, "same mtime with another size is a change")
	assert.Equal(t, int64(0), c.Size())
}

func TestCache_PutShortRead(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	cfg := testConfig(t)
	c := newCache(t, cfg, clk)

	_, err := c.Put(context.Background(), "nas", "/a.txt", 10, time.Now(), strings.NewReader("short"))
	assert.True(t, errors.Is(err, client.ErrInvalid))

	files, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, int64(0), c.Size())
}

func TestCache_PutOverBudget(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	cfg := testConfig(t)
	cfg.BudgetBytes = 4
	c := newCache(t, cfg, clk)

	_, err := c.Put(context.Background(), "nas", "/a.txt", 5, time.Now(), strings.NewReader("hello"))
	assert.True(t, errors.Is(err, client.ErrQuotaExceeded))
}

func TestCache_Invalidate(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	c := newCache(t, testConfig(t), clk)
	mtime := time.Unix(1690000000, 0)
	put(t, c, "/a.txt", "hello", mtime)
	c.SetStat("nas", "/a.txt", &client.FileInfo{Name: "a.txt", Size: 5})

	fi, ok := c.Stat("nas", "/a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(5), fi.Size)

	require.NoError(t, c.Invalidate(context.Background(), "nas", "/a.txt"))
	_, ok = c.Stat("nas", "/a.txt")
	assert.False(t, ok)
	_, ok = get(t, c, "/a.txt", 5, mtime)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Size())

	require.NoError(t, c.Invalidate(context.Background(), "nas", "/missing"))
}

func TestCache_EvictTTL(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	c := newCache(t, testConfig(t), clk)
	mtime := time.Unix(1690000000, 0)
	put(t, c, "/old.txt", "old", mtime)
	clk.Advance(23 * time.Hour)
	put(t, c, "/new.txt", "new", mtime)

	clk.Advance(2 * time.Hour)
	n, err := c.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := get(t, c, "/old.txt", 3, mtime)
	assert.False(t, ok)
	_, ok = get(t, c, "/new.txt", 3, mtime)
	assert.True(t, ok)
}

func TestCache_EvictLRU(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	cfg := testConfig(t)
	cfg.BudgetBytes = 10
	c := newCache(t, cfg, clk)
	mtime := time.Unix(1690000000, 0)

	put(t, c, "/a", "aaaa", mtime)
	clk.Advance(time.Second)
	put(t, c, "/b", "bbbb", mtime)
	clk.Advance(time.Second)
	put(t, c, "/c", "cccc", mtime)
	clk.Advance(time.Second)
	_, ok := get(t, c, "/a", 4, mtime)
	require.True(t, ok)
	assert.Equal(t, int64(12), c.Size())

	n, err := c.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(8), c.Size())

	_, ok = get(t, c, "/b", 4, mtime)
	assert.False(t, ok)
	_, ok = get(t, c, "/a", 4, mtime)
	assert.True(t, ok)
	_, ok = get(t, c, "/c", 4, mtime)
	assert.True(t, ok)
}

func TestCache_MissingFileIsMiss(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	cfg := testConfig(t)
	c := newCache(t, cfg, clk)
	mtime := time.Unix(1690000000, 0)
	put(t, c, "/a.txt", "hello", mtime)

	require.NoError(t, os.Remove(filepath.Join(cfg.Dir, Key("nas", "/a.txt", 5, mtime))))
	_, ok := get(t, c, "/a.txt", 5, mtime)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Size())
}

func TestCache_PersistentIndex(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	cfg := testConfig(t)
	cfg.IndexPath = filepath.Join(t.TempDir(), "index")
	mtime := time.Unix(1690000000, 0)

	c, err := New(cfg, WithClock(clk.Now))
	require.NoError(t, err)
	put(t, c, "/a.txt", "hello", mtime)
	require.NoError(t, c.Close())

	c = newCache(t, cfg, clk)
	assert.Equal(t, int64(5), c.Size())
	data, ok := get(t, c, "/a.txt", 5, mtime)
	require.True(t, ok)
	assert.Equal(t, "hello", data)
}

func TestCache_Run(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	cfg := testConfig(t)
	cfg.BudgetBytes = 6
	cfg.EvictInterval = time.Hour
	c := newCache(t, cfg, clk)
	mtime := time.Unix(1690000000, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	put(t, c, "/a", "aaaa", mtime)
	clk.Advance(time.Second)
	put(t, c, "/b", "bbbb", mtime)

	assert.Eventually(t, func() bool { return c.Size() <= 6 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
