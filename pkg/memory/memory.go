// Package memory implements an in-process storage backend. Every client
// opened on the same Store sees the same tree, so a Store behaves like one
// remote target reached through many sessions.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"digital.vasic.fileops/pkg/client"
)

// Config contains memory backend configuration.
type Config struct {
	// Name selects a process wide store; see Shared.
	Name string `json:"name" mapstructure:"name"`
	// Capacity bounds the stored bytes; 0 means unlimited.
	Capacity int64 `json:"capacity" mapstructure:"capacity"`
	// NoRename makes RenameFile report that renames are unsupported.
	NoRename bool `json:"no_rename" mapstructure:"no_rename"`
}

type object struct {
	data    []byte
	modTime time.Time
}

// Store is a tree of files and directories held in memory.
type Store struct {
	mu       sync.RWMutex
	files    map[string]*object
	dirs     map[string]bool
	capacity int64
	used     int64
	now      func() time.Time
}

// NewStore creates an empty store. A capacity of 0 means unlimited.
func NewStore(capacity int64) *Store {
	return &Store{
		files:    map[string]*object{},
		dirs:     map[string]bool{"/": true},
		capacity: capacity,
		now:      time.Now,
	}
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Store{}
)

// Shared returns the process wide store registered under name, creating it
// on first use.
func Shared(name string, capacity int64) *Store {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	s, ok := shared[name]
	if !ok {
		s = NewStore(capacity)
		shared[name] = s
	}
	return s
}

// SetClock replaces the clock used for modification times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores data at p, creating parent directories.
func (s *Store) Put(p string, data []byte) error {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(p, data)
}

func (s *Store) put(p string, data []byte) error {
	if s.dirs[p] {
		return client.NewError(client.KindConflict, "write", p, fmt.Errorf("%s is a directory", p))
	}
	old := int64(0)
	if o, ok := s.files[p]; ok {
		old = int64(len(o.data))
	}
	if s.capacity > 0 && s.used-old+int64(len(data)) > s.capacity {
		return client.NewError(client.KindQuotaExceeded, "write", p, fmt.Errorf("store is full"))
	}
	s.mkdirAll(path.Dir(p))
	s.files[p] = &object{data: append([]byte(nil), data...), modTime: s.now()}
	s.used += int64(len(data)) - old
	return nil
}

// Get returns a copy of the data stored at p.
func (s *Store) Get(p string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.files[clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Paths returns every file path in the store, sorted.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *Store) mkdirAll(dir string) {
	for ; !s.dirs[dir]; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// Client implements client.Client on a Store.
type Client struct {
	config    *Config
	store     *Store
	connected bool
}

// NewMemoryClient creates a client on store. A nil store selects the shared
// store named in config.
func NewMemoryClient(config *Config, store *Store) *Client {
	if store == nil {
		store = Shared(config.Name, config.Capacity)
	}
	return &Client{config: config, store: store}
}

// Connect opens the session.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return client.Classify("connect", c.config.Name, err)
	}
	c.connected = true
	return nil
}

// Disconnect closes the session.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection checks the session is open.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	return nil
}

// ReadFile returns a reader over a snapshot of the file.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	data, ok := c.store.Get(p)
	if !ok {
		return nil, client.NewError(client.KindNotFound, "read", p, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WriteFile reads data fully and then stores it in one step.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	var buf bytes.Buffer
	if data != nil {
		if _, err := io.Copy(&buf, data); err != nil {
			return client.Classify("write", p, fmt.Errorf("failed to write %s: %w", p, err))
		}
	}
	if err := ctx.Err(); err != nil {
		return client.Classify("write", p, err)
	}
	return c.store.Put(p, buf.Bytes())
}

// GetFileInfo gets information about a file or directory.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	full := clean(p)
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if o, ok := c.store.files[full]; ok {
		return &client.FileInfo{Name: path.Base(full), Size: int64(len(o.data)), ModTime: o.modTime, Mode: 0644, Path: p}, nil
	}
	if c.store.dirs[full] {
		return &client.FileInfo{Name: path.Base(full), IsDir: true, Mode: 0755 | os.ModeDir, Path: p}, nil
	}
	return nil, client.NewError(client.KindNotFound, "stat", p, os.ErrNotExist)
}

// ListDirectory lists the direct children of a directory.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	full := clean(p)
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if !c.store.dirs[full] {
		return nil, client.NewError(client.KindNotFound, "list", p, os.ErrNotExist)
	}
	var files []*client.FileInfo
	for d := range c.store.dirs {
		if d != full && path.Dir(d) == full {
			files = append(files, &client.FileInfo{Name: path.Base(d), IsDir: true, Mode: 0755 | os.ModeDir, Path: path.Join(p, path.Base(d))})
		}
	}
	for f, o := range c.store.files {
		if path.Dir(f) == full {
			files = append(files, &client.FileInfo{Name: path.Base(f), Size: int64(len(o.data)), ModTime: o.modTime, Mode: 0644, Path: path.Join(p, path.Base(f))})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// FileExists checks if a file or directory exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	full := clean(p)
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	_, ok := c.store.files[full]
	return ok || c.store.dirs[full], nil
}

// CreateDirectory creates a directory and any missing parents.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	full := clean(p)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, ok := c.store.files[full]; ok {
		return client.NewError(client.KindConflict, "mkdir", p, fmt.Errorf("%s is a file", p))
	}
	c.store.mkdirAll(full)
	return nil
}

// DeleteDirectory deletes a directory and everything below it.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	full := clean(p)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if !c.store.dirs[full] {
		return client.NewError(client.KindNotFound, "rmdir", p, os.ErrNotExist)
	}
	prefix := strings.TrimSuffix(full, "/") + "/"
	for f, o := range c.store.files {
		if strings.HasPrefix(f, prefix) {
			c.store.used -= int64(len(o.data))
			delete(c.store.files, f)
		}
	}
	for d := range c.store.dirs {
		if d != "/" && (d == full || strings.HasPrefix(d, prefix)) {
			delete(c.store.dirs, d)
		}
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	full := clean(p)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	o, ok := c.store.files[full]
	if !ok {
		return client.NewError(client.KindNotFound, "delete", p, os.ErrNotExist)
	}
	c.store.used -= int64(len(o.data))
	delete(c.store.files, full)
	return nil
}

// RenameFile moves a file atomically, replacing any file at the target.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	if c.config.NoRename {
		return false, nil
	}
	src, dst := clean(from), clean(to)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	o, ok := c.store.files[src]
	if !ok {
		return false, client.NewError(client.KindNotFound, "rename", from, os.ErrNotExist)
	}
	if c.store.dirs[dst] {
		return false, client.NewError(client.KindConflict, "rename", to, fmt.Errorf("%s is a directory", to))
	}
	if old, ok := c.store.files[dst]; ok {
		c.store.used -= int64(len(old.data))
	}
	c.store.mkdirAll(path.Dir(dst))
	c.store.files[dst] = o
	delete(c.store.files, src)
	return true, nil
}

// FreeSpace returns the remaining capacity, or -1 when unlimited.
func (c *Client) FreeSpace(ctx context.Context, p string) (int64, error) {
	if !c.IsConnected() {
		return 0, client.ErrNotConnected
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if c.store.capacity == 0 {
		return -1, nil
	}
	return c.store.capacity - c.store.used, nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolMemory
}

// GetConfig returns the memory configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports what the memory backend supports.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{AtomicRename: !c.config.NoRename}
}
