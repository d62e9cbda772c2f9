// Package ftp implements the storage client for the FTP protocol.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"time"

	goftp "github.com/jlaffaye/ftp"

	"digital.vasic.fileops/pkg/client"
)

// Config contains FTP connection configuration.
type Config struct {
	Host        string        `json:"host" mapstructure:"host"`
	Port        int           `json:"port" mapstructure:"port"`
	Username    string        `json:"username" mapstructure:"username"`
	Password    string        `json:"password" mapstructure:"password"`
	Path        string        `json:"path" mapstructure:"path"`
	ExplicitTLS bool          `json:"explicit_tls" mapstructure:"explicit_tls"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxSessions int           `json:"max_sessions" mapstructure:"max_sessions"`
}

// Reply codes without a named constant in the ftp package.
const (
	statusInsufficientStorage = 452
	statusExceededStorage     = 552
	statusBadFileName         = 553
)

// Client implements client.Client for FTP protocol. The control channel
// carries one command at a time, so every call takes the channel first; a
// reader returned by ReadFile keeps it until closed.
type Client struct {
	config    *Config
	client    *goftp.ServerConn
	connected bool
	busy      chan struct{}
}

// NewFTPClient creates a new FTP client.
func NewFTPClient(config *Config) *Client {
	return &Client{
		config: config,
		busy:   make(chan struct{}, 1),
	}
}

// Connect dials the server, logs in and changes to the base directory.
func (c *Client) Connect(ctx context.Context) error {
	port := c.config.Port
	if port == 0 {
		port = 21
	}
	timeout := c.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(c.config.Host, fmt.Sprintf("%d", port))

	opts := []goftp.DialOption{
		goftp.DialWithTimeout(timeout),
		goftp.DialWithContext(ctx),
	}
	if c.config.ExplicitTLS {
		opts = append(opts, goftp.DialWithExplicitTLS(&tls.Config{ServerName: c.config.Host}))
	}

	ftpClient, err := goftp.Dial(addr, opts...)
	if err != nil {
		return classify("connect", addr, fmt.Errorf("failed to connect to FTP server: %w", err))
	}

	if err = ftpClient.Login(c.config.Username, c.config.Password); err != nil {
		ftpClient.Quit()
		return classify("login", addr, fmt.Errorf("failed to login to FTP server: %w", err))
	}

	if c.config.Path != "" {
		if err = ftpClient.ChangeDir(c.config.Path); err != nil {
			ftpClient.Quit()
			return classify("connect", c.config.Path, fmt.Errorf("failed to change to base directory %s: %w", c.config.Path, err))
		}
	}

	c.client = ftpClient
	c.connected = true
	return nil
}

// Disconnect closes the FTP connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	if c.client != nil {
		err := c.client.Quit()
		c.client = nil
		return err
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected && c.client != nil
}

// TestConnection sends a NOOP on the control channel.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	return classify("test", "", c.client.NoOp())
}

func (c *Client) lock(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	select {
	case c.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return client.Classify("lock", "", ctx.Err())
	}
}

func (c *Client) unlock() {
	<-c.busy
}

// resolvePath resolves a path within the FTP base directory.
func (c *Client) resolvePath(p string) string {
	clean := path.Clean("/" + p)
	if c.config.Path != "" {
		return path.Join(c.config.Path, clean)
	}
	return strings.TrimPrefix(clean, "/")
}

type readCloser struct {
	*goftp.Response
	once   sync.Once
	unlock func()
}

func (r *readCloser) Close() error {
	err := r.Response.Close()
	r.once.Do(r.unlock)
	return err
}

// ReadFile retrieves a file. The control channel stays busy until the
// returned reader is closed.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	fullPath := c.resolvePath(p)
	resp, err := c.client.Retr(fullPath)
	if err != nil {
		c.unlock()
		return nil, classify("read", p, fmt.Errorf("failed to retrieve FTP file %s: %w", fullPath, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = resp.SetDeadline(deadline)
	}
	return &readCloser{Response: resp, unlock: c.unlock}, nil
}

// WriteFile stores a file. A partial upload is removed when the server
// rejects it; a broken transfer drops the connection.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	fullPath := c.resolvePath(p)

	if err := c.mkdirAll(path.Dir(fullPath)); err != nil {
		return classify("write", p, fmt.Errorf("failed to create FTP directory for %s: %w", fullPath, err))
	}

	err := c.client.Stor(fullPath, &ctxReader{ctx: ctx, r: data})
	if err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) {
			_ = c.client.Delete(fullPath)
		} else {
			_ = c.client.Quit()
			c.client = nil
			c.connected = false
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return classify("write", p, fmt.Errorf("failed to store FTP file %s: %w", fullPath, err))
	}
	return nil
}

// GetFileInfo gets information about a file or directory.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()
	fullPath := c.resolvePath(p)

	entry, err := c.entry(fullPath)
	if err != nil {
		return nil, classify("stat", p, fmt.Errorf("failed to get FTP file info %s: %w", fullPath, err))
	}
	return toFileInfo(entry, p), nil
}

// entry uses MLST when available and falls back to listing the parent.
func (c *Client) entry(fullPath string) (*goftp.Entry, error) {
	if e, err := c.client.GetEntry(fullPath); err == nil {
		e.Name = path.Base(fullPath)
		return e, nil
	}
	name := path.Base(fullPath)
	entries, err := c.client.List(path.Dir(fullPath))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, &textproto.Error{Code: goftp.StatusFileUnavailable, Msg: "no such file"}
}

// ListDirectory lists files in a directory.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()
	fullPath := c.resolvePath(p)

	entries, err := c.client.List(fullPath)
	if err != nil {
		return nil, classify("list", p, fmt.Errorf("failed to list FTP directory %s: %w", fullPath, err))
	}

	files := make([]*client.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		files = append(files, toFileInfo(e, path.Join(p, e.Name)))
	}
	return files, nil
}

// FileExists checks if a file exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if err := c.lock(ctx); err != nil {
		return false, err
	}
	defer c.unlock()
	fullPath := c.resolvePath(p)

	if _, err := c.entry(fullPath); err != nil {
		err = classify("stat", p, err)
		if errors.Is(err, client.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDirectory creates a directory and any missing parents.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	fullPath := c.resolvePath(p)
	if err := c.mkdirAll(fullPath); err != nil {
		return classify("mkdir", p, fmt.Errorf("failed to create FTP directory %s: %w", fullPath, err))
	}
	return nil
}

func (c *Client) mkdirAll(dir string) error {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	prefix := ""
	if strings.HasPrefix(dir, "/") {
		prefix = "/"
	}
	cur := prefix
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur = path.Join(cur, part)
		if err := c.client.MakeDir(cur); err != nil {
			var protoErr *textproto.Error
			if errors.As(err, &protoErr) && protoErr.Code == goftp.StatusFileUnavailable {
				continue
			}
			return err
		}
	}
	return nil
}

// DeleteDirectory deletes a directory and its contents.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	fullPath := c.resolvePath(p)
	if err := c.client.RemoveDirRecur(fullPath); err != nil {
		return classify("rmdir", p, fmt.Errorf("failed to delete FTP directory %s: %w", fullPath, err))
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	fullPath := c.resolvePath(p)
	if err := c.client.Delete(fullPath); err != nil {
		return c.refused("delete", p, fullPath, fmt.Errorf("failed to delete FTP file %s: %w", fullPath, err))
	}
	return nil
}

// refused classifies a refused change of fullPath, reporting NotFound when
// the path does not exist.
func (c *Client) refused(op, p, fullPath string, err error) error {
	typed := classify(op, p, err)
	if !errors.Is(typed, client.ErrPermissionDenied) {
		return typed
	}
	if _, serr := c.entry(fullPath); errors.Is(classify("stat", p, serr), client.ErrNotFound) {
		return client.NewError(client.KindNotFound, op, p, err)
	}
	return typed
}

// RenameFile renames with RNFR/RNTO.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if err := c.lock(ctx); err != nil {
		return false, err
	}
	defer c.unlock()
	src := c.resolvePath(from)
	dst := c.resolvePath(to)
	if err := c.mkdirAll(path.Dir(dst)); err != nil {
		return false, classify("rename", to, fmt.Errorf("failed to create FTP directory for %s: %w", dst, err))
	}
	if err := c.client.Rename(src, dst); err != nil {
		return false, c.refused("rename", from, src, fmt.Errorf("failed to rename FTP file %s to %s: %w", src, dst, err))
	}
	return true, nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolFTP
}

// GetConfig returns the FTP configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports a stateful control channel.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{
		AtomicRename: true,
		Stateful:     true,
		MaxSessions:  c.config.MaxSessions,
	}
}

func toFileInfo(e *goftp.Entry, p string) *client.FileInfo {
	size := int64(e.Size)
	if e.Size > uint64(1<<63-1) {
		size = 1<<63 - 1
	}
	return &client.FileInfo{
		Name:    e.Name,
		Size:    size,
		ModTime: e.Time,
		IsDir:   e.Type == goftp.EntryTypeFolder,
		Mode:    0644,
		Path:    p,
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// mutating lists the operations for which 550 means the change was refused.
var mutating = map[string]bool{"write": true, "delete": true, "rename": true, "mkdir": true, "rmdir": true}

// classify maps FTP reply codes to error kinds and defers the rest to
// client.Classify. 550 is NotFound for lookups and PermissionDenied for
// changes.
func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		var kind client.Kind
		switch protoErr.Code {
		case goftp.StatusFileUnavailable:
			kind = client.KindNotFound
			if mutating[op] {
				kind = client.KindPermissionDenied
			}
		case goftp.StatusFileActionIgnored:
			kind = client.KindNotFound
		case goftp.StatusNotLoggedIn:
			kind = client.KindAuth
		case goftp.StatusNotAvailable, goftp.StatusCanNotOpenDataConnection, goftp.StatusTransfertAborted:
			kind = client.KindUnreachable
		case statusInsufficientStorage, statusExceededStorage:
			kind = client.KindQuotaExceeded
		case statusBadFileName:
			kind = client.KindInvalid
		default:
			kind = client.KindProtocol
		}
		return client.NewError(kind, op, p, err)
	}
	return client.Classify(op, p, err)
}
