// Package sftp implements the storage client for SFTP over SSH.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"digital.vasic.fileops/pkg/client"
)

// Config contains SFTP connection configuration.
type Config struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	Username       string        `json:"username" mapstructure:"username"`
	Password       string        `json:"password" mapstructure:"password"`
	PrivateKey     []byte        `json:"-" mapstructure:"-"`
	BasePath       string        `json:"base_path" mapstructure:"base_path"`
	KnownHostsFile string        `json:"known_hosts_file" mapstructure:"known_hosts_file"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
}

// SSH_FXP_STATUS codes beyond version 3 that some servers send.
const (
	fxNoSpaceOnFilesystem = 14
	fxQuotaExceeded       = 15
	fxFileAlreadyExists   = 11
)

// Client implements client.Client for SFTP.
type Client struct {
	config  *Config
	sshConn *ssh.Client
	client  *sftp.Client
}

// NewSFTPClient creates a new SFTP client.
func NewSFTPClient(config *Config) *Client {
	return &Client{config: config}
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            c.config.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
	}
	if c.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", c.config.KnownHostsFile, err)
		}
		cfg.HostKeyCallback = cb
	}
	if len(c.config.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if c.config.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(c.config.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, fmt.Errorf("no authentication method provided")
	}
	return cfg, nil
}

// Connect dials the SSH server and opens the SFTP subsystem.
func (c *Client) Connect(ctx context.Context) error {
	cfg, err := c.clientConfig()
	if err != nil {
		return client.NewError(client.KindAuth, "connect", c.config.Host, err)
	}

	port := c.config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(c.config.Host, fmt.Sprintf("%d", port))

	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return client.Classify("connect", addr, fmt.Errorf("failed to connect to SSH: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return classify("connect", addr, fmt.Errorf("failed to establish SSH session: %w", err))
	}
	_ = conn.SetDeadline(time.Time{})
	sshConn := ssh.NewClient(sshc, chans, reqs)

	sftpClient, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return classify("connect", addr, fmt.Errorf("failed to create SFTP client: %w", err))
	}

	c.sshConn = sshConn
	c.client = sftpClient
	return nil
}

// Disconnect closes the SFTP and SSH connections.
func (c *Client) Disconnect(ctx context.Context) error {
	var errs []error
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			errs = append(errs, err)
		}
		c.client = nil
	}
	if c.sshConn != nil {
		if err := c.sshConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		c.sshConn = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing SFTP client: %w", errors.Join(errs...))
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client != nil
}

// TestConnection checks the session with a round trip.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	_, err := c.client.Getwd()
	return classify("test", "", err)
}

// resolvePath resolves a path within the base directory.
func (c *Client) resolvePath(p string) string {
	clean := path.Clean("/" + p)
	if c.config.BasePath == "" {
		return strings.TrimPrefix(clean, "/")
	}
	return path.Join(c.config.BasePath, clean)
}

// ReadFile opens a remote file for reading.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	f, err := c.client.Open(c.resolvePath(p))
	if err != nil {
		return nil, classify("read", p, fmt.Errorf("failed to open SFTP file %s: %w", p, err))
	}
	return f, nil
}

// WriteFile streams data into a remote file, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	full := c.resolvePath(p)
	if dir := path.Dir(full); dir != "." && dir != "/" {
		if err := c.client.MkdirAll(dir); err != nil {
			return classify("write", p, fmt.Errorf("failed to create SFTP directory %s: %w", dir, err))
		}
	}
	f, err := c.client.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return classify("write", p, fmt.Errorf("failed to create SFTP file %s: %w", p, err))
	}
	if _, err := f.ReadFrom(&ctxReader{ctx: ctx, r: data}); err != nil {
		f.Close()
		return classify("write", p, fmt.Errorf("failed to write SFTP file %s: %w", p, err))
	}
	if err := f.Close(); err != nil {
		return classify("write", p, fmt.Errorf("failed to close SFTP file %s: %w", p, err))
	}
	return nil
}

// GetFileInfo gets information about a file.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	st, err := c.client.Stat(c.resolvePath(p))
	if err != nil {
		return nil, classify("stat", p, fmt.Errorf("failed to stat SFTP file %s: %w", p, err))
	}
	return toFileInfo(st, p), nil
}

// ListDirectory lists files in a directory.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	entries, err := c.client.ReadDir(c.resolvePath(p))
	if err != nil {
		return nil, classify("list", p, fmt.Errorf("failed to list SFTP directory %s: %w", p, err))
	}
	files := make([]*client.FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, toFileInfo(e, path.Join(p, e.Name())))
	}
	return files, nil
}

// FileExists checks if a file exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	if _, err := c.client.Stat(c.resolvePath(p)); err != nil {
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
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if err := c.client.MkdirAll(c.resolvePath(p)); err != nil {
		return classify("mkdir", p, fmt.Errorf("failed to create SFTP directory %s: %w", p, err))
	}
	return nil
}

// DeleteDirectory deletes a directory and its contents.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	full := c.resolvePath(p)
	walker := c.client.Walk(full)
	var files, dirs []string
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return classify("rmdir", p, fmt.Errorf("failed to walk SFTP directory %s: %w", p, err))
		}
		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
		} else {
			files = append(files, walker.Path())
		}
	}
	for _, f := range files {
		if err := c.client.Remove(f); err != nil {
			return classify("rmdir", p, fmt.Errorf("failed to delete SFTP file %s: %w", f, err))
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := c.client.RemoveDirectory(dirs[i]); err != nil {
			return classify("rmdir", p, fmt.Errorf("failed to delete SFTP directory %s: %w", dirs[i], err))
		}
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if err := c.client.Remove(c.resolvePath(p)); err != nil {
		return classify("delete", p, fmt.Errorf("failed to delete SFTP file %s: %w", p, err))
	}
	return nil
}

// RenameFile renames a file. The posix-rename extension is used when the
// server supports it.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	src, dst := c.resolvePath(from), c.resolvePath(to)
	if dir := path.Dir(dst); dir != "." && dir != "/" {
		if err := c.client.MkdirAll(dir); err != nil {
			return false, classify("rename", to, fmt.Errorf("failed to create SFTP directory %s: %w", dir, err))
		}
	}
	if _, ok := c.client.HasExtension("posix-rename@openssh.com"); ok {
		if err := c.client.PosixRename(src, dst); err != nil {
			return false, classify("rename", from, fmt.Errorf("failed to rename SFTP file %s to %s: %w", from, to, err))
		}
		return true, nil
	}
	if err := c.client.Rename(src, dst); err != nil {
		return false, classify("rename", from, fmt.Errorf("failed to rename SFTP file %s to %s: %w", from, to, err))
	}
	return true, nil
}

// FreeSpace uses the statvfs extension when the server supports it and
// returns -1 otherwise.
func (c *Client) FreeSpace(ctx context.Context, p string) (int64, error) {
	if !c.IsConnected() {
		return 0, client.ErrNotConnected
	}
	if _, ok := c.client.HasExtension("statvfs@openssh.com"); !ok {
		return -1, nil
	}
	st, err := c.client.StatVFS(c.resolvePath(p))
	if err != nil {
		return 0, classify("statfs", p, fmt.Errorf("failed to query SFTP free space: %w", err))
	}
	return int64(st.FreeSpace()), nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolSFTP
}

// GetConfig returns the SFTP configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports rename support.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{AtomicRename: true}
}

func toFileInfo(st os.FileInfo, p string) *client.FileInfo {
	return &client.FileInfo{
		Name:    st.Name(),
		Size:    st.Size(),
		ModTime: st.ModTime(),
		IsDir:   st.IsDir(),
		Mode:    st.Mode(),
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

// classify maps SFTP status codes and SSH handshake failures to error kinds.
func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case fxNoSpaceOnFilesystem, fxQuotaExceeded:
			return client.NewError(client.KindQuotaExceeded, op, p, err)
		case fxFileAlreadyExists:
			e := client.NewError(client.KindConflict, op, p, err)
			e.Reason = client.ConflictExistingFile
			return e
		}
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return client.NewError(client.KindAuth, op, p, err)
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return client.NewError(client.KindAuth, op, p, err)
	}
	return client.Classify(op, p, err)
}
