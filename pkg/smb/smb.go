// Package smb implements the storage client for the SMB protocol.
package smb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"

	"digital.vasic.fileops/pkg/client"
)

// Config contains SMB connection configuration.
type Config struct {
	Host     string        `json:"host" mapstructure:"host"`
	Port     int           `json:"port" mapstructure:"port"`
	Share    string        `json:"share" mapstructure:"share"`
	Username string        `json:"username" mapstructure:"username"`
	Password string        `json:"password" mapstructure:"password"`
	Domain   string        `json:"domain" mapstructure:"domain"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NTSTATUS codes mapped to error kinds. See [MS-ERREF] 2.3.1.
const (
	statusNoSuchFile          = 0xC000000F
	statusAccessDenied        = 0xC0000022
	statusObjectNameNotFound  = 0xC0000034
	statusObjectNameCollision = 0xC0000035
	statusObjectPathNotFound  = 0xC000003A
	statusQuotaExceeded       = 0xC0000044
	statusLogonFailure        = 0xC000006D
	statusAccountDisabled     = 0xC0000072
	statusDiskFull            = 0xC000007F
	statusIOTimeout           = 0xC00000B5
	statusNetworkNameDeleted  = 0xC00000C9
	statusBadNetworkName      = 0xC00000CC
	statusUserSessionDeleted  = 0xC0000203
)

// Client implements client.Client for SMB protocol.
type Client struct {
	conn    net.Conn
	session *smb2.Session
	share   *smb2.Share
	config  *Config
}

// NewSMBClient creates a new SMB client.
func NewSMBClient(config *Config) *Client {
	return &Client{
		config: config,
	}
}

// Connect dials the server, authenticates with NTLM and mounts the share.
func (c *Client) Connect(ctx context.Context) error {
	port := c.config.Port
	if port == 0 {
		port = 445
	}
	addr := net.JoinHostPort(c.config.Host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return client.Classify("connect", addr, fmt.Errorf("failed to connect to SMB server: %w", err))
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     c.config.Username,
			Password: c.config.Password,
			Domain:   c.config.Domain,
		},
	}

	session, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return classify("connect", addr, fmt.Errorf("failed to create SMB session: %w", err))
	}

	share, err := session.Mount(c.config.Share)
	if err != nil {
		session.Logoff()
		conn.Close()
		return classify("mount", c.config.Share, fmt.Errorf("failed to mount SMB share: %w", err))
	}

	c.conn = conn
	c.session = session
	c.share = share
	return nil
}

// Disconnect unmounts the share, logs off and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	var errs []error

	if c.share != nil {
		if err := c.share.Umount(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmount share: %w", err))
		}
		c.share = nil
	}
	if c.session != nil {
		if err := c.session.Logoff(); err != nil {
			errs = append(errs, fmt.Errorf("failed to logoff session: %w", err))
		}
		c.session = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
		c.conn = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing SMB client: %w", errors.Join(errs...))
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.share != nil && c.session != nil && c.conn != nil
}

// TestConnection tests the SMB connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	_, err := c.share.WithContext(ctx).Stat("")
	return classify("test", "", err)
}

// ReadFile opens a file on the SMB share for reading.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	file, err := c.share.WithContext(ctx).Open(toSambaPath(p))
	if err != nil {
		return nil, classify("read", p, fmt.Errorf("failed to open SMB file %s: %w", p, err))
	}
	return file, nil
}

// WriteFile streams data into a file on the SMB share.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	share := c.share.WithContext(ctx)
	if err := mkdirAll(share, path.Dir(p)); err != nil {
		return classify("write", p, fmt.Errorf("failed to create SMB directory for %s: %w", p, err))
	}
	file, err := share.Create(toSambaPath(p))
	if err != nil {
		return classify("write", p, fmt.Errorf("failed to create SMB file %s: %w", p, err))
	}
	if _, err = io.Copy(file, data); err != nil {
		file.Close()
		return classify("write", p, fmt.Errorf("failed to write SMB file %s: %w", p, err))
	}
	if err := file.Close(); err != nil {
		return classify("write", p, fmt.Errorf("failed to close SMB file %s: %w", p, err))
	}
	return nil
}

// GetFileInfo gets information about a file.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	stat, err := c.share.WithContext(ctx).Stat(toSambaPath(p))
	if err != nil {
		return nil, classify("stat", p, fmt.Errorf("failed to stat SMB file %s: %w", p, err))
	}
	return &client.FileInfo{
		Name:    stat.Name(),
		Size:    stat.Size(),
		ModTime: stat.ModTime(),
		IsDir:   stat.IsDir(),
		Mode:    stat.Mode(),
		Path:    p,
	}, nil
}

// ListDirectory lists files in a directory.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	entries, err := c.share.WithContext(ctx).ReadDir(toSambaPath(p))
	if err != nil {
		return nil, classify("list", p, fmt.Errorf("failed to list SMB directory %s: %w", p, err))
	}

	files := make([]*client.FileInfo, 0, len(entries))
	for _, entry := range entries {
		files = append(files, &client.FileInfo{
			Name:    entry.Name(),
			Size:    entry.Size(),
			ModTime: entry.ModTime(),
			IsDir:   entry.IsDir(),
			Mode:    entry.Mode(),
			Path:    path.Join(p, entry.Name()),
		})
	}
	return files, nil
}

// FileExists checks if a file exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	_, err := c.share.WithContext(ctx).Stat(toSambaPath(p))
	if err != nil {
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
	if err := mkdirAll(c.share.WithContext(ctx), p); err != nil {
		return classify("mkdir", p, fmt.Errorf("failed to create SMB directory %s: %w", p, err))
	}
	return nil
}

// DeleteDirectory deletes an empty directory.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if err := c.share.WithContext(ctx).Remove(toSambaPath(p)); err != nil {
		return classify("rmdir", p, fmt.Errorf("failed to delete SMB directory %s: %w", p, err))
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if err := c.share.WithContext(ctx).Remove(toSambaPath(p)); err != nil {
		return classify("delete", p, fmt.Errorf("failed to delete SMB file %s: %w", p, err))
	}
	return nil
}

// RenameFile renames a file within the share.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	share := c.share.WithContext(ctx)
	if err := mkdirAll(share, path.Dir(to)); err != nil {
		return false, classify("rename", to, fmt.Errorf("failed to create SMB directory for %s: %w", to, err))
	}
	if err := share.Rename(toSambaPath(from), toSambaPath(to)); err != nil {
		return false, classify("rename", from, fmt.Errorf("failed to rename SMB file %s to %s: %w", from, to, err))
	}
	return true, nil
}

// FreeSpace reports the bytes available to the session user.
func (c *Client) FreeSpace(ctx context.Context, p string) (int64, error) {
	if !c.IsConnected() {
		return 0, client.ErrNotConnected
	}
	stat, err := c.share.WithContext(ctx).Statfs(toSambaPath(p))
	if err != nil {
		return 0, classify("statfs", p, fmt.Errorf("failed to query SMB free space: %w", err))
	}
	return int64(stat.BlockSize()) * int64(stat.AvailableBlockCount()), nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolSMB
}

// GetConfig returns the SMB configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports server side rename.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{AtomicRename: true}
}

func toSambaPath(p string) string {
	return strings.ReplaceAll(strings.Trim(path.Clean("/"+p), "/"), "/", `\`)
}

func mkdirAll(share *smb2.Share, dir string) error {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	if dir == "" {
		return nil
	}
	var cur string
	for _, part := range strings.Split(dir, "/") {
		cur = path.Join(cur, part)
		if st, err := share.Stat(toSambaPath(cur)); err == nil {
			if !st.IsDir() {
				return fmt.Errorf("%s is not a directory", cur)
			}
			continue
		}
		if err := share.Mkdir(toSambaPath(cur), 0755); err != nil && !errors.Is(classify("mkdir", cur, err), client.ErrConflict) {
			return err
		}
	}
	return nil
}

// classify maps NTSTATUS responses to error kinds and defers the rest to
// client.Classify.
func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *smb2.ResponseError
	if errors.As(err, &rerr) {
		if kind, ok := statusKind(rerr.Code); ok {
			e := client.NewError(kind, op, p, err)
			if kind == client.KindConflict {
				e.Reason = client.ConflictExistingFile
			}
			return e
		}
	}
	return client.Classify(op, p, err)
}

func statusKind(code uint32) (client.Kind, bool) {
	switch code {
	case statusNoSuchFile, statusObjectNameNotFound, statusObjectPathNotFound, statusBadNetworkName:
		return client.KindNotFound, true
	case statusAccessDenied:
		return client.KindPermissionDenied, true
	case statusLogonFailure, statusAccountDisabled:
		return client.KindAuth, true
	case statusDiskFull, statusQuotaExceeded:
		return client.KindQuotaExceeded, true
	case statusObjectNameCollision:
		return client.KindConflict, true
	case statusIOTimeout:
		return client.KindTimeout, true
	case statusNetworkNameDeleted, statusUserSessionDeleted:
		return client.KindUnreachable, true
	}
	return 0, false
}
