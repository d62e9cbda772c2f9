// Package local implements the storage client for the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"digital.vasic.fileops/pkg/client"
)

// Config contains local filesystem configuration.
type Config struct {
	BasePath string `json:"base_path" mapstructure:"base_path"`
}

// Client implements client.Client for the local filesystem.
type Client struct {
	config    *Config
	basePath  string
	connected bool
}

// NewLocalClient creates a new local filesystem client.
func NewLocalClient(config *Config) *Client {
	return &Client{
		config:   config,
		basePath: config.BasePath,
	}
}

// Connect validates that the base path is an accessible directory.
func (c *Client) Connect(ctx context.Context) error {
	info, err := os.Stat(c.basePath)
	if err != nil {
		return client.Classify("connect", c.basePath, fmt.Errorf("failed to access base path %s: %w", c.basePath, err))
	}
	if !info.IsDir() {
		return client.NewError(client.KindInvalid, "connect", c.basePath, fmt.Errorf("base path %s is not a directory", c.basePath))
	}
	c.connected = true
	return nil
}

// Disconnect closes the connection (no-op for local filesystem).
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection tests the connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	_, err := os.Stat(c.basePath)
	return client.Classify("test", c.basePath, err)
}

// resolvePath resolves a relative path to an absolute path within the base
// directory. Leading ".." elements cannot climb above the base.
func (c *Client) resolvePath(path string) string {
	return filepath.Join(c.basePath, filepath.Clean(string(filepath.Separator)+path))
}

// ReadFile opens a file for reading.
func (c *Client) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, client.Classify("read", path, fmt.Errorf("failed to open local file %s: %w", fullPath, err))
	}
	return file, nil
}

// WriteFile streams data into a file, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, path string, data io.Reader) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return client.Classify("write", path, fmt.Errorf("failed to create directory %s: %w", dir, err))
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return client.Classify("write", path, fmt.Errorf("failed to create local file %s: %w", fullPath, err))
	}

	if _, err = io.Copy(file, data); err != nil {
		file.Close()
		return client.Classify("write", path, fmt.Errorf("failed to write local file %s: %w", fullPath, err))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return client.Classify("write", path, fmt.Errorf("failed to sync local file %s: %w", fullPath, err))
	}
	return client.Classify("write", path, file.Close())
}

// GetFileInfo gets information about a file.
func (c *Client) GetFileInfo(ctx context.Context, path string) (*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)
	stat, err := os.Stat(fullPath)
	if err != nil {
		return nil, client.Classify("stat", path, fmt.Errorf("failed to stat local file %s: %w", fullPath, err))
	}

	return &client.FileInfo{
		Name:    stat.Name(),
		Size:    stat.Size(),
		ModTime: stat.ModTime(),
		IsDir:   stat.IsDir(),
		Mode:    stat.Mode(),
		Path:    path,
	}, nil
}

// ListDirectory lists files in a directory.
func (c *Client) ListDirectory(ctx context.Context, path string) ([]*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, client.Classify("list", path, fmt.Errorf("failed to list local directory %s: %w", fullPath, err))
	}

	var files []*client.FileInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, &client.FileInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   entry.IsDir(),
			Mode:    info.Mode(),
			Path:    filepath.ToSlash(filepath.Join(path, entry.Name())),
		})
	}

	return files, nil
}

// FileExists checks if a file exists.
func (c *Client) FileExists(ctx context.Context, path string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)
	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, client.Classify("stat", path, fmt.Errorf("failed to check local file existence %s: %w", fullPath, err))
	}
	return true, nil
}

// CreateDirectory creates a directory and any missing parents.
func (c *Client) CreateDirectory(ctx context.Context, path string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return client.Classify("mkdir", path, fmt.Errorf("failed to create local directory %s: %w", fullPath, err))
	}
	return nil
}

// DeleteDirectory deletes a directory and its contents.
func (c *Client) DeleteDirectory(ctx context.Context, path string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)
	if err := os.RemoveAll(fullPath); err != nil {
		return client.Classify("rmdir", path, fmt.Errorf("failed to delete local directory %s: %w", fullPath, err))
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, path string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	fullPath := c.resolvePath(path)
	if err := os.Remove(fullPath); err != nil {
		return client.Classify("delete", path, fmt.Errorf("failed to delete local file %s: %w", fullPath, err))
	}
	return nil
}

// RenameFile renames a file with rename(2), creating the target directory.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	src := c.resolvePath(from)
	dst := c.resolvePath(to)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, client.Classify("rename", to, fmt.Errorf("failed to create directory for %s: %w", dst, err))
	}
	if err := os.Rename(src, dst); err != nil {
		return false, client.Classify("rename", from, fmt.Errorf("failed to rename %s to %s: %w", src, dst, err))
	}
	return true, nil
}

// FreeSpace reports the bytes available to an unprivileged writer.
func (c *Client) FreeSpace(ctx context.Context, path string) (int64, error) {
	if !c.IsConnected() {
		return 0, client.ErrNotConnected
	}
	usage, err := disk.UsageWithContext(ctx, c.basePath)
	if err != nil {
		return 0, client.Classify("statfs", path, fmt.Errorf("failed to query free space of %s: %w", c.basePath, err))
	}
	return int64(usage.Free), nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolLocal
}

// GetConfig returns the local configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports POSIX rename semantics.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{AtomicRename: true}
}
