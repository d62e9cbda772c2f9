//go:build linux
// +build linux

// Package nfs implements the storage client for NFS exports. The export is
// mounted with mount(2) and file operations run against the mount point.
package nfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/local"
)

// Config contains NFS connection configuration.
type Config struct {
	Host       string `json:"host" mapstructure:"host"`
	Path       string `json:"path" mapstructure:"path"`
	MountPoint string `json:"mount_point" mapstructure:"mount_point"`
	Options    string `json:"options" mapstructure:"options"`
}

// Client implements client.Client for NFS. File operations are delegated
// to a local client rooted at the mount point.
type Client struct {
	*local.Client
	config     Config
	attached   bool
	mountPoint string
}

// mountTable counts the sessions of this process using each mount point.
// The export is unmounted when the last one disconnects, and only if this
// process mounted it.
type mountTable struct {
	mu    sync.Mutex
	refs  map[string]int
	owned map[string]bool
}

var (
	mounts    = &mountTable{refs: make(map[string]int), owned: make(map[string]bool)}
	mountFn   = syscall.Mount
	unmountFn = syscall.Unmount
)

func (t *mountTable) attach(ctx context.Context, c *Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs[c.mountPoint] == 0 && !c.isMounted(ctx) {
		if err := os.MkdirAll(c.mountPoint, 0755); err != nil {
			return client.Classify("connect", c.mountPoint, fmt.Errorf("failed to create mount point %s: %w", c.mountPoint, err))
		}
		source := fmt.Sprintf("%s:%s", c.config.Host, c.config.Path)
		options := "vers=3"
		if c.config.Options != "" {
			options = c.config.Options
		}
		if err := mountFn(source, c.mountPoint, "nfs", 0, options); err != nil {
			return client.Classify("connect", source, fmt.Errorf("failed to mount NFS share %s to %s: %w", source, c.mountPoint, err))
		}
		t.owned[c.mountPoint] = true
	}
	t.refs[c.mountPoint]++
	return nil
}

func (t *mountTable) detach(mountPoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs[mountPoint]--; t.refs[mountPoint] > 0 {
		return nil
	}
	delete(t.refs, mountPoint)
	if !t.owned[mountPoint] {
		return nil
	}
	if err := unmountFn(mountPoint, 0); err != nil {
		return client.Classify("disconnect", mountPoint, fmt.Errorf("failed to unmount NFS share from %s: %w", mountPoint, err))
	}
	delete(t.owned, mountPoint)
	return nil
}

// NewNFSClient creates a new NFS client.
func NewNFSClient(config Config) (*Client, error) {
	if config.MountPoint == "" {
		return nil, client.NewError(client.KindInvalid, "nfs", "", fmt.Errorf("mount point is required"))
	}
	mountPoint := filepath.Clean(config.MountPoint)
	return &Client{
		Client:     local.NewLocalClient(&local.Config{BasePath: mountPoint}),
		config:     config,
		mountPoint: mountPoint,
	}, nil
}

// Connect mounts the export unless it is already mounted.
func (c *Client) Connect(ctx context.Context) error {
	if !c.attached {
		if err := mounts.attach(ctx, c); err != nil {
			return err
		}
		c.attached = true
	}
	if err := c.Client.Connect(ctx); err != nil {
		c.attached = false
		_ = mounts.detach(c.mountPoint)
		return err
	}
	return nil
}

// Disconnect releases the mount. The last session of the process unmounts
// the export if the process mounted it.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.attached {
		c.attached = false
		if err := mounts.detach(c.mountPoint); err != nil {
			_ = c.Client.Disconnect(ctx)
			return err
		}
	}
	return c.Client.Disconnect(ctx)
}

// isMounted reports whether the mount point appears in the mount table.
func (c *Client) isMounted(ctx context.Context) bool {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return false
	}
	for _, p := range parts {
		if filepath.Clean(p.Mountpoint) == c.mountPoint {
			return true
		}
	}
	return false
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolNFS
}

// GetConfig returns the NFS configuration.
func (c *Client) GetConfig() interface{} {
	return &c.config
}
