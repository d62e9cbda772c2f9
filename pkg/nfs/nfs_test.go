//go:build linux
// +build linux

package nfs

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.fileops/pkg/client"
)

var (
	_ client.Client        = (*Client)(nil)
	_ client.SpaceReporter = (*Client)(nil)
)

func TestNewNFSClient(t *testing.T) {
	config := Config{
		Host:       "nas.local",
		Path:       "/export/media",
		MountPoint: "/tmp/fileops-test-mount/nfs/",
		Options:    "vers=3",
	}
	c, err := NewNFSClient(config)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, &config, c.GetConfig())
	assert.Equal(t, "/tmp/fileops-test-mount/nfs", c.mountPoint)
	assert.Equal(t, client.ProtocolNFS, c.GetProtocol())
	assert.True(t, c.Capabilities().AtomicRename)
	assert.False(t, c.IsConnected())
}

func TestNewNFSClient_EmptyMountPoint(t *testing.T) {
	c, err := NewNFSClient(Config{Host: "nas.local", Path: "/export"})
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, client.ErrInvalid))
	assert.Contains(t, err.Error(), "mount point is required")
}

func TestNFSClient_NotConnected(t *testing.T) {
	c, err := NewNFSClient(Config{MountPoint: "/mnt/nfs"})
	require.NoError(t, err)
	ctx := context.Background()

	calls := map[string]func() error{
		"test":   func() error { return c.TestConnection(ctx) },
		"read":   func() error { _, err := c.ReadFile(ctx, "a"); return err },
		"write":  func() error { return c.WriteFile(ctx, "a", nil) },
		"list":   func() error { _, err := c.ListDirectory(ctx, "/"); return err },
		"rename": func() error { _, err := c.RenameFile(ctx, "a", "b"); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			assert.True(t, errors.Is(err, client.ErrUnreachable))
			assert.Contains(t, err.Error(), "not connected")
		})
	}
}

func TestNFSClient_IsMounted(t *testing.T) {
	ctx := context.Background()
	if !rootMounted(ctx) {
		t.Skip("mount table not readable")
	}

	c, err := NewNFSClient(Config{MountPoint: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, c.isMounted(ctx))

	c, err = NewNFSClient(Config{MountPoint: "/"})
	require.NoError(t, err)
	assert.True(t, c.isMounted(ctx))
}

func TestNFSClient_ConnectUsesExistingMount(t *testing.T) {
	ctx := context.Background()
	if !rootMounted(ctx) {
		t.Skip("mount table not readable")
	}

	c, err := NewNFSClient(Config{MountPoint: "/"})
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())
	assert.False(t, mounts.owned["/"])

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.IsConnected())
}

func rootMounted(ctx context.Context) bool {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return false
	}
	for _, p := range parts {
		if p.Mountpoint == "/" {
			return true
		}
	}
	return false
}

func TestNFSClient_SessionsShareMount(t *testing.T) {
	var mountCalls, unmountCalls int
	mountFn = func(source, target, fstype string, flags uintptr, data string) error {
		mountCalls++
		return nil
	}
	unmountFn = func(target string, flags int) error {
		unmountCalls++
		return nil
	}
	t.Cleanup(func() { mountFn, unmountFn = syscall.Mount, syscall.Unmount })

	ctx := context.Background()
	cfg := Config{Host: "nas.local", Path: "/export", MountPoint: t.TempDir()}
	first, err := NewNFSClient(cfg)
	require.NoError(t, err)
	second, err := NewNFSClient(cfg)
	require.NoError(t, err)

	require.NoError(t, first.Connect(ctx))
	require.NoError(t, second.Connect(ctx))
	assert.Equal(t, 1, mountCalls)

	require.NoError(t, first.Disconnect(ctx))
	assert.Equal(t, 0, unmountCalls, "mount is still used by another session")
	assert.True(t, second.IsConnected())

	require.NoError(t, second.Disconnect(ctx))
	assert.Equal(t, 1, unmountCalls)
	require.NoError(t, second.Disconnect(ctx))
	assert.Equal(t, 1, unmountCalls)
}

func TestNFSClient_Disconnect_NotMounted(t *testing.T) {
	c, err := NewNFSClient(Config{MountPoint: "/mnt/nfs"})
	require.NoError(t, err)
	assert.NoError(t, c.Disconnect(context.Background()))
}
