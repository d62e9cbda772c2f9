package webdav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"digital.vasic.fileops/pkg/client"
)

var (
	_ client.Client           = (*Client)(nil)
	_ client.ServerSideCopier = (*Client)(nil)
	_ client.SpaceReporter    = (*Client)(nil)
)

// newDAVServer serves an in-memory WebDAV tree.
func newDAVServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(&webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	})
	t.Cleanup(ts.Close)
	return ts
}

func connected(t *testing.T) *Client {
	t.Helper()
	c := NewWebDAVClient(&Config{URL: newDAVServer(t).URL})
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestNewWebDAVClient(t *testing.T) {
	config := &Config{URL: "http://localhost/webdav", Username: "user", Password: "pass"}
	c := NewWebDAVClient(config)
	require.NotNil(t, c)
	assert.Equal(t, config, c.GetConfig())
	assert.Equal(t, client.ProtocolWebDAV, c.GetProtocol())
	assert.Equal(t, "/webdav", c.baseURL.Path)
	assert.False(t, c.IsConnected())
	assert.True(t, c.Capabilities().ServerSideCopy)

	assert.Equal(t, "/dav", NewWebDAVClient(&Config{URL: "http://localhost", Path: "/dav"}).baseURL.Path)
	assert.Equal(t, "", NewWebDAVClient(&Config{URL: "http://localhost", Path: "/"}).baseURL.Path)
}

func TestWebDAVClient_ResolveURL(t *testing.T) {
	c := NewWebDAVClient(&Config{URL: "http://localhost/dav"})
	assert.Equal(t, "http://localhost/dav/dir/file.txt", c.resolveURL("dir/file.txt"))
	assert.Equal(t, "http://localhost/dav/etc/passwd", c.resolveURL("../../etc/passwd"))
	assert.Equal(t, "http://localhost/dav/a/b", c.resolveURL("a/./b/"))
}

func TestWebDAVClient_NotConnected(t *testing.T) {
	c := NewWebDAVClient(&Config{URL: "http://localhost"})
	ctx := context.Background()

	calls := map[string]func() error{
		"test":   func() error { return c.TestConnection(ctx) },
		"read":   func() error { _, err := c.ReadFile(ctx, "a"); return err },
		"write":  func() error { return c.WriteFile(ctx, "a", nil) },
		"stat":   func() error { _, err := c.GetFileInfo(ctx, "a"); return err },
		"list":   func() error { _, err := c.ListDirectory(ctx, "/"); return err },
		"exists": func() error { _, err := c.FileExists(ctx, "a"); return err },
		"mkdir":  func() error { return c.CreateDirectory(ctx, "a") },
		"rmdir":  func() error { return c.DeleteDirectory(ctx, "a") },
		"delete": func() error { return c.DeleteFile(ctx, "a") },
		"rename": func() error { _, err := c.RenameFile(ctx, "a", "b"); return err },
		"copy":   func() error { return c.CopyFile(ctx, "a", "b") },
		"free":   func() error { _, err := c.FreeSpace(ctx, ""); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			assert.True(t, errors.Is(err, client.ErrUnreachable))
			assert.Contains(t, err.Error(), "not connected")
		})
	}
}

func TestWebDAVClient_Connect_WithAuth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
	}))
	defer ts.Close()

	c := NewWebDAVClient(&Config{URL: ts.URL, Username: "admin", Password: "secret"})
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	bad := NewWebDAVClient(&Config{URL: ts.URL, Username: "admin", Password: "wrong"})
	err := bad.Connect(context.Background())
	assert.True(t, errors.Is(err, client.ErrAuth))
	assert.Contains(t, err.Error(), "401")
	assert.False(t, bad.IsConnected())
}

func TestWebDAVClient_WriteReadStat(t *testing.T) {
	c := connected(t)
	ctx := context.Background()

	require.NoError(t, c.WriteFile(ctx, "docs/2024/report.txt", strings.NewReader("quarterly")))

	reader, err := c.ReadFile(ctx, "docs/2024/report.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "quarterly", string(data))

	info, err := c.GetFileInfo(ctx, "docs/2024/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", info.Name)
	assert.Equal(t, int64(9), info.Size)
	assert.False(t, info.IsDir)
	assert.False(t, info.ModTime.IsZero())

	info, err = c.GetFileInfo(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, info.IsDir)
}

func TestWebDAVClient_ReadFile_NotFound(t *testing.T) {
	c := connected(t)

	_, err := c.ReadFile(context.Background(), "missing.txt")
	assert.True(t, errors.Is(err, client.ErrNotFound))

	_, err = c.GetFileInfo(context.Background(), "missing.txt")
	assert.True(t, errors.Is(err, client.ErrNotFound))
}

func TestWebDAVClient_ListDirectory(t *testing.T) {
	c := connected(t)
	ctx := context.Background()
	require.NoError(t, c.WriteFile(ctx, "dir/a.txt", strings.NewReader("a")))
	require.NoError(t, c.WriteFile(ctx, "dir/b.txt", strings.NewReader("bb")))
	require.NoError(t, c.CreateDirectory(ctx, "dir/sub"))

	files, err := c.ListDirectory(ctx, "dir")
	require.NoError(t, err)
	require.Len(t, files, 3)

	byName := map[string]*client.FileInfo{}
	for _, f := range files {
		byName[f.Name] = f
	}
	assert.Equal(t, int64(2), byName["b.txt"].Size)
	assert.Equal(t, "dir/b.txt", byName["b.txt"].Path)
	assert.True(t, byName["sub"].IsDir)
}

func TestWebDAVClient_FileExists(t *testing.T) {
	c := connected(t)
	ctx := context.Background()
	require.NoError(t, c.WriteFile(ctx, "here.txt", strings.NewReader("x")))
	require.NoError(t, c.CreateDirectory(ctx, "folder"))

	for p, want := range map[string]bool{"here.txt": true, "folder": true, "gone.txt": false} {
		exists, err := c.FileExists(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, want, exists, p)
	}
}

func TestWebDAVClient_RenameAndCopy(t *testing.T) {
	c := connected(t)
	ctx := context.Background()
	require.NoError(t, c.WriteFile(ctx, "a.txt", strings.NewReader("payload")))
	require.NoError(t, c.WriteFile(ctx, "taken.txt", strings.NewReader("other")))

	ok, err := c.RenameFile(ctx, "a.txt", ".trash/a.txt.1")
	require.NoError(t, err)
	assert.True(t, ok)
	exists, err := c.FileExists(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.CopyFile(ctx, ".trash/a.txt.1", "restored/a.txt"))
	info, err := c.GetFileInfo(ctx, "restored/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	_, err = c.RenameFile(ctx, "restored/a.txt", "taken.txt")
	assert.True(t, errors.Is(err, client.ErrExistingFile))
}

func TestWebDAVClient_Delete(t *testing.T) {
	c := connected(t)
	ctx := context.Background()
	require.NoError(t, c.WriteFile(ctx, "d/f.txt", strings.NewReader("x")))

	require.NoError(t, c.DeleteFile(ctx, "d/f.txt"))
	require.NoError(t, c.DeleteDirectory(ctx, "d"))

	err := c.DeleteFile(ctx, "d/f.txt")
	assert.True(t, errors.Is(err, client.ErrNotFound))
}

func TestWebDAVClient_FreeSpace_Unknown(t *testing.T) {
	c := connected(t)

	free, err := c.FreeSpace(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), free)
}

func TestStatusKind(t *testing.T) {
	tests := map[int]client.Kind{
		http.StatusUnauthorized:        client.KindAuth,
		http.StatusForbidden:           client.KindPermissionDenied,
		http.StatusNotFound:            client.KindNotFound,
		http.StatusPreconditionFailed:  client.KindConflict,
		http.StatusInsufficientStorage: client.KindQuotaExceeded,
		http.StatusGatewayTimeout:      client.KindTimeout,
		http.StatusServiceUnavailable:  client.KindUnreachable,
		http.StatusTeapot:              client.KindProtocol,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusKind(code), http.StatusText(code))
	}
}
