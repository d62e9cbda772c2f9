// Package webdav implements the storage client for the WebDAV protocol.
package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"digital.vasic.fileops/pkg/client"
)

// Config contains WebDAV connection configuration.
type Config struct {
	URL      string        `json:"url" mapstructure:"url"`
	Username string        `json:"username" mapstructure:"username"`
	Password string        `json:"password" mapstructure:"password"`
	Path     string        `json:"path" mapstructure:"path"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Client implements client.Client for WebDAV protocol.
type Client struct {
	config    *Config
	client    *http.Client
	baseURL   *url.URL
	connected bool
}

// NewWebDAVClient creates a new WebDAV client.
func NewWebDAVClient(config *Config) *Client {
	baseURL, err := url.Parse(config.URL)
	if err != nil || baseURL == nil {
		baseURL = &url.URL{}
	}
	if config.Path != "" && config.Path != "/" {
		baseURL.Path = config.Path
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		config:  config,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
	<D:prop>
		<D:displayname/>
		<D:getcontentlength/>
		<D:getlastmodified/>
		<D:resourcetype/>
		<D:quota-available-bytes/>
	</D:prop>
</D:propfind>`

type multistatus struct {
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href  string `xml:"DAV: href"`
	Props prop   `xml:"DAV: propstat"`
}

type prop struct {
	Name      string    `xml:"DAV: prop>displayname,omitempty"`
	Type      *xml.Name `xml:"DAV: prop>resourcetype>collection,omitempty"`
	Size      int64     `xml:"DAV: prop>getcontentlength,omitempty"`
	Modified  string    `xml:"DAV: prop>getlastmodified,omitempty"`
	Available string    `xml:"DAV: prop>quota-available-bytes,omitempty"`
}

// Connect checks that the root collection answers PROPFIND.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.do(ctx, "PROPFIND", "", nil, map[string]string{"Depth": "0"})
	if err != nil {
		return client.Classify("connect", c.baseURL.String(), fmt.Errorf("failed to connect to WebDAV server: %w", err))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "connect", "", http.StatusMultiStatus, http.StatusOK); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// Disconnect closes the WebDAV connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	c.client.CloseIdleConnections()
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection tests the WebDAV connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	return c.Connect(ctx)
}

// resolveURL resolves a relative path to a full WebDAV URL. The path cannot
// climb above the base collection.
func (c *Client) resolveURL(p string) string {
	u := *c.baseURL
	u.Path = path.Join("/", u.Path, path.Clean("/"+p))
	return u.String()
}

func (c *Client) do(ctx context.Context, method, p string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(p), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}

// ReadFile reads a file from the WebDAV server.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	resp, err := c.do(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return nil, client.Classify("read", p, fmt.Errorf("failed to retrieve WebDAV file %s: %w", p, err))
	}
	if err := checkStatus(resp, "read", p, http.StatusOK); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// WriteFile uploads a file with PUT, creating missing parent collections.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if err := c.mkcolAll(ctx, path.Dir(path.Clean("/"+p))); err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPut, p, data, nil)
	if err != nil {
		return client.Classify("write", p, fmt.Errorf("failed to upload WebDAV file %s: %w", p, err))
	}
	defer resp.Body.Close()
	return checkStatus(resp, "write", p)
}

func (c *Client) propfind(ctx context.Context, p, depth string) (*multistatus, error) {
	resp, err := c.do(ctx, "PROPFIND", p, strings.NewReader(propfindBody), map[string]string{
		"Depth":        depth,
		"Content-Type": "application/xml",
	})
	if err != nil {
		return nil, client.Classify("propfind", p, fmt.Errorf("failed to query WebDAV properties of %s: %w", p, err))
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "propfind", p, http.StatusMultiStatus); err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, client.NewError(client.KindProtocol, "propfind", p, fmt.Errorf("failed to decode WebDAV response: %w", err))
	}
	return &ms, nil
}

// GetFileInfo gets information about a file.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	ms, err := c.propfind(ctx, p, "0")
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 {
		return nil, client.NewError(client.KindNotFound, "stat", p, nil)
	}
	return toFileInfo(ms.Responses[0], path.Base(path.Clean("/"+p)), p), nil
}

// ListDirectory lists files in a directory.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	ms, err := c.propfind(ctx, p, "1")
	if err != nil {
		return nil, err
	}

	self := strings.TrimSuffix(path.Join("/", c.baseURL.Path, path.Clean("/"+p)), "/")
	var files []*client.FileInfo
	for _, r := range ms.Responses {
		href := r.Href
		if u, err := url.Parse(href); err == nil {
			href = u.Path
		}
		href = strings.TrimSuffix(href, "/")
		if href == self || href == "" {
			continue
		}
		name := path.Base(href)
		files = append(files, toFileInfo(r, name, path.Join(p, name)))
	}
	return files, nil
}

func toFileInfo(r response, name, p string) *client.FileInfo {
	if r.Props.Name != "" {
		name = r.Props.Name
	}
	var modTime time.Time
	for _, layout := range []string{time.RFC1123, "Mon, _2 Jan 2006 15:04:05 MST"} {
		if t, err := time.Parse(layout, r.Props.Modified); err == nil {
			modTime = t
			break
		}
	}
	return &client.FileInfo{
		Name:    name,
		Size:    r.Props.Size,
		ModTime: modTime,
		IsDir:   r.Props.Type != nil,
		Mode:    0644,
		Path:    p,
	}
}

// FileExists checks if a file or collection exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	if _, err := c.propfind(ctx, p, "0"); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDirectory creates a collection and any missing parents.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	return c.mkcolAll(ctx, path.Clean("/"+p))
}

func (c *Client) mkcolAll(ctx context.Context, dir string) error {
	if dir == "/" || dir == "." {
		return nil
	}
	cur := "/"
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur = path.Join(cur, part)
		resp, err := c.do(ctx, "MKCOL", cur, nil, nil)
		if err != nil {
			return client.Classify("mkdir", cur, fmt.Errorf("failed to create WebDAV directory %s: %w", cur, err))
		}
		resp.Body.Close()
		// 405 means the collection already exists.
		if resp.StatusCode == http.StatusMethodNotAllowed {
			continue
		}
		if err := checkStatus(resp, "mkdir", cur); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDirectory deletes a collection and its members.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	return c.delete(ctx, "rmdir", p)
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	return c.delete(ctx, "delete", p)
}

func (c *Client) delete(ctx context.Context, op, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	resp, err := c.do(ctx, http.MethodDelete, p, nil, nil)
	if err != nil {
		return client.Classify(op, p, fmt.Errorf("failed to delete WebDAV resource %s: %w", p, err))
	}
	defer resp.Body.Close()
	return checkStatus(resp, op, p)
}

// RenameFile moves a resource with MOVE and refuses to overwrite.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	if err := c.mkcolAll(ctx, path.Dir(path.Clean("/"+to))); err != nil {
		return false, err
	}
	if err := c.transfer(ctx, "MOVE", from, to); err != nil {
		return false, err
	}
	return true, nil
}

// CopyFile copies a resource on the server with COPY.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if err := c.mkcolAll(ctx, path.Dir(path.Clean("/"+dstPath))); err != nil {
		return err
	}
	return c.transfer(ctx, "COPY", srcPath, dstPath)
}

func (c *Client) transfer(ctx context.Context, method, from, to string) error {
	op := strings.ToLower(method)
	resp, err := c.do(ctx, method, from, nil, map[string]string{
		"Destination": c.resolveURL(to),
		"Overwrite":   "F",
	})
	if err != nil {
		return client.Classify(op, from, fmt.Errorf("failed to %s WebDAV resource %s to %s: %w", op, from, to, err))
	}
	defer resp.Body.Close()
	return checkStatus(resp, op, from)
}

// FreeSpace reports quota-available-bytes. It returns -1 when the server
// does not publish a quota.
func (c *Client) FreeSpace(ctx context.Context, p string) (int64, error) {
	if !c.IsConnected() {
		return 0, client.ErrNotConnected
	}
	ms, err := c.propfind(ctx, "", "0")
	if err != nil {
		return 0, err
	}
	if len(ms.Responses) == 0 || ms.Responses[0].Props.Available == "" {
		return -1, nil
	}
	free, err := strconv.ParseInt(ms.Responses[0].Props.Available, 10, 64)
	if err != nil {
		return -1, nil
	}
	return free, nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolWebDAV
}

// GetConfig returns the WebDAV configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports MOVE and COPY support.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{AtomicRename: true, ServerSideCopy: true}
}

// checkStatus converts an unexpected HTTP status into a typed error. With
// no expected codes any 2xx is accepted.
func checkStatus(resp *http.Response, op, p string, expected ...int) error {
	if len(expected) == 0 && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	for _, code := range expected {
		if resp.StatusCode == code {
			return nil
		}
	}
	e := client.NewError(statusKind(resp.StatusCode), op, p, fmt.Errorf("WebDAV server returned status %d", resp.StatusCode))
	if e.Kind == client.KindConflict {
		e.Reason = client.ConflictExistingFile
	}
	return e
}

func statusKind(code int) client.Kind {
	switch code {
	case http.StatusUnauthorized:
		return client.KindAuth
	case http.StatusForbidden:
		return client.KindPermissionDenied
	case http.StatusNotFound, http.StatusConflict:
		return client.KindNotFound
	case http.StatusPreconditionFailed, http.StatusLocked:
		return client.KindConflict
	case http.StatusInsufficientStorage, http.StatusRequestEntityTooLarge:
		return client.KindQuotaExceeded
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return client.KindTimeout
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return client.KindUnreachable
	}
	return client.KindProtocol
}
