// Package dropbox implements the storage client for Dropbox, an OAuth based
// cloud provider. Uploads larger than one chunk go through an upload session.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"golang.org/x/oauth2"

	"digital.vasic.fileops/pkg/client"
)

const defaultChunkSize = 8 * 1024 * 1024

var endpoint = oauth2.Endpoint{
	AuthURL:  "https://www.dropbox.com/oauth2/authorize",
	TokenURL: "https://api.dropboxapi.com/oauth2/token",
}

// Config contains Dropbox configuration. Token is issued elsewhere; when
// AppKey is set an expired token is refreshed with its refresh token.
type Config struct {
	Path      string        `json:"path" mapstructure:"path"`
	AppKey    string        `json:"app_key" mapstructure:"app_key"`
	AppSecret string        `json:"app_secret" mapstructure:"app_secret"`
	ChunkSize int           `json:"chunk_size" mapstructure:"chunk_size"`
	Token     *oauth2.Token `json:"-" mapstructure:"-"`
}

// filesAPI is the subset of files.Client used by this package.
type filesAPI interface {
	GetMetadata(arg *files.GetMetadataArg) (files.IsMetadata, error)
	ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error)
	ListFolderContinue(arg *files.ListFolderContinueArg) (*files.ListFolderResult, error)
	Download(arg *files.DownloadArg) (*files.FileMetadata, io.ReadCloser, error)
	Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error)
	UploadSessionStart(arg *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error)
	UploadSessionAppendV2(arg *files.UploadSessionAppendArg, content io.Reader) error
	UploadSessionFinish(arg *files.UploadSessionFinishArg, content io.Reader) (*files.FileMetadata, error)
	CreateFolderV2(arg *files.CreateFolderArg) (*files.CreateFolderResult, error)
	CopyV2(arg *files.RelocationArg) (*files.RelocationResult, error)
	MoveV2(arg *files.RelocationArg) (*files.RelocationResult, error)
	DeleteV2(arg *files.DeleteArg) (*files.DeleteResult, error)
}

// usersAPI is the subset of users.Client used by this package.
type usersAPI interface {
	GetSpaceUsage() (*users.SpaceUsage, error)
}

// Client implements client.Client for Dropbox.
type Client struct {
	config    *Config
	files     filesAPI
	users     usersAPI
	connected bool
}

// NewDropboxClient creates a new Dropbox client.
func NewDropboxClient(config *Config) *Client {
	return &Client{config: config}
}

// Connect builds the API clients from the token and verifies them.
func (c *Client) Connect(ctx context.Context) error {
	if c.files == nil || c.users == nil {
		if c.config.Token == nil || c.config.Token.AccessToken == "" {
			return client.NewError(client.KindAuth, "connect", "dropbox", fmt.Errorf("no access token provided"))
		}
		var ts oauth2.TokenSource = oauth2.StaticTokenSource(c.config.Token)
		if c.config.AppKey != "" {
			oc := &oauth2.Config{ClientID: c.config.AppKey, ClientSecret: c.config.AppSecret, Endpoint: endpoint}
			ts = oc.TokenSource(context.Background(), c.config.Token)
		}
		cfg := dropbox.Config{
			Token:  c.config.Token.AccessToken,
			Client: oauth2.NewClient(context.Background(), ts),
		}
		c.files = files.New(cfg)
		c.users = users.New(cfg)
	}
	c.connected = true
	if err := c.TestConnection(ctx); err != nil {
		c.connected = false
		return err
	}
	return nil
}

// Disconnect drops the API clients. Dropbox has no session to close.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection checks the token with a space usage call.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return client.Classify("test", "", err)
	}
	_, err := c.users.GetSpaceUsage()
	return classify("test", "", err)
}

// resolvePath maps a path to a Dropbox path. The root folder is "".
func (c *Client) resolvePath(p string) string {
	full := path.Join("/", c.config.Path, path.Clean("/"+p))
	if full == "/" {
		return ""
	}
	return full
}

// ReadFile downloads a file.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	_, body, err := c.files.Download(files.NewDownloadArg(c.resolvePath(p)))
	if err != nil {
		return nil, classify("read", p, fmt.Errorf("failed to download Dropbox file %s: %w", p, err))
	}
	return body, nil
}

// WriteFile uploads data, overwriting any existing file. Data larger than
// one chunk is sent through an upload session.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	full := c.resolvePath(p)
	chunkSize := c.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	buf := make([]byte, chunkSize)
	n, last, err := readChunk(data, buf)
	if err != nil {
		return classify("write", p, fmt.Errorf("failed to read upload data for %s: %w", p, err))
	}
	commit := files.NewCommitInfo(full)
	commit.Mode.Tag = "overwrite"

	if last {
		if _, err := c.files.Upload(&files.UploadArg{CommitInfo: *commit}, bytes.NewReader(buf[:n])); err != nil {
			return classify("write", p, fmt.Errorf("failed to upload Dropbox file %s: %w", p, err))
		}
		return nil
	}

	start, err := c.files.UploadSessionStart(&files.UploadSessionStartArg{}, bytes.NewReader(buf[:n]))
	if err != nil {
		return classify("write", p, fmt.Errorf("failed to start upload session for %s: %w", p, err))
	}
	cursor := &files.UploadSessionCursor{SessionId: start.SessionId, Offset: uint64(n)}
	for {
		if err := ctx.Err(); err != nil {
			return client.Classify("write", p, err)
		}
		n, last, err = readChunk(data, buf)
		if err != nil {
			return classify("write", p, fmt.Errorf("failed to read upload data for %s: %w", p, err))
		}
		if last {
			finish := &files.UploadSessionFinishArg{Cursor: cursor, Commit: commit}
			if _, err := c.files.UploadSessionFinish(finish, bytes.NewReader(buf[:n])); err != nil {
				return classify("write", p, fmt.Errorf("failed to finish upload session for %s: %w", p, err))
			}
			return nil
		}
		if err := c.files.UploadSessionAppendV2(&files.UploadSessionAppendArg{Cursor: cursor}, bytes.NewReader(buf[:n])); err != nil {
			return classify("write", p, fmt.Errorf("failed to append to upload session for %s: %w", p, err))
		}
		cursor.Offset += uint64(n)
	}
}

// readChunk fills buf and reports whether the reader is exhausted.
func readChunk(r io.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return n, false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return n, true, nil
	}
	return n, false, err
}

// GetFileInfo gets information about a file or folder.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	full := c.resolvePath(p)
	if full == "" {
		return &client.FileInfo{Name: "/", IsDir: true, Path: p}, nil
	}
	md, err := c.files.GetMetadata(files.NewGetMetadataArg(full))
	if err != nil {
		return nil, classify("stat", p, fmt.Errorf("failed to get Dropbox metadata for %s: %w", p, err))
	}
	fi := toFileInfo(md, p)
	if fi == nil {
		return nil, client.NewError(client.KindNotFound, "stat", p, fmt.Errorf("%s was deleted", p))
	}
	return fi, nil
}

// ListPage lists one page of a folder. An empty cursor starts the listing.
func (c *Client) ListPage(ctx context.Context, p, cursor string) ([]*client.FileInfo, string, error) {
	if !c.IsConnected() {
		return nil, "", client.ErrNotConnected
	}
	var (
		res *files.ListFolderResult
		err error
	)
	if cursor == "" {
		res, err = c.files.ListFolder(files.NewListFolderArg(c.resolvePath(p)))
	} else {
		res, err = c.files.ListFolderContinue(files.NewListFolderContinueArg(cursor))
	}
	if err != nil {
		return nil, "", classify("list", p, fmt.Errorf("failed to list Dropbox folder %s: %w", p, err))
	}

	page := make([]*client.FileInfo, 0, len(res.Entries))
	for _, e := range res.Entries {
		if fi := toFileInfo(e, ""); fi != nil {
			fi.Path = path.Join(p, fi.Name)
			page = append(page, fi)
		}
	}
	next := ""
	if res.HasMore {
		next = res.Cursor
	}
	return page, next, nil
}

// ListDirectory lists every entry of a folder.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	var result []*client.FileInfo
	for fi, err := range client.Entries(ctx, c, p) {
		if err != nil {
			return nil, err
		}
		result = append(result, fi)
	}
	return result, nil
}

// FileExists checks if a file exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if _, err := c.GetFileInfo(ctx, p); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDirectory creates a folder. An existing folder is not an error.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if _, err := c.files.CreateFolderV2(files.NewCreateFolderArg(c.resolvePath(p))); err != nil {
		err = classify("mkdir", p, fmt.Errorf("failed to create Dropbox folder %s: %w", p, err))
		if errors.Is(err, client.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

// DeleteDirectory deletes a folder and its contents.
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
	if _, err := c.files.DeleteV2(files.NewDeleteArg(c.resolvePath(p))); err != nil {
		return classify(op, p, fmt.Errorf("failed to delete Dropbox path %s: %w", p, err))
	}
	return nil
}

// RenameFile moves a file within the account. Missing parent folders are
// created by Dropbox.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	if _, err := c.files.MoveV2(files.NewRelocationArg(c.resolvePath(from), c.resolvePath(to))); err != nil {
		return false, classify("rename", from, fmt.Errorf("failed to move Dropbox file %s to %s: %w", from, to, err))
	}
	return true, nil
}

// CopyFile copies a file server side.
func (c *Client) CopyFile(ctx context.Context, src, dst string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	if _, err := c.files.CopyV2(files.NewRelocationArg(c.resolvePath(src), c.resolvePath(dst))); err != nil {
		return classify("copy", src, fmt.Errorf("failed to copy Dropbox file %s to %s: %w", src, dst, err))
	}
	return nil
}

// FreeSpace returns the unused part of the account allocation.
func (c *Client) FreeSpace(ctx context.Context, p string) (int64, error) {
	if !c.IsConnected() {
		return 0, client.ErrNotConnected
	}
	usage, err := c.users.GetSpaceUsage()
	if err != nil {
		return 0, classify("free", p, fmt.Errorf("failed to get Dropbox space usage: %w", err))
	}
	if usage.Allocation == nil {
		return -1, nil
	}
	var allocated, used uint64
	switch {
	case usage.Allocation.Individual != nil:
		allocated, used = usage.Allocation.Individual.Allocated, usage.Used
	case usage.Allocation.Team != nil:
		allocated, used = usage.Allocation.Team.Allocated, usage.Allocation.Team.Used
	default:
		return -1, nil
	}
	if used >= allocated {
		return 0, nil
	}
	return int64(allocated - used), nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolDropbox
}

// GetConfig returns the Dropbox configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports what Dropbox supports natively.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{AtomicRename: true, ServerSideCopy: true}
}

func toFileInfo(md files.IsMetadata, p string) *client.FileInfo {
	switch m := md.(type) {
	case *files.FileMetadata:
		return &client.FileInfo{
			Name:    m.Name,
			Size:    int64(m.Size),
			ModTime: m.ServerModified,
			Mode:    0644,
			Path:    p,
		}
	case *files.FolderMetadata:
		return &client.FileInfo{Name: m.Name, IsDir: true, Mode: 0755, Path: p}
	}
	return nil
}

// summaryKinds maps Dropbox error summary fragments to kinds. The first
// match wins.
var summaryKinds = []struct {
	fragment string
	kind     client.Kind
}{
	{"invalid_access_token", client.KindAuth},
	{"expired_access_token", client.KindAuth},
	{"missing_scope", client.KindAuth},
	{"not_found", client.KindNotFound},
	{"not_file", client.KindNotFound},
	{"no_write_permission", client.KindPermissionDenied},
	{"restricted_content", client.KindPermissionDenied},
	{"insufficient_space", client.KindQuotaExceeded},
	{"insufficient_quota", client.KindQuotaExceeded},
	{"conflict", client.KindConflict},
	{"too_many_requests", client.KindUnreachable},
	{"too_many_write_operations", client.KindUnreachable},
	{"internal_error", client.KindUnreachable},
	{"disallowed_name", client.KindInvalid},
	{"malformed_path", client.KindInvalid},
}

// classify maps Dropbox API errors onto the client error taxonomy. SDK
// errors carry their error summary as the message.
func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if client.KindOf(err) != client.KindProtocol {
		return client.Classify(op, p, err)
	}
	summary := err.Error()
	for _, sk := range summaryKinds {
		if strings.Contains(summary, sk.fragment) {
			e := client.NewError(sk.kind, op, p, err)
			if sk.kind == client.KindConflict {
				e.Reason = client.ConflictExistingFile
			}
			return e
		}
	}
	return client.Classify(op, p, err)
}
