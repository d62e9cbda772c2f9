// Package client defines the unified storage client interface shared by every
// backend adapter (local, SMB, SFTP, FTP, cloud) and the types that flow
// between adapters and the rest of the system.
package client

import (
	"context"
	"io"
	"os"
	"time"
)

// Protocol names understood by the factory.
const (
	ProtocolLocal   = "local"
	ProtocolSMB     = "smb"
	ProtocolSFTP    = "sftp"
	ProtocolFTP     = "ftp"
	ProtocolDropbox = "dropbox"
	ProtocolWebDAV  = "webdav"
	ProtocolNFS     = "nfs"
	ProtocolS3      = "s3"
	ProtocolMemory  = "memory"
)

// FileInfo represents file information from any backend.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
	Mode    os.FileMode
	Path    string
}

// Capabilities describes what a backend can guarantee natively.
type Capabilities struct {
	// AtomicRename is true when RenameFile is a single atomic backend call.
	AtomicRename bool
	// Stateful is true when a connection carries a single command channel
	// and every call on it must be serialized.
	Stateful bool
	// ServerSideCopy is true when the client implements ServerSideCopier.
	ServerSideCopy bool
	// MaxSessions caps concurrent sessions per handle; 0 means no adapter limit.
	MaxSessions int
}

// Client is one live session against a backend. A Client is not safe for
// concurrent use unless its documentation says otherwise; the pool hands a
// connected Client to exactly one caller at a time.
type Client interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	TestConnection(ctx context.Context) error

	// File operations
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	WriteFile(ctx context.Context, path string, data io.Reader) error
	GetFileInfo(ctx context.Context, path string) (*FileInfo, error)
	FileExists(ctx context.Context, path string) (bool, error)
	DeleteFile(ctx context.Context, path string) error
	// RenameFile renames within the same backend. It returns false (and no
	// error) when the backend cannot rename and the caller must fall back
	// to copy and delete.
	RenameFile(ctx context.Context, from, to string) (bool, error)

	// Directory operations
	ListDirectory(ctx context.Context, path string) ([]*FileInfo, error)
	CreateDirectory(ctx context.Context, path string) error
	DeleteDirectory(ctx context.Context, path string) error

	// Metadata
	GetProtocol() string
	GetConfig() interface{}
	Capabilities() Capabilities
}

// ServerSideCopier is implemented by clients able to copy without streaming
// bytes through this process.
type ServerSideCopier interface {
	CopyFile(ctx context.Context, srcPath, dstPath string) error
}

// SpaceReporter is implemented by clients able to report free space.
type SpaceReporter interface {
	FreeSpace(ctx context.Context, path string) (int64, error)
}

// PagedLister is implemented by clients whose listings are paginated.
// An empty next cursor marks the last page.
type PagedLister interface {
	ListPage(ctx context.Context, path, cursor string) (page []*FileInfo, next string, err error)
}

// StorageConfig represents the configuration for a storage backend.
type StorageConfig struct {
	ID             string                 `json:"id" mapstructure:"id" validate:"required"`
	Name           string                 `json:"name" mapstructure:"name"`
	Protocol       string                 `json:"protocol" mapstructure:"protocol" validate:"required"`
	Enabled        bool                   `json:"enabled" mapstructure:"enabled"`
	MaxDepth       int                    `json:"max_depth" mapstructure:"max_depth"`
	MaxParallelism int                    `json:"max_parallelism" mapstructure:"max_parallelism" validate:"gte=0"`
	ReadOnly       bool                   `json:"read_only" mapstructure:"read_only"`
	MaxFileSize    int64                  `json:"max_file_size" mapstructure:"max_file_size" validate:"gte=0"`
	CredentialRef  string                 `json:"credential_ref" mapstructure:"credential_ref"`
	Settings       map[string]interface{} `json:"settings" mapstructure:"settings"`
	CreatedAt      time.Time              `json:"created_at" mapstructure:"-"`
	UpdatedAt      time.Time              `json:"updated_at" mapstructure:"-"`
}

// Handle derives the immutable handle identifying this backend target.
func (c *StorageConfig) Handle() StorageHandle {
	ref := c.CredentialRef
	if ref == "" {
		ref = c.ID
	}
	return StorageHandle{
		ID:            c.ID,
		Protocol:      c.Protocol,
		Host:          firstSetting(c.Settings, "host", "url", "endpoint"),
		Root:          firstSetting(c.Settings, "base_path", "path", "share", "bucket", "mount_point"),
		CredentialRef: ref,
	}
}

// StorageHandle is the stable identifier of a configured backend target.
type StorageHandle struct {
	ID            string
	Protocol      string
	Host          string
	Root          string
	CredentialRef string
}

// String returns protocol://host/root for logs.
func (h StorageHandle) String() string {
	return h.Protocol + "://" + h.Host + "/" + h.Root
}

// Factory creates clients based on protocol.
type Factory interface {
	CreateClient(ctx context.Context, config *StorageConfig) (Client, error)
	SupportedProtocols() []string
}

func firstSetting(settings map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := settings[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
