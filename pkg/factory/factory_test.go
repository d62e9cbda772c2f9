package factory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/dropbox"
	"digital.vasic.fileops/pkg/ftp"
	"digital.vasic.fileops/pkg/memory"
	"digital.vasic.fileops/pkg/s3"
	"digital.vasic.fileops/pkg/sftp"
	"digital.vasic.fileops/pkg/smb"
	"digital.vasic.fileops/pkg/webdav"
)

func TestDefaultFactory_SupportedProtocols(t *testing.T) {
	f := NewDefaultFactory(nil)

	expected := []string{"smb", "ftp", "sftp", "nfs", "webdav", "dropbox", "s3", "local", "memory"}
	assert.Equal(t, expected, f.SupportedProtocols())
}

func TestDefaultFactory_CreateClient_SMB(t *testing.T) {
	f := NewDefaultFactory(nil)

	config := &client.StorageConfig{
		ID:       "nas",
		Protocol: "smb",
		Settings: map[string]interface{}{
			"host":     "localhost",
			"port":     445,
			"share":    "test",
			"username": "user",
			"password": "pass",
			"timeout":  "15s",
		},
	}

	c, err := f.CreateClient(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, "smb", c.GetProtocol())

	cfg := c.GetConfig().(*smb.Config)
	assert.Equal(t, "WORKGROUP", cfg.Domain)
	assert.Equal(t, 445, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, "user", cfg.Username)
}

func TestDefaultFactory_CreateClient_FTP(t *testing.T) {
	f := NewDefaultFactory(nil)

	config := &client.StorageConfig{
		ID:             "ftp",
		Protocol:       "ftp",
		MaxParallelism: 3,
		Settings: map[string]interface{}{
			"host":     "localhost",
			"port":     "21",
			"username": "user",
			"password": "pass",
			"path":     "/",
		},
	}

	c, err := f.CreateClient(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, "ftp", c.GetProtocol())

	cfg := c.GetConfig().(*ftp.Config)
	assert.Equal(t, 21, cfg.Port)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, 3, c.Capabilities().MaxSessions)
}

func TestDefaultFactory_CreateClient_SFTP_WithCredentials(t *testing.T) {
	creds := client.StaticCredentials{
		"ssh-key": {Username: "deploy", PrivateKey: []byte("key")},
	}
	f := NewDefaultFactory(creds)

	config := &client.StorageConfig{
		ID:            "box",
		Protocol:      "sftp",
		CredentialRef: "ssh-key",
		Settings:      map[string]interface{}{"host": "box.local", "base_path": "/srv"},
	}

	c, err := f.CreateClient(context.Background(), config)
	require.NoError(t, err)
	cfg := c.GetConfig().(*sftp.Config)
	assert.Equal(t, "deploy", cfg.Username)
	assert.Equal(t, []byte("key"), cfg.PrivateKey)
	assert.Equal(t, "/srv", cfg.BasePath)
}

func TestDefaultFactory_CreateClient_MissingCredential(t *testing.T) {
	f := NewDefaultFactory(client.StaticCredentials{})

	config := &client.StorageConfig{ID: "box", Protocol: "sftp", CredentialRef: "gone"}
	c, err := f.CreateClient(context.Background(), config)
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, client.ErrAuth))

	// Without an explicit reference the settings are used as they are.
	config = &client.StorageConfig{ID: "box", Protocol: "sftp", Settings: map[string]interface{}{"password": "p"}}
	c, err = f.CreateClient(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, "p", c.GetConfig().(*sftp.Config).Password)
}

func TestDefaultFactory_CreateClient_WebDAV(t *testing.T) {
	f := NewDefaultFactory(client.StaticCredentials{"dav": {Username: "u", Secret: "s"}})

	config := &client.StorageConfig{
		ID:       "dav",
		Protocol: "webdav",
		Settings: map[string]interface{}{
			"url":  "http://localhost/webdav",
			"path": "/",
		},
	}

	c, err := f.CreateClient(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, "webdav", c.GetProtocol())
	cfg := c.GetConfig().(*webdav.Config)
	assert.Equal(t, "u", cfg.Username)
	assert.Equal(t, "s", cfg.Password)
}

func TestDefaultFactory_CreateClient_Dropbox(t *testing.T) {
	token := &oauth2.Token{AccessToken: "t"}
	f := NewDefaultFactory(client.StaticCredentials{"cloud": {Token: token}})

	c, err := f.CreateClient(context.Background(), &client.StorageConfig{ID: "cloud", Protocol: "dropbox"})
	require.NoError(t, err)
	assert.Equal(t, token, c.GetConfig().(*dropbox.Config).Token)

	_, err = NewDefaultFactory(nil).CreateClient(context.Background(), &client.StorageConfig{ID: "cloud", Protocol: "dropbox"})
	assert.True(t, errors.Is(err, client.ErrAuth))
}

func TestDefaultFactory_CreateClient_S3(t *testing.T) {
	f := NewDefaultFactory(client.StaticCredentials{"aws": {Username: "AKIA", Secret: "secret"}})

	config := &client.StorageConfig{
		ID:            "bucket",
		Protocol:      "s3",
		CredentialRef: "aws",
		Settings:      map[string]interface{}{"bucket": "media", "region": "eu-west-1", "use_path_style": true},
	}
	c, err := f.CreateClient(context.Background(), config)
	require.NoError(t, err)
	cfg := c.GetConfig().(*s3.Config)
	assert.Equal(t, "media", cfg.Bucket)
	assert.Equal(t, "AKIA", cfg.AccessKeyID)
	assert.True(t, cfg.UsePathStyle)
}

func TestDefaultFactory_CreateClient_Local(t *testing.T) {
	f := NewDefaultFactory(nil)

	config := &client.StorageConfig{
		Protocol: "local",
		Settings: map[string]interface{}{
			"base_path": "/tmp",
		},
	}

	c, err := f.CreateClient(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, "local", c.GetProtocol())
}

func TestDefaultFactory_CreateClient_Memory(t *testing.T) {
	f := NewDefaultFactory(nil)

	c, err := f.CreateClient(context.Background(), &client.StorageConfig{ID: "factory-mem", Protocol: "memory"})
	require.NoError(t, err)
	cfg := c.GetConfig().(*memory.Config)
	assert.Equal(t, "factory-mem", cfg.Name)
}

func TestDefaultFactory_CreateClient_BadSettings(t *testing.T) {
	f := NewDefaultFactory(nil)

	config := &client.StorageConfig{
		ID:       "nas",
		Protocol: "smb",
		Settings: map[string]interface{}{"port": "not a number"},
	}
	c, err := f.CreateClient(context.Background(), config)
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, client.ErrInvalid))
}

func TestDefaultFactory_CreateClient_Unsupported(t *testing.T) {
	f := NewDefaultFactory(nil)

	config := &client.StorageConfig{
		Protocol: "unsupported",
		Settings: map[string]interface{}{},
	}

	c, err := f.CreateClient(context.Background(), config)
	assert.Error(t, err)
	assert.Nil(t, c)
	assert.Contains(t, err.Error(), "unsupported protocol")
	assert.True(t, errors.Is(err, client.ErrInvalid))
}
