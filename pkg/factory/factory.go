// Package factory provides a default implementation of the client.Factory interface,
// creating storage clients based on protocol configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/dropbox"
	"digital.vasic.fileops/pkg/ftp"
	"digital.vasic.fileops/pkg/local"
	"digital.vasic.fileops/pkg/memory"
	"digital.vasic.fileops/pkg/s3"
	"digital.vasic.fileops/pkg/sftp"
	"digital.vasic.fileops/pkg/smb"
	"digital.vasic.fileops/pkg/webdav"
)

// DefaultFactory implements client.Factory for all supported protocols.
type DefaultFactory struct {
	credentials client.CredentialProvider
}

var _ client.Factory = (*DefaultFactory)(nil)

// NewDefaultFactory creates a new default client factory. Credentials may be
// nil, in which case only credentials present in the settings are used.
func NewDefaultFactory(credentials client.CredentialProvider) *DefaultFactory {
	return &DefaultFactory{credentials: credentials}
}

// CreateClient creates a storage client based on the storage configuration.
func (f *DefaultFactory) CreateClient(ctx context.Context, config *client.StorageConfig) (client.Client, error) {
	switch config.Protocol {
	case client.ProtocolLocal:
		localConfig := &local.Config{}
		if err := decodeSettings(config, localConfig); err != nil {
			return nil, err
		}
		return local.NewLocalClient(localConfig), nil

	case client.ProtocolMemory:
		memoryConfig := &memory.Config{Name: config.ID}
		if err := decodeSettings(config, memoryConfig); err != nil {
			return nil, err
		}
		return memory.NewMemoryClient(memoryConfig, nil), nil

	case client.ProtocolNFS:
		return f.createNFSClient(config)
	}

	cred, err := f.credential(ctx, config)
	if err != nil {
		return nil, err
	}

	switch config.Protocol {
	case client.ProtocolSMB:
		smbConfig := &smb.Config{Domain: "WORKGROUP"}
		if err := decodeSettings(config, smbConfig); err != nil {
			return nil, err
		}
		if cred != nil {
			smbConfig.Username, smbConfig.Password = cred.Username, cred.Secret
			if cred.Domain != "" {
				smbConfig.Domain = cred.Domain
			}
		}
		return smb.NewSMBClient(smbConfig), nil

	case client.ProtocolFTP:
		ftpConfig := &ftp.Config{MaxSessions: config.MaxParallelism}
		if err := decodeSettings(config, ftpConfig); err != nil {
			return nil, err
		}
		if cred != nil {
			ftpConfig.Username, ftpConfig.Password = cred.Username, cred.Secret
		}
		return ftp.NewFTPClient(ftpConfig), nil

	case client.ProtocolSFTP:
		sftpConfig := &sftp.Config{}
		if err := decodeSettings(config, sftpConfig); err != nil {
			return nil, err
		}
		if cred != nil {
			sftpConfig.Username, sftpConfig.Password = cred.Username, cred.Secret
			sftpConfig.PrivateKey = cred.PrivateKey
		}
		return sftp.NewSFTPClient(sftpConfig), nil

	case client.ProtocolWebDAV:
		webdavConfig := &webdav.Config{}
		if err := decodeSettings(config, webdavConfig); err != nil {
			return nil, err
		}
		if cred != nil {
			webdavConfig.Username, webdavConfig.Password = cred.Username, cred.Secret
		}
		return webdav.NewWebDAVClient(webdavConfig), nil

	case client.ProtocolDropbox:
		dropboxConfig := &dropbox.Config{}
		if err := decodeSettings(config, dropboxConfig); err != nil {
			return nil, err
		}
		if cred == nil || cred.Token == nil {
			return nil, client.NewError(client.KindAuth, "create", config.ID, fmt.Errorf("dropbox requires an OAuth token"))
		}
		dropboxConfig.Token = cred.Token
		return dropbox.NewDropboxClient(dropboxConfig), nil

	case client.ProtocolS3:
		s3Config := &s3.Config{}
		if err := decodeSettings(config, s3Config); err != nil {
			return nil, err
		}
		if cred != nil {
			s3Config.AccessKeyID, s3Config.SecretAccessKey = cred.Username, cred.Secret
		}
		return s3.NewS3Client(s3Config), nil

	default:
		return nil, client.NewError(client.KindInvalid, "create", config.ID, fmt.Errorf("unsupported protocol: %s", config.Protocol))
	}
}

// SupportedProtocols returns the list of supported protocols.
func (f *DefaultFactory) SupportedProtocols() []string {
	return []string{
		client.ProtocolSMB,
		client.ProtocolFTP,
		client.ProtocolSFTP,
		client.ProtocolNFS,
		client.ProtocolWebDAV,
		client.ProtocolDropbox,
		client.ProtocolS3,
		client.ProtocolLocal,
		client.ProtocolMemory,
	}
}

// credential resolves the credential of config. Without a provider, or when
// the resource has no explicit credential reference and none is stored under
// its id, nil is returned and settings are used as they are.
func (f *DefaultFactory) credential(ctx context.Context, config *client.StorageConfig) (*client.Credential, error) {
	if f.credentials == nil {
		return nil, nil
	}
	cred, err := f.credentials.GetCredential(ctx, config.Handle().CredentialRef)
	if err != nil {
		if config.CredentialRef == "" {
			return nil, nil
		}
		return nil, client.Classify("credential", config.ID, fmt.Errorf("failed to get credential for %s: %w", config.ID, err))
	}
	return cred, nil
}

// decodeSettings decodes the protocol settings of config into out. Numbers
// given as strings and durations such as "30s" are accepted.
func decodeSettings(config *client.StorageConfig, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create settings decoder: %w", err)
	}
	if err := decoder.Decode(config.Settings); err != nil {
		return client.NewError(client.KindInvalid, "create", config.ID, fmt.Errorf("failed to decode %s settings: %w", config.Protocol, err))
	}
	return nil
}
