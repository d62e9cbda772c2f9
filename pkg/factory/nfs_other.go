//go:build !linux
// +build !linux

package factory

import (
	"fmt"

	"digital.vasic.fileops/pkg/client"
)

// createNFSClient returns an error on non-Linux platforms.
func (f *DefaultFactory) createNFSClient(config *client.StorageConfig) (client.Client, error) {
	return nil, client.NewError(client.KindInvalid, "create", config.ID, fmt.Errorf("NFS protocol is only supported on Linux"))
}
