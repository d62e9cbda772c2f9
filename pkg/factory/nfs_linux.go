//go:build linux
// +build linux

package factory

import (
	"fmt"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/nfs"
)

// createNFSClient creates an NFS client (Linux implementation).
func (f *DefaultFactory) createNFSClient(config *client.StorageConfig) (client.Client, error) {
	nfsConfig := nfs.Config{Options: "vers=3"}
	if err := decodeSettings(config, &nfsConfig); err != nil {
		return nil, err
	}
	c, err := nfs.NewNFSClient(nfsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create NFS client: %w", err)
	}
	return c, nil
}
