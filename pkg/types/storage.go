// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// StorageType identifies a backend implementation.
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeLocal  StorageType = "local"
	StorageTypeMemory StorageType = "memory"
)

// BackendConfig holds configuration for one storage backend.
type BackendConfig struct {
	Type StorageType

	// Local disk backends
	Path string

	// S3-compatible backends
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Validate checks that the config is complete for its storage type.
func (c BackendConfig) Validate() error {
	switch c.Type {
	case StorageTypeS3:
		if c.Bucket == "" {
			return fmt.Errorf("bucket required for S3 backend")
		}
	case StorageTypeLocal:
		if c.Path == "" {
			return fmt.Errorf("path required for local backend")
		}
	case StorageTypeMemory:
	case "":
		return fmt.Errorf("storage type required")
	default:
		return fmt.Errorf("unknown storage type: %s", c.Type)
	}
	return nil
}
