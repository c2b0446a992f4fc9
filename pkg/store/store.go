// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides object storage backend implementations.
// All backends implement the ObjectStore interface, including the
// create/put-parts/complete/abort multipart protocol.
package store

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/LeeDigitalWorks/romvault/pkg/types"
)

// MinPartSize is the minimum size of every part except the last.
// Completing an upload with an undersized non-final part fails with
// ErrEntityTooSmall.
const MinPartSize = 5 * 1024 * 1024

// ObjectStore is the storage contract consumed by the vault server.
type ObjectStore interface {
	Type() types.StorageType

	// Write stores an object in a single shot.
	Write(ctx context.Context, key string, data io.Reader, size int64, contentType string) error

	// Read returns the object body and its stored metadata.
	Read(ctx context.Context, key string) (io.ReadCloser, *types.ObjectInfo, error)

	Delete(ctx context.Context, key string) error

	// List returns up to max objects whose keys start with prefix.
	List(ctx context.Context, prefix string, max int) ([]types.ObjectInfo, error)

	// CreateMultipartUpload starts a session and returns its upload ID.
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)

	// UploadPart stores one part and returns its etag. Re-uploading a part
	// number overwrites the earlier bytes and etag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader, size int64) (string, error)

	// CompleteMultipartUpload assembles the object from the given parts,
	// which must be sorted ascending, contiguous from 1, and match the
	// recorded etags.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.PartDescriptor) error

	// AbortMultipartUpload discards the session and any uploaded parts.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	Close() error
}

// ValidKey reports whether key is usable as an object key. Keys are opaque
// byte sequences scoped to one bucket: they must be non-empty, relative,
// and must not escape the bucket after path cleaning.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}

// Registry holds registered backend factories
var (
	registryMu sync.RWMutex
	registry   = make(map[types.StorageType]Factory)
)

// Factory creates an ObjectStore from config
type Factory func(cfg types.BackendConfig) (ObjectStore, error)

// Register adds a factory for a storage type
func Register(t types.StorageType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

// New creates an ObjectStore from config
func New(cfg types.BackendConfig) (ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	return f(cfg)
}
