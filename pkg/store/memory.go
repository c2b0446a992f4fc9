// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/romvault/pkg/types"

	"github.com/google/uuid"
)

func init() {
	Register(types.StorageTypeMemory, func(cfg types.BackendConfig) (ObjectStore, error) {
		return NewMemoryStore(), nil
	})
}

type memoryObject struct {
	data        []byte
	contentType string
	etag        string
	modifiedAt  int64
}

type memorySession struct {
	key         string
	contentType string
	parts       map[int][]byte
	etags       map[int]string
}

// MemoryStore is an in-memory backend for testing.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string]*memoryObject
	sessions map[string]*memorySession

	// MinPartSize is the non-final part size floor enforced on complete.
	// Tests lower this to exercise multipart flows with small payloads.
	MinPartSize int
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:     make(map[string]*memoryObject),
		sessions:    make(map[string]*memorySession),
		MinPartSize: MinPartSize,
	}
}

func (m *MemoryStore) Type() types.StorageType {
	return types.StorageTypeMemory
}

func (m *MemoryStore) Write(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	sum := md5.Sum(buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &memoryObject{
		data:        buf,
		contentType: contentType,
		etag:        hex.EncodeToString(sum[:]),
		modifiedAt:  time.Now().UnixNano(),
	}
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, key string) (io.ReadCloser, *types.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, ErrNotFound
	}

	info := &types.ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		ETag:        obj.etag,
		ModifiedAt:  obj.modifiedAt,
	}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string, max int) ([]types.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var infos []types.ObjectInfo
	for _, k := range keys {
		if max > 0 && len(infos) >= max {
			break
		}
		obj := m.objects[k]
		infos = append(infos, types.ObjectInfo{
			Key:         k,
			Size:        int64(len(obj.data)),
			ContentType: obj.contentType,
			ETag:        obj.etag,
			ModifiedAt:  obj.modifiedAt,
		})
	}
	return infos, nil
}

func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	uploadUUID := uuid.New()
	uploadID := base64.RawURLEncoding.EncodeToString(uploadUUID[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[uploadID] = &memorySession{
		key:         key,
		contentType: contentType,
		parts:       make(map[int][]byte),
		etags:       make(map[int]string),
	}
	return uploadID, nil
}

func (m *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader, size int64) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(buf)
	etag := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uploadID]
	if !ok || sess.key != key {
		return "", ErrUploadNotFound
	}

	// Overwrite semantics: a retried part number replaces the earlier bytes
	sess.parts[partNumber] = buf
	sess.etags[partNumber] = etag
	return etag, nil
}

func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.PartDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uploadID]
	if !ok || sess.key != key {
		return ErrUploadNotFound
	}

	if !types.ValidatePartSequence(parts) {
		return ErrInvalidPartOrder
	}

	var assembled []byte
	for i, p := range parts {
		data, ok := sess.parts[p.PartNumber]
		if !ok {
			return ErrInvalidPart
		}
		if sess.etags[p.PartNumber] != strings.Trim(p.ETag, "\"") {
			return ErrInvalidPart
		}
		if i < len(parts)-1 && len(data) < m.MinPartSize {
			return ErrEntityTooSmall
		}
		assembled = append(assembled, data...)
	}

	sum := md5.Sum(assembled)
	m.objects[key] = &memoryObject{
		data:        assembled,
		contentType: sess.contentType,
		etag:        hex.EncodeToString(sum[:]),
		modifiedAt:  time.Now().UnixNano(),
	}
	delete(m.sessions, uploadID)
	return nil
}

func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uploadID]
	if !ok || sess.key != key {
		return ErrUploadNotFound
	}
	delete(m.sessions, uploadID)
	return nil
}

// SessionCount reports live multipart sessions. Used by tests to verify
// abort/complete destroy session state.
func (m *MemoryStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string]*memoryObject)
	m.sessions = make(map[string]*memorySession)
	return nil
}
