// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/romvault/pkg/types"
	"github.com/LeeDigitalWorks/romvault/pkg/utils"

	"github.com/google/uuid"
)

func init() {
	Register(types.StorageTypeLocal, NewLocal)
}

// Local implements ObjectStore on a local filesystem. Objects live under
// <root>/data with a JSON sidecar under <root>/meta; multipart sessions are
// spooled under <root>/uploads/<uploadID> until complete or abort.
type Local struct {
	mu   sync.Mutex
	root string

	// Non-final part size floor enforced on complete.
	MinPartSize int
}

type localMeta struct {
	ContentType string `json:"content_type,omitempty"`
	ETag        string `json:"etag"`
	ModifiedAt  int64  `json:"modified_at"`
}

type localSession struct {
	Key         string         `json:"key"`
	ContentType string         `json:"content_type,omitempty"`
	Initiated   int64          `json:"initiated"`
	ETags       map[string]string `json:"etags"` // part number -> etag
}

// NewLocal creates a local disk backend rooted at cfg.Path
func NewLocal(cfg types.BackendConfig) (ObjectStore, error) {
	root := utils.ResolvePath(cfg.Path)
	for _, dir := range []string{"data", "meta", "uploads"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	if err := utils.TestWritableFile(root); err != nil {
		return nil, fmt.Errorf("backend root not writable: %w", err)
	}
	return &Local{root: root, MinPartSize: MinPartSize}, nil
}

func (l *Local) Type() types.StorageType {
	return types.StorageTypeLocal
}

func (l *Local) dataPath(key string) string {
	return filepath.Join(l.root, "data", filepath.FromSlash(key))
}

func (l *Local) metaPath(key string) string {
	return filepath.Join(l.root, "meta", filepath.FromSlash(key)+".json")
}

func (l *Local) sessionDir(uploadID string) string {
	return filepath.Join(l.root, "uploads", uploadID)
}

func (l *Local) writeMeta(key string, meta localMeta) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	path := l.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func (l *Local) readMeta(key string) (*localMeta, error) {
	buf, err := os.ReadFile(l.metaPath(key))
	if err != nil {
		return nil, err
	}
	var meta localMeta
	if err := json.Unmarshal(buf, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (l *Local) Write(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.dataPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create object file: %w", err)
	}

	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}

	return l.writeMeta(key, localMeta{
		ContentType: contentType,
		ETag:        hex.EncodeToString(hasher.Sum(nil)),
		ModifiedAt:  time.Now().UnixNano(),
	})
}

func (l *Local) Read(ctx context.Context, key string) (io.ReadCloser, *types.ObjectInfo, error) {
	if !ValidKey(key) {
		return nil, nil, ErrInvalidKey
	}

	f, err := os.Open(l.dataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open object: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat object: %w", err)
	}

	info := &types.ObjectInfo{
		Key:  key,
		Size: st.Size(),
	}
	if meta, err := l.readMeta(key); err == nil {
		info.ContentType = meta.ContentType
		info.ETag = meta.ETag
		info.ModifiedAt = meta.ModifiedAt
	}
	return f, info, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.dataPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	if err := os.Remove(l.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, prefix string, max int) ([]types.ObjectInfo, error) {
	dataRoot := filepath.Join(l.root, "data")

	var keys []string
	err := filepath.WalkDir(dataRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dataRoot, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk objects: %w", err)
	}
	sort.Strings(keys)

	var infos []types.ObjectInfo
	for _, key := range keys {
		if max > 0 && len(infos) >= max {
			break
		}
		st, err := os.Stat(l.dataPath(key))
		if err != nil {
			continue
		}
		info := types.ObjectInfo{Key: key, Size: st.Size()}
		if meta, err := l.readMeta(key); err == nil {
			info.ContentType = meta.ContentType
			info.ETag = meta.ETag
			info.ModifiedAt = meta.ModifiedAt
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (l *Local) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	if !ValidKey(key) {
		return "", ErrInvalidKey
	}

	uploadUUID := uuid.New()
	uploadID := base64.RawURLEncoding.EncodeToString(uploadUUID[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.sessionDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	sess := localSession{
		Key:         key,
		ContentType: contentType,
		Initiated:   time.Now().UnixNano(),
		ETags:       make(map[string]string),
	}
	if err := l.writeSession(uploadID, &sess); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return uploadID, nil
}

func (l *Local) writeSession(uploadID string, sess *localSession) error {
	buf, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.sessionDir(uploadID), "session.json"), buf, 0o644)
}

func (l *Local) readSession(uploadID string) (*localSession, error) {
	// Upload IDs are generated as base64 raw-URL strings; anything that
	// could traverse out of the uploads dir cannot name a live session.
	if strings.ContainsAny(uploadID, "/\\") || strings.Contains(uploadID, "..") {
		return nil, ErrUploadNotFound
	}

	buf, err := os.ReadFile(filepath.Join(l.sessionDir(uploadID), "session.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUploadNotFound
		}
		return nil, err
	}
	var sess localSession
	if err := json.Unmarshal(buf, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (l *Local) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader, size int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.readSession(uploadID)
	if err != nil {
		return "", err
	}
	if sess.Key != key {
		return "", ErrUploadNotFound
	}

	path := filepath.Join(l.sessionDir(uploadID), strconv.Itoa(partNumber))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create part file: %w", err)
	}

	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write part: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close part: %w", err)
	}

	etag := hex.EncodeToString(hasher.Sum(nil))
	sess.ETags[strconv.Itoa(partNumber)] = etag
	if err := l.writeSession(uploadID, sess); err != nil {
		return "", err
	}
	return etag, nil
}

func (l *Local) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.PartDescriptor) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.readSession(uploadID)
	if err != nil {
		return err
	}
	if sess.Key != key {
		return ErrUploadNotFound
	}

	if !types.ValidatePartSequence(parts) {
		return ErrInvalidPartOrder
	}

	for i, p := range parts {
		etag, ok := sess.ETags[strconv.Itoa(p.PartNumber)]
		if !ok || etag != strings.Trim(p.ETag, "\"") {
			return ErrInvalidPart
		}
		st, err := os.Stat(filepath.Join(l.sessionDir(uploadID), strconv.Itoa(p.PartNumber)))
		if err != nil {
			return ErrInvalidPart
		}
		if i < len(parts)-1 && st.Size() < int64(l.MinPartSize) {
			return ErrEntityTooSmall
		}
	}

	path := l.dataPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create object file: %w", err)
	}

	hasher := md5.New()
	w := io.MultiWriter(out, hasher)
	buf := utils.GetBuffer(1 << 20)
	defer utils.PutBuffer(buf)
	for _, p := range parts {
		part, err := os.Open(filepath.Join(l.sessionDir(uploadID), strconv.Itoa(p.PartNumber)))
		if err != nil {
			out.Close()
			os.Remove(path)
			return fmt.Errorf("open part %d: %w", p.PartNumber, err)
		}
		_, err = io.CopyBuffer(w, part, buf)
		part.Close()
		if err != nil {
			out.Close()
			os.Remove(path)
			return fmt.Errorf("assemble part %d: %w", p.PartNumber, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}

	if err := l.writeMeta(key, localMeta{
		ContentType: sess.ContentType,
		ETag:        hex.EncodeToString(hasher.Sum(nil)) + "-" + strconv.Itoa(len(parts)),
		ModifiedAt:  time.Now().UnixNano(),
	}); err != nil {
		return err
	}

	return os.RemoveAll(l.sessionDir(uploadID))
}

func (l *Local) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.readSession(uploadID)
	if err != nil {
		return err
	}
	if sess.Key != key {
		return ErrUploadNotFound
	}
	return os.RemoveAll(l.sessionDir(uploadID))
}

func (l *Local) Close() error {
	return nil
}
