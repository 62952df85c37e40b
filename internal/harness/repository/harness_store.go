package repository

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"hive/internal/common/storage"
	"hive/internal/grader/workspace"
	"hive/pkg/errors"
	"hive/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL      = time.Minute
	defaultCacheMaxBytes = 256 << 20
	defaultMaxArchive    = 64 << 20
	objectKeyPrefix      = "harness/"
	archiveContentType   = "application/zstd"
)

// Config configures a HarnessStore.
type Config struct {
	Bucket        string        `yaml:"bucket"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	CacheMaxBytes int64         `yaml:"cacheMaxBytes"`
	// MaxArchiveBytes bounds both uploads and downloads.
	MaxArchiveBytes int64 `yaml:"maxArchiveBytes"`
}

type cacheEntry struct {
	etag      string
	data      []byte
	expiresAt time.Time
}

// HarnessStore serves per-project harness archives from object storage
// with a small in-process cache in front.
type HarnessStore struct {
	storage storage.ObjectStorage
	cfg     Config
	group   singleflight.Group

	mu        sync.Mutex
	entries   map[int64]*cacheEntry
	order     []int64
	totalSize int64
	now       func() time.Time
}

// NewHarnessStore creates a harness store.
func NewHarnessStore(objectStorage storage.ObjectStorage, cfg Config) (*HarnessStore, error) {
	if objectStorage == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("harness bucket is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = defaultCacheMaxBytes
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = defaultMaxArchive
	}
	return &HarnessStore{
		storage: objectStorage,
		cfg:     cfg,
		entries: make(map[int64]*cacheEntry),
		now:     time.Now,
	}, nil
}

// ObjectKey is the storage key of a project's harness archive.
func ObjectKey(projectID int64) string {
	return objectKeyPrefix + strconv.FormatInt(projectID, 10) + ".tar.zst"
}

// Fetch returns the harness archive for a project, or HarnessNotFound.
// Callers must not modify the returned slice.
func (s *HarnessStore) Fetch(ctx context.Context, projectID int64) ([]byte, error) {
	if projectID <= 0 {
		return nil, errors.ValidationError("project_id", "required")
	}
	if data, ok := s.fresh(projectID); ok {
		return data, nil
	}

	// The load is shared by every waiter, so it must outlive any one caller.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(strconv.FormatInt(projectID, 10), func() (interface{}, error) {
		return s.load(loadCtx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Put uploads a new harness archive for a project after checking its
// compression magic. The cached copy is dropped.
func (s *HarnessStore) Put(ctx context.Context, projectID int64, r io.Reader, size int64) error {
	if projectID <= 0 {
		return errors.ValidationError("project_id", "required")
	}
	if size > s.cfg.MaxArchiveBytes {
		return errors.Newf(errors.PayloadTooLarge, "harness archive exceeds %d bytes", s.cfg.MaxArchiveBytes)
	}
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrapf(err, errors.HarnessUploadFailed, "read harness upload failed")
	}
	if _, err := workspace.Sniff(head); err != nil {
		return err
	}

	if _, err := s.storage.PutObject(ctx, s.cfg.Bucket, ObjectKey(projectID), br, size, archiveContentType); err != nil {
		return errors.Wrapf(err, errors.HarnessUploadFailed, "upload harness failed")
	}
	s.invalidate(projectID)
	logger.Info(ctx, "harness uploaded", zap.Int64("project_id", projectID), zap.Int64("size", size))
	return nil
}

func (s *HarnessStore) load(ctx context.Context, projectID int64) ([]byte, error) {
	key := ObjectKey(projectID)

	// expired entry: revalidate by etag before paying for a download
	if etag, data, ok := s.stale(projectID); ok {
		stat, err := s.storage.StatObject(ctx, s.cfg.Bucket, key)
		switch {
		case err == nil && stat.ETag != "" && stat.ETag == etag:
			s.extend(projectID)
			return data, nil
		case stderrors.Is(err, storage.ErrObjectNotFound):
			s.invalidate(projectID)
			return nil, errors.Newf(errors.HarnessNotFound, "harness for project %d not found", projectID)
		case err != nil:
			logger.Warn(ctx, "harness revalidation failed", zap.Int64("project_id", projectID), zap.Error(err))
		}
	}

	reader, stat, err := s.storage.GetObject(ctx, s.cfg.Bucket, key)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotFound) {
			s.invalidate(projectID)
			return nil, errors.Newf(errors.HarnessNotFound, "harness for project %d not found", projectID)
		}
		return nil, errors.Wrapf(err, errors.StorageError, "download harness failed")
	}
	defer reader.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(reader, s.cfg.MaxArchiveBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, errors.StorageError, "read harness failed")
	}
	if n > s.cfg.MaxArchiveBytes {
		return nil, errors.Newf(errors.HarnessCorrupt, "harness archive exceeds %d bytes", s.cfg.MaxArchiveBytes)
	}
	data := buf.Bytes()
	s.store(projectID, stat.ETag, data)
	return data, nil
}

func (s *HarnessStore) fresh(projectID int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[projectID]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

func (s *HarnessStore) stale(projectID int64) (string, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[projectID]
	if !ok {
		return "", nil, false
	}
	return entry.etag, entry.data, true
}

func (s *HarnessStore) extend(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[projectID]; ok {
		entry.expiresAt = s.now().Add(s.cfg.CacheTTL)
	}
}

func (s *HarnessStore) store(projectID int64, etag string, data []byte) {
	if int64(len(data)) > s.cfg.CacheMaxBytes {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(projectID)
	s.entries[projectID] = &cacheEntry{etag: etag, data: data, expiresAt: s.now().Add(s.cfg.CacheTTL)}
	s.order = append(s.order, projectID)
	s.totalSize += int64(len(data))
	for s.totalSize > s.cfg.CacheMaxBytes && len(s.order) > 0 {
		s.removeLocked(s.order[0])
	}
}

func (s *HarnessStore) invalidate(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(projectID)
}

func (s *HarnessStore) removeLocked(projectID int64) {
	entry, ok := s.entries[projectID]
	if !ok {
		return
	}
	delete(s.entries, projectID)
	s.totalSize -= int64(len(entry.data))
	for i, id := range s.order {
		if id == projectID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
