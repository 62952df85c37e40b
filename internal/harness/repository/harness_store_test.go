package repository

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hive/internal/common/storage"
	"hive/pkg/errors"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	gets    atomic.Int32
	stats   atomic.Int32
	delay   time.Duration
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), etags: make(map[string]string)}
}

func (f *fakeStorage) set(key string, data []byte, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.etags[key] = etag
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectStat, error) {
	f.gets.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.ObjectStat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), storage.ObjectStat{SizeBytes: int64(len(data)), ETag: f.etags[key]}, nil
}

func (f *fakeStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, contentType string) (storage.ObjectStat, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.ObjectStat{}, err
	}
	f.set(key, data, "put")
	return storage.ObjectStat{SizeBytes: int64(len(data)), ETag: "put"}, nil
}

func (f *fakeStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	f.stats.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	return storage.ObjectStat{SizeBytes: int64(len(data)), ETag: f.etags[key]}, nil
}

var zstdArchive = []byte{0x28, 0xB5, 0x2F, 0xFD, 1, 2, 3}

func newStore(t *testing.T, fs *fakeStorage, cfg Config) *HarnessStore {
	t.Helper()
	if cfg.Bucket == "" {
		cfg.Bucket = "hive"
	}
	s, err := NewHarnessStore(fs, cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()
	s := newStore(t, newFakeStorage(), Config{})
	_, err := s.Fetch(context.Background(), 9)
	if !errors.Is(err, errors.HarnessNotFound) {
		t.Fatalf("expected HarnessNotFound, got %v", err)
	}
	if errors.GetCode(err).HTTPStatus() != 404 {
		t.Fatalf("expected 404 status")
	}
}

func TestFetchCachesWithinTTL(t *testing.T) {
	t.Parallel()
	fs := newFakeStorage()
	fs.set(ObjectKey(1), zstdArchive, "v1")
	s := newStore(t, fs, Config{CacheTTL: time.Hour})

	for i := 0; i < 3; i++ {
		data, err := s.Fetch(context.Background(), 1)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if !bytes.Equal(data, zstdArchive) {
			t.Fatalf("unexpected bytes")
		}
	}
	if fs.gets.Load() != 1 || fs.stats.Load() != 0 {
		t.Fatalf("expected one download and no stat, got %d gets %d stats", fs.gets.Load(), fs.stats.Load())
	}
}

func TestFetchRevalidatesByETag(t *testing.T) {
	t.Parallel()
	fs := newFakeStorage()
	fs.set(ObjectKey(1), zstdArchive, "v1")
	s := newStore(t, fs, Config{CacheTTL: time.Minute})
	now := time.Now()
	s.now = func() time.Time { return now }

	if _, err := s.Fetch(context.Background(), 1); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Fetch(context.Background(), 1); err != nil {
		t.Fatalf("fetch after ttl: %v", err)
	}
	if fs.gets.Load() != 1 || fs.stats.Load() != 1 {
		t.Fatalf("same etag should only stat, got %d gets %d stats", fs.gets.Load(), fs.stats.Load())
	}

	updated := append([]byte{}, zstdArchive...)
	updated = append(updated, 9)
	fs.set(ObjectKey(1), updated, "v2")
	now = now.Add(2 * time.Minute)
	data, err := s.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch after change: %v", err)
	}
	if !bytes.Equal(data, updated) || fs.gets.Load() != 2 {
		t.Fatalf("changed etag should refetch, got %d gets", fs.gets.Load())
	}
}

func TestFetchSharesConcurrentDownloads(t *testing.T) {
	t.Parallel()
	fs := newFakeStorage()
	fs.delay = 50 * time.Millisecond
	fs.set(ObjectKey(4), zstdArchive, "v1")
	s := newStore(t, fs, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Fetch(context.Background(), 4); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := fs.gets.Load(); got != 1 {
		t.Fatalf("expected one shared download, got %d", got)
	}
}

func TestFetchSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()
	fs := newFakeStorage()
	fs.delay = 150 * time.Millisecond
	fs.set(ObjectKey(6), zstdArchive, "v1")
	s := newStore(t, fs, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Fetch(ctx, 6)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)
	second := make(chan error, 1)
	go func() {
		_, err := s.Fetch(context.Background(), 6)
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-second; err != nil {
		t.Fatalf("waiter failed because another caller went away: %v", err)
	}
	<-first
	if got := fs.gets.Load(); got != 1 {
		t.Fatalf("expected one shared download, got %d", got)
	}
}

func TestCacheEvictsOldestOverBudget(t *testing.T) {
	t.Parallel()
	fs := newFakeStorage()
	for id := int64(1); id <= 3; id++ {
		fs.set(ObjectKey(id), zstdArchive, "v")
	}
	s := newStore(t, fs, Config{CacheTTL: time.Hour, CacheMaxBytes: int64(2 * len(zstdArchive))})
	for id := int64(1); id <= 3; id++ {
		if _, err := s.Fetch(context.Background(), id); err != nil {
			t.Fatalf("fetch %d: %v", id, err)
		}
	}
	if _, ok := s.fresh(1); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if _, ok := s.fresh(3); !ok {
		t.Fatalf("expected newest entry to stay cached")
	}
	if s.totalSize > s.cfg.CacheMaxBytes {
		t.Fatalf("cache over budget: %d", s.totalSize)
	}
}

func TestPutValidatesAndInvalidates(t *testing.T) {
	t.Parallel()
	fs := newFakeStorage()
	fs.set(ObjectKey(2), zstdArchive, "v1")
	s := newStore(t, fs, Config{CacheTTL: time.Hour})
	ctx := context.Background()

	if _, err := s.Fetch(ctx, 2); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	err := s.Put(ctx, 2, bytes.NewReader([]byte("not an archive")), 14)
	if !errors.Is(err, errors.HarnessCorrupt) {
		t.Fatalf("expected HarnessCorrupt, got %v", err)
	}

	gz := []byte{0x1F, 0x8B, 8, 0}
	if err := s.Put(ctx, 2, bytes.NewReader(gz), int64(len(gz))); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := s.Fetch(ctx, 2)
	if err != nil {
		t.Fatalf("fetch after put: %v", err)
	}
	if !bytes.Equal(data, gz) {
		t.Fatalf("expected uploaded archive after invalidation")
	}
}

func TestPutRejectsOversize(t *testing.T) {
	t.Parallel()
	s := newStore(t, newFakeStorage(), Config{MaxArchiveBytes: 4})
	err := s.Put(context.Background(), 1, bytes.NewReader(zstdArchive), int64(len(zstdArchive)))
	if !errors.Is(err, errors.PayloadTooLarge) {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
}
