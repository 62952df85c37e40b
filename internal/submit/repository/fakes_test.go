package repository

import (
	"context"
	"database/sql"
	"io"
	"reflect"
	"sync"
	"testing"

	"hive/internal/common/cache"
	"hive/internal/common/db"
	"hive/internal/common/mq"
	"hive/internal/common/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeDB answers queries from scripted functions and records what ran.
type fakeDB struct {
	mu      sync.Mutex
	queries []string
	execs   []string
	execArg [][]interface{}

	rowFn  func(query string, args []interface{}) ([]interface{}, error)
	rowsFn func(query string, args []interface{}) ([][]interface{}, error)
	execFn func(query string, args []interface{}) (int64, error)
}

func (f *fakeDB) Query(_ context.Context, query string, args ...interface{}) (db.Rows, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.rowsFn == nil {
		return &fakeRows{}, nil
	}
	data, err := f.rowsFn(query, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{data: data, idx: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, query string, args ...interface{}) db.Row {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.rowFn == nil {
		return fakeRow{err: sql.ErrNoRows}
	}
	values, err := f.rowFn(query, args)
	return fakeRow{values: values, err: err}
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...interface{}) (db.Result, error) {
	f.mu.Lock()
	f.execs = append(f.execs, query)
	f.execArg = append(f.execArg, args)
	f.mu.Unlock()
	if f.execFn == nil {
		return fakeResult(1), nil
	}
	n, err := f.execFn(query, args)
	if err != nil {
		return nil, err
	}
	return fakeResult(n), nil
}

func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(fakeTx{f})
}

func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close() error               { return nil }

func (f *fakeDB) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeTx struct{ *fakeDB }

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type fakeRows struct {
	data [][]interface{}
	idx  int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *fakeRows) Scan(dest ...interface{}) error { return assignAll(dest, r.data[r.idx]) }
func (r *fakeRows) Err() error                     { return nil }
func (r *fakeRows) Close() error                   { return nil }

func assignAll(dest, values []interface{}) error {
	if len(dest) != len(values) {
		return io.ErrShortBuffer
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dest, value interface{}) error {
	if scanner, ok := dest.(sql.Scanner); ok {
		return scanner.Scan(value)
	}
	dv := reflect.ValueOf(dest).Elem()
	if value == nil {
		dv.Set(reflect.Zero(dv.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	if dv.Kind() == reflect.Pointer {
		p := reflect.New(dv.Type().Elem())
		p.Elem().Set(v.Convert(dv.Type().Elem()))
		dv.Set(p)
		return nil
	}
	dv.Set(v.Convert(dv.Type()))
	return nil
}

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

type fakeProducer struct {
	mu       sync.Mutex
	topic    string
	messages []*mq.Message
	err      error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, message *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func (p *fakeProducer) Ping(context.Context) error { return nil }
func (p *fakeProducer) Close() error               { return nil }

type fakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (s *fakeObjectStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, storage.ObjectStat, error) {
	return nil, storage.ObjectStat{}, storage.ErrObjectNotFound
}

func (s *fakeObjectStorage) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (storage.ObjectStat, error) {
	if s.err != nil {
		return storage.ObjectStat{}, s.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return storage.ObjectStat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[bucket+"/"+key] = data
	return storage.ObjectStat{SizeBytes: int64(len(data)), ContentType: contentType}, nil
}

func (s *fakeObjectStorage) StatObject(context.Context, string, string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, storage.ErrObjectNotFound
}
