package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/replicat/replicat/internal/backend"
	"github.com/replicat/replicat/internal/metrics"
	"github.com/replicat/replicat/internal/registry"
)

// stubStore wraps a MemoryStore with scriptable failures and latency for
// exercising the strategy engines.
type stubStore struct {
	name string
	mem  *backend.MemoryStore

	delay time.Duration

	failGet        error
	failHead       error
	failList       error
	failDelete     error
	failHeadBucket error

	// failPut fails PutObject while failPutRemaining > 0, or always when
	// failPutRemaining is negative.
	failPut          error
	failPutRemaining atomic.Int32

	gets    atomic.Int32
	heads   atomic.Int32
	puts    atomic.Int32
	deletes atomic.Int32
}

func newStub(name string) *stubStore {
	return &stubStore{name: name, mem: backend.NewMemoryStore(name)}
}

func (s *stubStore) seed(key, body string) {
	_, err := s.mem.PutObject(context.Background(), key, backend.PutInput{
		Body:          strings.NewReader(body),
		ContentLength: int64(len(body)),
		ContentType:   "text/plain",
	})
	if err != nil {
		panic(err)
	}
}

func (s *stubStore) wait(ctx context.Context) error {
	if s.delay == 0 {
		return nil
	}
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return backend.NewError(backend.KindTransient, s.name, "wait", "", ctx.Err())
	}
}

func (s *stubStore) Name() string { return s.name }

func (s *stubStore) HeadBucket(ctx context.Context) error {
	if s.failHeadBucket != nil {
		return s.failHeadBucket
	}
	return s.mem.HeadBucket(ctx)
}

func (s *stubStore) HeadObject(ctx context.Context, key string) (backend.Object, error) {
	s.heads.Add(1)
	if err := s.wait(ctx); err != nil {
		return backend.Object{}, err
	}
	if s.failHead != nil {
		return backend.Object{}, s.failHead
	}
	return s.mem.HeadObject(ctx, key)
}

func (s *stubStore) GetObject(ctx context.Context, key, byteRange string) (*backend.Reader, error) {
	s.gets.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.failGet != nil {
		return nil, s.failGet
	}
	return s.mem.GetObject(ctx, key, byteRange)
}

func (s *stubStore) PutObject(ctx context.Context, key string, in backend.PutInput) (string, error) {
	s.puts.Add(1)
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	if s.failPut != nil {
		remaining := s.failPutRemaining.Load()
		if remaining < 0 {
			return "", s.failPut
		}
		if remaining > 0 && s.failPutRemaining.Add(-1) >= 0 {
			return "", s.failPut
		}
	}
	return s.mem.PutObject(ctx, key, in)
}

func (s *stubStore) DeleteObject(ctx context.Context, key string) error {
	s.deletes.Add(1)
	if err := s.wait(ctx); err != nil {
		return err
	}
	if s.failDelete != nil {
		return s.failDelete
	}
	return s.mem.DeleteObject(ctx, key)
}

func (s *stubStore) ListObjects(ctx context.Context, opts backend.ListOptions) (backend.ListPage, error) {
	if err := s.wait(ctx); err != nil {
		return backend.ListPage{}, err
	}
	if s.failList != nil {
		return backend.ListPage{}, s.failList
	}
	return s.mem.ListObjects(ctx, opts)
}

func transientErr(name string) error {
	return backend.NewError(backend.KindTransient, name, "op", "k", errors.New("injected 500"))
}

func authErr(name string) error {
	return backend.NewError(backend.KindAuthFailure, name, "op", "k", errors.New("injected 403"))
}

func newRegistry(primary int, stores ...backend.Store) *registry.Registry {
	reg, err := registry.New(stores, primary)
	if err != nil {
		panic(err)
	}
	return reg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readAll(rd *backend.Reader) string {
	defer rd.Body.Close()
	data, err := io.ReadAll(rd.Body)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func newCollector() *metrics.Collector { return metrics.NewCollector() }
