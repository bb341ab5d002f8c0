// Package strategy implements the read and write replication policies over
// the registered backends.
package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/replicat/replicat/internal/backend"
	"github.com/replicat/replicat/internal/config"
	"github.com/replicat/replicat/internal/registry"
	"github.com/replicat/replicat/internal/stream"
)

// Reader applies the configured read mode to get, head, and list
// operations.
type Reader struct {
	reg    *registry.Registry
	mode   config.ReadMode
	logger *slog.Logger
}

// NewReader builds a read engine for the given mode.
func NewReader(reg *registry.Registry, mode config.ReadMode, logger *slog.Logger) *Reader {
	return &Reader{reg: reg, mode: mode, logger: logger.With("component", "read-strategy", "mode", string(mode))}
}

// HeadBucket checks bucket existence. Always answered by the primary.
func (r *Reader) HeadBucket(ctx context.Context) error {
	return r.reg.Primary().HeadBucket(ctx)
}

// Get resolves a GetObject. byteRange is forwarded verbatim to every backend
// consulted. The returned body always originates from exactly one backend.
func (r *Reader) Get(ctx context.Context, key, byteRange string) (*backend.Reader, error) {
	switch r.mode {
	case config.ReadPrimaryOnly:
		return r.reg.Primary().GetObject(ctx, key, byteRange)

	case config.ReadPrimaryFallback:
		return fallback(ctx, r.reg, func(ctx context.Context, s backend.Store) (*backend.Reader, error) {
			return s.GetObject(ctx, key, byteRange)
		})

	case config.ReadBestEffort:
		rd, winnerCancel, err := race(ctx, r.reg.Stores(), func(ctx context.Context, s backend.Store) (*backend.Reader, error) {
			return s.GetObject(ctx, key, byteRange)
		}, discardReader)
		if err != nil {
			return nil, err
		}
		// The winner's backend request must stay alive until the body is
		// fully consumed.
		rd.Body = &cancelOnClose{ReadCloser: rd.Body, cancel: winnerCancel}
		return rd, nil

	case config.ReadAllConsistent:
		return r.getAllConsistent(ctx, key, byteRange)

	default:
		return nil, errors.New("unknown read mode")
	}
}

// Head resolves a HeadObject under the configured mode.
func (r *Reader) Head(ctx context.Context, key string) (backend.Object, error) {
	switch r.mode {
	case config.ReadPrimaryOnly:
		return r.reg.Primary().HeadObject(ctx, key)

	case config.ReadPrimaryFallback:
		return fallback(ctx, r.reg, func(ctx context.Context, s backend.Store) (backend.Object, error) {
			return s.HeadObject(ctx, key)
		})

	case config.ReadBestEffort:
		obj, winnerCancel, err := race(ctx, r.reg.Stores(), func(ctx context.Context, s backend.Store) (backend.Object, error) {
			return s.HeadObject(ctx, key)
		}, nil)
		if winnerCancel != nil {
			winnerCancel()
		}
		return obj, err

	case config.ReadAllConsistent:
		return r.headAllConsistent(ctx, key)

	default:
		return backend.Object{}, errors.New("unknown read mode")
	}
}

// List returns one listing page. Listings always come from a single backend;
// modes without a consistency check degenerate to primary-or-fallback.
func (r *Reader) List(ctx context.Context, opts backend.ListOptions) (backend.ListPage, error) {
	switch r.mode {
	case config.ReadPrimaryOnly:
		return r.reg.Primary().ListObjects(ctx, opts)

	case config.ReadPrimaryFallback, config.ReadBestEffort:
		return fallback(ctx, r.reg, func(ctx context.Context, s backend.Store) (backend.ListPage, error) {
			return s.ListObjects(ctx, opts)
		})

	case config.ReadAllConsistent:
		return r.listAllConsistent(ctx, opts)

	default:
		return backend.ListPage{}, errors.New("unknown read mode")
	}
}

// fallback issues op against the primary, propagating NotFound immediately.
// Any other primary failure walks the remaining backends in declaration
// order; if none succeeds the primary's original error is returned.
func fallback[T any](ctx context.Context, reg *registry.Registry, op func(context.Context, backend.Store) (T, error)) (T, error) {
	primary := reg.Primary()
	val, primaryErr := op(ctx, primary)
	if primaryErr == nil || backend.IsNotFound(primaryErr) {
		return val, primaryErr
	}

	for i, s := range reg.Stores() {
		if i == reg.PrimaryIndex() {
			continue
		}
		if v, err := op(ctx, s); err == nil {
			return v, nil
		}
	}
	return val, primaryErr
}

// race launches op concurrently against every store and returns the first
// success, cancelling the losers. NotFound does not win the race. When every
// attempt fails the most severe classification is returned. The returned
// cancel releases the winner's request context and must be called once the
// result is no longer needed.
func race[T any](ctx context.Context, stores []backend.Store, op func(context.Context, backend.Store) (T, error), discard func(T)) (T, context.CancelFunc, error) {
	type outcome struct {
		idx int
		val T
		err error
	}
	results := make(chan outcome, len(stores))
	cancels := make([]context.CancelFunc, len(stores))

	for i, s := range stores {
		attemptCtx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		go func(i int, s backend.Store) {
			val, err := op(attemptCtx, s)
			results <- outcome{idx: i, val: val, err: err}
		}(i, s)
	}

	var errs []error
	for received := 0; received < len(stores); received++ {
		out := <-results
		if out.err != nil {
			cancels[out.idx]()
			errs = append(errs, out.err)
			continue
		}

		for i, cancel := range cancels {
			if i != out.idx {
				cancel()
			}
		}
		// Reap attempts that complete after the winner: anything that still
		// succeeded holds a live resource and must be discarded.
		remaining := len(stores) - received - 1
		if remaining > 0 {
			go func() {
				for i := 0; i < remaining; i++ {
					late := <-results
					if late.err == nil && discard != nil {
						discard(late.val)
					}
				}
			}()
		}
		return out.val, cancels[out.idx], nil
	}

	var zero T
	return zero, nil, backend.Worst(errs)
}

func discardReader(rd *backend.Reader) {
	if rd != nil && rd.Body != nil {
		stream.Drain(rd.Body)
	}
}

// cancelOnClose ties a request-scoped cancel to the body's lifetime.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (r *Reader) getAllConsistent(ctx context.Context, key, byteRange string) (*backend.Reader, error) {
	stores := r.reg.Stores()
	readers := make([]*backend.Reader, len(stores))
	errs := make([]error, len(stores))

	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s backend.Store) {
			defer wg.Done()
			readers[i], errs[i] = s.GetObject(ctx, key, byteRange)
		}(i, s)
	}
	wg.Wait()

	if err := r.consistencyVerdict(key, "GetObject", errs, etagsOfReaders(readers)); err != nil {
		for _, rd := range readers {
			if rd != nil {
				stream.Drain(rd.Body)
			}
		}
		return nil, err
	}

	// The client sees the primary's payload; the other bodies are drained to
	// release their connections.
	primaryIdx := r.reg.PrimaryIndex()
	for i, rd := range readers {
		if i != primaryIdx {
			go stream.Drain(rd.Body)
		}
	}
	return readers[primaryIdx], nil
}

func (r *Reader) headAllConsistent(ctx context.Context, key string) (backend.Object, error) {
	stores := r.reg.Stores()
	objects := make([]backend.Object, len(stores))
	errs := make([]error, len(stores))

	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s backend.Store) {
			defer wg.Done()
			objects[i], errs[i] = s.HeadObject(ctx, key)
		}(i, s)
	}
	wg.Wait()

	etags := make([]string, len(objects))
	for i, obj := range objects {
		etags[i] = obj.ETag
	}
	if err := r.consistencyVerdict(key, "HeadObject", errs, etags); err != nil {
		return backend.Object{}, err
	}
	return objects[r.reg.PrimaryIndex()], nil
}

func (r *Reader) listAllConsistent(ctx context.Context, opts backend.ListOptions) (backend.ListPage, error) {
	stores := r.reg.Stores()
	pages := make([]backend.ListPage, len(stores))
	errs := make([]error, len(stores))

	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s backend.Store) {
			defer wg.Done()
			pages[i], errs[i] = s.ListObjects(ctx, opts)
		}(i, s)
	}
	wg.Wait()

	if worst := backend.Worst(errs); worst != nil {
		return backend.ListPage{}, r.integrityError("ListObjects", opts.Prefix, worst)
	}

	// Listings are compared by their full sorted key sets, not ETags.
	reference := sortedKeys(pages[0])
	for i := 1; i < len(pages); i++ {
		if !equalKeys(reference, sortedKeys(pages[i])) {
			r.logger.Warn("listing divergence between replicas",
				"backend_a", stores[0].Name(), "backend_b", stores[i].Name(), "prefix", opts.Prefix)
			return backend.ListPage{}, r.integrityError("ListObjects", opts.Prefix, errors.New("replica key sets diverge"))
		}
	}
	return pages[r.reg.PrimaryIndex()], nil
}

// consistencyVerdict folds per-backend outcomes into the all-consistent
// result: NotFound everywhere propagates as NotFound, any other failure or
// any ETag divergence is an integrity failure.
func (r *Reader) consistencyVerdict(key, op string, errs []error, etags []string) error {
	allNotFound := true
	for _, err := range errs {
		if !backend.IsNotFound(err) {
			allNotFound = false
			break
		}
	}
	if allNotFound && len(errs) > 0 && errs[0] != nil {
		return errs[0]
	}

	if worst := backend.Worst(errs); worst != nil {
		return r.integrityError(op, key, worst)
	}

	for i := 1; i < len(etags); i++ {
		if etags[i] != etags[0] {
			r.logger.Warn("replica ETag divergence", "key", key, "etag_a", etags[0], "etag_b", etags[i])
			return r.integrityError(op, key, errors.New("replica ETags diverge"))
		}
	}
	return nil
}

func (r *Reader) integrityError(op, key string, cause error) error {
	return backend.NewError(backend.KindIntegrity, "all", op, key, cause)
}

func etagsOfReaders(readers []*backend.Reader) []string {
	etags := make([]string, len(readers))
	for i, rd := range readers {
		if rd != nil {
			etags[i] = rd.ETag
		}
	}
	return etags
}

func sortedKeys(page backend.ListPage) []string {
	keys := make([]string, 0, len(page.Objects))
	for _, obj := range page.Objects {
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
