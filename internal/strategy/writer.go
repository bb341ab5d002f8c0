package strategy

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/replicat/replicat/internal/backend"
	"github.com/replicat/replicat/internal/config"
	"github.com/replicat/replicat/internal/registry"
	"github.com/replicat/replicat/internal/stream"
)

// Writer applies the configured write mode to put and delete operations.
type Writer struct {
	reg    *registry.Registry
	mode   config.WriteMode
	repl   *Replicator
	logger *slog.Logger
}

// NewWriter builds a write engine. repl handles the background catch-up for
// ASYNC_REPLICATION and may be nil under MULTI_SYNC.
func NewWriter(reg *registry.Registry, mode config.WriteMode, repl *Replicator, logger *slog.Logger) *Writer {
	return &Writer{reg: reg, mode: mode, repl: repl, logger: logger.With("component", "write-strategy", "mode", string(mode))}
}

// Put stores an object under the configured write mode and returns the
// primary's ETag.
func (w *Writer) Put(ctx context.Context, key string, in backend.PutInput) (string, error) {
	switch w.mode {
	case config.WriteAsyncReplication:
		etag, err := w.reg.Primary().PutObject(ctx, key, in)
		if err != nil {
			return "", err
		}
		// The catch-up task is enqueued before the caller sees success, so a
		// read observing the primary's new state finds it already in flight.
		w.repl.SpawnPut(key)
		return etag, nil

	case config.WriteMultiSync:
		return w.putMultiSync(ctx, key, in)

	default:
		return "", errors.New("unknown write mode")
	}
}

// Delete removes an object under the configured write mode.
func (w *Writer) Delete(ctx context.Context, key string) error {
	switch w.mode {
	case config.WriteAsyncReplication:
		if err := w.reg.Primary().DeleteObject(ctx, key); err != nil {
			return err
		}
		w.repl.SpawnDelete(key)
		return nil

	case config.WriteMultiSync:
		stores := w.reg.Stores()
		errs := make([]error, len(stores))
		var wg sync.WaitGroup
		for i, s := range stores {
			wg.Add(1)
			go func(i int, s backend.Store) {
				defer wg.Done()
				errs[i] = s.DeleteObject(ctx, key)
			}(i, s)
		}
		wg.Wait()
		return backend.Worst(errs)

	default:
		return errors.New("unknown write mode")
	}
}

// putMultiSync tees the incoming body to every backend concurrently. All
// must succeed; the client sees the primary's ETag. Divergent ETags across
// providers are allowed on PUT.
func (w *Writer) putMultiSync(ctx context.Context, key string, in backend.PutInput) (string, error) {
	stores := w.reg.Stores()
	if len(stores) == 1 {
		return stores[0].PutObject(ctx, key, in)
	}

	tee := stream.NewTee(len(stores))
	etags := make([]string, len(stores))
	errs := make([]error, len(stores))

	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s backend.Store) {
			defer wg.Done()
			etag, err := s.PutObject(ctx, key, backend.PutInput{
				Body:          tee.Reader(i),
				ContentLength: in.ContentLength,
				ContentType:   in.ContentType,
				Metadata:      in.Metadata,
			})
			etags[i], errs[i] = etag, err
			if err != nil {
				// Releases the producer and tears down the other sinks.
				tee.CancelSink(i, err)
			}
		}(i, s)
	}

	pumpErr := tee.Run(in.Body)
	wg.Wait()

	if err := backend.Worst(errs); err != nil {
		return "", err
	}
	if pumpErr != nil {
		return "", pumpErr
	}
	return etags[w.reg.PrimaryIndex()], nil
}
