package strategy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replicat/replicat/internal/backend"
	"github.com/replicat/replicat/internal/metrics"
	"github.com/replicat/replicat/internal/registry"
	"github.com/replicat/replicat/pkg/retry"
)

// Replicator runs the background catch-up writes that follow an
// ASYNC_REPLICATION acknowledgment. Tasks are decoupled from the client
// connection: they run on the replicator's own context and survive client
// disconnects. There is no persistent queue; tasks are orphaned on process
// exit.
type Replicator struct {
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metrics.Collector
	retryer *retry.Retryer

	ctx context.Context

	wg        sync.WaitGroup
	inflight  atomic.Int64
	abandoned atomic.Int64
}

// NewReplicator builds a replicator bound to a process-lifetime context.
// retryCfg zero values fall back to the default catch-up budget.
func NewReplicator(ctx context.Context, reg *registry.Registry, collector *metrics.Collector, retryCfg retry.Config, logger *slog.Logger) *Replicator {
	return &Replicator{
		reg:     reg,
		logger:  logger.With("component", "replicator"),
		metrics: collector,
		retryer: retry.New(retryCfg),
		ctx:     ctx,
	}
}

// SpawnPut enqueues a catch-up write of key to every non-primary backend.
// The task is in flight before SpawnPut returns.
func (r *Replicator) SpawnPut(key string) {
	r.spawn(key, func(ctx context.Context, target backend.Store) error {
		// Re-read from the primary per attempt: the source stream is
		// single-consumer, and re-reading keeps the task independent of the
		// client connection.
		src, err := r.reg.Primary().GetObject(ctx, key, "")
		if err != nil {
			return err
		}
		defer src.Body.Close()
		_, err = target.PutObject(ctx, key, backend.PutInput{
			Body:          src.Body,
			ContentLength: src.Size,
			ContentType:   src.ContentType,
			Metadata:      src.Metadata,
		})
		return err
	})
}

// SpawnDelete enqueues a catch-up delete of key to every non-primary
// backend, under the same bounded retry budget as puts.
func (r *Replicator) SpawnDelete(key string) {
	r.spawn(key, func(ctx context.Context, target backend.Store) error {
		return target.DeleteObject(ctx, key)
	})
}

func (r *Replicator) spawn(key string, apply func(context.Context, backend.Store) error) {
	targets := r.reg.Secondaries()
	if len(targets) == 0 {
		return
	}
	r.metrics.ReplicationSpawned.Inc()
	r.inflight.Add(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Add(-1)

		var targetWG sync.WaitGroup
		for _, target := range targets {
			targetWG.Add(1)
			go func(target backend.Store) {
				defer targetWG.Done()
				r.catchUp(key, target, apply)
			}(target)
		}
		targetWG.Wait()
	}()
}

func (r *Replicator) catchUp(key string, target backend.Store, apply func(context.Context, backend.Store) error) {
	err := r.retryer.Do(r.ctx, func(ctx context.Context) error {
		return apply(ctx, target)
	}, retryableKind)
	if err == nil {
		r.metrics.ReplicationSucceeded.Inc()
		return
	}

	if backend.IsNotFound(err) {
		// The source object vanished between the acknowledgment and the
		// catch-up; nothing left to replicate.
		r.logger.Info("catch-up source gone", "key", key, "target", target.Name())
		return
	}

	r.abandoned.Add(1)
	r.metrics.ReplicationAbandoned.Inc()
	r.logger.Error("catch-up abandoned",
		"key", key,
		"target", target.Name(),
		"abandoned_total", r.abandoned.Load(),
		"error", err)
}

func retryableKind(err error) bool {
	switch backend.KindOf(err) {
	case backend.KindTransient, backend.KindThrottled:
		return true
	default:
		return false
	}
}

// Outstanding returns the number of replication tasks still in flight.
func (r *Replicator) Outstanding() int64 { return r.inflight.Load() }

// Abandoned returns the count of permanently abandoned catch-up writes.
func (r *Replicator) Abandoned() int64 { return r.abandoned.Load() }

// Drain waits up to timeout for in-flight tasks to finish. Returns true when
// everything completed.
func (r *Replicator) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		r.logger.Warn("shutdown with replication tasks still in flight", "outstanding", r.Outstanding())
		return false
	}
}
