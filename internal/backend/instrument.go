package backend

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Instrumented decorates a Store with per-operation outcome counters. The
// vector is labeled (backend, operation, outcome), where outcome is "ok" or
// the failure classification.
type Instrumented struct {
	Store
	ops *prometheus.CounterVec
}

// Instrument wraps s with the given counter vector.
func Instrument(s Store, ops *prometheus.CounterVec) *Instrumented {
	return &Instrumented{Store: s, ops: ops}
}

func (i *Instrumented) record(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	i.ops.WithLabelValues(i.Store.Name(), op, outcome).Inc()
}

func (i *Instrumented) HeadBucket(ctx context.Context) error {
	err := i.Store.HeadBucket(ctx)
	i.record("HeadBucket", err)
	return err
}

func (i *Instrumented) HeadObject(ctx context.Context, key string) (Object, error) {
	obj, err := i.Store.HeadObject(ctx, key)
	i.record("HeadObject", err)
	return obj, err
}

func (i *Instrumented) GetObject(ctx context.Context, key, byteRange string) (*Reader, error) {
	rd, err := i.Store.GetObject(ctx, key, byteRange)
	i.record("GetObject", err)
	return rd, err
}

func (i *Instrumented) PutObject(ctx context.Context, key string, in PutInput) (string, error) {
	etag, err := i.Store.PutObject(ctx, key, in)
	i.record("PutObject", err)
	return etag, err
}

func (i *Instrumented) DeleteObject(ctx context.Context, key string) error {
	err := i.Store.DeleteObject(ctx, key)
	i.record("DeleteObject", err)
	return err
}

func (i *Instrumented) ListObjects(ctx context.Context, opts ListOptions) (ListPage, error) {
	page, err := i.Store.ListObjects(ctx, opts)
	i.record("ListObjects", err)
	return page, err
}
