package strategy

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicat/replicat/internal/backend"
	"github.com/replicat/replicat/internal/config"
	"github.com/replicat/replicat/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  6,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newAsyncWriter(t *testing.T, retryCfg retry.Config, primary int, stores ...backend.Store) (*Writer, *Replicator) {
	t.Helper()
	reg := newRegistry(primary, stores...)
	repl := NewReplicator(context.Background(), reg, newCollector(), retryCfg, testLogger())
	return NewWriter(reg, config.WriteAsyncReplication, repl, testLogger()), repl
}

func TestAsyncReplicationAcksPrimaryAndCatchesUp(t *testing.T) {
	primary := newStub("a")
	secondary := newStub("b")
	w, repl := newAsyncWriter(t, fastRetry(), 0, primary, secondary)

	etag, err := w.Put(context.Background(), "k", backend.PutInput{
		Body:          strings.NewReader("Hi"),
		ContentLength: 2,
		ContentType:   "text/plain",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	// The write is durable on the primary before the ack.
	rd, err := primary.GetObject(context.Background(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, "Hi", readAll(rd))

	require.True(t, repl.Drain(5*time.Second))
	rd, err = secondary.GetObject(context.Background(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, "Hi", readAll(rd))
	assert.Equal(t, int64(0), repl.Abandoned())
}

func TestAsyncReplicationRetriesUntilTargetRecovers(t *testing.T) {
	primary := newStub("a")
	secondary := newStub("b")
	secondary.failPut = transientErr("b")
	secondary.failPutRemaining.Store(2)
	w, repl := newAsyncWriter(t, fastRetry(), 0, primary, secondary)

	_, err := w.Put(context.Background(), "k", backend.PutInput{
		Body:          strings.NewReader("late but delivered"),
		ContentLength: 18,
	})
	require.NoError(t, err)

	require.True(t, repl.Drain(5*time.Second))
	rd, err := secondary.GetObject(context.Background(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, "late but delivered", readAll(rd))
	assert.Equal(t, int64(0), repl.Abandoned())
}

func TestAsyncReplicationAbandonsAfterRetryBudget(t *testing.T) {
	primary := newStub("a")
	secondary := newStub("b")
	secondary.failPut = transientErr("b")
	secondary.failPutRemaining.Store(-1)

	cfg := fastRetry()
	cfg.MaxAttempts = 2
	w, repl := newAsyncWriter(t, cfg, 0, primary, secondary)

	_, err := w.Put(context.Background(), "k", backend.PutInput{
		Body:          strings.NewReader("never arrives"),
		ContentLength: 13,
	})
	require.NoError(t, err, "catch-up failures must not surface on the request path")

	require.True(t, repl.Drain(5*time.Second))
	assert.Equal(t, int64(1), repl.Abandoned())
}

func TestAsyncReplicationPermanentFailureNotRetried(t *testing.T) {
	primary := newStub("a")
	secondary := newStub("b")
	secondary.failPut = authErr("b")
	secondary.failPutRemaining.Store(-1)
	w, repl := newAsyncWriter(t, fastRetry(), 0, primary, secondary)

	_, err := w.Put(context.Background(), "k", backend.PutInput{Body: strings.NewReader("x"), ContentLength: 1})
	require.NoError(t, err)

	require.True(t, repl.Drain(5*time.Second))
	assert.Equal(t, int64(1), repl.Abandoned())
	assert.Equal(t, int32(1), secondary.puts.Load(), "auth failures exhaust no retry budget")
}

func TestAsyncReplicationPrimaryFailureSpawnsNoTask(t *testing.T) {
	primary := newStub("a")
	primary.failPut = transientErr("a")
	primary.failPutRemaining.Store(-1)
	secondary := newStub("b")
	w, repl := newAsyncWriter(t, fastRetry(), 0, primary, secondary)

	_, err := w.Put(context.Background(), "k", backend.PutInput{Body: strings.NewReader("x"), ContentLength: 1})
	require.Error(t, err)
	assert.Equal(t, int64(0), repl.Outstanding())
	assert.Equal(t, int32(0), secondary.puts.Load())
}

func TestAsyncReplicationDeleteFansOut(t *testing.T) {
	primary := newStub("a")
	primary.seed("k", "x")
	secondary := newStub("b")
	secondary.seed("k", "x")
	w, repl := newAsyncWriter(t, fastRetry(), 0, primary, secondary)

	require.NoError(t, w.Delete(context.Background(), "k"))
	_, err := primary.HeadObject(context.Background(), "k")
	assert.True(t, backend.IsNotFound(err))

	require.True(t, repl.Drain(5*time.Second))
	_, err = secondary.HeadObject(context.Background(), "k")
	assert.True(t, backend.IsNotFound(err))
}

func TestMultiSyncPutFansOutIdenticalBodies(t *testing.T) {
	payload := make([]byte, 1<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	a := newStub("a")
	b := newStub("b")
	reg := newRegistry(0, a, b)
	w := NewWriter(reg, config.WriteMultiSync, nil, testLogger())

	etag, err := w.Put(context.Background(), "k", backend.PutInput{
		Body:          bytes.NewReader(payload),
		ContentLength: int64(len(payload)),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	for _, s := range []*stubStore{a, b} {
		rd, err := s.GetObject(context.Background(), "k", "")
		require.NoError(t, err)
		assert.Equal(t, string(payload), readAll(rd))
	}

	// The client sees the primary's ETag.
	obj, err := a.HeadObject(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, obj.ETag, etag)
}

func TestMultiSyncPutFailsWhenAnyBackendFails(t *testing.T) {
	a := newStub("a")
	b := newStub("b")
	b.failPut = authErr("b")
	b.failPutRemaining.Store(-1)
	w := NewWriter(newRegistry(0, a, b), config.WriteMultiSync, nil, testLogger())

	_, err := w.Put(context.Background(), "k", backend.PutInput{
		Body:          strings.NewReader("doomed"),
		ContentLength: 6,
	})
	require.Error(t, err)
	assert.Equal(t, backend.KindAuthFailure, backend.KindOf(err))
}

func TestMultiSyncSingleBackend(t *testing.T) {
	a := newStub("a")
	w := NewWriter(newRegistry(0, a), config.WriteMultiSync, nil, testLogger())

	_, err := w.Put(context.Background(), "k", backend.PutInput{
		Body:          strings.NewReader("solo"),
		ContentLength: 4,
	})
	require.NoError(t, err)
	rd, err := a.GetObject(context.Background(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, "solo", readAll(rd))
}

func TestMultiSyncDeleteTreatsMissingAsSuccess(t *testing.T) {
	a := newStub("a")
	a.seed("k", "x")
	b := newStub("b")
	w := NewWriter(newRegistry(0, a, b), config.WriteMultiSync, nil, testLogger())

	require.NoError(t, w.Delete(context.Background(), "k"))
	_, err := a.HeadObject(context.Background(), "k")
	assert.True(t, backend.IsNotFound(err))
}

func TestMultiSyncDeleteFailsWhenAnyBackendFails(t *testing.T) {
	a := newStub("a")
	b := newStub("b")
	b.failDelete = transientErr("b")
	w := NewWriter(newRegistry(0, a, b), config.WriteMultiSync, nil, testLogger())

	err := w.Delete(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, backend.KindTransient, backend.KindOf(err))
}
