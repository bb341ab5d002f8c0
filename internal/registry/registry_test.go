package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicat/replicat/internal/backend"
)

// fakeProbeStore implements only the probing surface; the object operations are
// never reached during selection.
type fakeProbeStore struct {
	backend.Store
	name    string
	latency time.Duration
	// failOn makes the Nth probe fail (1-based); 0 disables.
	failOn int
	calls  int
}

func (p *fakeProbeStore) Name() string { return p.name }

func (p *fakeProbeStore) HeadBucket(ctx context.Context) error {
	p.calls++
	if p.failOn > 0 && p.calls == p.failOn {
		return backend.NewError(backend.KindTransient, p.name, "HeadBucket", "", errors.New("probe failure"))
	}
	time.Sleep(p.latency)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelectPrimaryExplicitName(t *testing.T) {
	stores := []backend.Store{
		&fakeProbeStore{name: "a"},
		&fakeProbeStore{name: "b"},
	}
	idx, err := SelectPrimary(context.Background(), stores, SelectOptions{ExplicitName: "b"}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestSelectPrimaryExplicitNameUnknown(t *testing.T) {
	stores := []backend.Store{&fakeProbeStore{name: "a"}}
	_, err := SelectPrimary(context.Background(), stores, SelectOptions{ExplicitName: "nope"}, discardLogger())
	assert.Error(t, err)
}

func TestSelectPrimaryMutualExclusion(t *testing.T) {
	stores := []backend.Store{&fakeProbeStore{name: "a"}}
	_, err := SelectPrimary(context.Background(), stores, SelectOptions{ExplicitName: "a", LatencyBased: true}, discardLogger())
	assert.Error(t, err)
}

func TestSelectPrimaryDefaultsToFirst(t *testing.T) {
	stores := []backend.Store{
		&fakeProbeStore{name: "a"},
		&fakeProbeStore{name: "b"},
	}
	idx, err := SelectPrimary(context.Background(), stores, SelectOptions{}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestSelectPrimaryLatencyPicksLowestP50(t *testing.T) {
	stores := []backend.Store{
		&fakeProbeStore{name: "slow", latency: 8 * time.Millisecond},
		&fakeProbeStore{name: "fast", latency: time.Millisecond},
	}
	idx, err := SelectPrimary(context.Background(), stores, SelectOptions{LatencyBased: true, ProbeCount: 5}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestSelectPrimaryLatencyDropsFailingBackend(t *testing.T) {
	stores := []backend.Store{
		&fakeProbeStore{name: "flaky", failOn: 3},
		&fakeProbeStore{name: "steady", latency: 5 * time.Millisecond},
	}
	idx, err := SelectPrimary(context.Background(), stores, SelectOptions{LatencyBased: true, ProbeCount: 5}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestSelectPrimaryLatencyNoSurvivors(t *testing.T) {
	stores := []backend.Store{
		&fakeProbeStore{name: "a", failOn: 1},
		&fakeProbeStore{name: "b", failOn: 2},
	}
	_, err := SelectPrimary(context.Background(), stores, SelectOptions{LatencyBased: true, ProbeCount: 3}, discardLogger())
	assert.Error(t, err)
}

func TestRegistryAccessors(t *testing.T) {
	a := backend.NewMemoryStore("a")
	b := backend.NewMemoryStore("b")
	c := backend.NewMemoryStore("c")

	reg, err := New([]backend.Store{a, b, c}, 1)
	require.NoError(t, err)

	assert.Equal(t, "b", reg.Primary().Name())
	assert.Equal(t, 1, reg.PrimaryIndex())
	assert.Equal(t, 3, reg.Len())

	secondaries := reg.Secondaries()
	require.Len(t, secondaries, 2)
	assert.Equal(t, "a", secondaries[0].Name())
	assert.Equal(t, "c", secondaries[1].Name())
}

func TestRegistryRejectsBadPrimaryIndex(t *testing.T) {
	_, err := New([]backend.Store{backend.NewMemoryStore("a")}, 5)
	assert.Error(t, err)

	_, err = New(nil, 0)
	assert.Error(t, err)
}
